package resource

import (
	"errors"

	"github.com/dgellow/bot-auth-bridge/internal/idp"
	"github.com/dgellow/bot-auth-bridge/internal/login"
)

const (
	msgNeedConsent  = "Looks like we haven't asked your consent for this, doing that now...."
	msgTokenExpired = "Looks like your application token is expired - need a new one...."
)

// Transition applies ev to p. It returns the next payload and the effects
// to run, in order. It performs no I/O.
func Transition(p Payload, ev Event) (Payload, []Effect) {
	switch ev := ev.(type) {
	case Start:
		if p.State != TryingSilent {
			return p, nil
		}
		p.ChannelID = ev.ChannelID
		if p.IgnoreCache || p.RequireConsent {
			return delegate(p, p.IgnoreCache, p.RequireConsent)
		}
		return p, []Effect{AcquireSilently{Resource: p.Resource}}

	case SilentResult:
		switch {
		case p.State == TryingSilent:
			if ev.Token != "" {
				return finish(p, ev.Token), nil
			}
			return delegate(p, p.IgnoreCache, p.RequireConsent)
		case p.State == DelegatingToLogin && p.Phase == PhaseAppSilent:
			if ev.Token != "" {
				return withAppToken(p, ev.Token)
			}
			return startLogin(p, false)
		case p.State == DelegatingToLogin && p.Phase == PhaseResourceSilent:
			if ev.Token != "" {
				return finish(p, ev.Token), nil
			}
			p.Phase = PhaseAssertion
			return p, []Effect{AcquireWithAssertion{Resource: p.Resource, Assertion: p.AppToken}}
		}
		return p, nil

	case LoginInput:
		if p.State != DelegatingToLogin || p.Phase != PhaseLogin || p.Login == nil {
			return p, nil
		}
		return p, []Effect{DriveLogin{Login: *p.Login, Event: ev.Event}}

	case LoginProgressed:
		if p.State != DelegatingToLogin || p.Phase != PhaseLogin {
			return p, nil
		}
		lp := ev.Login
		p.Login = &lp
		if !lp.Finished() {
			return p, nil
		}
		if lp.Token() == "" {
			return finish(p, ""), nil
		}
		return withAppToken(p, lp.Token())

	case Asserted:
		if p.State != DelegatingToLogin || p.Phase != PhaseAssertion {
			return p, nil
		}
		return onAsserted(p, ev)
	}
	return p, nil
}

func onAsserted(p Payload, ev Asserted) (Payload, []Effect) {
	if ev.Err == nil && ev.Token != "" {
		return finish(p, ev.Token), nil
	}

	err := ev.Err
	if err == nil {
		err = errors.New("token endpoint returned no access token")
	}

	if p.Recovery == RecoveryNone {
		switch {
		case errors.Is(err, idp.ErrConsentRequired):
			p.Recovery = RecoveryConsent
			next, effects := delegate(p, true, true)
			return next, append([]Effect{PostMessage{Text: msgNeedConsent}}, effects...)
		case errors.Is(err, idp.ErrTokenExpired):
			p.Recovery = RecoveryExpired
			next, effects := delegate(p, true, false)
			return next, append([]Effect{PostMessage{Text: msgTokenExpired}}, effects...)
		}
	}

	p = finish(p, "")
	p.Failed = true
	return p, []Effect{Fail{Err: err}}
}

// delegate enters DelegatingToLogin. Unless the cache is ignored or consent
// must be asked for, a cached application token is tried before running a
// login.
func delegate(p Payload, ignoreCache, requireConsent bool) (Payload, []Effect) {
	p.State = DelegatingToLogin
	p.AppToken = ""
	p.Login = nil
	if !ignoreCache && !requireConsent {
		p.Phase = PhaseAppSilent
		return p, []Effect{AcquireSilently{App: true}}
	}
	return startLogin(p, requireConsent)
}

func startLogin(p Payload, requireConsent bool) (Payload, []Effect) {
	lp := login.New(requireConsent)
	p.Phase = PhaseLogin
	p.Login = &lp
	return p, []Effect{DriveLogin{Login: lp, Event: login.Start{ChannelID: p.ChannelID}}}
}

func withAppToken(p Payload, token string) (Payload, []Effect) {
	p.AppToken = token
	p.Login = nil
	p.Phase = PhaseResourceSilent
	return p, []Effect{AcquireSilently{Resource: p.Resource}}
}

func finish(p Payload, token string) Payload {
	p.State = Terminal
	p.Phase = PhaseNone
	p.Login = nil
	p.AppToken = ""
	p.Token = token
	return p
}
