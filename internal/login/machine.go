package login

import (
	"errors"
	"strings"

	"github.com/dgellow/bot-auth-bridge/internal/conversation"
	"github.com/dgellow/bot-auth-bridge/internal/crypto"
	"github.com/dgellow/bot-auth-bridge/internal/idp"
)

// Transition applies ev to p. It returns the next payload and the effects
// to run, in order. It performs no I/O.
func Transition(p Payload, ev Event) (Payload, []Effect) {
	switch ev := ev.(type) {
	case Start:
		if p.State != AwaitingStart {
			return p, nil
		}
		p.PromptForKey = conversation.CanReceiveText(ev.ChannelID)
		return prompt(p)

	case PromptPosted:
		if p.State != PromptedForLogin {
			return p, nil
		}
		p.State = AwaitingCallback
		return p, nil

	case CallbackReceived:
		return onCallback(p, ev.Callback)

	case Exchanged:
		return onExchanged(p, ev)

	case ChallengeGenerated:
		if p.State != AwaitingCallback || p.Pending == nil {
			return p, nil
		}
		pending := *p.Pending
		pending.SecurityKeyHash = ev.KeyHash
		p.State = ChallengingSecurityKey
		p.Pending = &pending
		effects := []Effect{ReportOutcome{Outcome: conversation.Outcome{
			Kind:        conversation.OutcomeChallenge,
			SecurityKey: ev.Key,
		}}}
		if p.PromptForKey {
			effects = append(effects, PostMessage{Text: msgEnterKey})
		}
		return p, effects

	case MessageReceived:
		return onMessage(p, ev.Text)

	case SettingsSaved:
		if p.State != Done {
			return p, nil
		}
		p.State = Terminal
		return p, nil
	}
	return p, nil
}

func prompt(p Payload) (Payload, []Effect) {
	p.State = PromptedForLogin
	p.Pending = nil
	p.Result = nil
	return p, []Effect{PromptLogin{RequireConsent: p.RequireConsent}}
}

func terminate(p Payload, result *AuthResult) Payload {
	p.State = Terminal
	p.Pending = nil
	p.Result = result
	return p
}

func reportError() Effect {
	return ReportOutcome{Outcome: conversation.Outcome{Kind: conversation.OutcomeError}}
}

func onCallback(p Payload, cb conversation.AuthorizationCallback) (Payload, []Effect) {
	if p.State != AwaitingCallback {
		// stale or duplicate callback
		return p, []Effect{reportError()}
	}

	if cb.Failed() {
		return terminate(p, nil), []Effect{
			PostMessage{Text: cb.Error + ": " + cb.ErrorDescription},
			reportError(),
		}
	}

	return p, []Effect{ExchangeCode{
		Code:           cb.Code,
		RequestURI:     cb.RequestURI,
		StartingUserID: cb.State.StartingUserID,
	}}
}

func onExchanged(p Payload, ev Exchanged) (Payload, []Effect) {
	if p.State != AwaitingCallback {
		return p, []Effect{reportError()}
	}

	if ev.Err != nil || ev.Result == nil {
		return terminate(p, nil), []Effect{
			PostMessage{Text: exchangeErrorText(ev.Err)},
			reportError(),
		}
	}

	result := *ev.Result
	if result.UniqueID != "" && (result.UniqueID == ev.StartingUserID || result.UniqueID == ev.LastKnownIdentity) {
		p.State = Done
		p.Pending = nil
		p.Result = &result
		return p, []Effect{
			ReportOutcome{Outcome: conversation.Outcome{Kind: conversation.OutcomeNoChallenge}},
			PostMessage{Text: msgNoKeyRequired},
			SaveSettings{Result: result},
		}
	}

	p.Pending = &PendingChallenge{Result: result}
	return p, []Effect{GenerateChallenge{}}
}

func onMessage(p Payload, text string) (Payload, []Effect) {
	switch p.State {
	case AwaitingCallback:
		return terminate(p, nil), []Effect{PostMessage{Text: msgCancelled}}

	case ChallengingSecurityKey:
		switch strings.ToLower(strings.TrimSpace(text)) {
		case "cancel":
			return terminate(p, nil), nil
		case "retry":
			return prompt(p)
		}

		if p.Pending != nil && crypto.VerifySecurityKey(p.Pending.SecurityKeyHash, DigitsOnly(text)) {
			result := p.Pending.Result
			p.State = Done
			p.Pending = nil
			p.Result = &result
			return p, []Effect{
				PostMessage{Text: msgKeyMatches},
				SaveSettings{Result: result},
			}
		}
		return p, []Effect{PostMessage{Text: msgKeyGuidance}}
	}
	return p, nil
}

// exchangeErrorText is what the user sees when a code cannot be redeemed.
// Provider rejections are echoed, anything else stays generic.
func exchangeErrorText(err error) string {
	var pe *idp.ProviderError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	return msgLoginFailed
}

// DigitsOnly strips everything but ASCII digits.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
