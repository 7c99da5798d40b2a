package login

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgellow/bot-auth-bridge/internal/conversation"
	"github.com/dgellow/bot-auth-bridge/internal/crypto"
	"github.com/dgellow/bot-auth-bridge/internal/idp"
	"github.com/dgellow/bot-auth-bridge/internal/log"
	"github.com/dgellow/bot-auth-bridge/internal/storage"
	"github.com/dgellow/bot-auth-bridge/internal/urlutil"
)

// StateKey is the conversation state key a standalone login is kept under.
const StateKey = "dialog.login"

// StateEncoder turns resumption state into the login link's state parameter.
type StateEncoder interface {
	EncodeState(state conversation.SessionState) (string, error)
}

// Provider is the part of the identity provider a login needs.
type Provider interface {
	AuthorizeURL(redirectURI, state string, requireConsent bool) string
	ExchangeCode(ctx context.Context, userKey, code, redirectURI string) (*idp.TokenResult, error)
}

// Capabilities are the deployment specific parts of a login.
type Capabilities interface {
	// RedirectURI is the externally reachable callback URL.
	RedirectURI() string
	// SaveSettings persists what a successful login established.
	SaveSettings(ctx context.Context, ref conversation.Reference, result AuthResult) error
	// PreAuthForResources warms the token cache for resources. Failures
	// are logged, never returned.
	PreAuthForResources(ctx context.Context, ref conversation.Reference, result AuthResult, resources ...string)
}

// Dialog runs logins: it executes the effects of Transition and keeps the
// payload of standalone logins in the conversation state.
type Dialog struct {
	store     storage.Store
	transport conversation.Transport
	encoder   StateEncoder
	provider  Provider
	caps      Capabilities
	newKey    func() (string, error)
}

// Option configures a Dialog.
type Option func(*Dialog)

// WithKeyGenerator replaces the security key generator.
func WithKeyGenerator(fn func() (string, error)) Option {
	return func(d *Dialog) { d.newKey = fn }
}

func NewDialog(store storage.Store, transport conversation.Transport, encoder StateEncoder, provider Provider, caps Capabilities, opts ...Option) *Dialog {
	d := &Dialog{
		store:     store,
		transport: transport,
		encoder:   encoder,
		provider:  provider,
		caps:      caps,
		newKey:    crypto.GenerateSecurityKey,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Begin starts a standalone login in the conversation.
func (d *Dialog) Begin(ctx context.Context, ref conversation.Reference, requireConsent bool) (Payload, error) {
	p, err := d.Step(ctx, ref, New(requireConsent), Start{ChannelID: ref.ChannelID}, nil)
	if err != nil {
		return p, err
	}
	return p, d.save(ctx, ref, p)
}

// Continue delivers a turn to the standalone login of the conversation. It
// reports false when no login is active.
func (d *Dialog) Continue(ctx context.Context, turn conversation.Turn) (Payload, bool, error) {
	var p Payload
	found, err := storage.GetObject(ctx, d.store, storage.ConversationBucket(turn.Ref.Key()), StateKey, &p)
	if err != nil {
		return p, false, err
	}
	if !found || p.Finished() {
		return p, false, nil
	}

	ev, report := EventFor(turn.Event)
	if ev == nil {
		return p, true, nil
	}
	p, err = d.Step(ctx, turn.Ref, p, ev, report)
	if err != nil {
		return p, true, err
	}
	return p, true, d.save(ctx, turn.Ref, p)
}

func (d *Dialog) save(ctx context.Context, ref conversation.Reference, p Payload) error {
	bucket := storage.ConversationBucket(ref.Key())
	if p.Finished() {
		return d.store.Delete(ctx, bucket, StateKey)
	}
	return storage.PutObject(ctx, d.store, bucket, StateKey, p)
}

// EventFor maps a conversation event to a login event. For callbacks it
// also returns the function reporting the outcome to the callback bridge.
func EventFor(ev conversation.Event) (Event, func(conversation.Outcome)) {
	switch ev := ev.(type) {
	case conversation.Message:
		return MessageReceived{Text: ev.Text}, nil
	case conversation.CallbackEvent:
		return CallbackReceived{Callback: ev.Callback}, ev.Done
	}
	return nil, nil
}

// Step applies ev to p and runs the resulting effects, feeding their results
// back, until the login waits for the next turn or terminates. report
// receives the outcome of a callback; when a callback turn ends without an
// outcome, an error outcome is reported.
func (d *Dialog) Step(ctx context.Context, ref conversation.Reference, p Payload, ev Event, report func(conversation.Outcome)) (Payload, error) {
	r := newReporter(report)
	defer r.finish()

	queue := []Event{ev}
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		from := p.State
		var effects []Effect
		p, effects = Transition(p, ev)
		if from != p.State {
			log.LogTraceWithFields("login", "State changed", map[string]any{
				"conversation": ref.Key(),
				"from":         from.String(),
				"to":           p.State.String(),
			})
		}

		for _, eff := range effects {
			next, err := d.execute(ctx, ref, eff, r)
			if err != nil {
				return p, err
			}
			if next != nil {
				queue = append(queue, next)
			}
		}
	}
	return p, nil
}

func (d *Dialog) execute(ctx context.Context, ref conversation.Reference, eff Effect, r *reporter) (Event, error) {
	switch eff := eff.(type) {
	case PostMessage:
		return nil, d.transport.Post(ctx, ref, eff.Text)

	case PromptLogin:
		if err := d.promptLogin(ctx, ref, eff.RequireConsent); err != nil {
			return nil, err
		}
		return PromptPosted{}, nil

	case ExchangeCode:
		return d.exchange(ctx, ref, eff), nil

	case GenerateChallenge:
		key, err := d.newKey()
		if err != nil {
			return nil, err
		}
		hash, err := crypto.HashSecurityKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to hash security key: %w", err)
		}
		return ChallengeGenerated{Key: key, KeyHash: hash}, nil

	case ReportOutcome:
		r.report(eff.Outcome)
		return nil, nil

	case SaveSettings:
		if err := d.caps.SaveSettings(ctx, ref, eff.Result); err != nil {
			// the login itself succeeded; the next one will be challenged
			log.LogErrorWithFields("login", "Failed to save settings", map[string]any{
				"conversation": ref.Key(),
				"error":        err.Error(),
			})
		}
		return SettingsSaved{}, nil
	}
	return nil, fmt.Errorf("unknown login effect %T", eff)
}

func (d *Dialog) promptLogin(ctx context.Context, ref conversation.Reference, requireConsent bool) error {
	state, err := d.encoder.EncodeState(conversation.SessionState{
		Conversation:   ref,
		StartingUserID: ref.User.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode login state: %w", err)
	}

	log.LogInfoWithFields("login", "Prompting for login", map[string]any{
		"conversation": ref.Key(),
		"user":         ref.User.ID,
		"channel":      ref.ChannelID,
	})
	return d.transport.PostLoginPrompt(ctx, ref, conversation.LoginPrompt{
		Text:        msgLoginPrompt,
		ButtonTitle: msgLoginButton,
		URL:         d.provider.AuthorizeURL(d.caps.RedirectURI(), state, requireConsent),
		Style:       conversation.LinkStyleFor(ref.ChannelID),
		Card:        conversation.CardKindFor(ref.ChannelID),
	})
}

func (d *Dialog) exchange(ctx context.Context, ref conversation.Reference, eff ExchangeCode) Exchanged {
	ev := Exchanged{StartingUserID: eff.StartingUserID}

	token, err := d.provider.ExchangeCode(ctx, ref.UserKey(), eff.Code, d.redirectURIFor(eff.RequestURI))
	if err != nil {
		ev.Err = err
		return ev
	}
	ev.Result = &AuthResult{
		AccessToken: token.AppToken(),
		Upn:         token.Upn,
		GivenName:   token.GivenName,
		FamilyName:  token.FamilyName,
		UniqueID:    token.UniqueID,
	}

	last, err := storage.GetLastUniqueID(ctx, d.store, ref.UserKey())
	if err != nil {
		log.LogWarnWithFields("login", "Failed to read last known identity", map[string]any{
			"user":  ref.UserKey(),
			"error": err.Error(),
		})
	}
	ev.LastKnownIdentity = last
	return ev
}

// redirectURIFor returns the callback URL without query, which must match
// the redirect_uri of the login link.
func (d *Dialog) redirectURIFor(requestURI string) string {
	if uri, ok := urlutil.StripQuery(requestURI); ok {
		return uri
	}
	return d.caps.RedirectURI()
}

// reporter delivers at most one outcome to the callback bridge.
type reporter struct {
	once sync.Once
	fn   func(conversation.Outcome)
}

func newReporter(fn func(conversation.Outcome)) *reporter {
	return &reporter{fn: fn}
}

func (r *reporter) report(o conversation.Outcome) {
	if r.fn == nil {
		return
	}
	r.once.Do(func() { r.fn(o) })
}

func (r *reporter) finish() {
	r.report(conversation.Outcome{Kind: conversation.OutcomeError})
}
