package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/bot-auth-bridge/internal/conversation"
	"github.com/dgellow/bot-auth-bridge/internal/idp"
	"github.com/dgellow/bot-auth-bridge/internal/log"
	"github.com/dgellow/bot-auth-bridge/internal/login"
	"github.com/dgellow/bot-auth-bridge/internal/storage"
)

// StateKey is the conversation state key requests are kept under.
const StateKey = "dialog.resource"

// Tokens is the part of the identity provider a request needs.
type Tokens interface {
	AppResource() string
	AcquireSilently(ctx context.Context, userKey, resource, uniqueID string) *idp.TokenResult
	AcquireWithAssertion(ctx context.Context, userKey, resource, assertion string) (*idp.TokenResult, error)
}

// LoginStepper runs the nested application login.
type LoginStepper interface {
	Step(ctx context.Context, ref conversation.Reference, p login.Payload, ev login.Event, report func(conversation.Outcome)) (login.Payload, error)
}

// Observer is told about every on-behalf-of exchange.
type Observer interface {
	TokenRequestComplete(ctx context.Context, resource string, duration time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) TokenRequestComplete(context.Context, string, time.Duration, error) {}

// Dialog runs resource token requests and keeps their payload in the
// conversation state.
type Dialog struct {
	store     storage.Store
	transport conversation.Transport
	tokens    Tokens
	login     LoginStepper
	observer  Observer
}

func NewDialog(store storage.Store, transport conversation.Transport, tokens Tokens, loginDialog LoginStepper, observer Observer) *Dialog {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Dialog{
		store:     store,
		transport: transport,
		tokens:    tokens,
		login:     loginDialog,
		observer:  observer,
	}
}

// Begin starts a request for resource in the conversation.
func (d *Dialog) Begin(ctx context.Context, ref conversation.Reference, resource string, ignoreCache, requireConsent bool) (Payload, error) {
	p, err := d.Step(ctx, ref, New(resource, ignoreCache, requireConsent), Start{ChannelID: ref.ChannelID}, nil)
	if err != nil && !p.Finished() {
		// A half-run request is never stored, the user starts over.
		if delErr := d.store.Delete(ctx, storage.ConversationBucket(ref.Key()), StateKey); delErr != nil {
			log.LogWarnWithFields("resource", "Failed to clear interrupted request", map[string]any{
				"conversation": ref.Key(),
				"error":        delErr.Error(),
			})
		}
		return p, err
	}
	if saveErr := d.save(ctx, ref, p); saveErr != nil && err == nil {
		err = saveErr
	}
	return p, err
}

// Continue delivers a turn to the active request of the conversation. It
// reports false when no request is active.
func (d *Dialog) Continue(ctx context.Context, turn conversation.Turn) (Payload, bool, error) {
	var p Payload
	found, err := storage.GetObject(ctx, d.store, storage.ConversationBucket(turn.Ref.Key()), StateKey, &p)
	if err != nil {
		return p, false, err
	}
	if !found || p.Finished() {
		return p, false, nil
	}

	ev, report := login.EventFor(turn.Event)
	if ev == nil {
		return p, true, nil
	}
	next, err := d.Step(ctx, turn.Ref, p, LoginInput{Event: ev}, report)
	if err != nil && !next.Finished() {
		// Keep the payload the turn started from; it is still a resting state.
		return p, true, err
	}
	if saveErr := d.save(ctx, turn.Ref, next); saveErr != nil && err == nil {
		err = saveErr
	}
	return next, true, err
}

func (d *Dialog) save(ctx context.Context, ref conversation.Reference, p Payload) error {
	bucket := storage.ConversationBucket(ref.Key())
	if p.Finished() {
		return d.store.Delete(ctx, bucket, StateKey)
	}
	return storage.PutObject(ctx, d.store, bucket, StateKey, p)
}

// Step applies ev to p and runs the resulting effects until the request
// waits for the next turn or terminates. A fatal provider error is returned
// along with the terminal payload.
func (d *Dialog) Step(ctx context.Context, ref conversation.Reference, p Payload, ev Event, report func(conversation.Outcome)) (Payload, error) {
	r := &reporter{fn: report}
	defer r.finish()

	queue := []Event{ev}
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		from, fromPhase := p.State, p.Phase
		var effects []Effect
		p, effects = Transition(p, ev)
		if from != p.State || fromPhase != p.Phase {
			log.LogTraceWithFields("resource", "State changed", map[string]any{
				"conversation": ref.Key(),
				"resource":     p.Resource,
				"from":         from.String(),
				"to":           p.State.String(),
				"phase":        int(p.Phase),
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
	case AcquireSilently:
		return SilentResult{Token: d.acquireSilently(ctx, ref, eff)}, nil

	case DriveLogin:
		lp, err := d.login.Step(ctx, ref, eff.Login, eff.Event, r.report)
		if err != nil {
			return nil, err
		}
		return LoginProgressed{Login: lp}, nil

	case AcquireWithAssertion:
		start := time.Now()
		result, err := d.tokens.AcquireWithAssertion(ctx, ref.UserKey(), eff.Resource, eff.Assertion)
		d.observer.TokenRequestComplete(ctx, eff.Resource, time.Since(start), err)
		if err != nil {
			log.LogWarnWithFields("resource", "On-behalf-of exchange failed", map[string]any{
				"resource": eff.Resource,
				"user":     ref.UserKey(),
				"error":    err.Error(),
			})
			return Asserted{Err: err}, nil
		}
		return Asserted{Token: result.AccessToken}, nil

	case PostMessage:
		return nil, d.transport.Post(ctx, ref, eff.Text)

	case Fail:
		return nil, fmt.Errorf("failed to acquire resource token: %w", eff.Err)
	}
	return nil, fmt.Errorf("unknown resource effect %T", eff)
}

func (d *Dialog) acquireSilently(ctx context.Context, ref conversation.Reference, eff AcquireSilently) string {
	uniqueID, err := storage.GetLastUniqueID(ctx, d.store, ref.UserKey())
	if err != nil {
		log.LogWarnWithFields("resource", "Failed to read last known identity", map[string]any{
			"user":  ref.UserKey(),
			"error": err.Error(),
		})
		return ""
	}
	if uniqueID == "" {
		return ""
	}

	if eff.App {
		return d.tokens.AcquireSilently(ctx, ref.UserKey(), d.tokens.AppResource(), uniqueID).AppToken()
	}
	result := d.tokens.AcquireSilently(ctx, ref.UserKey(), eff.Resource, uniqueID)
	if result == nil {
		return ""
	}
	return result.AccessToken
}

// reporter delivers at most one outcome to the callback bridge and reports
// an error if a callback turn ends without one.
type reporter struct {
	once sync.Once
	fn   func(conversation.Outcome)
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
