package conversation

import (
	"context"

	"github.com/dgellow/bot-auth-bridge/internal/log"
	"github.com/dgellow/bot-auth-bridge/internal/syncutil"
)

// Router is an in-process Resumer. It runs at most one turn per
// conversation at a time; turns for different conversations run
// concurrently.
type Router struct {
	handler Handler
	locks   syncutil.KeyedMutex
}

var _ Resumer = (*Router)(nil)

func NewRouter(handler Handler) *Router {
	return &Router{handler: handler}
}

// Dispatch runs a turn once no other turn of the same conversation is active.
func (r *Router) Dispatch(ctx context.Context, turn Turn) error {
	unlock, err := r.locks.Lock(ctx, turn.Ref.Key())
	if err != nil {
		return err
	}
	defer unlock()

	log.LogTraceWithFields("conversation", "Dispatching turn", map[string]any{
		"conversation": turn.Ref.Key(),
		"event":        eventName(turn.Event),
	})
	return r.handler.HandleTurn(ctx, turn)
}

// Resume delivers an event to a suspended conversation.
func (r *Router) Resume(ctx context.Context, ref Reference, ev Event) error {
	return r.Dispatch(ctx, Turn{Ref: ref, Event: ev})
}

func eventName(ev Event) string {
	switch ev.(type) {
	case Message:
		return "message"
	case CallbackEvent:
		return "callback"
	default:
		return "unknown"
	}
}
