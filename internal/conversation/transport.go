package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/bot-auth-bridge/internal/crypto"
	"github.com/dgellow/bot-auth-bridge/internal/log"
)

// LoginPrompt is an interactive message carrying the login link.
type LoginPrompt struct {
	Text        string    `json:"text"`
	ButtonTitle string    `json:"buttonTitle"`
	URL         string    `json:"url"`
	Style       LinkStyle `json:"style"`
	Card        CardKind  `json:"card"`
}

// Transport delivers bot messages into a conversation. Rendering is up to
// the implementation.
type Transport interface {
	Post(ctx context.Context, ref Reference, text string) error
	PostLoginPrompt(ctx context.Context, ref Reference, prompt LoginPrompt) error
}

// Resumer reactivates a suspended conversation and delivers it an event.
type Resumer interface {
	Resume(ctx context.Context, ref Reference, ev Event) error
}

// Handler processes a single conversation turn.
type Handler interface {
	HandleTurn(ctx context.Context, turn Turn) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, turn Turn) error

func (f HandlerFunc) HandleTurn(ctx context.Context, turn Turn) error {
	return f(ctx, turn)
}

// OutboundMessage is a message recorded by LogTransport.
type OutboundMessage struct {
	ID           string       `json:"id"`
	Conversation string       `json:"conversation"`
	Text         string       `json:"text,omitempty"`
	Prompt       *LoginPrompt `json:"prompt,omitempty"`
}

const (
	// MaxOutboxMessages is how many undrained messages LogTransport keeps
	// per conversation. Older ones are dropped.
	MaxOutboxMessages = 50
	// OutboxTTL is how long a conversation's undrained messages are kept
	// after the last one was posted.
	OutboxTTL = 10 * time.Minute
)

// LogTransport logs every outbound message and keeps them per conversation
// until drained. It backs the development message endpoint.
type LogTransport struct {
	mu     sync.Mutex
	outbox map[string]*outbox
	now    func() time.Time
}

type outbox struct {
	messages []OutboundMessage
	updated  time.Time
}

var _ Transport = (*LogTransport)(nil)

func NewLogTransport() *LogTransport {
	return newLogTransport(time.Now)
}

func newLogTransport(now func() time.Time) *LogTransport {
	return &LogTransport{outbox: make(map[string]*outbox), now: now}
}

func (t *LogTransport) Post(ctx context.Context, ref Reference, text string) error {
	log.LogInfoWithFields("conversation", "Bot message", map[string]any{
		"conversation": ref.Key(),
		"text":         text,
	})
	t.record(OutboundMessage{Conversation: ref.Key(), Text: text})
	return nil
}

func (t *LogTransport) PostLoginPrompt(ctx context.Context, ref Reference, prompt LoginPrompt) error {
	log.LogInfoWithFields("conversation", "Bot login prompt", map[string]any{
		"conversation": ref.Key(),
		"style":        string(prompt.Style),
		"card":         string(prompt.Card),
	})
	t.record(OutboundMessage{Conversation: ref.Key(), Text: prompt.Text, Prompt: &prompt})
	return nil
}

func (t *LogTransport) record(msg OutboundMessage) {
	id, err := crypto.GenerateSecureToken()
	if err != nil {
		log.LogWarnWithFields("conversation", "Failed to generate activity id", map[string]any{
			"error": err.Error(),
		})
	}
	msg.ID = id

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.expire(now)

	box, ok := t.outbox[msg.Conversation]
	if !ok {
		box = &outbox{}
		t.outbox[msg.Conversation] = box
	}
	box.messages = append(box.messages, msg)
	if n := len(box.messages) - MaxOutboxMessages; n > 0 {
		box.messages = append([]OutboundMessage(nil), box.messages[n:]...)
	}
	box.updated = now
}

// expire drops conversations nobody drained within OutboxTTL.
func (t *LogTransport) expire(now time.Time) {
	for key, box := range t.outbox {
		if now.Sub(box.updated) > OutboxTTL {
			log.LogDebugWithFields("conversation", "Dropping undrained messages", map[string]any{
				"conversation": key,
				"count":        len(box.messages),
			})
			delete(t.outbox, key)
		}
	}
}

// Drain returns and forgets the messages posted to a conversation.
func (t *LogTransport) Drain(conversationKey string) []OutboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	box, ok := t.outbox[conversationKey]
	if !ok {
		return nil
	}
	delete(t.outbox, conversationKey)
	if t.now().Sub(box.updated) > OutboxTTL {
		return nil
	}
	return box.messages
}
