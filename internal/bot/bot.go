// Package bot is a small command bot driving the login and resource
// dialogs. It is the reference host for the authentication flows.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgellow/bot-auth-bridge/internal/conversation"
	"github.com/dgellow/bot-auth-bridge/internal/idp"
	"github.com/dgellow/bot-auth-bridge/internal/log"
	"github.com/dgellow/bot-auth-bridge/internal/login"
	"github.com/dgellow/bot-auth-bridge/internal/resource"
	"github.com/dgellow/bot-auth-bridge/internal/storage"
)

const helpText = "Commands: 'login', 'login consent', 'token <resource>', " +
	"'token <resource> fresh', 'token <resource> consent', 'logout'."

// LoginDialog runs standalone logins.
type LoginDialog interface {
	Begin(ctx context.Context, ref conversation.Reference, requireConsent bool) (login.Payload, error)
	Continue(ctx context.Context, turn conversation.Turn) (login.Payload, bool, error)
}

// ResourceDialog runs resource token requests.
type ResourceDialog interface {
	Begin(ctx context.Context, ref conversation.Reference, resource string, ignoreCache, requireConsent bool) (resource.Payload, error)
	Continue(ctx context.Context, turn conversation.Turn) (resource.Payload, bool, error)
}

// Bot routes each turn to the active dialog of the conversation, or
// interprets it as a command when none is active.
type Bot struct {
	login     LoginDialog
	resources ResourceDialog
	transport conversation.Transport
	store     storage.Store
}

var _ conversation.Handler = (*Bot)(nil)

func New(loginDialog LoginDialog, resources ResourceDialog, transport conversation.Transport, store storage.Store) *Bot {
	return &Bot{
		login:     loginDialog,
		resources: resources,
		transport: transport,
		store:     store,
	}
}

func (b *Bot) HandleTurn(ctx context.Context, turn conversation.Turn) error {
	rp, active, err := b.resources.Continue(ctx, turn)
	if active {
		return b.resourceDone(ctx, turn.Ref, rp, err)
	}
	if err != nil {
		return err
	}

	lp, active, err := b.login.Continue(ctx, turn)
	if err != nil {
		return err
	}
	if active {
		return b.loginDone(ctx, turn.Ref, lp)
	}

	switch ev := turn.Event.(type) {
	case conversation.CallbackEvent:
		log.LogWarnWithFields("bot", "Callback for a conversation without an active login", map[string]any{
			"conversation": turn.Ref.Key(),
		})
		if ev.Done != nil {
			ev.Done(conversation.Outcome{Kind: conversation.OutcomeError})
		}
		return nil
	case conversation.Message:
		return b.command(ctx, turn.Ref, ev.Text)
	}
	return nil
}

func (b *Bot) command(ctx context.Context, ref conversation.Reference, text string) error {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return b.transport.Post(ctx, ref, helpText)
	}

	switch strings.ToLower(fields[0]) {
	case "login":
		requireConsent := len(fields) > 1 && strings.EqualFold(fields[1], "consent")
		p, err := b.login.Begin(ctx, ref, requireConsent)
		if err != nil {
			return err
		}
		return b.loginDone(ctx, ref, p)

	case "token":
		if len(fields) < 2 {
			return b.transport.Post(ctx, ref, "Which resource? Try 'token https://graph.microsoft.com'.")
		}
		var ignoreCache, requireConsent bool
		for _, flag := range fields[2:] {
			switch strings.ToLower(flag) {
			case "fresh":
				ignoreCache = true
			case "consent":
				requireConsent = true
			}
		}
		p, err := b.resources.Begin(ctx, ref, fields[1], ignoreCache, requireConsent)
		return b.resourceDone(ctx, ref, p, err)

	case "logout":
		if err := storage.SetLastUniqueID(ctx, b.store, ref.UserKey(), ""); err != nil {
			return err
		}
		return b.transport.Post(ctx, ref, "You are logged out.")
	}

	return b.transport.Post(ctx, ref, helpText)
}

func (b *Bot) loginDone(ctx context.Context, ref conversation.Reference, p login.Payload) error {
	if !p.Finished() || p.Result == nil {
		return nil
	}
	return b.transport.Post(ctx, ref, fmt.Sprintf("You are logged in as %s.", displayName(*p.Result)))
}

// resourceDone reports a finished request. A request that failed at the
// provider is told to the user; any other error is returned.
func (b *Bot) resourceDone(ctx context.Context, ref conversation.Reference, p resource.Payload, err error) error {
	if err != nil {
		if !p.Failed {
			return err
		}
		log.LogWarnWithFields("bot", "Resource token request failed", map[string]any{
			"conversation": ref.Key(),
			"resource":     p.Resource,
			"error":        err.Error(),
		})
		reason := "the identity provider did not return a token"
		var perr *idp.ProviderError
		if errors.As(err, &perr) {
			reason = perr.Error()
		}
		return b.transport.Post(ctx, ref, fmt.Sprintf("Could not get a token for %s: %s", p.Resource, reason))
	}
	if !p.Finished() {
		return nil
	}
	if p.Token == "" {
		return b.transport.Post(ctx, ref, fmt.Sprintf("Could not get a token for %s.", p.Resource))
	}
	return b.transport.Post(ctx, ref, fmt.Sprintf("Got a token for %s (%s).", p.Resource, redact(p.Token)))
}

func displayName(r login.AuthResult) string {
	name := strings.TrimSpace(r.GivenName + " " + r.FamilyName)
	switch {
	case r.Upn != "" && name != "":
		return fmt.Sprintf("%s (%s)", name, r.Upn)
	case r.Upn != "":
		return r.Upn
	case name != "":
		return name
	}
	return r.UniqueID
}

// redact keeps the last four characters of a token.
func redact(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
