package login

import (
	"context"
	"time"

	"github.com/dgellow/bot-auth-bridge/internal/conversation"
	"github.com/dgellow/bot-auth-bridge/internal/idp"
	"github.com/dgellow/bot-auth-bridge/internal/log"
	"github.com/dgellow/bot-auth-bridge/internal/storage"
	"golang.org/x/sync/errgroup"
)

// maxPreAuthConcurrency bounds parallel token requests after a login.
const maxPreAuthConcurrency = 4

// AssertionExchanger redeems an application token for a resource token.
type AssertionExchanger interface {
	AcquireWithAssertion(ctx context.Context, userKey, resource, assertion string) (*idp.TokenResult, error)
}

// Defaults implements Capabilities: it remembers the identity of the user
// and pre-authorizes Resources after every login.
type Defaults struct {
	RedirectURL string
	Store       storage.Store
	Tokens      AssertionExchanger
	Resources   []string
}

var _ Capabilities = (*Defaults)(nil)

func (d *Defaults) RedirectURI() string {
	return d.RedirectURL
}

func (d *Defaults) SaveSettings(ctx context.Context, ref conversation.Reference, result AuthResult) error {
	if err := storage.SetLastUniqueID(ctx, d.Store, ref.UserKey(), result.UniqueID); err != nil {
		return err
	}
	if len(d.Resources) > 0 {
		d.PreAuthForResources(ctx, ref, result, d.Resources...)
	}
	return nil
}

func (d *Defaults) PreAuthForResources(ctx context.Context, ref conversation.Reference, result AuthResult, resources ...string) {
	if d.Tokens == nil || result.AccessToken == "" {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPreAuthConcurrency)
	for _, resource := range resources {
		resource := resource
		g.Go(func() error {
			start := time.Now()
			if _, err := d.Tokens.AcquireWithAssertion(gctx, ref.UserKey(), resource, result.AccessToken); err != nil {
				log.LogWarnWithFields("login", "Unable to pre-auth access", map[string]any{
					"resource": resource,
					"user":     ref.UserKey(),
					"error":    err.Error(),
				})
				return nil
			}
			log.LogDebugWithFields("login", "Pre-authed access", map[string]any{
				"resource": resource,
				"user":     ref.UserKey(),
				"duration": time.Since(start).String(),
			})
			return nil
		})
	}
	_ = g.Wait()
}
