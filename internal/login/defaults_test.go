package login

import (
	"context"
	"errors"
	"testing"

	"github.com/dgellow/bot-auth-bridge/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsSaveSettings(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	tokens := &fakeExchanger{fail: map[string]error{"https://broken": errors.New("AADSTS65001")}}
	d := &Defaults{
		RedirectURL: "https://bot/cb",
		Store:       store,
		Tokens:      tokens,
		Resources:   []string{"https://graph", "https://broken", "https://sharepoint"},
	}
	ref := testRef("webchat")

	err := d.SaveSettings(ctx, ref, AuthResult{AccessToken: "app", UniqueID: "U1"})
	require.NoError(t, err, "pre-auth failures are swallowed")

	id, err := storage.GetLastUniqueID(ctx, store, ref.UserKey())
	require.NoError(t, err)
	assert.Equal(t, "U1", id)
	assert.ElementsMatch(t, []string{"https://graph", "https://broken", "https://sharepoint"}, tokens.Resources())
	assert.Equal(t, "https://bot/cb", d.RedirectURI())
}

func TestDefaultsPreAuthWithoutToken(t *testing.T) {
	tokens := &fakeExchanger{}
	d := &Defaults{Store: storage.NewMemoryStorage(), Tokens: tokens}

	d.PreAuthForResources(context.Background(), testRef("webchat"), AuthResult{}, "https://graph")
	assert.Empty(t, tokens.Resources())
}
