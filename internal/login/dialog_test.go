package login

import (
	"context"
	"errors"
	"testing"

	"github.com/dgellow/bot-auth-bridge/internal/conversation"
	"github.com/dgellow/bot-auth-bridge/internal/idp"
	"github.com/dgellow/bot-auth-bridge/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store     *storage.MemoryStorage
	transport *recordingTransport
	encoder   *fakeEncoder
	provider  *fakeProvider
	caps      *Defaults
	dialog    *Dialog
}

func newHarness(t *testing.T, key string) *harness {
	t.Helper()
	h := &harness{
		store:     storage.NewMemoryStorage(),
		transport: &recordingTransport{},
		encoder:   &fakeEncoder{},
		provider: &fakeProvider{users: map[string]*idp.TokenResult{
			"abc": {AccessToken: "access-U1", IDToken: "id-U1", UniqueID: "U1", Upn: "ada@example.com", GivenName: "Ada"},
			"def": {AccessToken: "access-U2", UniqueID: "U2"},
		}},
	}
	h.caps = &Defaults{RedirectURL: "https://bot.example.com/auth/callback", Store: h.store}
	h.dialog = NewDialog(h.store, h.transport, h.encoder, h.provider, h.caps, WithKeyGenerator(fixedKey(key)))
	return h
}

func (h *harness) lastUniqueID(t *testing.T, ref conversation.Reference) string {
	t.Helper()
	id, err := storage.GetLastUniqueID(context.Background(), h.store, ref.UserKey())
	require.NoError(t, err)
	return id
}

func TestBeginPostsLoginPrompt(t *testing.T) {
	h := newHarness(t, "123456")
	ref := testRef("msteams")

	p, err := h.dialog.Begin(context.Background(), ref, true)
	require.NoError(t, err)
	assert.Equal(t, AwaitingCallback, p.State)

	prompts := h.transport.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, "Please login to this bot", prompts[0].Text)
	assert.Equal(t, "Authentication Required", prompts[0].ButtonTitle)
	assert.Equal(t, conversation.LinkStyleOpenURL, prompts[0].Style)
	assert.Equal(t, conversation.CardThumbnail, prompts[0].Card)
	assert.Equal(t, "https://login.example.com/oauth2/authorize?redirect_uri=https://bot.example.com/auth/callback&state=state-1&consent=true", prompts[0].URL)

	require.Len(t, h.encoder.states, 1)
	assert.Equal(t, ref, h.encoder.states[0].Conversation)
	assert.Equal(t, "29:user", h.encoder.states[0].StartingUserID)

	var stored Payload
	found, err := storage.GetObject(context.Background(), h.store, storage.ConversationBucket(ref.Key()), StateKey, &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, p, stored)
}

// Scenario A then B: first login is challenged, the next one is not.
func TestLoginChallengeThenReturningUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "482019")
	ref := testRef("webchat")

	_, err := h.dialog.Begin(ctx, ref, false)
	require.NoError(t, err)

	var o outcomes
	p, active, err := h.dialog.Continue(ctx, callbackTurn(ref, "abc", &o))
	require.NoError(t, err)
	require.True(t, active)
	assert.Equal(t, ChallengingSecurityKey, p.State)
	assert.Equal(t, []conversation.Outcome{{Kind: conversation.OutcomeChallenge, SecurityKey: "482019"}}, o.All())
	assert.Equal(t, []string{"Please enter your security key"}, h.transport.Texts())
	assert.Equal(t, []exchangeCall{{"webchat/29:user", "abc", "https://bot.example.com/auth/callback"}}, h.provider.calls)
	assert.Empty(t, h.lastUniqueID(t, ref))

	p, _, err = h.dialog.Continue(ctx, messageTurn(ref, "482-019"))
	require.NoError(t, err)
	assert.Equal(t, Terminal, p.State)
	assert.Equal(t, "id-U1", p.Token())
	assert.Equal(t, "ada@example.com", p.Result.Upn)
	assert.Equal(t, "U1", h.lastUniqueID(t, ref))
	assert.Contains(t, h.transport.Texts(), "Security key matches")

	// finished logins are removed from the conversation state
	_, active, err = h.dialog.Continue(ctx, messageTurn(ref, "hello"))
	require.NoError(t, err)
	assert.False(t, active)

	// Scenario B
	_, err = h.dialog.Begin(ctx, ref, false)
	require.NoError(t, err)

	var o2 outcomes
	p, _, err = h.dialog.Continue(ctx, callbackTurn(ref, "abc", &o2))
	require.NoError(t, err)
	assert.Equal(t, Terminal, p.State)
	assert.Equal(t, "id-U1", p.Token())
	assert.Equal(t, []conversation.Outcome{{Kind: conversation.OutcomeNoChallenge}}, o2.All())
	assert.Contains(t, h.transport.Texts(), "Got your token, no security key is required")
}

// Scenario C
func TestLoginCancelDuringChallenge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "482019")
	ref := testRef("webchat")

	_, err := h.dialog.Begin(ctx, ref, false)
	require.NoError(t, err)
	var o outcomes
	_, _, err = h.dialog.Continue(ctx, callbackTurn(ref, "abc", &o))
	require.NoError(t, err)

	p, _, err := h.dialog.Continue(ctx, messageTurn(ref, "cancel"))
	require.NoError(t, err)
	assert.Equal(t, Terminal, p.State)
	assert.Empty(t, p.Token())
	assert.Empty(t, h.lastUniqueID(t, ref), "no settings saved")
}

func TestLoginRetryIssuesFreshLink(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "482019")
	ref := testRef("webchat")

	_, err := h.dialog.Begin(ctx, ref, false)
	require.NoError(t, err)
	var o outcomes
	_, _, err = h.dialog.Continue(ctx, callbackTurn(ref, "abc", &o))
	require.NoError(t, err)

	p, _, err := h.dialog.Continue(ctx, messageTurn(ref, "retry"))
	require.NoError(t, err)
	assert.Equal(t, AwaitingCallback, p.State)

	prompts := h.transport.Prompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, conversation.LinkStyleSignin, prompts[1].Style)
	assert.Contains(t, prompts[1].URL, "state=state-2")

	// the new callback resolves to another user, which is challenged again
	var o2 outcomes
	p, _, err = h.dialog.Continue(ctx, callbackTurn(ref, "def", &o2))
	require.NoError(t, err)
	assert.Equal(t, ChallengingSecurityKey, p.State)
	assert.Equal(t, conversation.OutcomeChallenge, o2.All()[0].Kind)
}

func TestLoginProviderErrorCallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "482019")
	ref := testRef("webchat")

	_, err := h.dialog.Begin(ctx, ref, false)
	require.NoError(t, err)

	var o outcomes
	turn := conversation.Turn{Ref: ref, Event: conversation.CallbackEvent{
		Callback: conversation.AuthorizationCallback{Error: "access_denied", ErrorDescription: "user cancelled"},
		Done:     o.done,
	}}
	p, _, err := h.dialog.Continue(ctx, turn)
	require.NoError(t, err)
	assert.Equal(t, Terminal, p.State)
	assert.Empty(t, p.Token())
	assert.Equal(t, []string{"access_denied: user cancelled"}, h.transport.Texts())
	assert.Equal(t, []conversation.Outcome{{Kind: conversation.OutcomeError}}, o.All())
	assert.Empty(t, h.provider.calls)
}

func TestLoginExchangeFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "482019")
	ref := testRef("webchat")

	_, err := h.dialog.Begin(ctx, ref, false)
	require.NoError(t, err)

	var o outcomes
	p, _, err := h.dialog.Continue(ctx, callbackTurn(ref, "unknown", &o))
	require.NoError(t, err)
	assert.Equal(t, Terminal, p.State)
	assert.Equal(t, []string{"invalid_grant: AADSTS70000: unknown code"}, h.transport.Texts())
	assert.Equal(t, []conversation.Outcome{{Kind: conversation.OutcomeError}}, o.All())
}

func TestLoginVoiceChannelSkipsKeyPrompt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "000042")
	ref := testRef("cortana")

	_, err := h.dialog.Begin(ctx, ref, false)
	require.NoError(t, err)

	var o outcomes
	p, _, err := h.dialog.Continue(ctx, callbackTurn(ref, "abc", &o))
	require.NoError(t, err)
	assert.Equal(t, ChallengingSecurityKey, p.State)
	assert.Empty(t, h.transport.Texts())
	assert.Equal(t, "000042", o.All()[0].SecurityKey)
}

func TestLoginDuplicateCallbackReportsError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "482019")
	ref := testRef("webchat")

	_, err := h.dialog.Begin(ctx, ref, false)
	require.NoError(t, err)
	var o outcomes
	_, _, err = h.dialog.Continue(ctx, callbackTurn(ref, "abc", &o))
	require.NoError(t, err)

	var dup outcomes
	p, _, err := h.dialog.Continue(ctx, callbackTurn(ref, "abc", &dup))
	require.NoError(t, err)
	assert.Equal(t, ChallengingSecurityKey, p.State)
	assert.Equal(t, []conversation.Outcome{{Kind: conversation.OutcomeError}}, dup.All())
	assert.Len(t, h.provider.calls, 1)
}

func TestStepReportsErrorWhenTurnFails(t *testing.T) {
	h := newHarness(t, "482019")
	h.dialog.newKey = func() (string, error) { return "", errors.New("entropy exhausted") }
	ref := testRef("webchat")

	var o outcomes
	p := Payload{State: AwaitingCallback, PromptForKey: true}
	_, err := h.dialog.Step(context.Background(), ref, p, CallbackReceived{Callback: conversation.AuthorizationCallback{Code: "abc"}}, o.done)
	assert.ErrorContains(t, err, "entropy exhausted")
	assert.Equal(t, []conversation.Outcome{{Kind: conversation.OutcomeError}}, o.All())
}

func TestRedirectURIForStripsQuery(t *testing.T) {
	h := newHarness(t, "1")
	assert.Equal(t, "https://bot.example.com/auth/callback", h.dialog.redirectURIFor("https://bot.example.com/auth/callback?code=x#frag"))
	assert.Equal(t, "https://bot.example.com/auth/callback", h.dialog.redirectURIFor(""))
	assert.Equal(t, "https://bot.example.com/auth/callback", h.dialog.redirectURIFor("/relative"))
}
