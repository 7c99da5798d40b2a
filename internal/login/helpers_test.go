package login

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgellow/bot-auth-bridge/internal/conversation"
	"github.com/dgellow/bot-auth-bridge/internal/idp"
)

type recordingTransport struct {
	mu      sync.Mutex
	texts   []string
	prompts []conversation.LoginPrompt
}

func (t *recordingTransport) Post(_ context.Context, _ conversation.Reference, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.texts = append(t.texts, text)
	return nil
}

func (t *recordingTransport) PostLoginPrompt(_ context.Context, _ conversation.Reference, p conversation.LoginPrompt) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prompts = append(t.prompts, p)
	return nil
}

func (t *recordingTransport) Texts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.texts...)
}

func (t *recordingTransport) Prompts() []conversation.LoginPrompt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]conversation.LoginPrompt(nil), t.prompts...)
}

type fakeEncoder struct {
	states []conversation.SessionState
}

func (e *fakeEncoder) EncodeState(state conversation.SessionState) (string, error) {
	e.states = append(e.states, state)
	return fmt.Sprintf("state-%d", len(e.states)), nil
}

type exchangeCall struct {
	UserKey, Code, RedirectURI string
}

// fakeProvider resolves codes to users from a table.
type fakeProvider struct {
	users map[string]*idp.TokenResult
	err   error
	calls []exchangeCall
}

func (p *fakeProvider) AuthorizeURL(redirectURI, state string, requireConsent bool) string {
	return fmt.Sprintf("https://login.example.com/oauth2/authorize?redirect_uri=%s&state=%s&consent=%t", redirectURI, state, requireConsent)
}

func (p *fakeProvider) ExchangeCode(_ context.Context, userKey, code, redirectURI string) (*idp.TokenResult, error) {
	p.calls = append(p.calls, exchangeCall{userKey, code, redirectURI})
	if p.err != nil {
		return nil, p.err
	}
	r, ok := p.users[code]
	if !ok {
		return nil, &idp.ProviderError{Code: "invalid_grant", Description: "AADSTS70000: unknown code"}
	}
	return r, nil
}

type fakeExchanger struct {
	mu        sync.Mutex
	resources []string
	fail      map[string]error
}

func (f *fakeExchanger) AcquireWithAssertion(_ context.Context, _ string, resource, assertion string) (*idp.TokenResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources = append(f.resources, resource)
	if err := f.fail[resource]; err != nil {
		return nil, err
	}
	return &idp.TokenResult{AccessToken: "obo-" + resource}, nil
}

func (f *fakeExchanger) Resources() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resources...)
}

func fixedKey(key string) func() (string, error) {
	return func() (string, error) { return key, nil }
}

func testRef(channel string) conversation.Reference {
	return conversation.Reference{
		ChannelID:      channel,
		ServiceURL:     "https://smba.example.com/",
		ConversationID: "conv-1",
		User:           conversation.Account{ID: "29:user", Name: "Ada"},
		Bot:            conversation.Account{ID: "28:bot"},
	}
}

// outcomes collects what a callback turn reports to the bridge.
type outcomes struct {
	mu   sync.Mutex
	list []conversation.Outcome
}

func (o *outcomes) done(out conversation.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, out)
}

func (o *outcomes) All() []conversation.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]conversation.Outcome(nil), o.list...)
}

func callbackTurn(ref conversation.Reference, code string, o *outcomes) conversation.Turn {
	return conversation.Turn{Ref: ref, Event: conversation.CallbackEvent{
		Callback: conversation.AuthorizationCallback{
			State:      conversation.SessionState{Conversation: ref, StartingUserID: ref.User.ID},
			RequestURI: "https://bot.example.com/auth/callback?ignored=1",
			Code:       code,
		},
		Done: o.done,
	}}
}

func messageTurn(ref conversation.Reference, text string) conversation.Turn {
	return conversation.Turn{Ref: ref, Event: conversation.Message{Text: text}}
}
