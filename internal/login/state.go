// Package login runs the interactive login of a conversation participant.
//
// The bot posts a login link, the browser completes the authorization code
// flow and the callback bridge resumes the conversation with the code. When
// the identity returned by the provider cannot be tied to the conversation,
// the user must type a short security key shown in the browser, proving
// that the person in the chat is the one who logged in.
//
// Transition is a pure function over Payload; Dialog executes the effects it
// returns and persists the payload between turns.
package login

import (
	"github.com/dgellow/bot-auth-bridge/internal/conversation"
)

// State is the position of a login in its lifecycle.
type State int

const (
	AwaitingStart State = iota
	// PromptedForLogin is transient: the login link is being posted.
	PromptedForLogin
	AwaitingCallback
	ChallengingSecurityKey
	// Done is transient: settings are being saved.
	Done
	Terminal
)

func (s State) String() string {
	switch s {
	case AwaitingStart:
		return "awaiting_start"
	case PromptedForLogin:
		return "prompted_for_login"
	case AwaitingCallback:
		return "awaiting_callback"
	case ChallengingSecurityKey:
		return "challenging_security_key"
	case Done:
		return "done"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// AuthResult is the outcome of a successful login.
type AuthResult struct {
	AccessToken string `cbor:"1,keyasint,omitempty"`
	Upn         string `cbor:"2,keyasint,omitempty"`
	GivenName   string `cbor:"3,keyasint,omitempty"`
	FamilyName  string `cbor:"4,keyasint,omitempty"`
	UniqueID    string `cbor:"5,keyasint,omitempty"`
}

// PendingChallenge holds a redeemed login until the user proves possession
// of the security key. Only a hash of the key is kept.
type PendingChallenge struct {
	SecurityKeyHash []byte     `cbor:"1,keyasint,omitempty"`
	Result          AuthResult `cbor:"2,keyasint"`
}

// Payload is everything a login keeps between turns.
type Payload struct {
	State          State             `cbor:"1,keyasint"`
	RequireConsent bool              `cbor:"2,keyasint,omitempty"`
	PromptForKey   bool              `cbor:"3,keyasint,omitempty"`
	Pending        *PendingChallenge `cbor:"4,keyasint,omitempty"`
	// Result is set once the login reached Terminal successfully.
	Result *AuthResult `cbor:"5,keyasint,omitempty"`
}

// New returns the payload of a login that has not started yet.
func New(requireConsent bool) Payload {
	return Payload{State: AwaitingStart, RequireConsent: requireConsent}
}

// Finished reports whether the login reached Terminal.
func (p Payload) Finished() bool {
	return p.State == Terminal
}

// Token returns the access token of a successful login, or "".
func (p Payload) Token() string {
	if p.State != Terminal || p.Result == nil {
		return ""
	}
	return p.Result.AccessToken
}

// Event is an input of Transition.
type Event interface {
	isLoginEvent()
}

// Start begins the login on the given channel.
type Start struct {
	ChannelID string
}

// PromptPosted confirms the login link was posted.
type PromptPosted struct{}

// CallbackReceived carries the browser callback.
type CallbackReceived struct {
	Callback conversation.AuthorizationCallback
}

// Exchanged is the result of redeeming the authorization code.
type Exchanged struct {
	Result            *AuthResult
	Err               error
	StartingUserID    string
	LastKnownIdentity string
}

// ChallengeGenerated carries a fresh security key and its hash.
type ChallengeGenerated struct {
	Key     string
	KeyHash []byte
}

// MessageReceived is text typed by the user.
type MessageReceived struct {
	Text string
}

// SettingsSaved confirms the settings of a successful login were saved.
type SettingsSaved struct{}

func (Start) isLoginEvent()              {}
func (PromptPosted) isLoginEvent()       {}
func (CallbackReceived) isLoginEvent()   {}
func (Exchanged) isLoginEvent()          {}
func (ChallengeGenerated) isLoginEvent() {}
func (MessageReceived) isLoginEvent()    {}
func (SettingsSaved) isLoginEvent()      {}

// Effect is work Transition asks the runner to do.
type Effect interface {
	isLoginEffect()
}

// PostMessage posts text into the conversation.
type PostMessage struct {
	Text string
}

// PromptLogin posts the interactive login link.
type PromptLogin struct {
	RequireConsent bool
}

// ExchangeCode redeems an authorization code.
type ExchangeCode struct {
	Code           string
	RequestURI     string
	StartingUserID string
}

// GenerateChallenge asks for a new security key.
type GenerateChallenge struct{}

// ReportOutcome tells the callback bridge which page to render.
type ReportOutcome struct {
	Outcome conversation.Outcome
}

// SaveSettings persists what a successful login established.
type SaveSettings struct {
	Result AuthResult
}

func (PostMessage) isLoginEffect()       {}
func (PromptLogin) isLoginEffect()       {}
func (ExchangeCode) isLoginEffect()      {}
func (GenerateChallenge) isLoginEffect() {}
func (ReportOutcome) isLoginEffect()     {}
func (SaveSettings) isLoginEffect()      {}
