// Package resource obtains a token for a specific resource on behalf of the
// user in a conversation. It reuses cached tokens when it can, and otherwise
// runs a login for an application token that it exchanges for the resource
// token. Missing consent and an expired application token are each
// recovered from once.
package resource

import (
	"github.com/dgellow/bot-auth-bridge/internal/login"
)

// State is the position of a resource token request in its lifecycle.
type State int

const (
	TryingSilent State = iota
	DelegatingToLogin
	Terminal
)

func (s State) String() string {
	switch s {
	case TryingSilent:
		return "trying_silent"
	case DelegatingToLogin:
		return "delegating_to_login"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Phase tracks progress inside DelegatingToLogin.
type Phase int

const (
	PhaseNone Phase = iota
	// PhaseAppSilent: looking for a cached application token.
	PhaseAppSilent
	// PhaseLogin: the nested login is running.
	PhaseLogin
	// PhaseResourceSilent: retrying the cache now that the user logged in.
	PhaseResourceSilent
	// PhaseAssertion: exchanging the application token for the resource.
	PhaseAssertion
)

// Recovery records which recoverable provider error was already handled.
type Recovery int

const (
	RecoveryNone Recovery = iota
	RecoveryConsent
	RecoveryExpired
)

// Payload is everything a resource token request keeps between turns.
type Payload struct {
	State          State          `cbor:"1,keyasint"`
	Phase          Phase          `cbor:"2,keyasint,omitempty"`
	Resource       string         `cbor:"3,keyasint"`
	ChannelID      string         `cbor:"4,keyasint,omitempty"`
	IgnoreCache    bool           `cbor:"5,keyasint,omitempty"`
	RequireConsent bool           `cbor:"6,keyasint,omitempty"`
	Recovery       Recovery       `cbor:"7,keyasint,omitempty"`
	Login          *login.Payload `cbor:"8,keyasint,omitempty"`
	AppToken       string         `cbor:"9,keyasint,omitempty"`
	// Token is the resource token once Terminal; empty when the user
	// abandoned the login.
	Token  string `cbor:"10,keyasint,omitempty"`
	Failed bool   `cbor:"11,keyasint,omitempty"`
}

// New returns the payload of a request that has not started yet.
func New(resource string, ignoreCache, requireConsent bool) Payload {
	return Payload{
		State:          TryingSilent,
		Resource:       resource,
		IgnoreCache:    ignoreCache,
		RequireConsent: requireConsent,
	}
}

func (p Payload) Finished() bool {
	return p.State == Terminal
}

// Event is an input of Transition.
type Event interface {
	isResourceEvent()
}

// Start begins the request on the given channel.
type Start struct {
	ChannelID string
}

// SilentResult is the outcome of a cache lookup; Token is empty on a miss.
type SilentResult struct {
	Token string
}

// LoginInput forwards a turn to the nested login.
type LoginInput struct {
	Event login.Event
}

// LoginProgressed carries the nested login's payload after a step.
type LoginProgressed struct {
	Login login.Payload
}

// Asserted is the outcome of the on-behalf-of exchange.
type Asserted struct {
	Token string
	Err   error
}

func (Start) isResourceEvent()           {}
func (SilentResult) isResourceEvent()    {}
func (LoginInput) isResourceEvent()      {}
func (LoginProgressed) isResourceEvent() {}
func (Asserted) isResourceEvent()        {}

// Effect is work Transition asks the runner to do.
type Effect interface {
	isResourceEffect()
}

// AcquireSilently looks for a cached token for Resource, or for the
// application itself when App is set.
type AcquireSilently struct {
	Resource string
	App      bool
}

// DriveLogin applies Event to the nested login.
type DriveLogin struct {
	Login login.Payload
	Event login.Event
}

// AcquireWithAssertion exchanges Assertion for a token for Resource.
type AcquireWithAssertion struct {
	Resource  string
	Assertion string
}

// PostMessage posts text into the conversation.
type PostMessage struct {
	Text string
}

// Fail ends the request with an unrecoverable error.
type Fail struct {
	Err error
}

func (AcquireSilently) isResourceEffect()      {}
func (DriveLogin) isResourceEffect()           {}
func (AcquireWithAssertion) isResourceEffect() {}
func (PostMessage) isResourceEffect()          {}
func (Fail) isResourceEffect()                 {}
