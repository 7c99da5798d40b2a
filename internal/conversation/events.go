package conversation

import "strings"

// Event is delivered to a dialog on each conversation turn.
type Event interface {
	isEvent()
}

// Message is a user-authored text message.
type Message struct {
	Text string
}

// AuthorizationCallback is the decoded browser callback for one login attempt.
type AuthorizationCallback struct {
	State            SessionState
	RequestURI       string
	Code             string
	Error            string
	ErrorDescription string
}

// Failed reports whether the identity provider returned an error.
func (c AuthorizationCallback) Failed() bool {
	return strings.TrimSpace(c.Error) != ""
}

// CallbackEvent resumes a conversation with the result of a browser login.
// Done must be called exactly once by the resumed turn; the callback bridge
// renders its page from the reported outcome.
type CallbackEvent struct {
	Callback AuthorizationCallback
	Done     func(Outcome)
}

func (Message) isEvent()       {}
func (CallbackEvent) isEvent() {}

// OutcomeKind is what the resumed turn reports back to the callback bridge.
type OutcomeKind int

const (
	// OutcomeError means the login failed, either at the provider or during
	// the code exchange.
	OutcomeError OutcomeKind = iota
	// OutcomeNoChallenge means the identity was confirmed without a security key.
	OutcomeNoChallenge
	// OutcomeChallenge means the user has to type SecurityKey into the conversation.
	OutcomeChallenge
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNoChallenge:
		return "no_challenge"
	case OutcomeChallenge:
		return "challenge"
	default:
		return "error"
	}
}

// Outcome is reported through CallbackEvent.Done.
type Outcome struct {
	Kind        OutcomeKind
	SecurityKey string
}

// Turn is a single event delivered to a conversation.
type Turn struct {
	Ref   Reference
	Event Event
}
