// Package conversation defines the contracts between the authentication
// dialogs and the chat transport that hosts them: conversation references,
// turn events, outbound messaging and conversation resumption.
package conversation

// Account identifies a participant of a conversation.
type Account struct {
	ID   string `json:"id" cbor:"1,keyasint,omitempty"`
	Name string `json:"name,omitempty" cbor:"2,keyasint,omitempty"`
}

// Reference is an opaque pointer to a suspended conversation. It carries
// everything a transport needs to post into the conversation again.
type Reference struct {
	ChannelID      string  `json:"channelId" cbor:"1,keyasint,omitempty"`
	ServiceURL     string  `json:"serviceUrl,omitempty" cbor:"2,keyasint,omitempty"`
	ConversationID string  `json:"conversationId" cbor:"3,keyasint,omitempty"`
	ActivityID     string  `json:"activityId,omitempty" cbor:"4,keyasint,omitempty"`
	User           Account `json:"user" cbor:"5,keyasint,omitempty"`
	Bot            Account `json:"bot,omitempty" cbor:"6,keyasint,omitempty"`
}

// Key identifies the conversation across turns.
func (r Reference) Key() string {
	return r.ChannelID + "/" + r.ConversationID
}

// UserKey identifies the user on this channel. Per-user state (token cache,
// last known identity) is stored under it.
func (r Reference) UserKey() string {
	return r.ChannelID + "/" + r.User.ID
}

// SessionState is the resumption state carried through the browser during
// login. It is never stored server-side.
type SessionState struct {
	Conversation   Reference `cbor:"1,keyasint"`
	StartingUserID string    `cbor:"2,keyasint,omitempty"`
	// IssuedAt is unix seconds; zero means the token never expires.
	IssuedAt int64 `cbor:"3,keyasint,omitempty"`
}
