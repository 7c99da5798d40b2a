package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key doesn't exist
var ErrNotFound = errors.New("not found")

// Store keeps small opaque values grouped in buckets. A bucket is the state
// attached to one conversation participant (a user) or one conversation.
// Values are overwritten as a whole; there is no optimistic concurrency.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	Close() error
}

// UserBucket returns the bucket holding per-user state.
func UserBucket(userKey string) string {
	return "user:" + userKey
}

// ConversationBucket returns the bucket holding per-conversation dialog state.
func ConversationBucket(conversationKey string) string {
	return "conversation:" + conversationKey
}
