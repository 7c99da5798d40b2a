package storage

import (
	"context"
	"errors"
)

// LastUniqueIDKey stores the identity of the last successful login for a user.
const LastUniqueIDKey = "LastUniqueId"

// GetLastUniqueID returns the last known identity of the user, or "" when
// the user never logged in.
func GetLastUniqueID(ctx context.Context, s Store, userKey string) (string, error) {
	value, err := s.Get(ctx, UserBucket(userKey), LastUniqueIDKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// SetLastUniqueID records the identity of a successful login. An empty id
// forgets the user.
func SetLastUniqueID(ctx context.Context, s Store, userKey, uniqueID string) error {
	if uniqueID == "" {
		return s.Delete(ctx, UserBucket(userKey), LastUniqueIDKey)
	}
	return s.Put(ctx, UserBucket(userKey), LastUniqueIDKey, []byte(uniqueID))
}
