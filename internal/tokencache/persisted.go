package tokencache

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/bot-auth-bridge/internal/log"
	"github.com/dgellow/bot-auth-bridge/internal/storage"
	"github.com/dgellow/bot-auth-bridge/internal/syncutil"
)

// DefaultKey is the per-user key the cache blob is stored under.
const DefaultKey = "UserTokenCache"

// Persisted binds a Cache to a per-user blob in a storage.Store. The store
// is the source of truth: every access cycle rebuilds the cache from it.
type Persisted struct {
	store storage.Store
	key   string
	locks syncutil.KeyedMutex
}

// NewPersisted stores blobs under key in each user's bucket. An empty key
// means DefaultKey.
func NewPersisted(store storage.Store, key string) *Persisted {
	if key == "" {
		key = DefaultKey
	}
	return &Persisted{store: store, key: key}
}

// Access runs fn against the user's cache. The blob is loaded before fn and
// written back once afterwards, only when fn changed the cache. Cycles for
// the same user are serialized.
func (p *Persisted) Access(ctx context.Context, userKey string, fn func(*Cache) error) error {
	unlock, err := p.locks.Lock(ctx, userKey)
	if err != nil {
		return err
	}
	defer unlock()

	bucket := storage.UserBucket(userKey)

	blob, err := p.store.Get(ctx, bucket, p.key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load token cache: %w", err)
	}

	cache := New()
	if err := cache.Deserialize(blob); err != nil {
		// A corrupt blob only costs the user a fresh login.
		log.LogWarnWithFields("tokencache", "Discarding unreadable token cache", map[string]any{
			"user":  userKey,
			"error": err.Error(),
		})
		cache = New()
	}
	cache.MarkUnchanged()

	fnErr := fn(cache)

	if !cache.HasStateChanged() {
		return fnErr
	}

	data, err := cache.Serialize()
	if err == nil {
		err = p.store.Put(ctx, bucket, p.key, data)
	}
	if err != nil {
		return errors.Join(fnErr, fmt.Errorf("failed to save token cache: %w", err))
	}

	log.LogTraceWithFields("tokencache", "Token cache flushed", map[string]any{
		"user":  userKey,
		"items": cache.Len(),
		"bytes": len(data),
	})
	return fnErr
}
