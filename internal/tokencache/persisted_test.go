package tokencache

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dgellow/bot-auth-bridge/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessReadOnlyDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	p := NewPersisted(store, "")

	err := p.Access(ctx, "u1", func(c *Cache) error {
		_, _ = c.FindRefreshable("app", "U1")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, store.Writes())

	_, err = store.Get(ctx, storage.UserBucket("u1"), DefaultKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAccessMutationWritesOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	p := NewPersisted(store, "")

	err := p.Access(ctx, "u1", func(c *Cache) error {
		c.Store(Item{Resource: "app", UniqueID: "U1", AccessToken: "a"})
		c.Store(Item{Resource: "graph", UniqueID: "U1", AccessToken: "b"})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Writes())

	// the next cycle sees the stored blob and does not write when reading
	err = p.Access(ctx, "u1", func(c *Cache) error {
		assert.Equal(t, 2, c.Len())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Writes())
}

func TestAccessFlushesEvenWhenFnFails(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	p := NewPersisted(store, "custom")

	boom := errors.New("boom")
	err := p.Access(ctx, "u1", func(c *Cache) error {
		c.Store(Item{Resource: "app", UniqueID: "U1", RefreshToken: "rt"})
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, store.Writes())

	_, err = store.Get(ctx, storage.UserBucket("u1"), "custom")
	assert.NoError(t, err)
}

func TestAccessDiscardsCorruptBlob(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Put(ctx, storage.UserBucket("u1"), DefaultKey, []byte{0xff}))
	p := NewPersisted(store, "")

	err := p.Access(ctx, "u1", func(c *Cache) error {
		assert.Equal(t, 0, c.Len())
		return nil
	})
	require.NoError(t, err)
}

func TestAccessIsolatesUsers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	p := NewPersisted(store, "")

	var wg sync.WaitGroup
	for _, user := range []string{"u1", "u2", "u3"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			err := p.Access(ctx, user, func(c *Cache) error {
				c.Store(Item{Resource: "app", UniqueID: user, AccessToken: "t-" + user})
				return nil
			})
			assert.NoError(t, err)
		}(user)
	}
	wg.Wait()

	for _, user := range []string{"u1", "u2", "u3"} {
		err := p.Access(ctx, user, func(c *Cache) error {
			assert.Equal(t, 1, c.Len())
			item, ok := c.FindRefreshable("app", user)
			assert.False(t, ok)
			assert.Empty(t, item.AccessToken)
			return nil
		})
		require.NoError(t, err)
	}
}

func TestAccessSerializesSameUser(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	p := NewPersisted(store, "")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := p.Access(ctx, "u1", func(c *Cache) error {
				c.Store(Item{Resource: string(rune('a' + i)), UniqueID: "U1", AccessToken: "x"})
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	err := p.Access(ctx, "u1", func(c *Cache) error {
		assert.Equal(t, n, c.Len(), "no update may be lost")
		return nil
	})
	require.NoError(t, err)
}
