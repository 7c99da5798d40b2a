// Package tokencache holds the identity provider's per-user token cache and
// persists it as an opaque blob in the per-user state store.
package tokencache

import (
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// expirySkew makes a token count as expired slightly before it actually is,
// so that it does not lapse in flight.
const expirySkew = 5 * time.Minute

// Item is one cached token for a resource and user.
type Item struct {
	Resource     string    `cbor:"1,keyasint"`
	UniqueID     string    `cbor:"2,keyasint"`
	AccessToken  string    `cbor:"3,keyasint,omitempty"`
	RefreshToken string    `cbor:"4,keyasint,omitempty"`
	IDToken      string    `cbor:"5,keyasint,omitempty"`
	Expiry       time.Time `cbor:"6,keyasint,omitempty"`
}

// Valid reports whether the access token can still be used at now.
func (i Item) Valid(now time.Time) bool {
	if i.AccessToken == "" {
		return false
	}
	if i.Expiry.IsZero() {
		return true
	}
	return now.Add(expirySkew).Before(i.Expiry)
}

type itemKey struct {
	resource string
	uniqueID string
}

// Cache is an in-memory working copy of a user's tokens. It records whether
// it was mutated since the last MarkUnchanged. It is not safe for concurrent
// use; Persisted serializes access per user.
type Cache struct {
	items   map[itemKey]Item
	changed bool
}

func New() *Cache {
	return &Cache{items: make(map[itemKey]Item)}
}

// Lookup returns a valid access token for the resource and user.
func (c *Cache) Lookup(resource, uniqueID string, now time.Time) (Item, bool) {
	item, ok := c.items[itemKey{resource, uniqueID}]
	if !ok || !item.Valid(now) {
		return Item{}, false
	}
	return item, true
}

// FindRefreshable returns an item for the user carrying a refresh token,
// preferring the one cached for resource. Refresh tokens issued for one
// resource can be redeemed for another.
func (c *Cache) FindRefreshable(resource, uniqueID string) (Item, bool) {
	if item, ok := c.items[itemKey{resource, uniqueID}]; ok && item.RefreshToken != "" {
		return item, true
	}
	for _, item := range c.sorted() {
		if item.UniqueID == uniqueID && item.RefreshToken != "" {
			return item, true
		}
	}
	return Item{}, false
}

// Store adds or replaces the item for its resource and user.
func (c *Cache) Store(item Item) {
	k := itemKey{item.Resource, item.UniqueID}
	if existing, ok := c.items[k]; ok && sameItem(existing, item) {
		return
	}
	c.items[k] = item
	c.changed = true
}

// Remove drops the item for the resource and user, if any.
func (c *Cache) Remove(resource, uniqueID string) {
	k := itemKey{resource, uniqueID}
	if _, ok := c.items[k]; !ok {
		return
	}
	delete(c.items, k)
	c.changed = true
}

// Len returns the number of cached items.
func (c *Cache) Len() int {
	return len(c.items)
}

// HasStateChanged reports whether the cache was mutated since the last
// MarkUnchanged or Deserialize.
func (c *Cache) HasStateChanged() bool {
	return c.changed
}

func (c *Cache) MarkUnchanged() {
	c.changed = false
}

// Serialize encodes the cache content. Items are ordered so that equal
// caches produce equal blobs.
func (c *Cache) Serialize() ([]byte, error) {
	data, err := cbor.Marshal(c.sorted())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize token cache: %w", err)
	}
	return data, nil
}

// Deserialize replaces the cache content with a blob produced by Serialize.
// An empty blob yields an empty cache. The cache is marked unchanged.
func (c *Cache) Deserialize(data []byte) error {
	items := make(map[itemKey]Item)
	if len(data) > 0 {
		var list []Item
		if err := cbor.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("failed to deserialize token cache: %w", err)
		}
		for _, item := range list {
			items[itemKey{item.Resource, item.UniqueID}] = item
		}
	}
	c.items = items
	c.changed = false
	return nil
}

func sameItem(a, b Item) bool {
	return a.AccessToken == b.AccessToken &&
		a.RefreshToken == b.RefreshToken &&
		a.IDToken == b.IDToken &&
		a.Expiry.Equal(b.Expiry)
}

func (c *Cache) sorted() []Item {
	list := make([]Item, 0, len(c.items))
	for _, item := range c.items {
		list = append(list, item)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].UniqueID != list[j].UniqueID {
			return list[i].UniqueID < list[j].UniqueID
		}
		return list[i].Resource < list[j].Resource
	})
	return list
}
