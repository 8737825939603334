package auth

import (
	"github.com/golang/groupcache/lru"

	"github.com/s00inx/goserver/server/locker"
)

// Cached keeps recently found users of a slower store in a bounded LRU.
// Misses are not cached, so a user registered elsewhere is seen on next lookup.
type Cached struct {
	store Store

	mu    locker.Mutex
	cache *lru.Cache
}

func NewCached(store Store, size int) *Cached {
	return &Cached{
		store: store,
		cache: lru.New(size),
	}
}

func (c *Cached) Lookup(user string) (string, bool, error) {
	c.mu.Lock()
	v, ok := c.cache.Get(user)
	_ = c.mu.Unlock()
	if ok {
		return v.(string), true, nil
	}

	secret, ok, err := c.store.Lookup(user)
	if err != nil || !ok {
		return "", false, err
	}

	c.mu.Lock()
	c.cache.Add(user, secret)
	_ = c.mu.Unlock()
	return secret, true, nil
}

func (c *Cached) Register(user, password string) error {
	if err := c.store.Register(user, password); err != nil {
		return err
	}

	c.mu.Lock()
	c.cache.Remove(user)
	_ = c.mu.Unlock()
	return nil
}

func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
