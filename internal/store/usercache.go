package store

import (
	"context"
	"sync"

	"github.com/couchcryptid/storm-bulletins/internal/domain"
	"github.com/couchcryptid/storm-bulletins/internal/observability"
)

// UserGetter looks up a user profile by UID.
type UserGetter interface {
	Get(ctx context.Context, uid string) (domain.AppUser, error)
}

// CachedUsers wraps a UserGetter with an in-memory LRU cache.
type CachedUsers struct {
	inner   UserGetter
	cache   *lruCache[domain.AppUser]
	metrics *observability.Metrics
}

// NewCachedUsers creates a cache decorator around a user lookup.
func NewCachedUsers(inner UserGetter, maxEntries int, metrics *observability.Metrics) *CachedUsers {
	return &CachedUsers{
		inner:   inner,
		cache:   newLRUCache[domain.AppUser](maxEntries),
		metrics: metrics,
	}
}

func (c *CachedUsers) Get(ctx context.Context, uid string) (domain.AppUser, error) {
	if u, ok := c.cache.get(uid); ok {
		c.metrics.UserCache.WithLabelValues("hit").Inc()
		return u, nil
	}
	c.metrics.UserCache.WithLabelValues("miss").Inc()
	u, err := c.inner.Get(ctx, uid)
	if err != nil {
		// Lookup failures, including not found, are not cached.
		return u, err
	}
	c.cache.put(uid, u)
	return u, nil
}

// Forget drops uid so the next lookup reads through.
func (c *CachedUsers) Forget(uid string) {
	c.cache.remove(uid)
}

// lruCache is a simple thread-safe LRU cache.
type lruCache[V any] struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry[V]
	head       *entry[V] // most recently used
	tail       *entry[V] // least recently used
}

type entry[V any] struct {
	key   string
	value V
	prev  *entry[V]
	next  *entry[V]
}

func newLRUCache[V any](maxEntries int) *lruCache[V] {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &lruCache[V]{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry[V]),
	}
}

func (c *lruCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry[V]{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache[V]) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.unlink(e)
	}
}

func (c *lruCache[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache[V]) moveToFront(e *entry[V]) {
	if e == c.head {
		return
	}
	c.unlink(e)
	c.addToFront(e)
}

func (c *lruCache[V]) addToFront(e *entry[V]) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache[V]) unlink(e *entry[V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache[V]) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlink(c.tail)
}
