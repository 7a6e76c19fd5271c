package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// SizeFunc weighs an entry at insertion time.
type SizeFunc[K comparable, V any] func(key K, value V) int64

// EvictFunc is called for every entry evicted to make room.
type EvictFunc[K comparable, V any] func(key K, value V)

// Tracker is notified of size changes, e.g. a resource.Controller.
type Tracker interface {
	TrackMemory(delta int64)
}

// LRU is a size-weighted least-recently-used cache. It is safe for
// concurrent use.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	items    map[K]*list.Element
	order    *list.List

	sizeFn  SizeFunc[K, V]
	onEvict EvictFunc[K, V]
	tracker Tracker

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type entry[K comparable, V any] struct {
	key   K
	value V
	size  int64
}

// Option configures an LRU.
type Option[K comparable, V any] func(*LRU[K, V])

// WithTracker reports size changes to t.
func WithTracker[K comparable, V any](t Tracker) Option[K, V] {
	return func(c *LRU[K, V]) { c.tracker = t }
}

// NewLRU creates a cache holding up to capacity units as weighed by sizeFn.
// A nil sizeFn weighs every entry as 1.
func NewLRU[K comparable, V any](capacity int64, sizeFn SizeFunc[K, V], onEvict EvictFunc[K, V], opts ...Option[K, V]) *LRU[K, V] {
	if sizeFn == nil {
		sizeFn = func(K, V) int64 { return 1 }
	}
	c := &LRU[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
		sizeFn:   sizeFn,
		onEvict:  onEvict,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value of key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.order.MoveToFront(el)
		return el.Value.(*entry[K, V]).value, true
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// Set inserts or replaces key, evicting older entries as needed. It returns
// the evicted entries' keys.
func (c *LRU[K, V]) Set(key K, value V) []K {
	size := c.sizeFn(key, value)

	c.mu.Lock()
	var inserted *list.Element
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		c.adjust(size - e.size)
		e.value, e.size = value, size
		c.order.MoveToFront(el)
		inserted = el
	} else {
		inserted = c.order.PushFront(&entry[K, V]{key: key, value: value, size: size})
		c.items[key] = inserted
		c.adjust(size)
	}

	var evicted []*entry[K, V]
	for c.size > c.capacity && c.order.Len() > 1 {
		back := c.order.Back()
		if back == inserted {
			break
		}
		evicted = append(evicted, c.remove(back))
	}
	c.mu.Unlock()

	keys := make([]K, 0, len(evicted))
	for _, e := range evicted {
		c.evictions.Add(1)
		keys = append(keys, e.key)
		if c.onEvict != nil {
			c.onEvict(e.key, e.value)
		}
	}
	return keys
}

// Pop removes key without calling the eviction callback.
func (c *LRU[K, V]) Pop(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return c.remove(el).value, true
}

// Resize re-weighs key with its current value, evicting others if it grew.
func (c *LRU[K, V]) Resize(key K) []K {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	value := el.Value.(*entry[K, V]).value
	c.mu.Unlock()
	return c.Set(key, value)
}

func (c *LRU[K, V]) remove(el *list.Element) *entry[K, V] {
	c.order.Remove(el)
	e := el.Value.(*entry[K, V])
	delete(c.items, e.key)
	c.adjust(-e.size)
	return e
}

func (c *LRU[K, V]) adjust(delta int64) {
	c.size += delta
	if c.tracker != nil {
		c.tracker.TrackMemory(delta)
	}
}

// Keys returns the cached keys from most to least recently used.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]K, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry[K, V]).key)
	}
	return out
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Size returns the total weight of cached entries.
func (c *LRU[K, V]) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Capacity returns the configured capacity.
func (c *LRU[K, V]) Capacity() int64 { return c.capacity }

// Clear removes every entry without calling the eviction callback.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		c.remove(el)
		el = next
	}
}

// Stats returns hit, miss and eviction counts.
func (c *LRU[K, V]) Stats() (hits, misses, evictions int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}
