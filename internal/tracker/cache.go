package tracker

import (
	"errors"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/streamgate/paygate/internal/pkg/metrics"
)

const DefaultCapacity = 500

var ErrCacheClosed = errors.New("tracker cache closed")

// Factory builds the tracker for a buyer on first use.
type Factory func(buyer string) *Tracker

// Cache maps buyers to trackers under a fixed capacity. When full, the
// entry inserted longest ago is destroyed to make room. Lookups use Peek so
// access never refreshes an entry: eviction follows insertion order, not recency.
type Cache struct {
	mu       sync.Mutex
	entries  *simplelru.LRU
	capacity int
	factory  Factory
	name     string
	closed   bool
}

// NewCache creates a cache; name labels its metrics (usually the provider kind).
func NewCache(name string, capacity int, factory Factory) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		capacity: capacity,
		factory:  factory,
		name:     name,
	}
	entries, err := simplelru.NewLRU(capacity, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

func (c *Cache) onEvict(_ interface{}, value interface{}) {
	if t, ok := value.(*Tracker); ok {
		t.Destroy()
	}
}

// GetOrCreate returns the buyer's tracker, constructing it if absent.
// Concurrent callers for the same buyer receive the same tracker.
func (c *Cache) GetOrCreate(buyer string) (*Tracker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCacheClosed
	}
	if v, ok := c.entries.Peek(buyer); ok {
		return v.(*Tracker), nil
	}
	if c.entries.Len() >= c.capacity {
		if _, _, ok := c.entries.RemoveOldest(); ok {
			metrics.TrackerEvictions.WithLabelValues(c.name).Inc()
		}
	}
	t := c.factory(buyer)
	c.entries.Add(buyer, t)
	metrics.TrackersCached.WithLabelValues(c.name).Set(float64(c.entries.Len()))
	return t, nil
}

// Get returns the buyer's tracker without creating one.
func (c *Cache) Get(buyer string) (*Tracker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries.Peek(buyer)
	if !ok {
		return nil, false
	}
	return v.(*Tracker), true
}

// Remove destroys and drops the buyer's tracker.
func (c *Cache) Remove(buyer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.entries.Remove(buyer)
	metrics.TrackersCached.WithLabelValues(c.name).Set(float64(c.entries.Len()))
	return ok
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *Cache) Capacity() int {
	return c.capacity
}

// Close destroys every tracker. Further GetOrCreate calls fail.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.entries.Purge()
	metrics.TrackersCached.WithLabelValues(c.name).Set(0)
}
