package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/drzln/curupira/pkg/metrics"

	"go.uber.org/zap"
)

// Policy selects which entry the cache drops when a budget is exceeded.
type Policy string

const (
	PolicyLRU  Policy = "lru"
	PolicyLFU  Policy = "lfu"
	PolicyFIFO Policy = "fifo"
	PolicyTTL  Policy = "ttl"
)

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyLRU, PolicyLFU, PolicyFIFO, PolicyTTL:
		return p, nil
	case "":
		return PolicyLRU, nil
	default:
		return "", fmt.Errorf("unsupported cache policy: %s", s)
	}
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	Policy   Policy
	MaxItems int   // 0 means unbounded
	MaxBytes int64 // 0 means unbounded
	Metrics  *metrics.Metrics
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Items     int   `json:"items"`
	Bytes     int64 `json:"bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type cacheEntry struct {
	value      *Value
	size       int64
	inserted   uint64
	lastAccess uint64
	hits       int64
}

// Cache is a bounded in-memory layer in front of another Backend. Writes go
// through to the backend, reads are served from memory when possible. Without
// a backend the cache is the only copy and evicted entries are gone.
type Cache struct {
	logger  *zap.Logger
	backend Backend
	opts    CacheOptions

	// wmu orders writes so the backend and memory apply them in the same order.
	wmu sync.Mutex

	mu    sync.Mutex
	items map[string]*cacheEntry
	bytes int64
	tick  uint64
	// version changes on every completed write; a miss only fills the
	// cache when no write finished while it read the backend.
	version uint64
	stats   CacheStats
}

var _ Backend = (*Cache)(nil)

// NewCache creates a cache in front of backend, which may be nil.
func NewCache(logger *zap.Logger, backend Backend, opts CacheOptions) *Cache {
	if opts.Policy == "" {
		opts.Policy = PolicyLRU
	}
	return &Cache{
		logger:  logger.Named("storage.cache"),
		backend: backend,
		opts:    opts,
		items:   make(map[string]*cacheEntry),
	}
}

// Get implements Backend.Get
func (c *Cache) Get(ctx context.Context, key string) (*Value, bool, error) {
	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		c.tick++
		e.lastAccess = c.tick
		e.hits++
		c.stats.Hits++
		v := e.value.Clone()
		c.mu.Unlock()
		c.opts.Metrics.CacheLookup(true)
		return v, true, nil
	}
	c.stats.Misses++
	seen := c.version
	c.mu.Unlock()
	c.opts.Metrics.CacheLookup(false)

	if c.backend == nil {
		return nil, false, nil
	}

	v, ok, err := c.backend.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	c.mu.Lock()
	if _, exists := c.items[key]; !exists && c.version == seen {
		c.put(key, v)
	}
	c.mu.Unlock()
	return v.Clone(), true, nil
}

// Set implements Backend.Set
func (c *Cache) Set(ctx context.Context, key string, value *Value) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.backend != nil {
		if err := c.backend.Set(ctx, key, value); err != nil {
			c.invalidate(key)
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.put(key, value)
	return nil
}

// Delete implements Backend.Delete
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.backend == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, cached := c.items[key]
		c.version++
		c.remove(key)
		return cached, nil
	}

	deleted, err := c.backend.Delete(ctx, key)
	c.invalidate(key)
	return deleted, err
}

// invalidate drops key from memory after a backend write, successful or not.
func (c *Cache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.remove(key)
}

// Keys implements Backend.Keys
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	if c.backend != nil {
		return c.backend.Keys(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	return keys, nil
}

// Clear implements Backend.Clear
func (c *Cache) Clear(ctx context.Context) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var err error
	if c.backend != nil {
		err = c.backend.Clear(ctx)
	}

	c.mu.Lock()
	c.version++
	c.items = make(map[string]*cacheEntry)
	c.bytes = 0
	c.mu.Unlock()
	return err
}

// Close implements Backend.Close
func (c *Cache) Close() error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Items = len(c.items)
	s.Bytes = c.bytes
	return s
}

// put inserts or replaces key and evicts until both budgets hold. Caller holds mu.
func (c *Cache) put(key string, v *Value) {
	c.tick++
	size := estimateSize(v)
	if e, ok := c.items[key]; ok {
		c.bytes -= e.size
		e.value = v.Clone()
		e.size = size
		e.lastAccess = c.tick
	} else {
		c.items[key] = &cacheEntry{
			value:      v.Clone(),
			size:       size,
			inserted:   c.tick,
			lastAccess: c.tick,
		}
	}
	c.bytes += size
	c.evict(key)
}

func (c *Cache) remove(key string) {
	if e, ok := c.items[key]; ok {
		c.bytes -= e.size
		delete(c.items, key)
	}
}

func (c *Cache) overBudget() bool {
	if c.opts.MaxItems > 0 && len(c.items) > c.opts.MaxItems {
		return true
	}
	return c.opts.MaxBytes > 0 && c.bytes > c.opts.MaxBytes
}

// evict drops victims until the cache is within budget. The entry just
// written is only dropped when it alone exceeds the budget.
func (c *Cache) evict(protect string) {
	for len(c.items) > 0 && c.overBudget() {
		victim := c.victim(protect)
		if victim == "" {
			victim = protect
		}
		c.remove(victim)
		c.stats.Evictions++
		c.opts.Metrics.CacheEviction(string(c.opts.Policy))
		c.logger.Debug("evicted cache entry",
			zap.String("key", victim),
			zap.String("policy", string(c.opts.Policy)))
	}
}

func (c *Cache) victim(protect string) string {
	var (
		key  string
		best *cacheEntry
	)
	for k, e := range c.items {
		if k == protect {
			continue
		}
		if best == nil || c.before(e, best) {
			key, best = k, e
		}
	}
	return key
}

// before reports whether a should be evicted ahead of b.
func (c *Cache) before(a, b *cacheEntry) bool {
	switch c.opts.Policy {
	case PolicyFIFO:
		return a.inserted < b.inserted
	case PolicyLFU:
		if a.hits != b.hits {
			return a.hits < b.hits
		}
		return a.lastAccess < b.lastAccess
	case PolicyTTL:
		ae, be := a.value.ExpiresAt, b.value.ExpiresAt
		switch {
		case ae != nil && be != nil:
			if !ae.Equal(*be) {
				return ae.Before(*be)
			}
		case ae != nil:
			return true
		case be != nil:
			return false
		}
		return a.inserted < b.inserted
	default:
		return a.lastAccess < b.lastAccess
	}
}
