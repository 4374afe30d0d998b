package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

// SortOrder controls the key ordering of listing operations.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ListOptions filters and pages Keys, Values and Entries.
type ListOptions struct {
	Prefix  string    // keep keys starting with Prefix
	Pattern string    // keep keys matching this glob, e.g. "console:*"
	Sort    SortOrder // ascending when empty
	Offset  int
	Limit   int // 0 means no limit
}

// Stats is a diagnostic snapshot of a store.
type Stats struct {
	Count        int           `json:"count"`
	Bytes        int64         `json:"bytes"`
	Expired      int           `json:"expired"`
	Hits         int64         `json:"hits"`
	Misses       int64         `json:"misses"`
	Evictions    int64         `json:"evictions"`
	Reads        int64         `json:"reads"`
	Writes       int64         `json:"writes"`
	AvgReadTime  time.Duration `json:"avgReadTime"`
	AvgWriteTime time.Duration `json:"avgWriteTime"`
	Cache        *CacheStats   `json:"cache,omitempty"`
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// DefaultTTL applies to writes that do not set their own TTL. Zero never expires.
	DefaultTTL time.Duration
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

type setOptions struct {
	ttl      *time.Duration
	metadata map[string]string
}

// SetOption customizes a single write.
type SetOption func(*setOptions)

// WithTTL sets the lifetime of the written value. Zero means never expires,
// overriding the store default.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = &ttl
	}
}

// WithMetadata attaches metadata to the written value.
func WithMetadata(md map[string]string) SetOption {
	return func(o *setOptions) {
		o.metadata = md
	}
}

// shared is the state every namespace view of one store has in common.
type shared struct {
	// mu is held for reading by single operations and for writing while a
	// transaction commits.
	mu sync.RWMutex

	statsMu   sync.Mutex
	hits      int64
	misses    int64
	reads     int64
	writes    int64
	readTime  time.Duration
	writeTime time.Duration
}

// Store is the facade callers use. It enforces expiry, applies namespaces
// and keeps statistics on top of a Backend.
type Store struct {
	logger     *zap.Logger
	backend    Backend
	prefix     string
	defaultTTL time.Duration
	now        func() time.Time
	shared     *shared
}

// NewStore creates a store facade over backend.
func NewStore(logger *zap.Logger, backend Backend, opts StoreOptions) *Store {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Store{
		logger:     logger.Named("storage"),
		backend:    backend,
		defaultTTL: opts.DefaultTTL,
		now:        now,
		shared:     &shared{},
	}
}

// Namespace returns a view of the store whose keys are isolated under name.
// Views share the backend, statistics and transaction lock with their parent.
func (s *Store) Namespace(name string) *Store {
	ns := *s
	ns.prefix = s.prefix + name + ":"
	ns.logger = s.logger.With(zap.String("namespace", strings.TrimSuffix(ns.prefix, ":")))
	return &ns
}

// Prefix returns the key prefix of this view, empty for the root store.
func (s *Store) Prefix() string {
	return s.prefix
}

// Get returns the value for key. Expired values are deleted and reported absent.
func (s *Store) Get(ctx context.Context, key string) (*Value, bool, error) {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()
	return s.get(ctx, key)
}

func (s *Store) get(ctx context.Context, key string) (*Value, bool, error) {
	start := time.Now()
	v, ok, err := s.load(ctx, s.prefix+key)
	s.recordRead(time.Since(start), ok)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, ok, nil
}

// load reads a full backend key, dropping it when expired.
func (s *Store) load(ctx context.Context, fullKey string) (*Value, bool, error) {
	v, ok, err := s.backend.Get(ctx, fullKey)
	if err != nil || !ok {
		return nil, false, err
	}
	if v.Expired(s.now()) {
		if _, err := s.backend.Delete(ctx, fullKey); err != nil {
			s.logger.Warn("failed to delete expired key",
				zap.String("key", fullKey),
				zap.Error(err))
		}
		return nil, false, nil
	}
	return v, true, nil
}

// GetMany returns the live values among keys. Absent keys are omitted.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]*Value, error) {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()

	out := make(map[string]*Value, len(keys))
	for _, k := range keys {
		v, ok, err := s.get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// Has reports whether key holds a live value.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Set writes data under key.
func (s *Store) Set(ctx context.Context, key string, data any, opts ...SetOption) error {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()
	return s.set(ctx, key, s.newValue(data, opts...))
}

// SetMany writes every item with the same options.
func (s *Store) SetMany(ctx context.Context, items map[string]any, opts ...SetOption) error {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()

	for k, data := range items {
		if err := s.set(ctx, k, s.newValue(data, opts...)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) newValue(data any, opts ...SetOption) *Value {
	o := setOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	now := s.now()
	v := &Value{
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if o.metadata != nil {
		v.Metadata = maps.Clone(o.metadata)
	}

	ttl := s.defaultTTL
	if o.ttl != nil {
		ttl = *o.ttl
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		v.ExpiresAt = &exp
	}
	return v
}

func (s *Store) set(ctx context.Context, key string, v *Value) error {
	start := time.Now()
	err := s.backend.Set(ctx, s.prefix+key, v)
	s.recordWrite(time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes key and reports whether a live value was removed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()
	return s.delete(ctx, key)
}

func (s *Store) delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := s.backend.Delete(ctx, s.prefix+key)
	s.recordWrite(time.Since(start))
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return ok, nil
}

// DeleteMany removes keys and returns how many existed.
func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()

	n := 0
	for _, k := range keys {
		ok, err := s.delete(ctx, k)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Keys lists live keys of this namespace.
func (s *Store) Keys(ctx context.Context, opts ListOptions) ([]string, error) {
	entries, err := s.Entries(ctx, opts)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// Values lists live values of this namespace in key order.
func (s *Store) Values(ctx context.Context, opts ListOptions) ([]*Value, error) {
	entries, err := s.Entries(ctx, opts)
	if err != nil {
		return nil, err
	}
	values := make([]*Value, len(entries))
	for i, e := range entries {
		values[i] = e.Value
	}
	return values, nil
}

// Entries lists live key/value pairs of this namespace.
func (s *Store) Entries(ctx context.Context, opts ListOptions) ([]Entry, error) {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()

	var matcher glob.Glob
	if opts.Pattern != "" {
		g, err := glob.Compile(opts.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid key pattern %q: %w", opts.Pattern, err)
		}
		matcher = g
	}

	keys, err := s.ownKeys(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if opts.Prefix != "" && !strings.HasPrefix(k, opts.Prefix) {
			continue
		}
		if matcher != nil && !matcher.Match(k) {
			continue
		}
		v, ok, err := s.load(ctx, s.prefix+k)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", k, err)
		}
		if !ok {
			continue
		}
		entries = append(entries, Entry{Key: k, Value: v})
	}

	sort.Slice(entries, func(i, j int) bool {
		if opts.Sort == SortDesc {
			return entries[i].Key > entries[j].Key
		}
		return entries[i].Key < entries[j].Key
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return []Entry{}, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// ownKeys returns the backend keys of this namespace with the prefix stripped.
func (s *Store) ownKeys(ctx context.Context) ([]string, error) {
	all, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if rel, ok := strings.CutPrefix(k, s.prefix); ok {
			keys = append(keys, rel)
		}
	}
	return keys, nil
}

// Size returns the number of live keys in this namespace.
func (s *Store) Size(ctx context.Context) (int, error) {
	entries, err := s.Entries(ctx, ListOptions{})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Stats reports counts for this namespace and the counters shared by the store.
// Expired values are counted, not removed.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()

	keys, err := s.ownKeys(ctx)
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	now := s.now()
	for _, k := range keys {
		v, ok, err := s.backend.Get(ctx, s.prefix+k)
		if err != nil {
			return Stats{}, fmt.Errorf("failed to load %s: %w", k, err)
		}
		if !ok {
			continue
		}
		if v.Expired(now) {
			st.Expired++
			continue
		}
		st.Count++
		st.Bytes += estimateSize(v)
	}

	sh := s.shared
	sh.statsMu.Lock()
	st.Hits, st.Misses = sh.hits, sh.misses
	st.Reads, st.Writes = sh.reads, sh.writes
	if sh.reads > 0 {
		st.AvgReadTime = sh.readTime / time.Duration(sh.reads)
	}
	if sh.writes > 0 {
		st.AvgWriteTime = sh.writeTime / time.Duration(sh.writes)
	}
	sh.statsMu.Unlock()

	if c, ok := s.backend.(*Cache); ok {
		cs := c.Stats()
		st.Cache = &cs
		st.Evictions = cs.Evictions
	}
	return st, nil
}

// Sweep deletes expired values of this namespace and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()

	keys, err := s.ownKeys(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	now := s.now()
	for _, k := range keys {
		v, ok, err := s.backend.Get(ctx, s.prefix+k)
		if err != nil {
			return n, fmt.Errorf("failed to load %s: %w", k, err)
		}
		if !ok || !v.Expired(now) {
			continue
		}
		if _, err := s.backend.Delete(ctx, s.prefix+k); err != nil {
			return n, fmt.Errorf("failed to delete %s: %w", k, err)
		}
		n++
	}
	if n > 0 {
		s.logger.Debug("swept expired keys", zap.Int("count", n))
	}
	return n, nil
}

// Clear removes every key of this namespace. On the root store it clears the backend.
func (s *Store) Clear(ctx context.Context) error {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()

	if s.prefix == "" {
		return s.backend.Clear(ctx)
	}
	keys, err := s.ownKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := s.backend.Delete(ctx, s.prefix+k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) recordRead(d time.Duration, hit bool) {
	sh := s.shared
	sh.statsMu.Lock()
	defer sh.statsMu.Unlock()
	sh.reads++
	sh.readTime += d
	if hit {
		sh.hits++
	} else {
		sh.misses++
	}
}

func (s *Store) recordWrite(d time.Duration) {
	sh := s.shared
	sh.statsMu.Lock()
	defer sh.statsMu.Unlock()
	sh.writes++
	sh.writeTime += d
}
