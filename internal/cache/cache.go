// Package cache provides a generic, thread-safe TTL cache with
// selectable eviction policies and device-scoped invalidation.
package cache

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/metrics"
)

// EvictionPolicy selects the victim when the cache is over capacity.
type EvictionPolicy int

const (
	PolicyLRU EvictionPolicy = iota
	PolicyLFU
	PolicyTTL
	PolicyFIFO
	PolicyRandom
	PolicyAdaptive
)

// String returns the policy name.
func (p EvictionPolicy) String() string {
	switch p {
	case PolicyLRU:
		return "lru"
	case PolicyLFU:
		return "lfu"
	case PolicyTTL:
		return "ttl"
	case PolicyFIFO:
		return "fifo"
	case PolicyRandom:
		return "random"
	case PolicyAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config string to a policy, defaulting to LRU.
func ParsePolicy(s string) EvictionPolicy {
	switch strings.ToLower(s) {
	case "lfu":
		return PolicyLFU
	case "ttl":
		return PolicyTTL
	case "fifo":
		return PolicyFIFO
	case "random":
		return PolicyRandom
	case "adaptive":
		return PolicyAdaptive
	default:
		return PolicyLRU
	}
}

// Config tunes one cache instance.
type Config struct {
	// MaxEntries bounds the entry count. <= 0 means unbounded.
	MaxEntries int
	// MaxMemoryBytes bounds accounted memory. Requires a SizeFunc.
	MaxMemoryBytes int64
	// MemoryThreshold is the fill fraction that triggers eviction.
	MemoryThreshold float64
	// DefaultTTL applies to Put. <= 0 means entries never expire.
	DefaultTTL time.Duration
	// CleanupInterval is the expiry sweep period.
	CleanupInterval time.Duration
	Policy          EvictionPolicy
}

type entry[V any] struct {
	key       string
	value     V
	size      int64
	createdAt time.Time
	expiresAt time.Time // zero means no expiry
	insertSeq uint64

	lastAccessed atomic.Int64 // unix nanos
	accessCount  atomic.Uint64
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Sets        uint64  `json:"sets"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Entries     int     `json:"entries"`
	MemoryBytes int64   `json:"memoryBytes"`
	HitRate     float64 `json:"hitRate"`
}

// EvictCallback observes removed entries. It runs outside cache locks.
type EvictCallback[V any] func(key string, value V)

// Option configures optional cache behavior.
type Option[V any] func(*Cache[V])

// WithSizeFunc enables memory accounting using fn to size values.
func WithSizeFunc[V any](fn func(V) int64) Option[V] {
	return func(c *Cache[V]) { c.sizeFn = fn }
}

// WithEvictCallback registers a callback for evicted entries.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *Cache[V]) { c.evictFn = fn }
}

// WithMetrics publishes hit, miss, and eviction counts to the service
// metrics registry.
func WithMetrics[V any](reg *metrics.Registry) Option[V] {
	return func(c *Cache[V]) { c.metrics = reg }
}

// Cache is a generic keyed store with TTL expiry and bounded capacity.
// All operations are safe for concurrent use; a miss is never an error.
type Cache[V any] struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	items     map[string]*entry[V]
	byDevice  map[string]map[string]struct{}
	byType    map[string]map[string]struct{}
	memory    int64
	insertSeq uint64
	closed    bool

	sizeFn  func(V) int64
	evictFn EvictCallback[V]
	metrics *metrics.Registry
	group   singleflight.Group

	hits        atomic.Uint64
	misses      atomic.Uint64
	sets        atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64

	shutdown chan struct{}
	done     chan struct{}
}

// New creates a cache and starts its expiry sweeper.
func New[V any](cfg Config, logger zerolog.Logger, opts ...Option[V]) *Cache[V] {
	if cfg.MemoryThreshold <= 0 || cfg.MemoryThreshold > 1 {
		cfg.MemoryThreshold = 0.9
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	c := &Cache[V]{
		cfg:      cfg,
		logger:   logger.With().Str("component", "cache").Logger(),
		items:    make(map[string]*entry[V]),
		byDevice: make(map[string]map[string]struct{}),
		byType:   make(map[string]map[string]struct{}),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweep()
	return c
}

// ScopedKey composes the canonical key for device-scoped entries, so
// InvalidateDevice and InvalidateType can find them without scanning.
func ScopedKey(deviceType, deviceName, field string) string {
	return fmt.Sprintf("%s:%s:%s", deviceType, deviceName, field)
}

func splitScoped(key string) (deviceType, deviceName string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Put installs or replaces an entry with the default TTL.
func (c *Cache[V]) Put(key string, value V) error {
	return c.PutTTL(key, value, c.cfg.DefaultTTL)
}

// PutTTL installs or replaces an entry with an explicit TTL.
// ttl <= 0 means the entry never expires.
func (c *Cache[V]) PutTTL(key string, value V, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("%w: empty cache key", domain.ErrInvalidConfig)
	}

	var size int64
	if c.sizeFn != nil {
		size = c.sizeFn(value)
	}
	now := time.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrCacheClosed
	}
	if old, ok := c.items[key]; ok {
		c.memory -= old.size
	} else {
		c.indexAdd(key)
	}
	c.insertSeq++
	e := &entry[V]{
		key:       key,
		value:     value,
		size:      size,
		createdAt: now,
		insertSeq: c.insertSeq,
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	e.lastAccessed.Store(now.UnixNano())
	c.items[key] = e
	c.memory += size

	evicted := c.evictOverflowLocked(now)
	c.mu.Unlock()

	c.sets.Add(1)
	if c.metrics != nil && len(evicted) > 0 {
		c.metrics.RecordCacheEvictions(len(evicted))
	}
	c.notifyEvicted(evicted)
	return nil
}

// Get returns the value for key. It refreshes the entry's recency and
// access count. Expired entries are removed lazily.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	now := time.Now()

	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		c.countAccess(false)
		return zero, false
	}
	if e.expired(now) {
		c.mu.Lock()
		if cur, still := c.items[key]; still && cur.expired(now) {
			c.removeLocked(key, cur)
			c.expirations.Add(1)
		}
		c.mu.Unlock()
		c.countAccess(false)
		return zero, false
	}

	e.lastAccessed.Store(now.UnixNano())
	e.accessCount.Add(1)
	c.countAccess(true)
	return e.value, true
}

func (c *Cache[V]) countAccess(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.metrics != nil {
		c.metrics.RecordCacheAccess(hit)
	}
}

// GetOrLoad returns the cached value or runs loader to produce it.
// Concurrent callers for the same key share one loader invocation.
// A loader error is returned to every waiter and nothing is cached.
func (c *Cache[V]) GetOrLoad(key string, ttl time.Duration, loader func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		value, err := loader()
		if err != nil {
			return nil, err
		}
		if putErr := c.PutTTL(key, value, ttl); putErr != nil {
			return value, nil // cache closed mid-load; still serve the value
		}
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Delete removes an entry. It reports whether the key existed.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok {
		c.removeLocked(key, e)
	}
	c.mu.Unlock()

	if ok {
		c.notifyEvicted([]*entry[V]{e})
	}
	return ok
}

// InvalidateDevice removes all entries scoped to the device name.
func (c *Cache[V]) InvalidateDevice(deviceName string) int {
	return c.invalidateIndexed(c.byDevice, deviceName)
}

// InvalidateType removes all entries scoped to the device type.
func (c *Cache[V]) InvalidateType(deviceType string) int {
	return c.invalidateIndexed(c.byType, deviceType)
}

func (c *Cache[V]) invalidateIndexed(index map[string]map[string]struct{}, bucket string) int {
	c.mu.Lock()
	keys := index[bucket]
	removed := make([]*entry[V], 0, len(keys))
	for key := range keys {
		if e, ok := c.items[key]; ok {
			c.removeLocked(key, e)
			removed = append(removed, e)
		}
	}
	c.mu.Unlock()

	c.notifyEvicted(removed)
	return len(removed)
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	removed := make([]*entry[V], 0, len(c.items))
	for _, e := range c.items {
		removed = append(removed, e)
	}
	c.items = make(map[string]*entry[V])
	c.byDevice = make(map[string]map[string]struct{})
	c.byType = make(map[string]map[string]struct{})
	c.memory = 0
	c.mu.Unlock()

	c.notifyEvicted(removed)
}

// Size returns the current entry count.
func (c *Cache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// MemoryUsage returns accounted bytes. Zero unless a SizeFunc is set.
func (c *Cache[V]) MemoryUsage() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memory
}

// Keys returns the unexpired keys.
func (c *Cache[V]) Keys() []string {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for key, e := range c.items {
		if !e.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Stats returns a snapshot of cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.RLock()
	entries := len(c.items)
	memory := c.memory
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Hits:        hits,
		Misses:      misses,
		Sets:        c.sets.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Entries:     entries,
		MemoryBytes: memory,
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Close stops the sweeper and rejects further writes.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.shutdown)
	<-c.done
}

func (c *Cache[V]) indexAdd(key string) {
	devType, devName, ok := splitScoped(key)
	if !ok {
		return
	}
	if c.byDevice[devName] == nil {
		c.byDevice[devName] = make(map[string]struct{})
	}
	c.byDevice[devName][key] = struct{}{}
	if c.byType[devType] == nil {
		c.byType[devType] = make(map[string]struct{})
	}
	c.byType[devType][key] = struct{}{}
}

func (c *Cache[V]) removeLocked(key string, e *entry[V]) {
	delete(c.items, key)
	c.memory -= e.size
	if devType, devName, ok := splitScoped(key); ok {
		if set := c.byDevice[devName]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(c.byDevice, devName)
			}
		}
		if set := c.byType[devType]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(c.byType, devType)
			}
		}
	}
}

// overCapacityLocked reports whether eviction should run.
func (c *Cache[V]) overCapacityLocked() bool {
	if c.cfg.MaxEntries > 0 && len(c.items) > c.cfg.MaxEntries {
		return true
	}
	if c.cfg.MaxMemoryBytes > 0 && c.sizeFn != nil {
		limit := float64(c.cfg.MaxMemoryBytes) * c.cfg.MemoryThreshold
		return float64(c.memory) > limit
	}
	return false
}

func (c *Cache[V]) evictOverflowLocked(now time.Time) []*entry[V] {
	var evicted []*entry[V]
	for c.overCapacityLocked() {
		victim := c.selectVictimLocked(now)
		if victim == nil {
			break
		}
		c.removeLocked(victim.key, victim)
		c.evictions.Add(1)
		evicted = append(evicted, victim)
	}
	return evicted
}

// selectVictimLocked picks the entry to evict under the configured
// policy. Expired entries are always preferred regardless of policy.
func (c *Cache[V]) selectVictimLocked(now time.Time) *entry[V] {
	var victim *entry[V]
	var victimScore float64

	for _, e := range c.items {
		if e.expired(now) {
			return e
		}
		score := c.score(e, now)
		if victim == nil || score < victimScore {
			victim = e
			victimScore = score
		}
	}
	return victim
}

// score orders candidates: the lowest score is evicted first.
func (c *Cache[V]) score(e *entry[V], now time.Time) float64 {
	switch c.cfg.Policy {
	case PolicyLFU:
		return float64(e.accessCount.Load())
	case PolicyTTL:
		if e.expiresAt.IsZero() {
			return float64(now.Add(100 * 365 * 24 * time.Hour).UnixNano())
		}
		return float64(e.expiresAt.UnixNano())
	case PolicyFIFO:
		return float64(e.insertSeq)
	case PolicyRandom:
		return rand.Float64()
	case PolicyAdaptive:
		// Blend recency and frequency: stale, rarely used entries
		// score lowest.
		idle := now.Sub(time.Unix(0, e.lastAccessed.Load())).Seconds()
		return float64(e.accessCount.Load()+1) / (idle + 1)
	default: // PolicyLRU
		return float64(e.lastAccessed.Load())
	}
}

func (c *Cache[V]) notifyEvicted(evicted []*entry[V]) {
	if c.evictFn == nil {
		return
	}
	for _, e := range evicted {
		c.evictFn(e.key, e.value)
	}
}

// sweep periodically removes expired entries.
func (c *Cache[V]) sweep() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache[V]) removeExpired() {
	now := time.Now()

	c.mu.Lock()
	var expired []*entry[V]
	for key, e := range c.items {
		if e.expired(now) {
			c.removeLocked(key, e)
			expired = append(expired, e)
		}
	}
	c.mu.Unlock()

	for range expired {
		c.expirations.Add(1)
	}
	c.notifyEvicted(expired)
}
