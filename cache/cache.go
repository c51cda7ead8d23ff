// Package cache implements a bounded in-memory key/value cache with TTL
// expiry and usage-weighted eviction. The cache is bounded both by an
// estimated byte budget and by an entry-count budget; when either budget is
// exceeded the entry with the lowest value score (access count divided by age
// in minutes) is evicted first.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Desmondshah/AnimeMuseAI-sub007/telemetry"
)

const (
	defaultMemoryBudget = 50 * 1024 * 1024
	defaultCountBudget  = 1000
	defaultTTL          = 30 * time.Minute

	// minAgeMinutes floors the age term of the value score so a freshly
	// inserted entry cannot divide by near-zero and dwarf every other score.
	minAgeMinutes = 1.0
)

// Config holds cache configuration.
type Config struct {
	// MemoryBudget is the maximum estimated total size of cached values in
	// bytes. Default: 50 MiB.
	MemoryBudget int64

	// CountBudget is the maximum number of live entries. Default: 1000.
	CountBudget int

	// DefaultTTL applies to entries stored via Set. Default: 30 minutes.
	DefaultTTL time.Duration

	// SizeOf estimates the byte size of a value. Default: DefaultSize.
	SizeOf SizeFunc

	// Logger for eviction events.
	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	Count        int
	MemoryUsed   int64
	MemoryBudget int64
	CountBudget  int
}

type entry struct {
	value          any
	size           int64
	ttl            time.Duration
	insertedAt     time.Time
	lastAccessedAt time.Time
	accessCount    uint64
}

// score is the eviction value of an entry: frequently and recently useful
// entries score high, old rarely-touched entries score low. A never-accessed
// entry scores zero regardless of age, so new unused data never displaces
// actively used data.
func (e *entry) score(now time.Time) float64 {
	mins := now.Sub(e.insertedAt).Minutes()
	if mins < minAgeMinutes {
		mins = minAgeMinutes
	}
	return float64(e.accessCount) / mins
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedAt) > e.ttl
}

// Cache is a bounded in-memory cache. All operations are synchronous and
// never fail; expiry and capacity pressure are silent policy, observable only
// through Stats.
type Cache struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	memUsed int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache with the given configuration, applying defaults for
// zero-value fields.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.MemoryBudget <= 0 {
		cfg.MemoryBudget = defaultMemoryBudget
	}
	if cfg.CountBudget <= 0 {
		cfg.CountBudget = defaultCountBudget
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.SizeOf == nil {
		cfg.SizeOf = DefaultSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		config:  cfg,
		logger:  cfg.Logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetTTL(key, value, c.config.DefaultTTL)
}

// SetTTL stores value under key with an explicit TTL. Before insertion,
// eviction runs until both budgets are satisfied. If a budget is smaller than
// the new entry itself the cache may briefly exceed it by that one entry;
// this is tolerated, not fatal.
func (c *Cache) SetTTL(key string, value any, ttl time.Duration) {
	size := c.config.SizeOf(value)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.memUsed -= old.size
		delete(c.entries, key)
	}

	for len(c.entries) > 0 &&
		(c.memUsed+size > c.config.MemoryBudget || len(c.entries) >= c.config.CountBudget) {
		c.evictOne(now)
	}

	if c.memUsed+size > c.config.MemoryBudget {
		c.logger.Warn("cache entry exceeds memory budget, allowing temporary overrun",
			"key", key,
			"size", size,
			"memory_budget", c.config.MemoryBudget,
		)
	}

	c.entries[key] = &entry{
		value:          value,
		size:           size,
		ttl:            ttl,
		insertedAt:     now,
		lastAccessedAt: now,
	}
	c.memUsed += size
	telemetry.RecordCacheSet(context.Background(), size)
	telemetry.UpdateCacheOccupancy(context.Background(), int64(len(c.entries)), c.memUsed)
}

// Get returns the value stored under key if present and unexpired. A hit
// updates the entry's access stats; an expired entry is lazily deleted and
// reported as a miss.
func (c *Cache) Get(key string) (any, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		telemetry.RecordCacheMiss(context.Background())
		return nil, false
	}
	if e.expired(now) {
		c.removeLocked(key, e)
		telemetry.RecordCacheExpiry(context.Background(), 1, e.size)
		telemetry.RecordCacheMiss(context.Background())
		return nil, false
	}

	e.accessCount++
	e.lastAccessedAt = now
	telemetry.RecordCacheHit(context.Background())
	return e.value, true
}

// Has reports whether key is present and unexpired without mutating access
// stats. Expired entries are lazily deleted, as in Get.
func (c *Cache) Has(key string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if e.expired(now) {
		c.removeLocked(key, e)
		telemetry.RecordCacheExpiry(context.Background(), 1, e.size)
		return false
	}
	return true
}

// Delete removes the entry stored under key, if any.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	}
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.memUsed = 0
	telemetry.UpdateCacheOccupancy(context.Background(), 0, 0)
}

// Stats returns a snapshot of current occupancy against the configured
// budgets. Expired-but-unswept entries still count until lazily deleted.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Count:        len(c.entries),
		MemoryUsed:   c.memUsed,
		MemoryBudget: c.config.MemoryBudget,
		CountBudget:  c.config.CountBudget,
	}
}

// Sweep removes all expired entries and returns how many were deleted.
// Expiry is otherwise lazy; Sweep exists for callers that run a periodic
// janitor so stale entries do not occupy budget between reads.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	var freed int64
	for key, e := range c.entries {
		if e.expired(now) {
			freed += e.size
			c.removeLocked(key, e)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("swept expired cache entries", "removed", removed, "bytes_freed", freed)
		telemetry.RecordCacheExpiry(context.Background(), removed, freed)
	}
	return removed
}

// evictOne removes the entry with the lowest value score. Caller holds c.mu
// and guarantees the map is non-empty.
func (c *Cache) evictOne(now time.Time) {
	var victimKey string
	var victim *entry
	victimScore := -1.0

	for key, e := range c.entries {
		s := e.score(now)
		// Ties go to the older entry so map iteration order never decides.
		if victim == nil || s < victimScore ||
			(s == victimScore && e.insertedAt.Before(victim.insertedAt)) {
			victimKey, victim, victimScore = key, e, s
		}
	}

	c.removeLocked(victimKey, victim)
	c.logger.Debug("evicted cache entry",
		"key", victimKey,
		"score", victimScore,
		"size", victim.size,
		"access_count", victim.accessCount,
	)
	telemetry.RecordCacheEviction(context.Background(), victim.size)
}

// removeLocked deletes an entry and adjusts the running size total. Caller
// holds c.mu.
func (c *Cache) removeLocked(key string, e *entry) {
	delete(c.entries, key)
	c.memUsed -= e.size
	if c.memUsed < 0 {
		c.memUsed = 0
	}
	telemetry.UpdateCacheOccupancy(context.Background(), int64(len(c.entries)), c.memUsed)
}
