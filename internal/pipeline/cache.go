package pipeline

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCacheRetention is how long an unconsumed unit stays cached before
// EvictExpired drops it.
const DefaultCacheRetention = 30 * time.Minute

// Availability is the answer to a readiness query.
type Availability struct {
	IsReady bool          `json:"is_ready"`
	Unit    *PreparedUnit `json:"unit,omitempty"`
}

// RetentionPolicy adjusts expiry for one user while a degradation is active.
type RetentionPolicy struct {
	SuspendExpiry bool
	// Multiplier scales the base retention; values <= 1 leave it unchanged.
	Multiplier float64
}

// CacheStats holds cache counters.
type CacheStats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Stores        int64 `json:"stores"`
	Overwrites    int64 `json:"overwrites"`
	Evictions     int64 `json:"evictions"`
	Invalidations int64 `json:"invalidations"`
	CurrentSize   int   `json:"current_size"`
}

// HitRate returns hits / (hits + misses), or 1 when nothing was queried yet.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 1
	}
	return float64(s.Hits) / float64(total)
}

type cacheKey struct {
	user    UserID
	channel ChannelID
}

type cacheEntry struct {
	unit     PreparedUnit
	storedAt time.Time
	active   bool
}

// ReadyContentCache holds at most one prepared unit per user and channel.
// All operations are O(1) per channel, never block on preparation work and
// never fail: a missing unit is reported as IsReady false.
type ReadyContentCache struct {
	mu        sync.RWMutex
	entries   map[cacheKey]*cacheEntry
	policies  map[UserID]RetentionPolicy
	retention time.Duration
	clock     Clock

	hits          atomic.Int64
	misses        atomic.Int64
	stores        atomic.Int64
	overwrites    atomic.Int64
	evictions     atomic.Int64
	invalidations atomic.Int64
}

// NewReadyContentCache returns an empty cache. A retention <= 0 uses
// DefaultCacheRetention; a nil clock uses the wall clock.
func NewReadyContentCache(retention time.Duration, clock Clock) *ReadyContentCache {
	if retention <= 0 {
		retention = DefaultCacheRetention
	}
	if clock == nil {
		clock = realClock{}
	}
	return &ReadyContentCache{
		entries:   make(map[cacheKey]*cacheEntry),
		policies:  make(map[UserID]RetentionPolicy),
		retention: retention,
		clock:     clock,
	}
}

// CheckAvailability reports whether channel holds a prepared unit.
func (c *ReadyContentCache) CheckAvailability(user UserID, channel ChannelID) Availability {
	c.mu.RLock()
	e, ok := c.entries[cacheKey{user, channel}]
	var unit PreparedUnit
	if ok {
		unit = e.unit
	}
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return Availability{}
	}
	c.hits.Add(1)
	return Availability{IsReady: true, Unit: &unit}
}

// Store caches unit for channel, replacing (and discarding) any previous one.
func (c *ReadyContentCache) Store(unit PreparedUnit, channel ChannelID) {
	unit.ChannelID = channel
	key := cacheKey{unit.UserID, channel}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.overwrites.Add(1)
	}
	c.entries[key] = &cacheEntry{unit: unit, storedAt: c.clock.Now()}
	c.stores.Add(1)
}

// PromoteActive marks the channel's unit as the one being consumed by the
// LIVE slot. An active unit is kept (for re-presentation on reconnect) until
// Release and is never expired. It returns false if nothing is cached.
func (c *ReadyContentCache) PromoteActive(user UserID, channel ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[cacheKey{user, channel}]
	if !ok {
		return false
	}
	e.active = true
	return true
}

// Release drops the channel's unit once the channel leaves LIVE.
func (c *ReadyContentCache) Release(user UserID, channel ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{user, channel}
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// Invalidate drops the channel's unit, e.g. after curriculum edits.
func (c *ReadyContentCache) Invalidate(user UserID, channel ChannelID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{user, channel}
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.invalidations.Add(1)
	}
}

// ReadyChannels lists, in channel order, the user's channels holding a unit.
func (c *ReadyContentCache) ReadyChannels(user UserID) []ChannelID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []ChannelID
	for _, ch := range Channels {
		if _, ok := c.entries[cacheKey{user, ch}]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// DropUser removes every unit and policy of user and returns how many units
// were dropped.
func (c *ReadyContentCache) DropUser(user UserID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, ch := range Channels {
		key := cacheKey{user, ch}
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			n++
		}
	}
	delete(c.policies, user)
	return n
}

// SetPolicy installs a retention policy for user. The zero policy restores
// the default behaviour.
func (c *ReadyContentCache) SetPolicy(user UserID, p RetentionPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p == (RetentionPolicy{}) {
		delete(c.policies, user)
		return
	}
	c.policies[user] = p
}

// Policy returns the retention policy in effect for user.
func (c *ReadyContentCache) Policy(user UserID) RetentionPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policies[user]
}

// EvictExpired removes inactive units older than their user's retention and
// returns the evicted keys' users, sorted, one entry per eviction.
func (c *ReadyContentCache) EvictExpired(now time.Time) []UserID {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []UserID
	for key, e := range c.entries {
		if e.active {
			continue
		}
		p := c.policies[key.user]
		if p.SuspendExpiry {
			continue
		}
		retention := c.retention
		if p.Multiplier > 1 {
			retention = time.Duration(float64(retention) * p.Multiplier)
		}
		if now.Sub(e.storedAt) > retention {
			delete(c.entries, key)
			evicted = append(evicted, key.user)
		}
	}
	c.evictions.Add(int64(len(evicted)))
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	return evicted
}

// Stats returns a snapshot of the cache counters.
func (c *ReadyContentCache) Stats() CacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	return CacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Stores:        c.stores.Load(),
		Overwrites:    c.overwrites.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
		CurrentSize:   size,
	}
}

// peek looks up the cached content id without counting a hit or miss.
func (c *ReadyContentCache) peek(user UserID, channel ChannelID) (ContentID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[cacheKey{user, channel}]
	if !ok {
		return "", false
	}
	return e.unit.ContentID, true
}

// isActive reports whether the channel's unit has been promoted.
func (c *ReadyContentCache) isActive(user UserID, channel ChannelID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[cacheKey{user, channel}]
	return ok && e.active
}
