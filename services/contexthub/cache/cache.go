// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the multi-tier adaptive cache for raw
// entities and resolved views.
//
// Entries are classified HOT, WARM, or COLD and live in independent
// buckets with independent entry budgets. Capacity pressure in one
// bucket never evicts another bucket's entries. Each entry carries an
// adaptive TTL computed at insertion from the tier's base TTL scaled by
// the recently observed mutation rate of the underlying entity, clamped
// to configured bounds.
//
// Every entry records the dependency identities it was derived from;
// InvalidateByDependency evicts all of them at once, which is how a
// parent write invalidates every cached descendant view.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrCacheUnavailable indicates the cache backend cannot serve requests.
// Callers must degrade by bypassing the cache, not by failing the
// request.
var ErrCacheUnavailable = errors.New("cache unavailable")

// MultiTierCache is the concrete cache implementation.
//
// Thread Safety: Safe for concurrent use. A single mutex guards the
// entry map, the bucket lists, and the dependency index, so each Put or
// Invalidate applies atomically; the cache as a whole is not
// transactional across keys.
type MultiTierCache struct {
	mu      sync.Mutex
	opts    Options
	entries map[Key]*entry
	buckets [classificationCount]*list.List
	deps    map[string]map[Key]struct{}
	writes  map[string][]time.Time
	gens    map[string]uint64
	flight  singleflight.Group
	now     func() time.Time

	hits          int64
	misses        int64
	expirations   int64
	evictions     int64
	invalidations int64
}

// New creates a multi-tier cache with the given options.
func New(opts ...Option) *MultiTierCache {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	c := &MultiTierCache{
		opts:    options,
		entries: make(map[Key]*entry),
		deps:    make(map[string]map[Key]struct{}),
		writes:  make(map[string][]time.Time),
		gens:    make(map[string]uint64),
		now:     options.Clock,
	}
	if c.now == nil {
		c.now = time.Now
	}
	for i := range c.buckets {
		c.buckets[i] = list.New()
	}
	return c
}

// Get retrieves a cached value.
//
// Expired entries are removed on access and reported as misses.
//
// Outputs:
//   - any: The cached value, nil on miss.
//   - bool: True on a hit.
func (c *MultiTierCache) Get(ctx context.Context, key Key) (any, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		recordMiss(ctx, key)
		return nil, false
	}

	now := c.now()
	if e.expired(now) {
		c.removeLocked(e)
		c.expirations++
		c.misses++
		c.mu.Unlock()
		recordMiss(ctx, key)
		return nil, false
	}

	e.accessCount++
	e.lastAccess = now
	c.buckets[e.classification].MoveToFront(e.lruElement)
	value := e.value
	c.hits++
	c.mu.Unlock()

	recordHit(ctx, key)
	return value, true
}

// Put inserts or replaces a cached value.
//
// Description:
//
//	The entry's TTL is computed at insertion: the tier's base TTL
//	divided by (1 + observed writes of the underlying entity within the
//	mutation window), clamped to [MinTTL, MaxTTL]. If the insertion
//	pushes the entry's bucket over budget, entries are evicted from
//	that bucket only, per its classification policy.
//
// Inputs:
//   - key: The cache key.
//   - value: The value to cache. The cache does not copy it; callers
//     pass snapshots they no longer mutate.
//   - classification: The temperature bucket.
//   - deps: Dependency identities that must evict this entry when
//     invalidated. The key's own identity is always included.
func (c *MultiTierCache) Put(ctx context.Context, key Key, value any, classification Classification, deps []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(ctx, key, value, classification, deps)
}

// PutIfCurrent inserts a value only if none of the snapshotted
// dependency generations advanced since the snapshot was taken.
//
// Description:
//
//	A loader that read its inputs before a write completed can finish
//	after that write's synchronous invalidation, and a plain Put would
//	re-insert the stale result. Callers snapshot the generations of
//	their dependency set (Generations) before their first read;
//	PutIfCurrent rejects the insert when any of those identities was
//	invalidated in between.
//
// Outputs:
//   - bool: True if the value was cached.
func (c *MultiTierCache) PutIfCurrent(ctx context.Context, key Key, value any, classification Classification, deps []string, gens map[string]uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for dep, gen := range gens {
		if c.gens[dep] != gen {
			return false
		}
	}
	c.putLocked(ctx, key, value, classification, deps)
	return true
}

// Generations returns the invalidation generation of each identity.
// Identities never invalidated report generation zero.
func (c *MultiTierCache) Generations(deps []string) map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]uint64, len(deps))
	for _, dep := range deps {
		out[dep] = c.gens[dep]
	}
	return out
}

// putLocked is the shared insert path. Caller holds c.mu.
func (c *MultiTierCache) putLocked(ctx context.Context, key Key, value any, classification Classification, deps []string) {
	if classification < Hot || classification >= classificationCount {
		classification = Cold
	}

	if existing, ok := c.entries[key]; ok {
		c.removeLocked(existing)
	}

	now := c.now()
	e := &entry{
		key:            key,
		value:          value,
		classification: classification,
		insertedAt:     now,
		ttl:            c.ttlForLocked(key, now),
		accessCount:    0,
		lastAccess:     now,
		deps:           withSelf(deps, key.DependencyID()),
	}
	e.lruElement = c.buckets[classification].PushFront(e)
	c.entries[key] = e
	for _, dep := range e.deps {
		keys, ok := c.deps[dep]
		if !ok {
			keys = make(map[Key]struct{}, 1)
			c.deps[dep] = keys
		}
		keys[key] = struct{}{}
	}

	c.enforceBudgetLocked(ctx, classification)
}

// Invalidate removes one entry, if cached.
//
// The identity's generation advances even when nothing is cached under
// it: an in-flight load that read before this invalidation must not
// insert its result afterwards (PutIfCurrent).
func (c *MultiTierCache) Invalidate(ctx context.Context, key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[key.DependencyID()]++
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
		c.invalidations++
		recordInvalidation(ctx, 1)
	}
}

// InvalidateByDependency removes every entry whose dependency set
// contains the given identity.
//
// Outputs:
//   - int: The number of entries evicted.
func (c *MultiTierCache) InvalidateByDependency(ctx context.Context, dependencyID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[dependencyID]++
	keys, ok := c.deps[dependencyID]
	if !ok {
		return 0
	}

	removed := 0
	for key := range keys {
		if e, present := c.entries[key]; present {
			c.removeLocked(e)
			removed++
		}
	}
	c.invalidations += int64(removed)
	recordInvalidation(ctx, removed)
	return removed
}

// ObserveWrite records a successful write of an entity, shortening the
// adaptive TTL of entries cached for it afterwards.
func (c *MultiTierCache) ObserveWrite(dependencyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cutoff := now.Add(-c.opts.MutationWindow)
	recent := c.writes[dependencyID]
	kept := recent[:0]
	for _, t := range recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.writes[dependencyID] = append(kept, now)
}

// LoadFunc builds a value on cache miss. It returns the value, the
// dependency identities it was derived from, and the generation
// snapshot taken before its first read of those identities; the insert
// is rejected if any generation advanced during the load. A nil gens
// map skips the staleness check.
type LoadFunc func(ctx context.Context) (value any, deps []string, gens map[string]uint64, err error)

// GetOrLoad returns the cached value or loads and caches it.
//
// Concurrent loads of the same key are deduplicated through
// singleflight; only one loader runs, the rest share its result. Load
// errors are returned without being cached. The loaded value is
// returned to all waiters even when the insert is rejected as stale;
// the next miss reloads fresh state.
func (c *MultiTierCache) GetOrLoad(ctx context.Context, key Key, classification Classification, load LoadFunc) (any, error) {
	if value, ok := c.Get(ctx, key); ok {
		return value, nil
	}

	value, err, _ := c.flight.Do(key.String(), func() (any, error) {
		if cached, ok := c.Get(ctx, key); ok {
			return cached, nil
		}
		loaded, deps, gens, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.PutIfCurrent(ctx, key, loaded, classification, deps, gens)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Stats returns a snapshot of the cache counters.
func (c *MultiTierCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	perBucket := make(map[Classification]int, classificationCount)
	for cls := Hot; cls < classificationCount; cls++ {
		perBucket[cls] = c.buckets[cls].Len()
	}
	return Stats{
		EntryCount:    len(c.entries),
		PerBucket:     perBucket,
		Hits:          c.hits,
		Misses:        c.misses,
		Expirations:   c.expirations,
		Evictions:     c.evictions,
		Invalidations: c.invalidations,
	}
}

// Clear removes all entries and write observations.
func (c *MultiTierCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[Key]*entry)
	c.deps = make(map[string]map[Key]struct{})
	c.writes = make(map[string][]time.Time)
	c.gens = make(map[string]uint64)
	for i := range c.buckets {
		c.buckets[i] = list.New()
	}
}

// ttlForLocked computes the adaptive TTL for a key. Caller holds c.mu.
func (c *MultiTierCache) ttlForLocked(key Key, now time.Time) time.Duration {
	base, ok := c.opts.BaseTTL[key.Tier]
	if !ok || base <= 0 {
		base = c.opts.MaxTTL
	}

	cutoff := now.Add(-c.opts.MutationWindow)
	rate := 0
	for _, t := range c.writes[key.DependencyID()] {
		if t.After(cutoff) {
			rate++
		}
	}

	ttl := base / time.Duration(1+rate)
	if ttl < c.opts.MinTTL {
		ttl = c.opts.MinTTL
	}
	if ttl > c.opts.MaxTTL {
		ttl = c.opts.MaxTTL
	}
	return ttl
}

// enforceBudgetLocked evicts from one bucket until it is within budget.
// Caller holds c.mu. Eviction never touches other buckets.
func (c *MultiTierCache) enforceBudgetLocked(ctx context.Context, classification Classification) {
	budget, ok := c.opts.BucketBudget[classification]
	if !ok || budget <= 0 {
		return
	}

	bucket := c.buckets[classification]
	for bucket.Len() > budget {
		victim := c.selectVictimLocked(classification)
		if victim == nil {
			return
		}
		c.removeLocked(victim)
		c.evictions++
		recordEviction(ctx, classification)
	}
}

// selectVictimLocked picks the next entry to evict from a bucket.
//
// HOT uses pure LRU (list tail). COLD evicts the entry closest to TTL
// expiry. WARM scores each entry by weighted recency and frequency and
// evicts the lowest score.
func (c *MultiTierCache) selectVictimLocked(classification Classification) *entry {
	bucket := c.buckets[classification]
	if bucket.Len() == 0 {
		return nil
	}

	switch classification {
	case Hot:
		return bucket.Back().Value.(*entry)

	case Cold:
		now := c.now()
		var victim *entry
		var soonest time.Duration
		for el := bucket.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry)
			remaining := e.ttl - now.Sub(e.insertedAt)
			if victim == nil || remaining < soonest {
				victim, soonest = e, remaining
			}
		}
		return victim

	default: // Warm
		now := c.now()
		var victim *entry
		var lowest float64
		for el := bucket.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry)
			score := c.hybridScore(e, now)
			if victim == nil || score < lowest {
				victim, lowest = e, score
			}
		}
		return victim
	}
}

// hybridScore computes the WARM eviction score. Higher means keep.
func (c *MultiTierCache) hybridScore(e *entry, now time.Time) float64 {
	idle := now.Sub(e.lastAccess).Seconds()
	recency := 1.0 / (1.0 + idle)
	frequency := float64(e.accessCount) / (1.0 + float64(e.accessCount))
	return c.opts.RecencyWeight*recency + c.opts.FrequencyWeight*frequency
}

// removeLocked detaches an entry from the map, its bucket, and the
// dependency index. Caller holds c.mu.
func (c *MultiTierCache) removeLocked(e *entry) {
	if e.lruElement != nil {
		c.buckets[e.classification].Remove(e.lruElement)
		e.lruElement = nil
	}
	delete(c.entries, e.key)
	for _, dep := range e.deps {
		if keys, ok := c.deps[dep]; ok {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(c.deps, dep)
			}
		}
	}
}

// withSelf returns deps with the entry's own identity included exactly
// once.
func withSelf(deps []string, self string) []string {
	for _, dep := range deps {
		if dep == self {
			return append([]string(nil), deps...)
		}
	}
	out := make([]string, 0, len(deps)+1)
	out = append(out, self)
	out = append(out, deps...)
	return out
}
