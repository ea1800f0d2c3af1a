// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"container/list"
	"time"

	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
)

// Default configuration values.
const (
	// DefaultBucketBudget is the default per-classification entry budget.
	DefaultBucketBudget = 512

	// DefaultMinTTL and DefaultMaxTTL clamp the adaptive TTL.
	DefaultMinTTL = 5 * time.Second
	DefaultMaxTTL = 30 * time.Minute

	// DefaultRecencyWeight and DefaultFrequencyWeight are the hybrid
	// eviction score weights for WARM entries.
	DefaultRecencyWeight   = 0.6
	DefaultFrequencyWeight = 0.4

	// DefaultMutationWindow is how far back write observations count when
	// scaling TTLs by update frequency.
	DefaultMutationWindow = 5 * time.Minute
)

// Key identifies one cache entry: a raw entity or a resolved view.
type Key struct {
	// Tier and ID identify the entity.
	Tier hierarchy.Tier
	ID   string

	// OwnerID scopes the entry to an owner.
	OwnerID string

	// Resolved distinguishes a fully-resolved inherited view from a raw
	// entity snapshot.
	Resolved bool
}

// DependencyID returns the invalidation identity of the underlying
// entity. Raw and resolved entries for the same entity share it.
func (k Key) DependencyID() string {
	return k.OwnerID + "/" + k.Tier.String() + "/" + k.ID
}

// String renders the key for logs and span attributes.
func (k Key) String() string {
	kind := "raw"
	if k.Resolved {
		kind = "resolved"
	}
	return k.DependencyID() + "/" + kind
}

// Classification buckets entries by expected access temperature.
type Classification int

const (
	// Hot entries are evicted LRU under capacity pressure.
	Hot Classification = iota

	// Warm entries are evicted by a hybrid recency/frequency score.
	Warm

	// Cold entries are evicted strictly by proximity to TTL expiry.
	Cold

	classificationCount
)

// String returns the lowercase bucket name.
func (c Classification) String() string {
	switch c {
	case Hot:
		return "hot"
	case Warm:
		return "warm"
	case Cold:
		return "cold"
	default:
		return "unknown"
	}
}

// entry is one cached value with its bookkeeping.
type entry struct {
	key            Key
	value          any
	classification Classification
	insertedAt     time.Time
	ttl            time.Duration
	accessCount    int64
	lastAccess     time.Time

	// deps are the dependency identities whose invalidation must evict
	// this entry.
	deps []string

	// lruElement is the position in the bucket's recency list.
	lruElement *list.Element
}

// expired reports whether the entry is past its TTL at the given time.
func (e *entry) expired(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	return now.Sub(e.insertedAt) > e.ttl
}

// Options configures the multi-tier cache.
type Options struct {
	// BucketBudget is the maximum entry count per classification bucket.
	// Eviction only removes entries from the bucket exceeding its
	// budget, never cross-bucket.
	BucketBudget map[Classification]int

	// BaseTTL is the per-tier base TTL before adaptive scaling.
	BaseTTL map[hierarchy.Tier]time.Duration

	// MinTTL and MaxTTL clamp the adaptive TTL.
	MinTTL time.Duration
	MaxTTL time.Duration

	// RecencyWeight and FrequencyWeight are the hybrid eviction weights
	// for WARM entries.
	RecencyWeight   float64
	FrequencyWeight float64

	// MutationWindow bounds how long observed writes keep shortening an
	// entity's TTL.
	MutationWindow time.Duration

	// Clock overrides the cache's time source. Intended for tests.
	Clock func() time.Time
}

// DefaultOptions returns sensible defaults.
//
// Base TTLs lengthen toward the root of the hierarchy: Global contexts
// change rarely, Task contexts churn constantly.
func DefaultOptions() Options {
	return Options{
		BucketBudget: map[Classification]int{
			Hot:  DefaultBucketBudget,
			Warm: DefaultBucketBudget,
			Cold: DefaultBucketBudget,
		},
		BaseTTL: map[hierarchy.Tier]time.Duration{
			hierarchy.TierGlobal:  30 * time.Minute,
			hierarchy.TierProject: 10 * time.Minute,
			hierarchy.TierBranch:  3 * time.Minute,
			hierarchy.TierTask:    time.Minute,
		},
		MinTTL:          DefaultMinTTL,
		MaxTTL:          DefaultMaxTTL,
		RecencyWeight:   DefaultRecencyWeight,
		FrequencyWeight: DefaultFrequencyWeight,
		MutationWindow:  DefaultMutationWindow,
	}
}

// Option is a functional option for configuring the cache.
type Option func(*Options)

// WithBucketBudget sets one classification bucket's entry budget.
func WithBucketBudget(c Classification, n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.BucketBudget[c] = n
		}
	}
}

// WithBaseTTL sets one tier's base TTL.
func WithBaseTTL(tier hierarchy.Tier, d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.BaseTTL[tier] = d
		}
	}
}

// WithTTLBounds sets the adaptive TTL clamp.
func WithTTLBounds(min, max time.Duration) Option {
	return func(o *Options) {
		if min > 0 && max >= min {
			o.MinTTL, o.MaxTTL = min, max
		}
	}
}

// WithEvictionWeights sets the WARM hybrid score weights.
func WithEvictionWeights(recency, frequency float64) Option {
	return func(o *Options) {
		if recency >= 0 && frequency >= 0 && recency+frequency > 0 {
			o.RecencyWeight, o.FrequencyWeight = recency, frequency
		}
	}
}

// WithClock sets the cache time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

// Stats reports cache counters.
type Stats struct {
	// EntryCount is the current number of entries across all buckets.
	EntryCount int

	// PerBucket is the current entry count per classification.
	PerBucket map[Classification]int

	// Hits, Misses, Expirations and Evictions are cumulative counters.
	Hits        int64
	Misses      int64
	Expirations int64
	Evictions   int64

	// Invalidations counts entries removed by explicit or dependency
	// invalidation.
	Invalidations int64
}

// HitRate returns the hit rate as a fraction in [0, 1].
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
