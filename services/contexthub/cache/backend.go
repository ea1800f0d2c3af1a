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

import "context"

// Backend is the cache contract consumed by the resolver and the
// invalidation propagator.
//
// The in-process MultiTierCache never fails, but implementations backed
// by a remote service may return ErrCacheUnavailable; callers must
// degrade by bypassing the cache and going straight to the store, never
// by failing the request.
type Backend interface {
	// Get retrieves a cached value.
	Get(ctx context.Context, key Key) (any, bool, error)

	// Put inserts or replaces a cached value.
	Put(ctx context.Context, key Key, value any, classification Classification, deps []string) error

	// Invalidate removes one entry.
	Invalidate(ctx context.Context, key Key) error

	// InvalidateByDependency removes every entry depending on the given
	// identity and returns how many were evicted.
	InvalidateByDependency(ctx context.Context, dependencyID string) (int, error)

	// Generations returns the invalidation generation of each identity,
	// for staleness guards around loads (PutIfCurrent).
	Generations(ctx context.Context, deps []string) (map[string]uint64, error)

	// PutIfCurrent inserts a value unless any snapshotted dependency
	// generation advanced since the snapshot, reporting whether it was
	// cached.
	PutIfCurrent(ctx context.Context, key Key, value any, classification Classification, deps []string, gens map[string]uint64) (bool, error)

	// GetOrLoad returns the cached value or runs the loader, with
	// concurrent loads of the same key deduplicated.
	GetOrLoad(ctx context.Context, key Key, classification Classification, load LoadFunc) (any, error)

	// ObserveWrite records a successful write of an entity for adaptive
	// TTL scaling.
	ObserveWrite(dependencyID string)
}

// Local adapts a MultiTierCache to the Backend contract. The in-process
// cache cannot become unreachable, so every error is nil.
type Local struct {
	c *MultiTierCache
}

// NewLocal wraps an in-process cache as a Backend.
func NewLocal(c *MultiTierCache) *Local {
	return &Local{c: c}
}

// Cache returns the wrapped cache, for stats and direct access.
func (l *Local) Cache() *MultiTierCache { return l.c }

// Get implements Backend.
func (l *Local) Get(ctx context.Context, key Key) (any, bool, error) {
	value, ok := l.c.Get(ctx, key)
	return value, ok, nil
}

// Put implements Backend.
func (l *Local) Put(ctx context.Context, key Key, value any, classification Classification, deps []string) error {
	l.c.Put(ctx, key, value, classification, deps)
	return nil
}

// Invalidate implements Backend.
func (l *Local) Invalidate(ctx context.Context, key Key) error {
	l.c.Invalidate(ctx, key)
	return nil
}

// InvalidateByDependency implements Backend.
func (l *Local) InvalidateByDependency(ctx context.Context, dependencyID string) (int, error) {
	return l.c.InvalidateByDependency(ctx, dependencyID), nil
}

// Generations implements Backend.
func (l *Local) Generations(_ context.Context, deps []string) (map[string]uint64, error) {
	return l.c.Generations(deps), nil
}

// PutIfCurrent implements Backend.
func (l *Local) PutIfCurrent(ctx context.Context, key Key, value any, classification Classification, deps []string, gens map[string]uint64) (bool, error) {
	return l.c.PutIfCurrent(ctx, key, value, classification, deps, gens), nil
}

// GetOrLoad implements Backend.
func (l *Local) GetOrLoad(ctx context.Context, key Key, classification Classification, load LoadFunc) (any, error) {
	return l.c.GetOrLoad(ctx, key, classification, load)
}

// ObserveWrite implements Backend.
func (l *Local) ObserveWrite(dependencyID string) {
	l.c.ObserveWrite(dependencyID)
}
