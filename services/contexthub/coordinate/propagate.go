// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinate

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/contexthub/services/contexthub/cache"
	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
)

// Propagator evicts derived cache state after a successful write.
//
// Propagation runs synchronously with the write's completion: once the
// caller observes the write's success, no stale resolved view can be
// served. Direction is strictly ancestor to descendant: every resolved
// view records its full ancestor chain in its dependency set, so
// invalidating the written entity's identity reaches all cached
// descendant views, while a child write never touches its parents.
//
// Thread Safety: Safe for concurrent use.
type Propagator struct {
	cache  cache.Backend
	logger *slog.Logger
}

// NewPropagator creates a propagator over the cache backend.
// A nil backend disables propagation (nothing is cached).
func NewPropagator(backend cache.Backend, logger *slog.Logger) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Propagator{cache: backend, logger: logger}
}

// OnWrite evicts the raw entry for the written entity and every cached
// view depending on it.
//
// Outputs:
//   - int: The number of entries evicted.
func (p *Propagator) OnWrite(ctx context.Context, tier hierarchy.Tier, id, ownerID string) int {
	if p.cache == nil {
		return 0
	}

	rawKey := cache.Key{Tier: tier, ID: id, OwnerID: ownerID, Resolved: false}
	if err := p.cache.Invalidate(ctx, rawKey); err != nil {
		p.logger.Warn("raw cache invalidation failed",
			slog.String("key", rawKey.String()),
			slog.String("error", err.Error()),
		)
	}

	evicted, err := p.cache.InvalidateByDependency(ctx, rawKey.DependencyID())
	if err != nil {
		p.logger.Warn("dependency invalidation failed",
			slog.String("dependency", rawKey.DependencyID()),
			slog.String("error", err.Error()),
		)
		return 0
	}
	return evicted
}
