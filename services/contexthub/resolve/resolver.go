// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolve implements inheritance resolution across the context
// hierarchy.
//
// A resolved view is built by walking the parent chain from the target
// entity up to the owner's Global context and deep-merging fields from
// Global downward, so each more specific tier overrides its ancestors at
// the leaf level. A child that re-declares a nested key overrides only
// that leaf; sibling keys of the parent's sub-mapping survive.
//
// Resolution offers read-committed-per-component consistency: each chain
// member is individually current as of its own fetch, but the chain is
// not a snapshot. A broken chain is an error, never a silently truncated
// view.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/contexthub/services/contexthub/cache"
	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
	"github.com/AleutianAI/contexthub/services/contexthub/merge"
	"github.com/AleutianAI/contexthub/services/contexthub/store"
)

// ChainLink records one ancestor used to build a resolved view, for
// caller auditability.
type ChainLink struct {
	Tier    hierarchy.Tier `json:"tier"`
	ID      string         `json:"id"`
	Version int64          `json:"version"`
}

// View is the result of a resolution.
type View struct {
	// Tier, ID and OwnerID identify the target entity.
	Tier    hierarchy.Tier `json:"tier"`
	ID      string         `json:"id"`
	OwnerID string         `json:"owner_id"`

	// Version is the target entity's version at resolution time.
	Version int64 `json:"version"`

	// ParentID is the target entity's parent, empty for Global.
	ParentID string `json:"parent_id,omitempty"`

	// Inherited is true when the view merges the ancestor chain.
	Inherited bool `json:"inherited"`

	// Fields is the (possibly merged) field mapping.
	Fields hierarchy.Fields `json:"fields"`

	// Chain lists the entities merged into the view, Global first. For a
	// raw view it holds only the target.
	Chain []ChainLink `json:"chain"`

	// ResolvedAt is when the view was built (UTC).
	ResolvedAt time.Time `json:"resolved_at"`
}

// Prefetcher triggers best-effort background warming.
type Prefetcher interface {
	Prefetch(keys ...cache.Key)
}

// Resolver builds raw and inherited views of context entities.
//
// Reads go through the cache backend first and fall back to the entity
// store on miss; a cache failure degrades to a direct store read. Cache
// population on miss is how resolved views enter the invalidation
// dependency graph.
//
// Thread Safety: Safe for concurrent use.
type Resolver struct {
	store   store.Store
	cache   cache.Backend
	tracker *cache.AccessTracker
	warmer  Prefetcher
	logger  *slog.Logger
	now     func() time.Time
}

// NewResolver creates a resolver.
//
// Inputs:
//   - st: The entity store. Must not be nil.
//   - backend: The cache backend. Nil disables caching entirely.
//   - tracker: Access tracker feeding warming prediction. May be nil.
//   - warmer: Prefetcher for ancestor warming. May be nil.
//   - logger: Structured logger. Nil selects slog.Default.
func NewResolver(st store.Store, backend cache.Backend, tracker *cache.AccessTracker, warmer Prefetcher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:   st,
		cache:   backend,
		tracker: tracker,
		warmer:  warmer,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Resolve builds a view of an entity.
//
// Description:
//
//	With includeInherited=false the view holds only the entity's own
//	fields. With includeInherited=true the full ancestor chain up to
//	the owner's Global context is fetched and deep-merged child-over-
//	parent; a missing ancestor fails the resolution with
//	MissingAncestorError rather than truncating the chain.
//
// Inputs:
//   - ctx: Context for cancellation and deadline.
//   - tier, id, ownerID: The target entity.
//   - includeInherited: Whether to merge the ancestor chain.
//
// Outputs:
//   - *View: The resolved view.
//   - error: *hierarchy.NotFoundError, *hierarchy.MissingAncestorError,
//     context errors, or a storage failure.
func (r *Resolver) Resolve(ctx context.Context, tier hierarchy.Tier, id, ownerID string, includeInherited bool) (*View, error) {
	ctx, span := startResolveSpan(ctx, tier, id, includeInherited)
	defer span.End()
	start := time.Now()

	if !tier.Valid() {
		return nil, fmt.Errorf("resolve: invalid tier %d", int(tier))
	}

	key := cache.Key{Tier: tier, ID: id, OwnerID: ownerID, Resolved: includeInherited}
	if r.tracker != nil {
		r.tracker.Record(key)
	}

	view, err := r.resolve(ctx, key)
	recordResolveLatency(ctx, time.Since(start), includeInherited, err == nil)
	if err != nil {
		return nil, err
	}

	// A Task access warms its ancestors for the next read. The prefetch
	// chain continues upward through the warmer's fetch function.
	if tier == hierarchy.TierTask && r.warmer != nil && len(view.Chain) > 0 {
		r.prefetchParent(view)
	}

	return view, nil
}

func (r *Resolver) resolve(ctx context.Context, key cache.Key) (*View, error) {
	if !key.Resolved {
		return r.resolveRaw(ctx, key)
	}
	return r.resolveInherited(ctx, key)
}

// resolveRaw builds the single-entity view. Only the entity is cached
// (under the raw key); the view wrapper is cheap and built per call, so
// the raw key holds exactly one value type.
func (r *Resolver) resolveRaw(ctx context.Context, key cache.Key) (*View, error) {
	entity, err := r.fetchEntity(ctx, key.Tier, key.ID, key.OwnerID, nil)
	if err != nil {
		return nil, err
	}

	return &View{
		Tier:       entity.Tier,
		ID:         entity.ID,
		OwnerID:    entity.OwnerID,
		Version:    entity.Version,
		ParentID:   entity.ParentID,
		Inherited:  false,
		Fields:     entity.Fields.Clone(),
		Chain:      []ChainLink{{Tier: entity.Tier, ID: entity.ID, Version: entity.Version}},
		ResolvedAt: r.now(),
	}, nil
}

// resolveInherited returns the cached inherited view or builds it.
//
// The build runs under the cache's load deduplication, so concurrent
// misses of the same view share one chain walk. The insert is guarded
// by the generation snapshot taken during the walk: a view whose chain
// was read before a concurrent write completes is returned to its
// caller but never cached, so no reader who observed the write's
// success can hit it afterwards.
func (r *Resolver) resolveInherited(ctx context.Context, key cache.Key) (*View, error) {
	if r.cache == nil {
		view, _, _, err := r.buildInherited(ctx, key)
		return view, err
	}

	value, err := r.cache.GetOrLoad(ctx, key, classify(key), func(ctx context.Context) (any, []string, map[string]uint64, error) {
		return r.buildInherited(ctx, key)
	})
	if err != nil {
		if errors.Is(err, cache.ErrCacheUnavailable) {
			r.logger.Warn("cache unavailable, resolving without cache",
				slog.String("key", key.String()),
			)
			view, _, _, buildErr := r.buildInherited(ctx, key)
			return view, buildErr
		}
		return nil, err
	}
	if view, ok := value.(*View); ok {
		return view, nil
	}
	view, _, _, err := r.buildInherited(ctx, key)
	return view, err
}

// buildInherited walks the ancestor chain and merges it Global-first,
// returning the view with its dependency identities and the generation
// snapshot collected before each chain read.
func (r *Resolver) buildInherited(ctx context.Context, key cache.Key) (*View, []string, map[string]uint64, error) {
	gens := make(map[string]uint64, hierarchy.TierCount)
	chain, err := r.fetchChain(ctx, key.Tier, key.ID, key.OwnerID, gens)
	if err != nil {
		return nil, nil, nil, err
	}

	merged := hierarchy.Fields{}
	links := make([]ChainLink, len(chain))
	deps := make([]string, len(chain))
	for i, entity := range chain {
		merged = merge.DeepMergeFields(merged, entity.Fields)
		links[i] = ChainLink{Tier: entity.Tier, ID: entity.ID, Version: entity.Version}
		deps[i] = cache.Key{Tier: entity.Tier, ID: entity.ID, OwnerID: key.OwnerID}.DependencyID()
	}

	target := chain[len(chain)-1]
	view := &View{
		Tier:       target.Tier,
		ID:         target.ID,
		OwnerID:    target.OwnerID,
		Version:    target.Version,
		ParentID:   target.ParentID,
		Inherited:  true,
		Fields:     merged,
		Chain:      links,
		ResolvedAt: r.now(),
	}
	return view, deps, gens, nil
}

// fetchChain returns the entities from Global down to the target.
//
// The chain length is bounded by the fixed tier depth, so the walk
// cannot loop. Any absent ancestor fails the whole resolution.
func (r *Resolver) fetchChain(ctx context.Context, tier hierarchy.Tier, id, ownerID string, gens map[string]uint64) ([]*hierarchy.Entity, error) {
	target, err := r.fetchEntity(ctx, tier, id, ownerID, gens)
	if err != nil {
		return nil, err
	}

	chain := make([]*hierarchy.Entity, 0, hierarchy.TierCount)
	chain = append(chain, target)

	current := target
	for current.Tier != hierarchy.TierGlobal {
		parentTier, _ := current.Tier.Parent()
		parent, err := r.fetchEntity(ctx, parentTier, current.ParentID, ownerID, gens)
		if err != nil {
			if errors.Is(err, hierarchy.ErrNotFound) {
				return nil, &hierarchy.MissingAncestorError{
					Tier:        tier,
					ID:          id,
					OwnerID:     ownerID,
					MissingTier: parentTier,
					MissingID:   current.ParentID,
				}
			}
			return nil, err
		}
		chain = append(chain, parent)
		current = parent
	}

	// Reverse to Global-first order for merging.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// fetchEntity reads one entity, raw-cache first, store on miss.
//
// Concurrent misses of the same entity share one store read. When a
// gens map is supplied the entity's invalidation generation is recorded
// into it before the read, so the caller's eventual insert can be
// checked for staleness. The entity's own cache insert carries its own
// snapshot for the same reason.
func (r *Resolver) fetchEntity(ctx context.Context, tier hierarchy.Tier, id, ownerID string, gens map[string]uint64) (*hierarchy.Entity, error) {
	key := cache.Key{Tier: tier, ID: id, OwnerID: ownerID, Resolved: false}
	r.snapshotGeneration(ctx, key.DependencyID(), gens)

	if r.cache == nil {
		return r.readEntity(ctx, tier, id, ownerID)
	}

	value, err := r.cache.GetOrLoad(ctx, key, classify(key), func(ctx context.Context) (any, []string, map[string]uint64, error) {
		own := make(map[string]uint64, 1)
		r.snapshotGeneration(ctx, key.DependencyID(), own)
		entity, err := r.readEntity(ctx, tier, id, ownerID)
		if err != nil {
			return nil, nil, nil, err
		}
		return entity, []string{key.DependencyID()}, own, nil
	})
	if err != nil {
		if errors.Is(err, cache.ErrCacheUnavailable) {
			r.logger.Warn("cache read failed, bypassing cache",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
			return r.readEntity(ctx, tier, id, ownerID)
		}
		return nil, err
	}
	if entity, ok := value.(*hierarchy.Entity); ok {
		return entity, nil
	}
	return r.readEntity(ctx, tier, id, ownerID)
}

// readEntity is the direct store read.
func (r *Resolver) readEntity(ctx context.Context, tier hierarchy.Tier, id, ownerID string) (*hierarchy.Entity, error) {
	entity, found, err := r.store.Get(ctx, tier, id, ownerID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &hierarchy.NotFoundError{Tier: tier, ID: id, OwnerID: ownerID}
	}
	return entity, nil
}

// snapshotGeneration records the identity's invalidation generation,
// keeping the first observation. Nil gens or a cache failure skip the
// snapshot; a failing backend rejects the insert anyway.
func (r *Resolver) snapshotGeneration(ctx context.Context, dep string, gens map[string]uint64) {
	if gens == nil || r.cache == nil {
		return
	}
	if _, seen := gens[dep]; seen {
		return
	}
	current, err := r.cache.Generations(ctx, []string{dep})
	if err != nil {
		return
	}
	gens[dep] = current[dep]
}

// FetchRaw loads one entity into the raw cache. It is the warmer's fetch
// function: after a successful load it chains a prefetch of the parent,
// so warming a Task pulls its Branch, then Project, then Global.
func (r *Resolver) FetchRaw(ctx context.Context, key cache.Key) error {
	entity, err := r.fetchEntity(ctx, key.Tier, key.ID, key.OwnerID, nil)
	if err != nil {
		return err
	}
	if entity.ParentID != "" && r.warmer != nil {
		parentTier, ok := entity.Tier.Parent()
		if ok {
			r.warmer.Prefetch(cache.Key{Tier: parentTier, ID: entity.ParentID, OwnerID: key.OwnerID})
		}
	}
	return nil
}

// prefetchParent warms the target's parent after a Task access. The
// warmer's fetch function chains the prefetch further upward, so one
// trigger eventually warms the whole ancestor chain.
func (r *Resolver) prefetchParent(view *View) {
	if view.ParentID == "" {
		return
	}
	parentTier, ok := view.Tier.Parent()
	if !ok {
		return
	}
	r.warmer.Prefetch(cache.Key{Tier: parentTier, ID: view.ParentID, OwnerID: view.OwnerID})
}

// classify buckets entries by expected access temperature: resolved
// views and Task entities run hot, mid-tier raw entities warm, and the
// rarely-changing roots cold.
func classify(key cache.Key) cache.Classification {
	if key.Resolved || key.Tier == hierarchy.TierTask {
		return cache.Hot
	}
	if key.Tier == hierarchy.TierBranch {
		return cache.Warm
	}
	return cache.Cold
}
