// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contexthub provides the context hierarchy engine.
//
// The engine stores configuration entities in a four-tier hierarchy
// (Global, Project, Branch, Task), each owned by one owner and
// versioned for optimistic concurrency. It exposes:
//   - Creating entities under a validated parent chain
//   - Partial updates merged field-by-field under declared strategies
//   - Resolved views with inherited fields from the ancestor chain
//   - Multi-tier caching with adaptive TTLs and predictive warming
package contexthub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/contexthub/services/contexthub/cache"
	"github.com/AleutianAI/contexthub/services/contexthub/coordinate"
	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
	"github.com/AleutianAI/contexthub/services/contexthub/merge"
	"github.com/AleutianAI/contexthub/services/contexthub/resolve"
	"github.com/AleutianAI/contexthub/services/contexthub/store"
)

// Deps holds injectable dependencies for the engine. Every field is
// optional; zero values select the built-in implementations.
type Deps struct {
	// Store overrides the embedded Badger store.
	Store store.Store

	// Notifier receives one event per successful write.
	Notifier coordinate.Notifier

	// Audit receives conflict audit events.
	Audit coordinate.Audit

	// MergeTable overrides the embedded strategy table.
	MergeTable *merge.Table

	// Logger is the structured logger. Nil selects slog.Default.
	Logger *slog.Logger
}

// Engine is the context hierarchy engine facade.
//
// Thread Safety:
//
//	Engine is safe for concurrent use. Multiple goroutines can call
//	any combination of methods simultaneously.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	store      store.Store
	ownedStore *store.BadgerStore

	cache       *cache.MultiTierCache
	tracker     *cache.AccessTracker
	warmer      *cache.Warmer
	resolver    *resolve.Resolver
	coordinator *coordinate.Coordinator

	closeOnce sync.Once
}

// New creates an engine from configuration and optional dependencies.
//
// Description:
//
//	Opens (or adopts) the store, builds the cache, resolver, warmer,
//	and coordinator, and starts the warming sweep unless disabled.
//	Close must be called to release resources.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	eng := &Engine{cfg: cfg, logger: logger}

	if deps.Store != nil {
		eng.store = deps.Store
	} else {
		storeCfg := cfg.Store
		if storeCfg.Logger == nil {
			storeCfg.Logger = logger
		}
		badgerStore, err := store.OpenBadger(storeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		eng.ownedStore = badgerStore
		eng.store = badgerStore
	}

	eng.cache = cache.New(cfg.Cache.options()...)
	backend := cache.NewLocal(eng.cache)
	eng.tracker = cache.NewAccessTracker(cache.DefaultAccessWindow)

	// The warmer's fetch function and the resolver reference each
	// other. The closure breaks the cycle: by the time any fetch runs,
	// the resolver is assigned.
	eng.warmer = cache.NewWarmer(cfg.Warmer, eng.tracker, func(ctx context.Context, key cache.Key) error {
		return eng.resolver.FetchRaw(ctx, key)
	}, logger)
	eng.resolver = resolve.NewResolver(eng.store, backend, eng.tracker, eng.warmer, logger)

	coordinator, err := coordinate.NewCoordinator(eng.store, merge.NewEngine(deps.MergeTable), backend, deps.Notifier, deps.Audit, cfg.Retry, logger)
	if err != nil {
		eng.closeStore()
		return nil, err
	}
	eng.coordinator = coordinator

	if !cfg.DisableWarming {
		eng.warmer.Start()
	}

	return eng, nil
}

// EnsureGlobal fetches the owner's Global context, creating it if none
// exists yet. Each owner has exactly one Global context; concurrent
// calls converge on the same entity.
//
// Outputs:
//   - *hierarchy.Entity: The owner's Global context.
//   - bool: True if this call created it.
//   - error: Non-nil on validation or storage failure.
func (e *Engine) EnsureGlobal(ctx context.Context, ownerID string, fields hierarchy.Fields) (*hierarchy.Entity, bool, error) {
	entity, existed, err := e.store.Create(ctx, hierarchy.TierGlobal, "", ownerID, "", fields)
	if err != nil {
		return nil, false, err
	}
	if !existed {
		e.logger.Info("global context created",
			slog.String("owner_id", ownerID),
			slog.String("id", entity.ID),
		)
	}
	return entity, !existed, nil
}

// Create stores a new entity under a validated parent.
//
// Description:
//
//	Non-Global entities require a live parent one tier up for the same
//	owner; a missing parent fails with MissingAncestorError rather
//	than creating an orphan. Global creation delegates to the
//	per-owner get-or-create guard, so use EnsureGlobal when the
//	existing entity is an acceptable outcome.
//
// Outputs:
//   - *hierarchy.Entity: The created entity at version 1.
//   - error: *hierarchy.MissingAncestorError if the parent does not
//     exist, hierarchy.ErrAlreadyExists (wrapped) if the id is taken,
//     or a validation/storage failure.
func (e *Engine) Create(ctx context.Context, tier hierarchy.Tier, id, ownerID, parentID string, fields hierarchy.Fields) (*hierarchy.Entity, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("create: invalid tier %d", int(tier))
	}
	if tier != hierarchy.TierGlobal {
		parentTier, _ := tier.Parent()
		_, found, err := e.store.Get(ctx, parentTier, parentID, ownerID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, &hierarchy.MissingAncestorError{
				Tier:        tier,
				ID:          id,
				OwnerID:     ownerID,
				MissingTier: parentTier,
				MissingID:   parentID,
			}
		}
	}

	entity, existed, err := e.store.Create(ctx, tier, id, ownerID, parentID, fields)
	if err != nil {
		return nil, err
	}
	if existed {
		return nil, fmt.Errorf("create %s %s for owner %s: %w", tier, entity.ID, ownerID, hierarchy.ErrAlreadyExists)
	}

	e.logger.Info("context created",
		slog.String("tier", tier.String()),
		slog.String("id", entity.ID),
		slog.String("owner_id", ownerID),
	)
	return entity, nil
}

// Update applies a partial field update under optimistic locking. See
// coordinate.Coordinator.Update for the retry and conflict contract.
func (e *Engine) Update(ctx context.Context, tier hierarchy.Tier, id, ownerID string, fields hierarchy.Fields) (*coordinate.UpdateResult, error) {
	return e.coordinator.Update(ctx, tier, id, ownerID, fields)
}

// Resolve builds a view of an entity, optionally merging its ancestor
// chain. See resolve.Resolver.Resolve for the inheritance contract.
func (e *Engine) Resolve(ctx context.Context, tier hierarchy.Tier, id, ownerID string, includeInherited bool) (*resolve.View, error) {
	return e.resolver.Resolve(ctx, tier, id, ownerID, includeInherited)
}

// Delete tombstones an entity under the same optimistic locking cycle
// as Update. Descendants of a deleted entity fail inherited resolution
// from then on.
func (e *Engine) Delete(ctx context.Context, tier hierarchy.Tier, id, ownerID string) error {
	return e.coordinator.Delete(ctx, tier, id, ownerID)
}

// Warm triggers one synchronous warming sweep. Intended for startup
// priming; the periodic sweep does not need it.
func (e *Engine) Warm(ctx context.Context) {
	e.warmer.Sweep(ctx)
}

// Stats returns a snapshot of the cache counters.
func (e *Engine) Stats() cache.Stats {
	return e.cache.Stats()
}

// Close stops the warming sweep and closes the store if the engine
// opened it. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.warmer.Stop()
		err = e.closeStore()
	})
	return err
}

func (e *Engine) closeStore() error {
	if e.ownedStore == nil {
		return nil
	}
	return e.ownedStore.Close()
}
