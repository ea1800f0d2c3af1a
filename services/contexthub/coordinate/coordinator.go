// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinate implements optimistic concurrency control for
// context updates.
//
// An update is a read-merge-write cycle guarded by the entity's version:
// the coordinator reads the current entity, merges the incoming partial
// update through the merge engine, and attempts a compare-and-swap.
// Lost races are retried with bounded exponential backoff; exhausting
// the budget surfaces a VersionConflictError carrying the last-seen
// version. Merge conflicts never fail an update; they ride along as
// warnings on the result.
//
// Every successful write synchronously invalidates derived cache state
// and emits one change notification. Concurrency is scoped per entity;
// no lock is held across the cycle.
package coordinate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/contexthub/services/contexthub/cache"
	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
	"github.com/AleutianAI/contexthub/services/contexthub/merge"
	"github.com/AleutianAI/contexthub/services/contexthub/store"
)

// UpdateResult is the outcome of a successful update.
type UpdateResult struct {
	// Entity is the written entity at its new version.
	Entity *hierarchy.Entity

	// Warnings lists the fields that needed fallback resolution. A
	// write requiring automatic conflict resolution still succeeds, but
	// never silently: the caller gets the full list.
	Warnings []merge.FieldConflict

	// Attempts is how many CAS attempts the update took.
	Attempts int

	// Evicted is how many cache entries the write invalidated.
	Evicted int
}

// Coordinator serializes writes per entity through version-checked
// compare-and-swap.
//
// Thread Safety: Safe for concurrent use.
type Coordinator struct {
	store      store.Store
	merger     *merge.Engine
	cache      cache.Backend
	propagator *Propagator
	notifier   Notifier
	audit      Audit
	logger     *slog.Logger
	retry      RetryConfig
	now        func() time.Time
}

// NewCoordinator creates a coordinator.
//
// Inputs:
//   - st: The entity store. Must not be nil.
//   - merger: The merge engine. Nil selects the embedded default table.
//   - backend: The cache backend. May be nil (no caching).
//   - notifier: The notification sink. Nil selects NopNotifier.
//   - audit: The conflict audit sink. Nil selects NopAudit.
//   - retry: Retry configuration. Zero-value selects the defaults.
//   - logger: Structured logger. Nil selects slog.Default.
func NewCoordinator(st store.Store, merger *merge.Engine, backend cache.Backend, notifier Notifier, audit Audit, retry RetryConfig, logger *slog.Logger) (*Coordinator, error) {
	if st == nil {
		return nil, errors.New("store must not be nil")
	}
	if merger == nil {
		merger = merge.NewEngine(nil)
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if audit == nil {
		audit = NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig()
	}
	if err := retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry config: %w", err)
	}

	return &Coordinator{
		store:      st,
		merger:     merger,
		cache:      backend,
		propagator: NewPropagator(backend, logger),
		notifier:   notifier,
		audit:      audit,
		logger:     logger,
		retry:      retry,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Update applies a partial field update to one entity.
//
// Description:
//
//	Runs the read-merge-CAS cycle under the retry state machine. The
//	first read may be served from the cache; every retry reads the
//	store directly, since losing the race proves the cached snapshot
//	stale. A merge result whose originating read was cancelled is
//	never applied: the context is checked between merge and CAS.
//
// Outputs:
//   - *UpdateResult: The written entity, warnings, and attempt count.
//   - error: *hierarchy.NotFoundError if the entity does not exist,
//     *hierarchy.VersionConflictError after exhausting retries, or the
//     context's error on cancellation.
func (c *Coordinator) Update(ctx context.Context, tier hierarchy.Tier, id, ownerID string, incoming hierarchy.Fields) (*UpdateResult, error) {
	start := time.Now()
	machine := newRetryMachine(c.retry)
	var lastSeen int64

	for machine.Next() {
		current, err := c.readCurrent(ctx, tier, id, ownerID, machine.Attempts() > 1)
		if err != nil {
			c.observeUpdate(tier, start, "error")
			return nil, err
		}

		merged, conflicts := c.merger.Merge(tier, current.Fields, incoming)

		// The CAS must not apply a merge whose read was cancelled.
		if err := ctx.Err(); err != nil {
			c.observeUpdate(tier, start, "cancelled")
			return nil, err
		}

		newVersion, ok, err := c.store.CAS(ctx, tier, id, ownerID, current.Version, merged)
		if err != nil {
			c.observeUpdate(tier, start, "error")
			return nil, err
		}

		if ok {
			updated := current.Clone()
			updated.Fields = merged
			updated.Version = newVersion
			updated.UpdatedAt = c.now()
			return c.finishWrite(ctx, updated, incoming, conflicts, machine.Attempts(), start), nil
		}

		// Lost the race: the returned version is the conflicting one.
		lastSeen = newVersion
		updateRetriesTotal.WithLabelValues(tier.String()).Inc()
		c.audit.Record(ctx, AuditEvent{
			Tier:         tier,
			ID:           id,
			OwnerID:      ownerID,
			ConflictType: ConflictVersion,
			Details:      fmt.Sprintf("expected version %d, found %d (attempt %d)", current.Version, newVersion, machine.Attempts()),
			Timestamp:    c.now(),
		})
		c.invalidateRaw(ctx, tier, id, ownerID)

		if err := machine.Backoff(ctx); err != nil {
			c.observeUpdate(tier, start, "cancelled")
			return nil, err
		}
	}

	versionConflictsTotal.WithLabelValues(tier.String()).Inc()
	c.observeUpdate(tier, start, "conflict")
	return nil, &hierarchy.VersionConflictError{
		Tier:        tier,
		ID:          id,
		OwnerID:     ownerID,
		LastVersion: lastSeen,
		Attempts:    machine.Attempts(),
	}
}

// Delete tombstones one entity, using the same retry cycle as Update.
//
// The tombstone is terminal: descendants of the entity will fail
// inheritance resolution with MissingAncestorError from then on.
func (c *Coordinator) Delete(ctx context.Context, tier hierarchy.Tier, id, ownerID string) error {
	start := time.Now()
	machine := newRetryMachine(c.retry)
	var lastSeen int64

	for machine.Next() {
		current, err := c.readCurrent(ctx, tier, id, ownerID, machine.Attempts() > 1)
		if err != nil {
			c.observeUpdate(tier, start, "error")
			return err
		}

		newVersion, ok, err := c.store.Tombstone(ctx, tier, id, ownerID, current.Version)
		if err != nil {
			c.observeUpdate(tier, start, "error")
			return err
		}
		if ok {
			evicted := c.propagator.OnWrite(ctx, tier, id, ownerID)
			invalidationsFanout.WithLabelValues(tier.String()).Observe(float64(evicted))
			if c.cache != nil {
				c.cache.ObserveWrite(cache.Key{Tier: tier, ID: id, OwnerID: ownerID}.DependencyID())
			}
			c.publish(ctx, ChangeEvent{
				Tier:          tier,
				ID:            id,
				OwnerID:       ownerID,
				NewVersion:    newVersion,
				ChangedFields: []string{"deleted"},
				Timestamp:     c.now(),
			})
			c.observeUpdate(tier, start, "ok")
			return nil
		}

		lastSeen = newVersion
		updateRetriesTotal.WithLabelValues(tier.String()).Inc()
		c.invalidateRaw(ctx, tier, id, ownerID)
		if err := machine.Backoff(ctx); err != nil {
			c.observeUpdate(tier, start, "cancelled")
			return err
		}
	}

	versionConflictsTotal.WithLabelValues(tier.String()).Inc()
	c.observeUpdate(tier, start, "conflict")
	return &hierarchy.VersionConflictError{
		Tier:        tier,
		ID:          id,
		OwnerID:     ownerID,
		LastVersion: lastSeen,
		Attempts:    machine.Attempts(),
	}
}

// finishWrite runs the post-CAS side effects of a successful update.
func (c *Coordinator) finishWrite(ctx context.Context, updated *hierarchy.Entity, incoming hierarchy.Fields, conflicts []merge.FieldConflict, attempts int, start time.Time) *UpdateResult {
	tier := updated.Tier

	// Synchronous invalidation: readers observing this write's success
	// must not see a stale resolved view afterwards.
	evicted := c.propagator.OnWrite(ctx, tier, updated.ID, updated.OwnerID)
	invalidationsFanout.WithLabelValues(tier.String()).Observe(float64(evicted))

	if c.cache != nil {
		c.cache.ObserveWrite(cache.Key{Tier: tier, ID: updated.ID, OwnerID: updated.OwnerID}.DependencyID())
	}

	for _, conflict := range conflicts {
		mergeConflictsTotal.WithLabelValues(tier.String()).Inc()
		c.audit.Record(ctx, AuditEvent{
			Tier:         tier,
			ID:           updated.ID,
			OwnerID:      updated.OwnerID,
			ConflictType: ConflictMerge,
			Details:      fmt.Sprintf("field %q: %s", conflict.Field, conflict.Reason),
			Timestamp:    c.now(),
		})
	}

	c.publish(ctx, ChangeEvent{
		Tier:          tier,
		ID:            updated.ID,
		OwnerID:       updated.OwnerID,
		NewVersion:    updated.Version,
		ChangedFields: fieldNames(incoming),
		Timestamp:     c.now(),
	})

	c.observeUpdate(tier, start, "ok")
	return &UpdateResult{
		Entity:   updated,
		Warnings: conflicts,
		Attempts: attempts,
		Evicted:  evicted,
	}
}

// readCurrent fetches the entity, using the raw cache only on the first
// attempt.
func (c *Coordinator) readCurrent(ctx context.Context, tier hierarchy.Tier, id, ownerID string, bypassCache bool) (*hierarchy.Entity, error) {
	if !bypassCache && c.cache != nil {
		key := cache.Key{Tier: tier, ID: id, OwnerID: ownerID, Resolved: false}
		cached, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn("cache read failed, bypassing cache",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		} else if ok {
			if entity, isEntity := cached.(*hierarchy.Entity); isEntity {
				return entity, nil
			}
		}
	}

	entity, found, err := c.store.Get(ctx, tier, id, ownerID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &hierarchy.NotFoundError{Tier: tier, ID: id, OwnerID: ownerID}
	}
	return entity, nil
}

// invalidateRaw drops the raw cache entry after a lost race.
func (c *Coordinator) invalidateRaw(ctx context.Context, tier hierarchy.Tier, id, ownerID string) {
	if c.cache == nil {
		return
	}
	key := cache.Key{Tier: tier, ID: id, OwnerID: ownerID, Resolved: false}
	if err := c.cache.Invalidate(ctx, key); err != nil {
		c.logger.Warn("raw cache invalidation failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
	}
}

// publish emits the change notification. Best-effort: failure is
// logged, never surfaced.
func (c *Coordinator) publish(ctx context.Context, event ChangeEvent) {
	if err := c.notifier.Publish(ctx, event); err != nil {
		c.logger.Warn("change notification failed",
			slog.String("tier", event.Tier.String()),
			slog.String("id", event.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) observeUpdate(tier hierarchy.Tier, start time.Time, status string) {
	updateDurationHistogram.WithLabelValues(tier.String(), status).Observe(time.Since(start).Seconds())
}

// fieldNames returns the sorted field names of a partial update.
func fieldNames(fields hierarchy.Fields) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
