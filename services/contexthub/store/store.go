// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the entity store adapter: a thin interface to
// durable storage with get, create, and compare-and-swap by
// (tier, id, owner) under a monotonic version.
//
// The CAS operation is the sole source of write atomicity for entity
// state. Every higher-level component routes mutations through it; none
// may write raw fields directly.
package store

import (
	"context"

	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
)

// Store is the entity store adapter consumed by the engine.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// Get fetches an entity by (tier, id, owner).
	//
	// Outputs:
	//   - *hierarchy.Entity: A private copy of the entity, or nil.
	//   - bool: False if no live entity exists (absent or tombstoned).
	//   - error: Non-nil only on storage failure.
	Get(ctx context.Context, tier hierarchy.Tier, id, ownerID string) (*hierarchy.Entity, bool, error)

	// Create stores a new entity with version 1.
	//
	// If a live entity already exists at (tier, id, owner), the existing
	// entity is returned with alreadyExisted=true and nothing is written.
	// For TierGlobal the uniqueness guard is per owner, not per id: a
	// second Global creation for the same owner returns the existing
	// Global entity regardless of the requested id.
	//
	// Outputs:
	//   - *hierarchy.Entity: The created or pre-existing entity.
	//   - bool: True if the entity already existed.
	//   - error: Non-nil on validation or storage failure.
	Create(ctx context.Context, tier hierarchy.Tier, id, ownerID, parentID string, fields hierarchy.Fields) (*hierarchy.Entity, bool, error)

	// CAS replaces the entity's fields if and only if its current version
	// equals expectedVersion. On success the stored version becomes
	// expectedVersion+1.
	//
	// Outputs:
	//   - int64: The version now stored (new version on success, the
	//     conflicting current version on failure).
	//   - bool: False if the version check failed.
	//   - error: *hierarchy.NotFoundError if no live entity exists;
	//     otherwise non-nil only on storage failure.
	CAS(ctx context.Context, tier hierarchy.Tier, id, ownerID string, expectedVersion int64, newFields hierarchy.Fields) (int64, bool, error)

	// Tombstone marks the entity deleted, guarded by the same version
	// check as CAS. Tombstones are terminal: subsequent Get calls report
	// the entity as absent and the id is never reused.
	//
	// Outputs mirror CAS.
	Tombstone(ctx context.Context, tier hierarchy.Tier, id, ownerID string, expectedVersion int64) (int64, bool, error)
}
