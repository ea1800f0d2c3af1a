// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
)

// MemoryStore is an in-memory Store used by tests and single-process
// deployments that do not need durability.
//
// Thread Safety: Safe for concurrent use; a single mutex serializes all
// operations, which also makes each CAS atomic.
type MemoryStore struct {
	mu       sync.Mutex
	entities map[string]*hierarchy.Entity
	globals  map[string]string // ownerID -> Global entity id
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*hierarchy.Entity),
		globals:  make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func memKey(tier hierarchy.Tier, id, ownerID string) string {
	return ownerID + "/" + tier.String() + "/" + id
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, tier hierarchy.Tier, id, ownerID string) (*hierarchy.Entity, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[memKey(tier, id, ownerID)]
	if !ok || entity.Deleted {
		return nil, false, nil
	}
	return entity.Clone(), true, nil
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, tier hierarchy.Tier, id, ownerID, parentID string, fields hierarchy.Fields) (*hierarchy.Entity, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	candidate := &hierarchy.Entity{
		ID:       id,
		Tier:     tier,
		ParentID: parentID,
		OwnerID:  ownerID,
		Fields:   fields.Clone(),
		Version:  1,
	}
	if err := candidate.Validate(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tier == hierarchy.TierGlobal {
		if existingID, ok := s.globals[ownerID]; ok {
			if existing, present := s.entities[memKey(tier, existingID, ownerID)]; present && !existing.Deleted {
				return existing.Clone(), true, nil
			}
		}
	}

	key := memKey(tier, id, ownerID)
	if existing, ok := s.entities[key]; ok {
		if existing.Deleted {
			return nil, false, fmt.Errorf("%s entity %s is tombstoned: %w", tier, id, hierarchy.ErrAlreadyExists)
		}
		return existing.Clone(), true, nil
	}

	now := s.now()
	candidate.CreatedAt = now
	candidate.UpdatedAt = now
	s.entities[key] = candidate
	if tier == hierarchy.TierGlobal {
		s.globals[ownerID] = id
	}
	return candidate.Clone(), false, nil
}

// CAS implements Store.
func (s *MemoryStore) CAS(ctx context.Context, tier hierarchy.Tier, id, ownerID string, expectedVersion int64, newFields hierarchy.Fields) (int64, bool, error) {
	return s.checkedWrite(ctx, tier, id, ownerID, expectedVersion, func(e *hierarchy.Entity) {
		e.Fields = newFields.Clone()
	})
}

// Tombstone implements Store.
func (s *MemoryStore) Tombstone(ctx context.Context, tier hierarchy.Tier, id, ownerID string, expectedVersion int64) (int64, bool, error) {
	return s.checkedWrite(ctx, tier, id, ownerID, expectedVersion, func(e *hierarchy.Entity) {
		e.Deleted = true
	})
}

func (s *MemoryStore) checkedWrite(ctx context.Context, tier hierarchy.Tier, id, ownerID string, expectedVersion int64, mutate func(*hierarchy.Entity)) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(tier, id, ownerID)
	existing, ok := s.entities[key]
	if !ok || existing.Deleted {
		return 0, false, &hierarchy.NotFoundError{Tier: tier, ID: id, OwnerID: ownerID}
	}
	if existing.Version != expectedVersion {
		return existing.Version, false, nil
	}

	updated := existing.Clone()
	mutate(updated)
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = s.now()
	s.entities[key] = updated
	return updated.Version, true, nil
}

// Len returns the number of stored rows, tombstones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}
