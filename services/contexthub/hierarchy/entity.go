// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hierarchy

import (
	"errors"
	"time"
)

// Fields is the business payload of an entity: a mapping from field name
// to an arbitrary structured value (scalars, []any, map[string]any).
type Fields map[string]any

// Entity is the unit of storage at one tier of the hierarchy.
//
// Entities are mutated only through the optimistic lock coordinator;
// Version increases by exactly one per accepted write and no write may
// succeed against a stale version.
type Entity struct {
	// ID is an opaque identifier, unique within the tier.
	ID string `json:"id"`

	// Tier is the hierarchy level this entity lives at.
	Tier Tier `json:"tier"`

	// ParentID references the entity one tier up. Empty for TierGlobal.
	ParentID string `json:"parent_id,omitempty"`

	// OwnerID is the isolation key. All reads and writes are scoped to an
	// owner; there is no cross-owner visibility.
	OwnerID string `json:"owner_id"`

	// Fields is the business payload.
	Fields Fields `json:"fields"`

	// Version starts at 1 on creation and increments once per write.
	Version int64 `json:"version"`

	// Deleted marks a tombstoned entity. Tombstones are terminal: the
	// entity reads as not-found and is never resurrected.
	Deleted bool `json:"deleted,omitempty"`

	// CreatedAt is when the entity was created (UTC).
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the entity was last written (UTC).
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the structural invariants of the entity.
//
// Outputs:
//   - error: Non-nil if an invariant is violated.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return errors.New("entity id must not be empty")
	}
	if !e.Tier.Valid() {
		return errors.New("entity tier is not a known tier")
	}
	if e.OwnerID == "" {
		return errors.New("entity owner id must not be empty")
	}
	if e.Tier == TierGlobal && e.ParentID != "" {
		return errors.New("global entity must not have a parent")
	}
	if e.Tier != TierGlobal && e.ParentID == "" {
		return errors.New("non-global entity must have a parent")
	}
	if e.Version < 1 {
		return errors.New("entity version must be at least 1")
	}
	return nil
}

// Clone returns a deep copy of the entity.
//
// The returned entity shares no mutable state with the receiver, so the
// copy can be handed to another goroutine or mutated safely.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Fields = e.Fields.Clone()
	return &out
}

// Clone returns a deep copy of the field mapping.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a field value.
//
// Mappings and sequences are copied recursively; scalars are returned
// as-is. Only the JSON-shaped types (map[string]any, []any, scalars) are
// recursed into, which matches what the store round-trips.
func CloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, inner := range tv {
			out[k] = CloneValue(inner)
		}
		return out
	case Fields:
		return map[string]any(Fields(tv).Clone())
	case []any:
		out := make([]any, len(tv))
		for i, inner := range tv {
			out[i] = CloneValue(inner)
		}
		return out
	default:
		return v
	}
}
