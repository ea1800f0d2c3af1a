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
	"fmt"
)

// Sentinel errors for the context hierarchy.
//
// The typed errors below match these sentinels through errors.Is, so
// callers can branch on the class without unpacking the details.
var (
	// ErrNotFound indicates the requested (tier, id, owner) has no entity.
	ErrNotFound = errors.New("context entity not found")

	// ErrMissingAncestor indicates a broken inheritance chain.
	ErrMissingAncestor = errors.New("inheritance chain is incomplete")

	// ErrVersionConflict indicates a compare-and-swap lost the race after
	// exhausting its retry budget.
	ErrVersionConflict = errors.New("version conflict after retries")

	// ErrAlreadyExists indicates a create attempt against an existing
	// (tier, id, owner).
	ErrAlreadyExists = errors.New("context entity already exists")
)

// NotFoundError reports a missing entity. Never retried.
type NotFoundError struct {
	Tier    Tier
	ID      string
	OwnerID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s entity %q not found for owner %q", e.Tier, e.ID, e.OwnerID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// MissingAncestorError reports a broken inheritance chain: an ancestor the
// chain requires does not exist (or is tombstoned). Never auto-repaired.
type MissingAncestorError struct {
	// Tier and ID identify the entity whose resolution failed.
	Tier    Tier
	ID      string
	OwnerID string

	// MissingTier and MissingID identify the absent ancestor.
	MissingTier Tier
	MissingID   string
}

func (e *MissingAncestorError) Error() string {
	return fmt.Sprintf("resolving %s entity %q for owner %q: missing %s ancestor %q",
		e.Tier, e.ID, e.OwnerID, e.MissingTier, e.MissingID)
}

// Is matches ErrMissingAncestor.
func (e *MissingAncestorError) Is(target error) bool { return target == ErrMissingAncestor }

// VersionConflictError reports an update that exhausted its retry budget.
// LastVersion is the last version observed losing the race, so the caller
// can re-fetch and retry at a higher level if it wants to.
type VersionConflictError struct {
	Tier        Tier
	ID          string
	OwnerID     string
	LastVersion int64
	Attempts    int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("update of %s entity %q for owner %q lost the version race %d times (last seen version %d)",
		e.Tier, e.ID, e.OwnerID, e.Attempts, e.LastVersion)
}

// Is matches ErrVersionConflict.
func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }
