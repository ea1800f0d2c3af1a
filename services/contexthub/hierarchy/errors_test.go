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
	"testing"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	notFound := &NotFoundError{Tier: TierTask, ID: "t-1", OwnerID: "o-1"}
	if !errors.Is(notFound, ErrNotFound) {
		t.Error("NotFoundError should match ErrNotFound")
	}

	missing := &MissingAncestorError{Tier: TierTask, ID: "t-1", OwnerID: "o-1", MissingTier: TierBranch, MissingID: "b-1"}
	if !errors.Is(missing, ErrMissingAncestor) {
		t.Error("MissingAncestorError should match ErrMissingAncestor")
	}

	conflict := &VersionConflictError{Tier: TierTask, ID: "t-1", OwnerID: "o-1", LastVersion: 7, Attempts: 5}
	if !errors.Is(conflict, ErrVersionConflict) {
		t.Error("VersionConflictError should match ErrVersionConflict")
	}
}

func TestTypedErrorsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("update failed: %w", &VersionConflictError{Tier: TierBranch, ID: "b-1", OwnerID: "o-1", LastVersion: 3, Attempts: 5})
	if !errors.Is(wrapped, ErrVersionConflict) {
		t.Error("wrapping should preserve sentinel matching")
	}

	var conflict *VersionConflictError
	if !errors.As(wrapped, &conflict) {
		t.Fatal("errors.As should recover the typed error")
	}
	if conflict.LastVersion != 3 {
		t.Errorf("LastVersion = %d, want 3", conflict.LastVersion)
	}
}
