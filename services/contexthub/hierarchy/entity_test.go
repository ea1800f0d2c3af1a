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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEntity() *Entity {
	return &Entity{
		ID:      "proj-1",
		Tier:    TierProject,
		ParentID: "glob-1",
		OwnerID: "owner-1",
		Fields:  Fields{"name": "demo"},
		Version: 1,
	}
}

func TestEntityValidate(t *testing.T) {
	t.Run("accepts a well-formed entity", func(t *testing.T) {
		require.NoError(t, validEntity().Validate())
	})

	t.Run("rejects empty id", func(t *testing.T) {
		e := validEntity()
		e.ID = ""
		assert.Error(t, e.Validate())
	})

	t.Run("rejects global with a parent", func(t *testing.T) {
		e := validEntity()
		e.Tier = TierGlobal
		assert.Error(t, e.Validate())
	})

	t.Run("rejects non-global without a parent", func(t *testing.T) {
		e := validEntity()
		e.ParentID = ""
		assert.Error(t, e.Validate())
	})

	t.Run("rejects version below one", func(t *testing.T) {
		e := validEntity()
		e.Version = 0
		assert.Error(t, e.Validate())
	})
}

func TestEntityCloneIsolation(t *testing.T) {
	original := validEntity()
	original.Fields = Fields{
		"settings": map[string]any{"theme": "dark"},
		"tags":     []any{"a", "b"},
	}

	clone := original.Clone()
	clone.Fields["settings"].(map[string]any)["theme"] = "light"
	clone.Fields["tags"].([]any)[0] = "mutated"
	clone.Version = 99

	assert.Equal(t, "dark", original.Fields["settings"].(map[string]any)["theme"])
	assert.Equal(t, "a", original.Fields["tags"].([]any)[0])
	assert.Equal(t, int64(1), original.Version)
}

func TestCloneValueNestedShapes(t *testing.T) {
	nested := map[string]any{
		"outer": map[string]any{
			"inner": []any{map[string]any{"k": "v"}},
		},
	}
	cloned := CloneValue(nested).(map[string]any)
	cloned["outer"].(map[string]any)["inner"].([]any)[0].(map[string]any)["k"] = "changed"

	assert.Equal(t, "v", nested["outer"].(map[string]any)["inner"].([]any)[0].(map[string]any)["k"])
}

func TestFieldsCloneNil(t *testing.T) {
	var f Fields
	assert.Nil(t, f.Clone())

	var e *Entity
	assert.Nil(t, e.Clone())
}
