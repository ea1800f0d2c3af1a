// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package merge implements the field-level merge engine.
//
// The engine is pure: it performs no I/O, never mutates its inputs, and
// is deterministic. Identical inputs always produce identical merged
// fields and an identical conflict list, which is what makes the engine
// property-testable.
package merge

import (
	_ "embed"
	"reflect"
	"sort"

	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
)

//go:embed default_strategies.yaml
var defaultStrategies []byte

// FieldConflict reports a field whose merge needed a fallback resolution.
//
// Conflicts are non-fatal. The engine always applies a deterministic
// fallback (incoming wins) and carries the conflict to the caller as a
// warning; a merge never fails because of one.
type FieldConflict struct {
	// Field is the conflicting field name.
	Field string `json:"field"`

	// Existing is the stored value at conflict time.
	Existing any `json:"existing_value"`

	// Incoming is the incoming value at conflict time.
	Incoming any `json:"incoming_value"`

	// Reason describes why the declared strategy could not apply.
	Reason string `json:"reason"`
}

// Engine applies per-field merge strategies from a static table.
//
// Thread Safety: Safe for concurrent use; the engine holds only the
// immutable strategy table.
type Engine struct {
	table *Table
}

// NewEngine creates a merge engine over the given strategy table.
//
// Inputs:
//   - table: The strategy table. Nil selects the embedded default table.
func NewEngine(table *Table) *Engine {
	if table == nil {
		table = DefaultTable()
	}
	return &Engine{table: table}
}

// Table returns the engine's strategy table.
func (e *Engine) Table() *Table { return e.table }

// Merge combines stored fields with an incoming partial update.
//
// Description:
//
//	For each incoming field, the declared (tier, field) strategy is
//	applied. Unrecognized fields use the tier's default strategy and are
//	additionally copied verbatim into the tier's overflow container so
//	they are never dropped. Incoming keys are processed in sorted order
//	to keep the conflict list deterministic.
//
// Inputs:
//   - tier: The tier whose strategy rules apply.
//   - existing: The stored fields. Not mutated.
//   - incoming: The partial update. Not mutated.
//
// Outputs:
//   - hierarchy.Fields: The merged fields (a fresh deep copy).
//   - []FieldConflict: Conflicts resolved by fallback, possibly empty.
func (e *Engine) Merge(tier hierarchy.Tier, existing, incoming hierarchy.Fields) (hierarchy.Fields, []FieldConflict) {
	merged := existing.Clone()
	if merged == nil {
		merged = make(hierarchy.Fields, len(incoming))
	}

	keys := make([]string, 0, len(incoming))
	for k := range incoming {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conflicts []FieldConflict
	for _, key := range keys {
		value := hierarchy.CloneValue(incoming[key])
		rule, known := e.table.Rule(tier, key)

		result, conflict := applyStrategy(rule, merged[key], value)
		merged[key] = result
		if conflict != nil {
			conflict.Field = key
			conflicts = append(conflicts, *conflict)
		}

		if !known {
			e.spillOverflow(tier, merged, key, value)
		}
	}

	return merged, conflicts
}

// spillOverflow copies an unrecognized field into the tier's overflow
// container, if the tier declares one and the field is not the container
// itself.
func (e *Engine) spillOverflow(tier hierarchy.Tier, merged hierarchy.Fields, key string, value any) {
	overflow, ok := e.table.Overflow(tier)
	if !ok || key == overflow {
		return
	}
	bucket, _ := merged[overflow].(map[string]any)
	if bucket == nil {
		bucket = make(map[string]any, 1)
	} else {
		bucket = hierarchy.CloneValue(bucket).(map[string]any)
	}
	bucket[key] = hierarchy.CloneValue(value)
	merged[overflow] = bucket
}

// applyStrategy applies one field rule to an (existing, incoming) pair.
//
// The returned conflict has every attribute set except Field, which the
// caller fills in.
func applyStrategy(rule FieldRule, existing, incoming any) (any, *FieldConflict) {
	switch rule.Strategy {
	case StrategyReplace:
		return incoming, nil

	case StrategyMerge:
		existingMap, okE := asMapping(existing)
		incomingMap, okI := asMapping(incoming)
		if existing == nil {
			// First write of the field: nothing to merge against.
			return incoming, nil
		}
		if !okE || !okI {
			return incoming, &FieldConflict{
				Existing: existing,
				Incoming: incoming,
				Reason:   "merge strategy requires mappings on both sides; incoming value replaced the stored value",
			}
		}
		return deepMergeMaps(existingMap, incomingMap), nil

	case StrategyAppend:
		return append(asSequence(existing), asSequence(incoming)...), nil

	case StrategyPrepend:
		return append(asSequence(incoming), asSequence(existing)...), nil

	case StrategyUniqueAppend:
		return uniqueAppend(asSequence(existing), asSequence(incoming), rule.MergeKey), nil

	default:
		// Undeclared strategies are rejected at table load; treat any
		// stray value as replace.
		return incoming, nil
	}
}

// deepMergeMaps merges incoming into existing recursively.
//
// Incoming wins at the leaf level; when both sides hold mappings for the
// same key the mappings merge instead of replacing, so sibling keys of
// the stored sub-mapping survive. Neither input is mutated.
func deepMergeMaps(existing, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = hierarchy.CloneValue(v)
	}
	for k, v := range incoming {
		ev, present := out[k]
		if present {
			em, okE := asMapping(ev)
			im, okI := asMapping(v)
			if okE && okI {
				out[k] = deepMergeMaps(em, im)
				continue
			}
		}
		out[k] = hierarchy.CloneValue(v)
	}
	return out
}

// DeepMergeFields merges child fields over parent fields with the same
// leaf-level child-wins rule as the merge strategy. Used by the
// inheritance resolver.
func DeepMergeFields(parent, child hierarchy.Fields) hierarchy.Fields {
	return hierarchy.Fields(deepMergeMaps(parent, child))
}

// asMapping normalizes mapping-shaped values to map[string]any.
func asMapping(v any) (map[string]any, bool) {
	switch tv := v.(type) {
	case map[string]any:
		return tv, true
	case hierarchy.Fields:
		return map[string]any(tv), true
	default:
		return nil, false
	}
}

// asSequence coerces a value into a sequence.
//
// Non-sequence values become a one-element sequence; nil becomes empty.
// The result is always a fresh slice safe to append to.
func asSequence(v any) []any {
	switch tv := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, len(tv))
		for i, inner := range tv {
			out[i] = hierarchy.CloneValue(inner)
		}
		return out
	default:
		return []any{hierarchy.CloneValue(v)}
	}
}

// uniqueAppend appends incoming elements that are not already present.
//
// With a merge key, two elements are duplicates when both are mappings
// carrying an equal value under the key; elements without the key fall
// back to structural equality. Without a merge key, structural equality
// decides. Later duplicates within incoming itself are also dropped.
func uniqueAppend(existing, incoming []any, mergeKey string) []any {
	out := existing
	for _, candidate := range incoming {
		if !containsElement(out, candidate, mergeKey) {
			out = append(out, candidate)
		}
	}
	return out
}

// containsElement reports whether seq already holds a duplicate of v.
func containsElement(seq []any, v any, mergeKey string) bool {
	keyVal, hasKey := elementKey(v, mergeKey)
	for _, existing := range seq {
		if hasKey {
			if ek, ok := elementKey(existing, mergeKey); ok && reflect.DeepEqual(ek, keyVal) {
				return true
			}
			continue
		}
		if reflect.DeepEqual(existing, v) {
			return true
		}
	}
	return false
}

// elementKey extracts the merge-key value from a mapping element.
func elementKey(v any, mergeKey string) (any, bool) {
	if mergeKey == "" {
		return nil, false
	}
	m, ok := asMapping(v)
	if !ok {
		return nil, false
	}
	keyVal, present := m[mergeKey]
	return keyVal, present
}
