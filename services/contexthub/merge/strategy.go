// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package merge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
)

// Strategy declares how an incoming field value is combined with the
// stored value for that field.
type Strategy string

const (
	// StrategyReplace overwrites the stored value unconditionally.
	StrategyReplace Strategy = "replace"

	// StrategyMerge deep-merges mapping values key by key, incoming wins
	// at the leaf level. Non-mapping values fall back to replace and
	// produce a conflict.
	StrategyMerge Strategy = "merge"

	// StrategyAppend appends incoming elements to the stored sequence.
	StrategyAppend Strategy = "append"

	// StrategyPrepend prepends incoming elements to the stored sequence.
	StrategyPrepend Strategy = "prepend"

	// StrategyUniqueAppend appends incoming elements that are not already
	// present, compared by the field's merge key or, absent one, by
	// structural equality.
	StrategyUniqueAppend Strategy = "unique_append"
)

// Valid reports whether the strategy is one of the declared values.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyReplace, StrategyMerge, StrategyAppend, StrategyPrepend, StrategyUniqueAppend:
		return true
	default:
		return false
	}
}

// FieldRule is the declared behavior for one (tier, field) pair.
type FieldRule struct {
	// Strategy is the merge strategy for the field.
	Strategy Strategy `yaml:"strategy" json:"strategy"`

	// MergeKey is the element key used by unique_append to detect
	// duplicates. Empty means structural equality of whole elements.
	MergeKey string `yaml:"merge_key,omitempty" json:"merge_key,omitempty"`
}

// TierRules declares the merge behavior for one tier.
type TierRules struct {
	// Fields maps known field names to their rules.
	Fields map[string]FieldRule `yaml:"fields" json:"fields"`

	// Default is the strategy applied to field names absent from Fields.
	Default Strategy `yaml:"default" json:"default"`

	// OverflowField, when non-empty, names a mapping-valued field that
	// additionally receives a verbatim copy of every unrecognized
	// incoming field. Unrecognized fields are never silently dropped.
	OverflowField string `yaml:"overflow_field,omitempty" json:"overflow_field,omitempty"`
}

// Table is the static merge-strategy configuration, keyed by tier.
//
// The table is loaded once at process start and treated as immutable for
// the engine's lifetime; hot-reload is deliberately unsupported.
//
// Thread Safety: Safe to read concurrently. Must not be modified after
// construction.
type Table struct {
	Tiers map[hierarchy.Tier]TierRules `yaml:"tiers" json:"tiers"`
}

// Rule looks up the rule for a (tier, field) pair.
//
// Outputs:
//   - FieldRule: The declared rule, or a rule carrying the tier default.
//   - bool: True if the field is a known field of the tier.
func (t *Table) Rule(tier hierarchy.Tier, field string) (FieldRule, bool) {
	rules, ok := t.Tiers[tier]
	if !ok {
		return FieldRule{Strategy: StrategyReplace}, false
	}
	if rule, known := rules.Fields[field]; known {
		return rule, true
	}
	def := rules.Default
	if !def.Valid() {
		def = StrategyReplace
	}
	return FieldRule{Strategy: def}, false
}

// Overflow returns the overflow field name for a tier, if one is declared.
func (t *Table) Overflow(tier hierarchy.Tier) (string, bool) {
	rules, ok := t.Tiers[tier]
	if !ok || rules.OverflowField == "" {
		return "", false
	}
	return rules.OverflowField, true
}

// Validate checks the table for undeclared strategies and malformed rules.
func (t *Table) Validate() error {
	if len(t.Tiers) == 0 {
		return fmt.Errorf("strategy table declares no tiers")
	}
	for tier, rules := range t.Tiers {
		if !tier.Valid() {
			return fmt.Errorf("strategy table declares unknown tier %d", int(tier))
		}
		if !rules.Default.Valid() {
			return fmt.Errorf("tier %s: default strategy %q is not a known strategy", tier, rules.Default)
		}
		for field, rule := range rules.Fields {
			if field == "" {
				return fmt.Errorf("tier %s: empty field name", tier)
			}
			if !rule.Strategy.Valid() {
				return fmt.Errorf("tier %s field %q: strategy %q is not a known strategy", tier, field, rule.Strategy)
			}
			if rule.MergeKey != "" && rule.Strategy != StrategyUniqueAppend {
				return fmt.Errorf("tier %s field %q: merge_key is only valid with unique_append", tier, field)
			}
		}
		if rules.OverflowField != "" {
			if rule, known := rules.Fields[rules.OverflowField]; known && rule.Strategy != StrategyMerge {
				return fmt.Errorf("tier %s: overflow field %q must use the merge strategy", tier, rules.OverflowField)
			}
		}
	}
	return nil
}

// ParseTable parses a strategy table from YAML bytes and validates it.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse strategy table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadTable reads and parses a strategy table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy table %s: %w", path, err)
	}
	return ParseTable(data)
}

// DefaultTable returns the strategy table embedded in the binary.
//
// Panics if the embedded document is malformed; that is a build defect,
// not a runtime condition.
func DefaultTable() *Table {
	t, err := ParseTable(defaultStrategies)
	if err != nil {
		panic(fmt.Sprintf("embedded strategy table is invalid: %v", err))
	}
	return t
}
