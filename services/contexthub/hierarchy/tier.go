// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hierarchy defines the four-tier context hierarchy and the
// entity model shared by every contexthub component.
//
// The hierarchy is fixed and strictly ordered:
//
//	Global → Project → Branch → Task
//
// Every entity except a Global one references exactly one parent entity
// one tier up, owned by the same owner. Inheritance resolution walks this
// chain upward; invalidation propagates downward.
//
// Thread Safety: Tier values and the functions in this file are immutable
// and safe for concurrent use. Entity instances are plain data; callers
// that share them across goroutines must Clone first.
package hierarchy

import "fmt"

// Tier identifies one level of the context hierarchy.
//
// Tiers are ordered: a tier with a smaller value is an ancestor of a tier
// with a larger value. The ordering is relied on by the resolver (walks
// toward TierGlobal) and the invalidation propagator (walks away from it).
type Tier int

const (
	// TierGlobal is the root tier. Exactly one Global entity exists per
	// owner; it has no parent.
	TierGlobal Tier = iota

	// TierProject groups branches under a Global context.
	TierProject

	// TierBranch groups tasks under a Project context.
	TierBranch

	// TierTask is the leaf tier.
	TierTask
)

// TierCount is the fixed depth of the hierarchy.
const TierCount = 4

// AllTiers lists the tiers in ancestor-first order.
var AllTiers = [TierCount]Tier{TierGlobal, TierProject, TierBranch, TierTask}

// String returns the lowercase name of the tier.
func (t Tier) String() string {
	switch t {
	case TierGlobal:
		return "global"
	case TierProject:
		return "project"
	case TierBranch:
		return "branch"
	case TierTask:
		return "task"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether the tier is one of the four defined levels.
func (t Tier) Valid() bool {
	return t >= TierGlobal && t <= TierTask
}

// Parent returns the tier one level up.
//
// Outputs:
//   - Tier: The parent tier.
//   - bool: False if the tier is TierGlobal (no parent) or invalid.
func (t Tier) Parent() (Tier, bool) {
	if t <= TierGlobal || t > TierTask {
		return TierGlobal, false
	}
	return t - 1, true
}

// Child returns the tier one level down.
//
// Outputs:
//   - Tier: The child tier.
//   - bool: False if the tier is TierTask (no child) or invalid.
func (t Tier) Child() (Tier, bool) {
	if t < TierGlobal || t >= TierTask {
		return TierTask, false
	}
	return t + 1, true
}

// IsAncestorOf reports whether t is strictly above other in the hierarchy.
func (t Tier) IsAncestorOf(other Tier) bool {
	return t < other
}

// Depth returns the number of ancestors above the tier (0 for Global).
func (t Tier) Depth() int {
	return int(t)
}

// ParseTier converts a tier name to a Tier.
//
// Inputs:
//   - name: One of "global", "project", "branch", "task".
//
// Outputs:
//   - Tier: The parsed tier.
//   - error: Non-nil if the name is not a known tier.
func ParseTier(name string) (Tier, error) {
	switch name {
	case "global":
		return TierGlobal, nil
	case "project":
		return TierProject, nil
	case "branch":
		return TierBranch, nil
	case "task":
		return TierTask, nil
	default:
		return TierGlobal, fmt.Errorf("unknown tier %q", name)
	}
}

// MarshalYAML implements yaml.Marshaler using the tier name.
func (t Tier) MarshalYAML() (interface{}, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return t.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler from the tier name.
func (t *Tier) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	parsed, err := ParseTier(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
