// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"sort"
	"sync"
	"time"
)

// DefaultAccessWindow bounds how far back accesses count for prediction.
const DefaultAccessWindow = 10 * time.Minute

// AccessTracker keeps a sliding window of recent key accesses per owner
// and ranks candidate keys by expected next access.
//
// The ranking is frequency within the window with recency as the
// tie-break, which is cheap and close enough for warming: the point is
// to pre-fetch what an owner keeps coming back to, not to model access
// sequences.
//
// Thread Safety: Safe for concurrent use.
type AccessTracker struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time

	// accesses holds, per owner, the recent access times per key.
	accesses map[string]map[Key][]time.Time
}

// NewAccessTracker creates a tracker with the given sliding window.
// A non-positive window selects DefaultAccessWindow.
func NewAccessTracker(window time.Duration) *AccessTracker {
	if window <= 0 {
		window = DefaultAccessWindow
	}
	return &AccessTracker{
		window:   window,
		now:      time.Now,
		accesses: make(map[string]map[Key][]time.Time),
	}
}

// SetClock overrides the tracker's time source. Intended for tests.
func (t *AccessTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Record notes one access of a key.
func (t *AccessTracker) Record(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byKey, ok := t.accesses[key.OwnerID]
	if !ok {
		byKey = make(map[Key][]time.Time)
		t.accesses[key.OwnerID] = byKey
	}

	now := t.now()
	cutoff := now.Add(-t.window)
	recent := byKey[key]
	kept := recent[:0]
	for _, at := range recent {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	byKey[key] = append(kept, now)
}

// Owners returns the owners with at least one access in the window.
func (t *AccessTracker) Owners() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.window)
	owners := make([]string, 0, len(t.accesses))
	for owner, byKey := range t.accesses {
		if t.pruneLocked(byKey, cutoff) {
			owners = append(owners, owner)
		} else {
			delete(t.accesses, owner)
		}
	}
	sort.Strings(owners)
	return owners
}

// Predict ranks an owner's keys by expected next access and returns the
// top n candidates.
func (t *AccessTracker) Predict(ownerID string, n int) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	byKey, ok := t.accesses[ownerID]
	if !ok || n <= 0 {
		return nil
	}

	cutoff := t.now().Add(-t.window)
	type candidate struct {
		key    Key
		count  int
		latest time.Time
	}
	candidates := make([]candidate, 0, len(byKey))
	for key, times := range byKey {
		count := 0
		var latest time.Time
		for _, at := range times {
			if at.After(cutoff) {
				count++
				if at.After(latest) {
					latest = at
				}
			}
		}
		if count > 0 {
			candidates = append(candidates, candidate{key: key, count: count, latest: latest})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		if !candidates[i].latest.Equal(candidates[j].latest) {
			return candidates[i].latest.After(candidates[j].latest)
		}
		return candidates[i].key.String() < candidates[j].key.String()
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	keys := make([]Key, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	return keys
}

// pruneLocked drops expired accesses for one owner and reports whether
// anything is left. Caller holds t.mu.
func (t *AccessTracker) pruneLocked(byKey map[Key][]time.Time, cutoff time.Time) bool {
	for key, times := range byKey {
		kept := times[:0]
		for _, at := range times {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		if len(kept) == 0 {
			delete(byKey, key)
		} else {
			byKey[key] = kept
		}
	}
	return len(byKey) > 0
}
