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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
)

// recordingFetch collects fetched keys and optionally fails some.
type recordingFetch struct {
	mu      sync.Mutex
	fetched []Key
	failFor map[Key]error
}

func (r *recordingFetch) fetch(_ context.Context, key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failFor[key]; ok {
		return err
	}
	r.fetched = append(r.fetched, key)
	return nil
}

func (r *recordingFetch) keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Key, len(r.fetched))
	copy(out, r.fetched)
	return out
}

func TestSweepFetchesTopPredicted(t *testing.T) {
	tracker := NewAccessTracker(0)
	rec := &recordingFetch{}
	warmer := NewWarmer(WarmerConfig{TopN: 2}, tracker, rec.fetch, nil)

	hot := Key{Tier: hierarchy.TierTask, ID: "hot", OwnerID: "owner-1"}
	mid := Key{Tier: hierarchy.TierTask, ID: "mid", OwnerID: "owner-1"}
	cold := Key{Tier: hierarchy.TierTask, ID: "cold", OwnerID: "owner-1"}
	for i := 0; i < 3; i++ {
		tracker.Record(hot)
	}
	tracker.Record(mid)
	tracker.Record(mid)
	tracker.Record(cold)

	warmer.Sweep(context.Background())

	fetched := rec.keys()
	if len(fetched) != 2 {
		t.Fatalf("fetched %d keys, want 2", len(fetched))
	}
	seen := map[string]bool{}
	for _, key := range fetched {
		seen[key.ID] = true
	}
	if !seen["hot"] || !seen["mid"] {
		t.Errorf("fetched = %v, want the two most accessed keys", fetched)
	}
}

func TestSweepCoversAllOwners(t *testing.T) {
	tracker := NewAccessTracker(0)
	rec := &recordingFetch{}
	warmer := NewWarmer(WarmerConfig{TopN: 4}, tracker, rec.fetch, nil)

	for owner := 0; owner < 3; owner++ {
		tracker.Record(Key{Tier: hierarchy.TierTask, ID: "t-1", OwnerID: fmt.Sprintf("owner-%d", owner)})
	}

	warmer.Sweep(context.Background())

	owners := map[string]bool{}
	for _, key := range rec.keys() {
		owners[key.OwnerID] = true
	}
	if len(owners) != 3 {
		t.Errorf("sweep covered %d owners, want 3", len(owners))
	}
}

func TestSweepSwallowsFetchErrors(t *testing.T) {
	tracker := NewAccessTracker(0)
	failing := Key{Tier: hierarchy.TierTask, ID: "broken", OwnerID: "owner-1"}
	working := Key{Tier: hierarchy.TierTask, ID: "fine", OwnerID: "owner-1"}
	rec := &recordingFetch{failFor: map[Key]error{failing: errors.New("store down")}}
	warmer := NewWarmer(WarmerConfig{TopN: 4}, tracker, rec.fetch, nil)

	tracker.Record(failing)
	tracker.Record(working)

	// Warming is best-effort: one failing fetch must not stop the rest.
	warmer.Sweep(context.Background())

	fetched := rec.keys()
	if len(fetched) != 1 || fetched[0].ID != "fine" {
		t.Errorf("fetched = %v, want only the working key", fetched)
	}
}

func TestPrefetchAsync(t *testing.T) {
	rec := &recordingFetch{}
	warmer := NewWarmer(WarmerConfig{}, NewAccessTracker(0), rec.fetch, nil)
	defer warmer.Stop()

	key := Key{Tier: hierarchy.TierBranch, ID: "b-1", OwnerID: "owner-1"}
	warmer.Prefetch(key)

	deadline := time.After(2 * time.Second)
	for {
		if keys := rec.keys(); len(keys) == 1 && keys[0] == key {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("prefetch never ran; fetched = %v", rec.keys())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	warmer := NewWarmer(WarmerConfig{Interval: time.Hour}, NewAccessTracker(0), func(context.Context, Key) error { return nil }, nil)
	warmer.Start()
	warmer.Start() // second Start is a no-op
	warmer.Stop()
	warmer.Stop() // second Stop is a no-op
}

func TestSweepWithoutTracker(t *testing.T) {
	rec := &recordingFetch{}
	warmer := NewWarmer(WarmerConfig{Interval: time.Millisecond}, nil, rec.fetch, nil)

	// A sweep with no tracker has nothing to predict from and must
	// return instead of dereferencing it.
	warmer.Sweep(context.Background())
	if got := len(rec.keys()); got != 0 {
		t.Errorf("fetches without a tracker = %d, want 0", got)
	}

	warmer.Start()
	time.Sleep(10 * time.Millisecond)
	warmer.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	warmer := NewWarmer(WarmerConfig{}, NewAccessTracker(0), func(context.Context, Key) error { return nil }, nil)
	done := make(chan struct{})
	go func() {
		warmer.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop without Start should not block")
	}
}
