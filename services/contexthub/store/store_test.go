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
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
)

// storeUnderTest runs the conformance suite against every Store
// implementation.
func storeUnderTest(t *testing.T, run func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		run(t, NewMemoryStore())
	})

	t.Run("badger", func(t *testing.T) {
		s, err := OpenBadger(InMemoryBadgerConfig())
		if err != nil {
			t.Fatalf("OpenBadger failed: %v", err)
		}
		t.Cleanup(func() {
			if err := s.Close(); err != nil {
				t.Errorf("Close failed: %v", err)
			}
		})
		run(t, s)
	})
}

func mustCreateChain(t *testing.T, s Store, ownerID string) (global, project, branch, task *hierarchy.Entity) {
	t.Helper()
	ctx := context.Background()

	global, _, err := s.Create(ctx, hierarchy.TierGlobal, "", ownerID, "", hierarchy.Fields{"team_preferences": map[string]any{"indent": "tabs"}})
	if err != nil {
		t.Fatalf("create global: %v", err)
	}
	project, _, err = s.Create(ctx, hierarchy.TierProject, "proj-1", ownerID, global.ID, hierarchy.Fields{"local_standards": map[string]any{"lint": "strict"}})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	branch, _, err = s.Create(ctx, hierarchy.TierBranch, "branch-1", ownerID, project.ID, hierarchy.Fields{"branch_config": map[string]any{"ci": true}})
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	task, _, err = s.Create(ctx, hierarchy.TierTask, "task-1", ownerID, branch.ID, hierarchy.Fields{"status": "open"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return global, project, branch, task
}

func TestCreateAndGet(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, _, task := mustCreateChain(t, s, "owner-1")

		if task.Version != 1 {
			t.Errorf("new entity version = %d, want 1", task.Version)
		}
		if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
			t.Error("timestamps should be set on create")
		}

		got, found, err := s.Get(ctx, hierarchy.TierTask, task.ID, "owner-1")
		if err != nil || !found {
			t.Fatalf("Get: found=%v err=%v", found, err)
		}
		if got.Fields["status"] != "open" {
			t.Errorf("status = %v, want open", got.Fields["status"])
		}

		// Other owners see nothing.
		_, found, err = s.Get(ctx, hierarchy.TierTask, task.ID, "owner-2")
		if err != nil {
			t.Fatalf("Get other owner: %v", err)
		}
		if found {
			t.Error("entity leaked across owners")
		}
	})
}

func TestCreateGeneratesID(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		entity, existed, err := s.Create(context.Background(), hierarchy.TierGlobal, "", "owner-1", "", nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if existed {
			t.Error("fresh create reported existing")
		}
		if entity.ID == "" {
			t.Error("empty id should be generated")
		}
	})
}

func TestGlobalUniquePerOwner(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, _, err := s.Create(ctx, hierarchy.TierGlobal, "g-1", "owner-1", "", hierarchy.Fields{"a": 1})
		if err != nil {
			t.Fatalf("first create: %v", err)
		}

		second, existed, err := s.Create(ctx, hierarchy.TierGlobal, "g-2", "owner-1", "", hierarchy.Fields{"b": 2})
		if err != nil {
			t.Fatalf("second create: %v", err)
		}
		if !existed {
			t.Fatal("second Global create for the same owner should return the existing entity")
		}
		if second.ID != first.ID {
			t.Errorf("second create returned id %s, want %s", second.ID, first.ID)
		}

		// A different owner gets its own Global.
		other, existed, err := s.Create(ctx, hierarchy.TierGlobal, "g-3", "owner-2", "", nil)
		if err != nil || existed {
			t.Fatalf("other owner create: existed=%v err=%v", existed, err)
		}
		if other.ID == first.ID {
			t.Error("Global entities should be isolated per owner")
		}
	})
}

func TestCreateDuplicateNonGlobal(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		global, _, _, _ := mustCreateChain(t, s, "owner-1")

		dup, existed, err := s.Create(ctx, hierarchy.TierProject, "proj-1", "owner-1", global.ID, hierarchy.Fields{"other": true})
		if err != nil {
			t.Fatalf("duplicate create: %v", err)
		}
		if !existed {
			t.Error("duplicate create should report existing")
		}
		if _, present := dup.Fields["other"]; present {
			t.Error("duplicate create must not overwrite stored fields")
		}
	})
}

func TestCASVersionCheck(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, _, task := mustCreateChain(t, s, "owner-1")

		version, ok, err := s.CAS(ctx, hierarchy.TierTask, task.ID, "owner-1", 1, hierarchy.Fields{"status": "done"})
		if err != nil || !ok {
			t.Fatalf("CAS: ok=%v err=%v", ok, err)
		}
		if version != 2 {
			t.Errorf("new version = %d, want 2", version)
		}

		// Stale expected version loses and reports the current one.
		version, ok, err = s.CAS(ctx, hierarchy.TierTask, task.ID, "owner-1", 1, hierarchy.Fields{"status": "reopened"})
		if err != nil {
			t.Fatalf("stale CAS: %v", err)
		}
		if ok {
			t.Fatal("stale CAS should fail the version check")
		}
		if version != 2 {
			t.Errorf("conflicting version = %d, want 2", version)
		}

		got, _, _ := s.Get(ctx, hierarchy.TierTask, task.ID, "owner-1")
		if got.Fields["status"] != "done" {
			t.Errorf("stale CAS must not write: status = %v", got.Fields["status"])
		}
	})
}

func TestCASMissingEntity(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		_, _, err := s.CAS(context.Background(), hierarchy.TierTask, "ghost", "owner-1", 1, nil)
		if !errors.Is(err, hierarchy.ErrNotFound) {
			t.Errorf("CAS on missing entity: err = %v, want ErrNotFound", err)
		}
	})
}

func TestTombstoneIsTerminal(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, _, task := mustCreateChain(t, s, "owner-1")

		_, ok, err := s.Tombstone(ctx, hierarchy.TierTask, task.ID, "owner-1", 1)
		if err != nil || !ok {
			t.Fatalf("Tombstone: ok=%v err=%v", ok, err)
		}

		_, found, err := s.Get(ctx, hierarchy.TierTask, task.ID, "owner-1")
		if err != nil {
			t.Fatalf("Get after tombstone: %v", err)
		}
		if found {
			t.Error("tombstoned entity should read as absent")
		}

		if _, _, err := s.CAS(ctx, hierarchy.TierTask, task.ID, "owner-1", 2, hierarchy.Fields{"status": "zombie"}); !errors.Is(err, hierarchy.ErrNotFound) {
			t.Errorf("CAS after tombstone: err = %v, want ErrNotFound", err)
		}

		// The id is never reused.
		if _, _, err := s.Create(ctx, hierarchy.TierTask, task.ID, "owner-1", task.ParentID, nil); !errors.Is(err, hierarchy.ErrAlreadyExists) {
			t.Errorf("Create over tombstone: err = %v, want ErrAlreadyExists", err)
		}
	})
}

func TestConcurrentCASExactlyOneWinner(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, _, task := mustCreateChain(t, s, "owner-1")

		const writers = 16
		var wg sync.WaitGroup
		wins := make(chan int, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, ok, err := s.CAS(ctx, hierarchy.TierTask, task.ID, "owner-1", 1, hierarchy.Fields{"status": "claimed", "winner": n})
				if err != nil {
					t.Errorf("writer %d: %v", n, err)
					return
				}
				if ok {
					wins <- n
				}
			}(i)
		}
		wg.Wait()
		close(wins)

		var winners int
		for range wins {
			winners++
		}
		if winners != 1 {
			t.Fatalf("expected exactly 1 winning CAS, got %d", winners)
		}

		got, _, _ := s.Get(ctx, hierarchy.TierTask, task.ID, "owner-1")
		if got.Version != 2 {
			t.Errorf("version = %d, want 2 (exactly one increment)", got.Version)
		}
	})
}

func TestRetriedCASConvergesToOneBumpPerWriter(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, _, task := mustCreateChain(t, s, "owner-1")

		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				// Re-read and retry on a lost race, like a write
				// coordinator would. Each loss implies another
				// writer's success, so the loop terminates.
				for {
					current, found, err := s.Get(ctx, hierarchy.TierTask, task.ID, "owner-1")
					if err != nil || !found {
						t.Errorf("writer %d: get: found=%v err=%v", n, found, err)
						return
					}
					fields := current.Fields.Clone()
					if fields == nil {
						fields = hierarchy.Fields{}
					}
					fields[fmt.Sprintf("writer_%d", n)] = n
					_, ok, err := s.CAS(ctx, hierarchy.TierTask, task.ID, "owner-1", current.Version, fields)
					if err != nil {
						t.Errorf("writer %d: cas: %v", n, err)
						return
					}
					if ok {
						return
					}
				}
			}(i)
		}
		wg.Wait()

		got, _, _ := s.Get(ctx, hierarchy.TierTask, task.ID, "owner-1")
		if got.Version != 1+writers {
			t.Errorf("version = %d, want %d (one bump per writer)", got.Version, 1+writers)
		}
		for i := 0; i < writers; i++ {
			field := fmt.Sprintf("writer_%d", i)
			if _, ok := got.Fields[field]; !ok {
				t.Errorf("field %s lost in the interleaving", field)
			}
		}
	})
}

func TestStoredEntityIsIsolatedCopy(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		fields := hierarchy.Fields{"task_data": map[string]any{"assignee": "alice"}}
		entity, _, err := s.Create(ctx, hierarchy.TierGlobal, "", "owner-1", "", fields)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		// Mutating the caller's map or the returned entity must not
		// affect stored state.
		fields["task_data"].(map[string]any)["assignee"] = "mallory"
		entity.Fields["injected"] = true

		got, _, err := s.Get(ctx, hierarchy.TierGlobal, entity.ID, "owner-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Fields["task_data"].(map[string]any)["assignee"] != "alice" {
			t.Error("stored fields mutated through caller's map")
		}
		if _, present := got.Fields["injected"]; present {
			t.Error("stored fields mutated through returned entity")
		}
	})
}

func TestCancelledContext(t *testing.T) {
	storeUnderTest(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, _, err := s.Get(ctx, hierarchy.TierGlobal, "any", "owner-1"); !errors.Is(err, context.Canceled) {
			t.Errorf("Get with cancelled ctx: %v", err)
		}
		if _, _, err := s.Create(ctx, hierarchy.TierGlobal, "", "owner-1", "", nil); !errors.Is(err, context.Canceled) {
			t.Errorf("Create with cancelled ctx: %v", err)
		}
	})
}
