// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contexthub

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
	"github.com/AleutianAI/contexthub/services/contexthub/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DisableWarming = true
	eng, err := New(cfg, Deps{Store: store.NewMemoryStore()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// buildChain creates a Global→Project→Branch→Task chain and returns the
// four entities in tier order.
func buildChain(t *testing.T, eng *Engine, ownerID string) [4]*hierarchy.Entity {
	t.Helper()
	ctx := context.Background()

	global, _, err := eng.EnsureGlobal(ctx, ownerID, hierarchy.Fields{
		"security_policies": map[string]any{"require_2fa": true},
	})
	require.NoError(t, err)

	project, err := eng.Create(ctx, hierarchy.TierProject, "proj-1", ownerID, global.ID, hierarchy.Fields{
		"local_standards": map[string]any{"test_coverage_minimum": float64(90)},
	})
	require.NoError(t, err)

	branch, err := eng.Create(ctx, hierarchy.TierBranch, "branch-1", ownerID, project.ID, nil)
	require.NoError(t, err)

	task, err := eng.Create(ctx, hierarchy.TierTask, "task-1", ownerID, branch.ID, hierarchy.Fields{
		"status": "open",
	})
	require.NoError(t, err)

	return [4]*hierarchy.Entity{global, project, branch, task}
}

func TestEnsureGlobalIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	first, created, err := eng.EnsureGlobal(ctx, "owner-1", hierarchy.Fields{"a": 1})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := eng.EnsureGlobal(ctx, "owner-1", hierarchy.Fields{"b": 2})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	// The existing entity wins; the second call's fields are discarded.
	require.NotContains(t, second.Fields, "b")
}

func TestEnsureGlobalConcurrentConverges(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)
	var createdCount sync.Map
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			entity, created, err := eng.EnsureGlobal(ctx, "owner-1", nil)
			if err != nil {
				t.Errorf("EnsureGlobal: %v", err)
				return
			}
			ids[n] = entity.ID
			if created {
				createdCount.Store(n, true)
			}
		}(i)
	}
	wg.Wait()

	creators := 0
	createdCount.Range(func(_, _ any) bool { creators++; return true })
	require.Equal(t, 1, creators, "exactly one caller should create")
	for _, id := range ids {
		require.Equal(t, ids[0], id, "all callers should converge on one entity")
	}
}

func TestCreateRequiresLiveParent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Create(ctx, hierarchy.TierProject, "proj-1", "owner-1", "no-such-global", nil)
	var missing *hierarchy.MissingAncestorError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, hierarchy.TierGlobal, missing.MissingTier)
	require.Equal(t, "no-such-global", missing.MissingID)
}

func TestCreateDuplicateID(t *testing.T) {
	eng := newTestEngine(t)
	chain := buildChain(t, eng, "owner-1")

	_, err := eng.Create(context.Background(), hierarchy.TierProject, "proj-1", "owner-1", chain[0].ID, nil)
	require.ErrorIs(t, err, hierarchy.ErrAlreadyExists)
}

func TestCreateInvalidTier(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.Create(context.Background(), hierarchy.Tier(99), "x", "owner-1", "", nil)
	require.Error(t, err)
}

func TestResolveInheritedView(t *testing.T) {
	eng := newTestEngine(t)
	chain := buildChain(t, eng, "owner-1")
	ctx := context.Background()

	view, err := eng.Resolve(ctx, hierarchy.TierTask, chain[3].ID, "owner-1", true)
	require.NoError(t, err)
	require.True(t, view.Inherited)
	require.Len(t, view.Chain, 4)

	policies, ok := view.Fields["security_policies"].(map[string]any)
	require.True(t, ok, "global field should be inherited")
	require.Equal(t, true, policies["require_2fa"])
	require.Equal(t, "open", view.Fields["status"])
}

func TestUpdateInvalidatesResolvedViews(t *testing.T) {
	eng := newTestEngine(t)
	chain := buildChain(t, eng, "owner-1")
	ctx := context.Background()

	// Prime the resolved view, then change the Global policy.
	before, err := eng.Resolve(ctx, hierarchy.TierTask, chain[3].ID, "owner-1", true)
	require.NoError(t, err)
	policies := before.Fields["security_policies"].(map[string]any)
	require.Equal(t, true, policies["require_2fa"])

	_, err = eng.Update(ctx, hierarchy.TierGlobal, chain[0].ID, "owner-1", hierarchy.Fields{
		"security_policies": map[string]any{"require_2fa": false},
	})
	require.NoError(t, err)

	after, err := eng.Resolve(ctx, hierarchy.TierTask, chain[3].ID, "owner-1", true)
	require.NoError(t, err)
	policies = after.Fields["security_policies"].(map[string]any)
	require.Equal(t, false, policies["require_2fa"], "descendant view must reflect the ancestor write")
}

func TestUpdateBumpsVersion(t *testing.T) {
	eng := newTestEngine(t)
	chain := buildChain(t, eng, "owner-1")

	result, err := eng.Update(context.Background(), hierarchy.TierTask, chain[3].ID, "owner-1", hierarchy.Fields{
		"status": "in_progress",
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, result.Entity.Version)
	require.Equal(t, 1, result.Attempts)
}

func TestDeleteBreaksInheritedResolution(t *testing.T) {
	eng := newTestEngine(t)
	chain := buildChain(t, eng, "owner-1")
	ctx := context.Background()

	require.NoError(t, eng.Delete(ctx, hierarchy.TierBranch, chain[2].ID, "owner-1"))

	_, err := eng.Resolve(ctx, hierarchy.TierTask, chain[3].ID, "owner-1", true)
	var missing *hierarchy.MissingAncestorError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, hierarchy.TierBranch, missing.MissingTier)

	// The raw view does not need the chain.
	raw, err := eng.Resolve(ctx, hierarchy.TierTask, chain[3].ID, "owner-1", false)
	require.NoError(t, err)
	require.Equal(t, "open", raw.Fields["status"])
}

func TestOwnerIsolation(t *testing.T) {
	eng := newTestEngine(t)
	buildChain(t, eng, "owner-1")
	buildChain(t, eng, "owner-2")
	ctx := context.Background()

	_, err := eng.Resolve(ctx, hierarchy.TierTask, "task-1", "owner-1", true)
	require.NoError(t, err)

	// owner-2's update must not leak into owner-1's view.
	_, err = eng.Update(ctx, hierarchy.TierTask, "task-1", "owner-2", hierarchy.Fields{"status": "done"})
	require.NoError(t, err)

	view, err := eng.Resolve(ctx, hierarchy.TierTask, "task-1", "owner-1", true)
	require.NoError(t, err)
	require.Equal(t, "open", view.Fields["status"])
}

func TestStatsCountsActivity(t *testing.T) {
	eng := newTestEngine(t)
	chain := buildChain(t, eng, "owner-1")
	ctx := context.Background()

	_, err := eng.Resolve(ctx, hierarchy.TierTask, chain[3].ID, "owner-1", true)
	require.NoError(t, err)
	_, err = eng.Resolve(ctx, hierarchy.TierTask, chain[3].ID, "owner-1", true)
	require.NoError(t, err)

	stats := eng.Stats()
	require.Greater(t, stats.Hits+stats.Misses, int64(0))
}

func TestWarmSweepSmoke(t *testing.T) {
	eng := newTestEngine(t)
	chain := buildChain(t, eng, "owner-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := eng.Resolve(ctx, hierarchy.TierTask, chain[3].ID, "owner-1", false)
		require.NoError(t, err)
	}
	eng.Warm(ctx)
}

func TestCloseIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DisableWarming = true
	eng, err := New(cfg, Deps{Store: store.NewMemoryStore()})
	require.NoError(t, err)
	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close())
}

func TestEngineOwnsBadgerStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DisableWarming = true
	eng, err := New(cfg, Deps{})
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	ctx := context.Background()
	global, created, err := eng.EnsureGlobal(ctx, "owner-1", hierarchy.Fields{"a": 1})
	require.NoError(t, err)
	require.True(t, created)

	view, err := eng.Resolve(ctx, hierarchy.TierGlobal, global.ID, "owner-1", false)
	require.NoError(t, err)
	require.EqualValues(t, 1, view.Version)
}

// gatedStore suspends one Global read on a gate, so a resolution can be
// held mid-chain while a write completes.
type gatedStore struct {
	store.Store
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *gatedStore) Get(ctx context.Context, tier hierarchy.Tier, id, ownerID string) (*hierarchy.Entity, bool, error) {
	s.mu.Lock()
	trip := s.armed && tier == hierarchy.TierGlobal
	if trip {
		s.armed = false
	}
	s.mu.Unlock()
	if trip {
		close(s.entered)
		<-s.release
	}
	return s.Store.Get(ctx, tier, id, ownerID)
}

func TestSlowResolutionNeverCachesPreWriteView(t *testing.T) {
	gated := &gatedStore{
		Store:   store.NewMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	cfg := DefaultConfig()
	cfg.DisableWarming = true
	eng, err := New(cfg, Deps{Store: gated})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	chain := buildChain(t, eng, "owner-1")
	ctx := context.Background()

	// Suspend an inherited resolution on its Global fetch. By then it
	// has already read the task at its pre-write state.
	gated.arm()
	type outcome struct {
		status any
		err    error
	}
	resolved := make(chan outcome, 1)
	go func() {
		view, err := eng.Resolve(ctx, hierarchy.TierTask, chain[3].ID, "owner-1", true)
		if err != nil {
			resolved <- outcome{err: err}
			return
		}
		resolved <- outcome{status: view.Fields["status"]}
	}()
	<-gated.entered

	// The write, including its synchronous invalidation, completes
	// while the resolution is suspended.
	_, err = eng.Update(ctx, hierarchy.TierTask, chain[3].ID, "owner-1", hierarchy.Fields{"status": "done"})
	require.NoError(t, err)
	close(gated.release)

	// The suspended resolution returns its pre-write view to its own
	// caller; that view must not enter the cache.
	first := <-resolved
	require.NoError(t, first.err)
	require.Equal(t, "open", first.status)

	// A reader who observed the write's success must see it.
	fresh, err := eng.Resolve(ctx, hierarchy.TierTask, chain[3].ID, "owner-1", true)
	require.NoError(t, err)
	require.Equal(t, "done", fresh.Fields["status"])
}

func TestResolveUnknownEntity(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.Resolve(context.Background(), hierarchy.TierTask, "ghost", "owner-1", true)
	require.True(t, errors.Is(err, hierarchy.ErrNotFound))
}
