// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devfarm/devfarm/internal/events"
	"github.com/devfarm/devfarm/internal/models"
	"github.com/devfarm/devfarm/internal/registry"
	"github.com/devfarm/devfarm/internal/runtime"
	"github.com/devfarm/devfarm/internal/runtime/fake"
)

type countingPublisher struct {
	mu     sync.Mutex
	byType map[string]int
	last   map[string]any
}

func (p *countingPublisher) Publish(eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byType == nil {
		p.byType = map[string]int{}
	}
	p.byType[eventType]++
	if m, ok := data.(map[string]any); ok {
		p.last = m
	}
}

func (p *countingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byType[eventType]
}

type staticProber struct{ ready bool }

func (s staticProber) IsReady(context.Context, string, int) bool { return s.ready }

const label = "dev-farm=true"

func labels(id string) map[string]string {
	return map[string]string{"dev-farm": "true", models.LabelEnvID: id}
}

func setup(t *testing.T) (*Reconciler, *fake.Runtime, *registry.Store, *countingPublisher) {
	t.Helper()
	pub := &countingPublisher{}
	store := registry.NewStore(filepath.Join(t.TempDir(), "environments.json"), pub, nil)
	rt := fake.New()
	r := New(rt, store, staticProber{ready: true}, pub, Options{
		Label:           label,
		ContainerPrefix: "devfarm-",
		ServicePort:     8080,
		Exclude:         []string{"devfarm-dashboard", "devfarm-updater"},
	}, nil)
	return r, rt, store, pub
}

func TestReconcilePrunesAndRefreshes(t *testing.T) {
	r, rt, store, pub := setup(t)
	ctx := context.Background()

	keep := rt.Add(runtime.ContainerState{Name: "devfarm-keep", Labels: labels("keep"), Status: runtime.StatusExited})
	require.NoError(t, store.Save(ctx, models.Registry{
		"keep": {ID: "keep", ContainerID: keep, Port: 8100, Status: runtime.StatusRunning, Children: []string{"gone"}},
		"gone": {ID: "gone", ContainerID: "feedfacefeedfacefeed", Port: 8101, ParentEnvID: "keep", Children: []string{}},
	}))
	writes := pub.count(events.TypeRegistryUpdate)

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, res.Pruned)
	assert.Equal(t, []string{"keep"}, res.Refreshed)
	assert.Equal(t, writes+1, pub.count(events.TypeRegistryUpdate))

	reg, err := store.Load()
	require.NoError(t, err)
	require.Len(t, reg, 1)
	assert.Equal(t, runtime.StatusExited, reg["keep"].Status)
	assert.Empty(t, reg["keep"].Children)
}

func TestReconcileIsIdempotent(t *testing.T) {
	r, rt, store, pub := setup(t)
	ctx := context.Background()

	id := rt.Add(runtime.ContainerState{Name: "devfarm-a", Labels: labels("a")})
	require.NoError(t, store.Save(ctx, models.Registry{
		"a": {ID: "a", ContainerID: id, Port: 8100, Status: runtime.StatusExited, Children: []string{}},
	}))

	_, err := r.Reconcile(ctx)
	require.NoError(t, err)
	writes := pub.count(events.TypeRegistryUpdate)

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, writes, pub.count(events.TypeRegistryUpdate))
}

func TestReconcileRuntimeDownLeavesRegistry(t *testing.T) {
	r, rt, store, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, models.Registry{
		"a": {ID: "a", ContainerID: "abc", Port: 8100, Children: []string{}},
	}))
	rt.Down = true

	_, err := r.Reconcile(ctx)
	assert.ErrorIs(t, err, runtime.ErrUnavailable)

	reg, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, reg, 1)
}

func TestReconcileMatchesShortContainerID(t *testing.T) {
	r, rt, store, _ := setup(t)
	ctx := context.Background()
	full := rt.Add(runtime.ContainerState{Name: "devfarm-a", Labels: labels("a")})
	require.NoError(t, store.Save(ctx, models.Registry{
		"a": {ID: "a", ContainerID: full[:12], Port: 8100, Status: runtime.StatusRunning, Children: []string{}},
	}))

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, res.Changed())
}

func TestFindAndCleanupOrphans(t *testing.T) {
	r, rt, store, _ := setup(t)
	ctx := context.Background()

	tracked := rt.Add(runtime.ContainerState{Name: "devfarm-tracked", Labels: labels("tracked")})
	orphan := rt.Add(runtime.ContainerState{Name: "devfarm-lost", Labels: labels("lost"), Ports: map[int]int{8080: 8105}})
	other := rt.Add(runtime.ContainerState{Name: "devfarm-other", Labels: labels("other"), Status: runtime.StatusExited})
	rt.Add(runtime.ContainerState{Name: "devfarm-dashboard", Labels: map[string]string{"dev-farm": "true"}})
	rt.Add(runtime.ContainerState{Name: "unrelated"})
	require.NoError(t, store.Save(ctx, models.Registry{
		"tracked": {ID: "tracked", ContainerID: tracked, Port: 8100, Children: []string{}},
	}))

	orphans, err := r.FindOrphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	assert.Equal(t, "devfarm-lost", orphans[0].Name)
	assert.Len(t, orphans[0].ID, 12)
	assert.Equal(t, 8105, orphans[0].Ports["8080/tcp"])

	res, err := r.CleanupOrphans(ctx, []string{orphan[:12]}, time.Second)
	require.NoError(t, err)
	require.Len(t, res.Cleaned, 1)
	assert.Equal(t, "devfarm-lost", res.Cleaned[0].Name)
	_, ok := rt.Container(orphan)
	assert.False(t, ok)
	_, ok = rt.Container(other)
	assert.True(t, ok)

	res, err = r.CleanupOrphans(ctx, nil, time.Second)
	require.NoError(t, err)
	require.Len(t, res.Cleaned, 1)
	_, ok = rt.Container(tracked)
	assert.True(t, ok)
}

func TestRecoverRegistry(t *testing.T) {
	r, rt, store, _ := setup(t)
	ctx := context.Background()

	existing := rt.Add(runtime.ContainerState{Name: "devfarm-known", Labels: labels("known")})
	rt.Add(runtime.ContainerState{
		Name:   "devfarm-parent",
		Labels: map[string]string{"dev-farm": "true", models.LabelMode: "git", models.LabelDisplayName: "Parent"},
		Ports:  map[int]int{8080: 8102},
	})
	rt.Add(runtime.ContainerState{
		Name:   "devfarm-child",
		Labels: map[string]string{"dev-farm": "true", models.LabelEnvID: "child", models.LabelParent: "parent"},
		Ports:  map[int]int{8080: 8103},
	})
	rt.Add(runtime.ContainerState{Name: "devfarm-updater", Labels: map[string]string{"dev-farm": "true"}})
	require.NoError(t, store.Save(ctx, models.Registry{
		"known": {ID: "known", ContainerID: existing, Port: 8100, Children: []string{}},
	}))

	recovered, err := r.RecoverRegistry(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"parent", "child"}, recovered)

	reg, err := store.Load()
	require.NoError(t, err)
	require.Len(t, reg, 3)
	assert.Equal(t, 8102, reg["parent"].Port)
	assert.Equal(t, models.ModeGit, reg["parent"].Mode)
	assert.Equal(t, "Parent", reg["parent"].DisplayName)
	assert.Equal(t, "parent", reg["child"].ParentEnvID)
	assert.Equal(t, []string{"child"}, reg["parent"].Children)

	again, err := r.RecoverRegistry(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestCheckStatusPublishesOnChange(t *testing.T) {
	r, rt, store, pub := setup(t)
	ctx := context.Background()

	id := rt.Add(runtime.ContainerState{Name: "devfarm-a", Labels: labels("a"), Health: runtime.HealthStarting})
	require.NoError(t, store.Save(ctx, models.Registry{
		"a": {ID: "a", ContainerID: id, Port: 8100, Children: []string{}},
	}))

	require.NoError(t, r.CheckStatus(ctx))
	assert.Equal(t, 1, pub.count(events.TypeEnvStatus))
	assert.Equal(t, false, pub.last["ready"])

	require.NoError(t, r.CheckStatus(ctx))
	assert.Equal(t, 1, pub.count(events.TypeEnvStatus))

	rt.SetStatus(id, runtime.StatusRunning, runtime.HealthHealthy)
	require.NoError(t, r.CheckStatus(ctx))
	assert.Equal(t, 2, pub.count(events.TypeEnvStatus))
	assert.Equal(t, true, pub.last["ready"])

	rt.Delete(id)
	require.NoError(t, r.CheckStatus(ctx))
	assert.Equal(t, 3, pub.count(events.TypeEnvStatus))
	assert.Equal(t, "missing", pub.last["status"])
}

type slowProber struct {
	delay time.Duration
	calls atomic.Int32
}

func (s *slowProber) IsReady(ctx context.Context, _ string, _ int) bool {
	s.calls.Add(1)
	select {
	case <-time.After(s.delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func TestCheckStatusProbesConcurrently(t *testing.T) {
	r, rt, store, pub := setup(t)
	ctx := context.Background()
	prober := &slowProber{delay: 200 * time.Millisecond}
	r.prober = prober

	reg := models.Registry{}
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("env-%d", i)
		cid := rt.Add(runtime.ContainerState{Name: "devfarm-" + id, Labels: labels(id)})
		reg[id] = &models.EnvironmentRecord{ID: id, ContainerID: cid, Port: 8100 + i, Children: []string{}}
	}
	require.NoError(t, store.Save(ctx, reg))

	start := time.Now()
	require.NoError(t, r.CheckStatus(ctx))
	assert.Less(t, time.Since(start), 800*time.Millisecond)
	assert.Equal(t, int32(6), prober.calls.Load())
	assert.Equal(t, 6, pub.count(events.TypeEnvStatus))
	for id := range reg {
		assert.True(t, r.watched[id].ready, id)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r, _, _, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
