// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package update

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devfarm/devfarm/internal/config"
	"github.com/devfarm/devfarm/internal/events"
	"github.com/devfarm/devfarm/internal/history"
	"github.com/devfarm/devfarm/internal/models"
	"github.com/devfarm/devfarm/internal/runtime"
	"github.com/devfarm/devfarm/internal/runtime/fake"
)

const (
	shaOld = "1111111111111111111111111111111111111111"
	shaNew = "2222222222222222222222222222222222222222"
)

type fakeRepo struct {
	mu        sync.Mutex
	head      string
	remote    string
	changed   []string
	stashErr  error
	fetchErr  error
	pullErr   error
	pullOut   string
	fetchGate chan struct{}
	calls     []string
}

func (r *fakeRepo) call(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *fakeRepo) called(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (r *fakeRepo) IsRepo(context.Context) bool { return true }

func (r *fakeRepo) RevParse(_ context.Context, ref string) (string, error) {
	r.call("rev-parse " + ref)
	if ref == "HEAD" {
		return r.head, nil
	}
	return r.remote, nil
}

func (r *fakeRepo) Stash(context.Context) error { r.call("stash"); return r.stashErr }
func (r *fakeRepo) ResetHard(context.Context) error {
	r.call("reset")
	return nil
}

func (r *fakeRepo) Fetch(ctx context.Context, _, _ string) error {
	r.call("fetch")
	if r.fetchGate != nil {
		select {
		case <-r.fetchGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.fetchErr
}

func (r *fakeRepo) Checkout(context.Context, string) error { r.call("checkout"); return nil }

func (r *fakeRepo) Pull(context.Context, string, string) (string, error) {
	r.call("pull")
	return r.pullOut, r.pullErr
}

func (r *fakeRepo) ChangedFiles(context.Context, string, string) ([]string, error) {
	return r.changed, nil
}

func (r *fakeRepo) CommitsBetween(context.Context, string, string) (int, error) { return 3, nil }

type memRecorder struct {
	mu   sync.Mutex
	runs []history.Run
}

func (m *memRecorder) Record(_ context.Context, run history.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

type collectPublisher struct {
	mu    sync.Mutex
	count int
}

func (c *collectPublisher) Publish(eventType string, _ any) {
	if eventType != events.TypeUpdateProgress {
		return
	}
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func testImages() []config.ImageBuild {
	return []config.ImageBuild{
		{Type: "code-server", Tag: "devfarm/code-server:latest", Context: "docker", Dockerfile: "docker/Dockerfile.code-server",
			Patterns: []string{"docker/Dockerfile.code-server", "docker/config"}},
		{Type: "dashboard", Tag: "devfarm/dashboard:latest", Context: ".", Dockerfile: "Dockerfile",
			Patterns: []string{"internal", "cmd", "go.mod", "Dockerfile"}},
	}
}

type harness struct {
	o    *Orchestrator
	repo *fakeRepo
	rt   *fake.Runtime
	rec  *memRecorder
	pub  *collectPublisher
}

func newHarness(t *testing.T, repo *fakeRepo) *harness {
	t.Helper()
	rt := fake.New()
	rt.Add(runtime.ContainerState{Name: "devfarm-updater", Status: runtime.StatusExited})
	rec := &memRecorder{}
	pub := &collectPublisher{}
	o := New(Deps{Repo: repo, Helper: rt, Publisher: pub, History: rec, HasToken: func() bool { return true }}, Options{
		RepoPath:        t.TempDir(),
		HelperRepoPath:  "/opt/dev-farm",
		HelperContainer: "devfarm-updater",
		ComposeService:  "dashboard",
		HealthURL:       "http://localhost:5000/health",
		HealthAttempts:  5,
		HealthInterval:  time.Second,
		Images:          testImages(),
	}, nil)
	return &harness{o: o, repo: repo, rt: rt, rec: rec, pub: pub}
}

func (h *harness) run(t *testing.T, so StartOptions) Progress {
	t.Helper()
	require.NoError(t, h.o.Start(context.Background(), so))
	h.o.Wait()
	return h.o.Status()
}

func (h *harness) execs() []string {
	var out []string
	for _, c := range h.rt.Calls() {
		if strings.HasPrefix(c, "exec ") {
			out = append(out, c)
		}
	}
	return out
}

func stageStatus(p Progress, stage string) StageStatus {
	var last StageStatus
	for _, s := range p.Stages {
		if s.Stage == stage {
			last = s.Status
		}
	}
	return last
}

func stageMessage(p Progress, stage string, status StageStatus) string {
	for _, s := range p.Stages {
		if s.Stage == stage && s.Status == status {
			return s.Message
		}
	}
	return ""
}

func TestUpToDateShortCircuits(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: shaOld, remote: shaOld})
	p := h.run(t, StartOptions{})

	require.NotNil(t, p.Success)
	assert.True(t, *p.Success)
	assert.False(t, p.Running)
	assert.Equal(t, StatusSkipped, stageStatus(p, StageCheckout))
	assert.Equal(t, StatusSkipped, stageStatus(p, StageRestart))
	assert.Equal(t, StatusSuccess, stageStatus(p, StageComplete))
	assert.Empty(t, h.execs())
	assert.False(t, h.repo.called("pull"))

	require.Len(t, h.rec.runs, 1)
	assert.True(t, h.rec.runs[0].Success)
	assert.Equal(t, "update", h.rec.runs[0].Kind)
}

func TestUpdateRebuildsAffectedImagesAndRestarts(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: shaOld, remote: shaNew, changed: []string{"internal/api/server.go", "README.md"}})
	p := h.run(t, StartOptions{})

	require.NotNil(t, p.Success)
	assert.True(t, *p.Success, p.Error)
	assert.Equal(t, shaOld, p.FromSHA)
	assert.Equal(t, shaNew, p.ToSHA)
	assert.Equal(t, []string{"dashboard"}, p.Rebuilt)
	assert.Equal(t, StatusSuccess, stageStatus(p, "build:dashboard"))
	assert.Equal(t, StatusSuccess, stageStatus(p, StageRestart))
	assert.Contains(t, stageMessage(p, StageCompare, StatusSuccess), "3 new commit(s)")

	execs := h.execs()
	require.Len(t, execs, 2)
	assert.Contains(t, execs[0], "docker build -t devfarm/dashboard:latest -f Dockerfile .")
	assert.Contains(t, execs[1], "up -d --force-recreate dashboard")
	assert.Contains(t, execs[1], "-lt 5")

	helper, ok := h.rt.Container("devfarm-updater")
	require.True(t, ok)
	assert.True(t, helper.Running())
	assert.Positive(t, h.pub.count)
}

func TestForceRebuildsAllWhenUpToDate(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: shaOld, remote: shaOld})
	p := h.run(t, StartOptions{Force: true})

	require.True(t, *p.Success, p.Error)
	assert.Equal(t, []string{"code-server", "dashboard"}, p.Rebuilt)
	assert.Len(t, h.execs(), 3)
}

func TestNoBuildRelevantChangesSkipsBuild(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: shaOld, remote: shaNew, changed: []string{"docs/setup.md"}})
	p := h.run(t, StartOptions{})

	require.True(t, *p.Success, p.Error)
	assert.Equal(t, StatusSkipped, stageStatus(p, "build"))
	assert.Empty(t, p.Rebuilt)
	require.Len(t, h.execs(), 1)
	assert.Contains(t, h.execs()[0], "force-recreate")
}

func TestFetchFailureIsHard(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: shaOld, remote: shaNew, fetchErr: errors.New("could not read Username")})
	p := h.run(t, StartOptions{})

	require.NotNil(t, p.Success)
	assert.False(t, *p.Success)
	assert.Equal(t, StatusError, stageStatus(p, StageFetch))
	assert.Equal(t, StatusError, stageStatus(p, StageComplete))
	assert.Contains(t, p.Error, "could not read Username")
	assert.False(t, h.repo.called("checkout"))
	assert.Empty(t, h.execs())

	require.Len(t, h.rec.runs, 1)
	assert.False(t, h.rec.runs[0].Success)
}

func TestStashFailureIsWarning(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: shaOld, remote: shaOld, stashErr: errors.New("no local changes")})
	p := h.run(t, StartOptions{})

	require.True(t, *p.Success)
	assert.Equal(t, StatusWarning, stageStatus(p, StageStash))
	assert.True(t, h.repo.called("reset"))
	assert.True(t, h.repo.called("fetch"))
}

func TestPullFailureReportsOutputTail(t *testing.T) {
	var out strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&out, "line %d\n", i)
	}
	out.WriteString("fatal: Not possible to fast-forward, aborting.\n")
	h := newHarness(t, &fakeRepo{head: shaOld, remote: shaNew, pullErr: errors.New("exit status 128"), pullOut: out.String()})
	p := h.run(t, StartOptions{})

	assert.False(t, *p.Success)
	assert.Equal(t, StatusError, stageStatus(p, StagePull))
	assert.Contains(t, p.Error, "Not possible to fast-forward")
	assert.NotContains(t, p.Error, "line 1\n")
}

func TestBuildFailureTruncatesOutput(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: shaOld, remote: shaNew, changed: []string{"go.mod"}})
	h.rt.ExecHandler = func(_ string, cmd []string) (runtime.ExecResult, error) {
		if strings.Contains(strings.Join(cmd, " "), "docker build") {
			return runtime.ExecResult{ExitCode: 1, Output: strings.Repeat("x", 5000) + "\nERROR: failed to solve"}, nil
		}
		return runtime.ExecResult{}, nil
	}
	p := h.run(t, StartOptions{})

	assert.False(t, *p.Success)
	assert.Equal(t, StatusError, stageStatus(p, "build:dashboard"))
	assert.Contains(t, p.Error, "failed to solve")
	assert.Less(t, len(p.Error), 2300)
	assert.Empty(t, stageStatus(p, StageRestart))
}

func TestFetchTimeoutIsHard(t *testing.T) {
	repo := &fakeRepo{head: shaOld, remote: shaNew, fetchGate: make(chan struct{})}
	defer close(repo.fetchGate)
	h := newHarness(t, repo)
	h.o.opts.FetchTimeout = 50 * time.Millisecond

	p := h.run(t, StartOptions{})

	require.NotNil(t, p.Success)
	assert.False(t, *p.Success)
	assert.Equal(t, StatusError, stageStatus(p, StageFetch))
	assert.Contains(t, p.Error, "timed out")
	assert.False(t, repo.called("pull"))
	assert.Empty(t, h.execs())
}

func TestBuildTimeoutIsHard(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: shaOld, remote: shaNew, changed: []string{"go.mod"}})
	h.o.opts.BuildTimeout = 50 * time.Millisecond
	hang := make(chan struct{})
	defer close(hang)
	h.rt.ExecHandler = func(_ string, cmd []string) (runtime.ExecResult, error) {
		if strings.Contains(strings.Join(cmd, " "), "docker build") {
			<-hang
		}
		return runtime.ExecResult{}, nil
	}

	require.NoError(t, h.o.Start(context.Background(), StartOptions{}))
	done := make(chan struct{})
	go func() {
		h.o.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("update did not finish after the build deadline")
	}
	p := h.o.Status()

	require.NotNil(t, p.Success)
	assert.False(t, *p.Success)
	assert.Equal(t, StatusError, stageStatus(p, "build:dashboard"))
	assert.Contains(t, p.Error, "timed out")
	assert.Empty(t, stageStatus(p, StageRestart))
	assert.False(t, h.o.Running())
}

func TestConcurrentStartIsRejectedWithoutReset(t *testing.T) {
	repo := &fakeRepo{head: shaOld, remote: shaOld, fetchGate: make(chan struct{})}
	h := newHarness(t, repo)
	require.NoError(t, h.o.Start(context.Background(), StartOptions{}))

	require.Eventually(t, func() bool { return repo.called("fetch") }, 2*time.Second, 5*time.Millisecond)
	before := h.o.Status()
	require.True(t, before.Running)

	err := h.o.Start(context.Background(), StartOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	err = h.o.StartBuild(context.Background(), "dashboard")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	after := h.o.Status()
	assert.Equal(t, before.RunID, after.RunID)
	assert.Equal(t, len(before.Stages), len(after.Stages))

	close(repo.fetchGate)
	h.o.Wait()
	assert.False(t, h.o.Running())
	require.NoError(t, h.o.Start(context.Background(), StartOptions{}))
	h.o.Wait()
}

func TestStartBuild(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: shaOld, remote: shaOld})

	err := h.o.StartBuild(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrInvalid)

	require.NoError(t, h.o.StartBuild(context.Background(), "code-server"))
	h.o.Wait()
	p := h.o.Status()
	require.True(t, *p.Success, p.Error)
	assert.Equal(t, []string{"code-server"}, p.Rebuilt)
	require.Len(t, h.rec.runs, 1)
	assert.Equal(t, "build", h.rec.runs[0].Kind)
}

func TestMissingHelperFailsBuild(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: shaOld, remote: shaNew, changed: []string{"go.mod"}})
	h.rt.Delete("devfarm-updater")
	p := h.run(t, StartOptions{})

	assert.False(t, *p.Success)
	assert.Contains(t, p.Error, "helper container devfarm-updater not found")
}

func TestSystemStatus(t *testing.T) {
	h := newHarness(t, &fakeRepo{head: shaOld, remote: shaNew})
	st, err := h.o.SystemStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1111111", st.CurrentSHA)
	assert.Equal(t, "2222222", st.LatestSHA)
	assert.Equal(t, 3, st.CommitsBehind)
	assert.True(t, st.UpdatesAvailable)

	h = newHarness(t, &fakeRepo{head: shaOld, remote: shaOld})
	st, err = h.o.SystemStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, st.UpdatesAvailable)
	assert.Zero(t, st.CommitsBehind)
}
