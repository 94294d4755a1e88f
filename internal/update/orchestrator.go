// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package update runs the dashboard's self-update pipeline: pull the
// repository, rebuild affected images in a helper container and have the
// helper recreate the dashboard.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/devfarm/devfarm/internal/config"
	"github.com/devfarm/devfarm/internal/events"
	"github.com/devfarm/devfarm/internal/git"
	"github.com/devfarm/devfarm/internal/history"
	"github.com/devfarm/devfarm/internal/metrics"
	"github.com/devfarm/devfarm/internal/models"
)

// Repository is the version control access the pipeline needs.
type Repository interface {
	IsRepo(ctx context.Context) bool
	RevParse(ctx context.Context, ref string) (string, error)
	Stash(ctx context.Context) error
	ResetHard(ctx context.Context) error
	Fetch(ctx context.Context, remote, branch string) error
	Checkout(ctx context.Context, branch string) error
	Pull(ctx context.Context, remote, branch string) (string, error)
	ChangedFiles(ctx context.Context, from, to string) ([]string, error)
	CommitsBetween(ctx context.Context, from, to string) (int, error)
}

// Publisher receives progress events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Recorder stores finished runs.
type Recorder interface {
	Record(ctx context.Context, run history.Run) error
}

// Options configures the pipeline.
type Options struct {
	RepoPath        string
	HelperRepoPath  string
	Remote          string
	Branch          string
	FetchTimeout    time.Duration
	BuildTimeout    time.Duration
	HelperContainer string
	ComposeFile     string
	ComposeService  string
	HealthURL       string
	HealthAttempts  int
	HealthInterval  time.Duration
	Images          []config.ImageBuild
}

// OptionsFromConfig maps the update and docker sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RepoPath:        cfg.Update.RepoPath,
		HelperRepoPath:  cfg.Update.HelperRepoPath,
		Remote:          cfg.Update.Remote,
		Branch:          cfg.Update.Branch,
		FetchTimeout:    cfg.Update.FetchTimeout,
		BuildTimeout:    cfg.Update.BuildTimeout,
		HelperContainer: cfg.Docker.HelperContainer,
		ComposeFile:     cfg.Update.ComposeFile,
		ComposeService:  cfg.Update.ComposeService,
		HealthURL:       cfg.Update.HealthURL,
		HealthAttempts:  cfg.Update.HealthAttempts,
		HealthInterval:  cfg.Update.HealthInterval,
		Images:          cfg.Update.Images,
	}
}

// Deps are the collaborators of an Orchestrator. Publisher, History and
// HasToken are optional.
type Deps struct {
	Repo      Repository
	Helper    Helper
	Publisher Publisher
	History   Recorder
	HasToken  func() bool
}

// StartOptions modifies a single run.
type StartOptions struct {
	// Force rebuilds every image even when no build-relevant file changed
	// or the checkout is already up to date.
	Force bool `json:"force"`
}

// SystemStatus compares the local checkout with the remote branch.
type SystemStatus struct {
	Branch           string `json:"branch"`
	CurrentSHA       string `json:"current_sha"`
	LatestSHA        string `json:"latest_sha"`
	CommitsBehind    int    `json:"commits_behind"`
	UpdatesAvailable bool   `json:"updates_available"`
}

// Orchestrator runs at most one update or build at a time.
type Orchestrator struct {
	deps     Deps
	opts     Options
	log      *slog.Logger
	sem      *semaphore.Weighted
	progress tracker
	wg       sync.WaitGroup
}

// New returns an idle orchestrator.
func New(deps Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.HelperRepoPath == "" {
		opts.HelperRepoPath = opts.RepoPath
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 60 * time.Second
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 15 * time.Minute
	}
	if opts.HealthAttempts <= 0 {
		opts.HealthAttempts = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		deps: deps,
		opts: opts,
		log:  logger,
		sem:  semaphore.NewWeighted(1),
	}
	o.progress.now = time.Now
	o.progress.p.Stages = []StageRecord{}
	return o
}

// Status returns a copy of the current progress.
func (o *Orchestrator) Status() Progress {
	return o.progress.snapshot()
}

// Running reports whether a run is in flight.
func (o *Orchestrator) Running() bool {
	return o.progress.snapshot().Running
}

// Wait blocks until the in-flight run, if any, has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Start launches the update pipeline in the background. It fails fast with
// ErrAlreadyRunning, leaving the current progress untouched, when a run is
// in flight. The run is detached from ctx cancellation and cannot be
// aborted once started.
func (o *Orchestrator) Start(ctx context.Context, so StartOptions) error {
	return o.launch(ctx, "update", func(ctx context.Context) error {
		return o.pipeline(ctx, so)
	})
}

// StartBuild rebuilds a single image type in the background, reporting
// through the same progress as an update.
func (o *Orchestrator) StartBuild(ctx context.Context, imageType string) error {
	img, ok := o.image(imageType)
	if !ok {
		return fmt.Errorf("%w: invalid image type %q", models.ErrInvalid, imageType)
	}
	return o.launch(ctx, "build", func(ctx context.Context) error {
		if err := ensureHelper(ctx, o.deps.Helper, o.opts.HelperContainer); err != nil {
			return o.fail("build:"+img.Type, err)
		}
		return o.build(ctx, img)
	})
}

func (o *Orchestrator) launch(ctx context.Context, kind string, fn func(context.Context) error) error {
	if !o.sem.TryAcquire(1) {
		return ErrAlreadyRunning
	}

	runID := uuid.NewString()
	o.progress.reset(runID)
	o.log.Info("update run started", "run_id", runID, "kind", kind)

	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.sem.Release(1)
		o.finish(runCtx, kind, fn(runCtx))
	}()
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, kind string, err error) {
	if err != nil {
		o.stage(StageComplete, StatusError, err.Error())
	} else {
		o.stage(StageComplete, StatusSuccess, kind+" finished")
	}
	p := o.progress.finish(err)

	result := "success"
	if err != nil {
		result = "failed"
		o.log.Error("update run failed", "run_id", p.RunID, "error", err)
	} else {
		o.log.Info("update run finished", "run_id", p.RunID, "rebuilt", p.Rebuilt)
	}
	metrics.IncUpdateRun(result)

	if o.deps.Publisher != nil {
		o.deps.Publisher.Publish(events.TypeUpdateProgress, map[string]any{
			"run_id":  p.RunID,
			"running": false,
			"success": err == nil,
			"error":   p.Error,
		})
	}
	if o.deps.History != nil {
		run := history.Run{
			ID:      p.RunID,
			Kind:    kind,
			Success: err == nil,
			FromSHA: p.FromSHA,
			ToSHA:   p.ToSHA,
			Error:   p.Error,
			Rebuilt: p.Rebuilt,
			Stages:  len(p.Stages),
		}
		if p.StartedAt != nil {
			run.StartedAt = *p.StartedAt
		}
		if p.FinishedAt != nil {
			run.FinishedAt = *p.FinishedAt
		}
		if herr := o.deps.History.Record(ctx, run); herr != nil {
			o.log.Warn("record update history", "run_id", p.RunID, "error", herr)
		}
	}
}

func (o *Orchestrator) pipeline(ctx context.Context, so StartOptions) error {
	repo := o.deps.Repo

	o.stage(StageValidate, StatusStarting, "checking preconditions")
	if o.deps.HasToken != nil && !o.deps.HasToken() {
		o.stage(StageValidate, StatusWarning, "no GitHub token configured; fetching private remotes will fail")
	}
	if _, err := os.Stat(o.opts.RepoPath); err != nil {
		return o.fail(StageValidate, fmt.Errorf("repository path %s: %w", o.opts.RepoPath, err))
	}
	if !repo.IsRepo(ctx) {
		return o.fail(StageValidate, fmt.Errorf("%s is not a git checkout", o.opts.RepoPath))
	}
	o.stage(StageValidate, StatusSuccess, "repository at "+o.opts.RepoPath)

	current, err := repo.RevParse(ctx, "HEAD")
	if err != nil {
		return o.fail(StageRevision, err)
	}
	o.progress.set(func(p *Progress) { p.FromSHA = current })
	o.stage(StageRevision, StatusSuccess, "current revision "+git.Short(current))

	o.stage(StageStash, StatusStarting, "discarding local modifications")
	if err := repo.Stash(ctx); err != nil {
		if rerr := repo.ResetHard(ctx); rerr != nil {
			o.stage(StageStash, StatusWarning, "could not discard local modifications: "+rerr.Error())
		} else {
			o.stage(StageStash, StatusWarning, "stash failed; local modifications reset")
		}
	} else {
		o.stage(StageStash, StatusSuccess, "working tree clean")
	}

	ref := o.opts.Remote + "/" + o.opts.Branch
	o.stage(StageFetch, StatusStarting, "fetching "+ref)
	fetchCtx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
	err = repo.Fetch(fetchCtx, o.opts.Remote, o.opts.Branch)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("fetch of %s timed out after %v: %w", ref, o.opts.FetchTimeout, err)
		}
		return o.fail(StageFetch, err)
	}
	o.stage(StageFetch, StatusSuccess, "fetched "+ref)

	latest, err := repo.RevParse(ctx, ref)
	if err != nil {
		return o.fail(StageCompare, err)
	}
	o.progress.set(func(p *Progress) { p.ToSHA = latest })

	var images []config.ImageBuild
	if latest == current {
		if !so.Force {
			o.stage(StageCompare, StatusSuccess, "already up to date at "+git.Short(current))
			o.skip("already up to date", StageCheckout, StagePull, StageChanges, "build", StageRestart)
			return nil
		}
		o.stage(StageCompare, StatusSuccess, "already up to date at "+git.Short(current)+"; forced rebuild")
		o.skip("already up to date", StageCheckout, StagePull, StageChanges)
		images = o.opts.Images
	} else {
		msg := fmt.Sprintf("update available %s..%s", git.Short(current), git.Short(latest))
		if n, err := repo.CommitsBetween(ctx, current, latest); err == nil {
			msg = fmt.Sprintf("%d new commit(s) %s..%s", n, git.Short(current), git.Short(latest))
		}
		o.stage(StageCompare, StatusSuccess, msg)

		if err := repo.Checkout(ctx, o.opts.Branch); err != nil {
			return o.fail(StageCheckout, err)
		}
		o.stage(StageCheckout, StatusSuccess, "on branch "+o.opts.Branch)

		o.stage(StagePull, StatusStarting, "pulling "+ref)
		out, err := repo.Pull(ctx, o.opts.Remote, o.opts.Branch)
		if err != nil {
			detail := git.Tail(out, 5)
			if detail == "" {
				detail = err.Error()
			}
			return o.fail(StagePull, fmt.Errorf("pull failed: %s", detail))
		}
		o.stage(StagePull, StatusSuccess, "pulled "+git.Short(latest))

		images, err = o.changedImages(ctx, current, latest, so.Force)
		if err != nil {
			return o.fail(StageChanges, err)
		}
	}

	if len(images) == 0 {
		o.stage("build", StatusSkipped, "no images to rebuild")
	} else {
		if err := ensureHelper(ctx, o.deps.Helper, o.opts.HelperContainer); err != nil {
			return o.fail("build", err)
		}
		for _, img := range images {
			if err := o.build(ctx, img); err != nil {
				return err
			}
		}
		if n, err := o.deps.Helper.PruneDanglingImages(ctx); err != nil {
			o.stage(StageCleanup, StatusWarning, "prune dangling images: "+err.Error())
		} else {
			o.stage(StageCleanup, StatusSuccess, fmt.Sprintf("%d dangling image(s) removed", n))
		}
	}

	o.stage(StageRestart, StatusStarting, "scheduling recreation of "+o.opts.ComposeService)
	if err := ensureHelper(ctx, o.deps.Helper, o.opts.HelperContainer); err != nil {
		return o.fail(StageRestart, err)
	}
	res, err := o.deps.Helper.Exec(ctx, o.opts.HelperContainer, restartCommand(o.opts))
	if err != nil {
		return o.fail(StageRestart, err)
	}
	if res.ExitCode != 0 {
		return o.fail(StageRestart, fmt.Errorf("schedule restart exited %d: %s", res.ExitCode, truncateOutput(res.Output)))
	}
	o.stage(StageRestart, StatusSuccess, fmt.Sprintf(
		"recreation of %s scheduled; health checked up to %d times", o.opts.ComposeService, o.opts.HealthAttempts))
	return nil
}

func (o *Orchestrator) changedImages(ctx context.Context, from, to string, force bool) ([]config.ImageBuild, error) {
	files, err := o.deps.Repo.ChangedFiles(ctx, from, to)
	if err != nil {
		o.stage(StageChanges, StatusWarning, "could not diff revisions, rebuilding all images: "+err.Error())
		return o.opts.Images, nil
	}
	images, err := AffectedImages(o.opts.Images, files)
	if err != nil {
		return nil, err
	}
	if force {
		images = o.opts.Images
	}
	if len(images) == 0 {
		o.stage(StageChanges, StatusSuccess, fmt.Sprintf("%d file(s) changed; no build-relevant changes", len(files)))
		return nil, nil
	}
	types := make([]string, 0, len(images))
	for _, img := range images {
		types = append(types, img.Type)
	}
	o.stage(StageChanges, StatusSuccess, fmt.Sprintf("%d file(s) changed; rebuilding %s", len(files), strings.Join(types, ", ")))
	return images, nil
}

func (o *Orchestrator) build(ctx context.Context, img config.ImageBuild) error {
	stage := "build:" + img.Type
	o.stage(stage, StatusStarting, "building "+img.Tag)

	buildCtx, cancel := context.WithTimeout(ctx, o.opts.BuildTimeout)
	defer cancel()
	res, err := o.deps.Helper.Exec(buildCtx, o.opts.HelperContainer, buildCommand(o.opts.HelperRepoPath, img))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("build of %s timed out after %v", img.Tag, o.opts.BuildTimeout)
		}
		return o.fail(stage, err)
	}
	if res.ExitCode != 0 {
		return o.fail(stage, fmt.Errorf("build of %s exited %d: %s", img.Tag, res.ExitCode, truncateOutput(res.Output)))
	}
	o.progress.set(func(p *Progress) { p.Rebuilt = append(p.Rebuilt, img.Type) })
	o.stage(stage, StatusSuccess, "built "+img.Tag)
	return nil
}

// SystemStatus fetches the remote branch and reports how far behind the
// checkout is.
func (o *Orchestrator) SystemStatus(ctx context.Context) (SystemStatus, error) {
	repo := o.deps.Repo
	st := SystemStatus{Branch: o.opts.Branch}

	current, err := repo.RevParse(ctx, "HEAD")
	if err != nil {
		return st, err
	}
	st.CurrentSHA = git.Short(current)

	fetchCtx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
	defer cancel()
	if err := repo.Fetch(fetchCtx, o.opts.Remote, o.opts.Branch); err != nil {
		return st, err
	}
	latest, err := repo.RevParse(ctx, o.opts.Remote+"/"+o.opts.Branch)
	if err != nil {
		return st, err
	}
	st.LatestSHA = git.Short(latest)

	if latest != current {
		n, err := repo.CommitsBetween(ctx, current, latest)
		if err != nil {
			return st, err
		}
		st.CommitsBehind = n
		st.UpdatesAvailable = n > 0
	}
	return st, nil
}

// Images returns the configured build table.
func (o *Orchestrator) Images() []config.ImageBuild {
	return o.opts.Images
}

func (o *Orchestrator) image(imageType string) (config.ImageBuild, bool) {
	for _, img := range o.opts.Images {
		if img.Type == imageType {
			return img, true
		}
	}
	return config.ImageBuild{}, false
}

func (o *Orchestrator) stage(name string, status StageStatus, msg string) {
	rec, runID := o.progress.add(name, status, msg)
	o.log.Debug("update stage", "run_id", runID, "stage", name, "status", status, "message", msg)
	if o.deps.Publisher != nil {
		o.deps.Publisher.Publish(events.TypeUpdateProgress, map[string]any{
			"run_id":  runID,
			"running": true,
			"stage":   rec,
		})
	}
}

func (o *Orchestrator) skip(reason string, stages ...string) {
	for _, s := range stages {
		o.stage(s, StatusSkipped, reason)
	}
}

func (o *Orchestrator) fail(stage string, err error) error {
	o.stage(stage, StatusError, err.Error())
	return &StageError{Stage: stage, Err: err}
}
