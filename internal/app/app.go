// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package app assembles the dashboard from configuration and runs its
// long-lived loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/devfarm/devfarm/internal/api"
	"github.com/devfarm/devfarm/internal/config"
	"github.com/devfarm/devfarm/internal/environment"
	"github.com/devfarm/devfarm/internal/events"
	"github.com/devfarm/devfarm/internal/git"
	"github.com/devfarm/devfarm/internal/github"
	"github.com/devfarm/devfarm/internal/history"
	"github.com/devfarm/devfarm/internal/metrics"
	"github.com/devfarm/devfarm/internal/readiness"
	"github.com/devfarm/devfarm/internal/reconcile"
	"github.com/devfarm/devfarm/internal/registry"
	"github.com/devfarm/devfarm/internal/runtime"
	"github.com/devfarm/devfarm/internal/runtime/docker"
	"github.com/devfarm/devfarm/internal/settings"
	"github.com/devfarm/devfarm/internal/sshcheck"
	"github.com/devfarm/devfarm/internal/update"
)

// ShutdownTimeout bounds the graceful drain of in-flight requests.
const ShutdownTimeout = 30 * time.Second

// App holds every component of a running dashboard.
type App struct {
	Config       *config.Config
	Runtime      runtime.Runtime
	Registry     *registry.Store
	Events       *events.Broadcaster
	Reconciler   *reconcile.Reconciler
	Environments *environment.Manager
	Updater      *update.Orchestrator
	History      history.Sink
	Server       *api.Server

	log     *slog.Logger
	closers []func() error
}

// NewMaintenance builds only what the offline commands need: the runtime,
// the registry and a reconciler without readiness probing.
func NewMaintenance(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, log: logger}

	provider, err := docker.NewProvider(cfg.Docker.Host, logger.With("component", "runtime"))
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	a.closers = append(a.closers, provider.Close)
	a.Runtime = provider

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		a.Close()
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a.Registry = registry.NewStore(cfg.RegistryPath(), nil, logger.With("component", "registry"))
	a.Reconciler = reconcile.New(a.Runtime, a.Registry, nil, nil, reconcileOptions(cfg), logger.With("component", "reconcile"))
	return a, nil
}

// New wires the full dashboard. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, log: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	log := a.log

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	provider, err := docker.NewProvider(cfg.Docker.Host, log.With("component", "runtime"))
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}
	a.closers = append(a.closers, provider.Close)
	a.Runtime = provider

	a.Events = events.NewBroadcaster(events.DefaultBuffer, log.With("component", "events"))
	a.Registry = registry.NewStore(cfg.RegistryPath(), a.Events, log.With("component", "registry"))

	prober := readiness.NewProber(a.Runtime, readiness.Options{
		Timeout:     cfg.Probe.Timeout,
		ServicePort: cfg.Docker.ServicePort,
		LocalHost:   cfg.Probe.LocalHost,
	}, log.With("component", "readiness"))

	a.Reconciler = reconcile.New(a.Runtime, a.Registry, prober, a.Events, reconcileOptions(cfg), log.With("component", "reconcile"))

	st := settings.NewStore(cfg.SettingsPath())
	tokens := github.NewTokenStore(st, cfg.TokenPath())
	ghClient := github.NewClient(cfg.GitHub.APIURL, &http.Client{Timeout: 15 * time.Second})
	device := github.NewDeviceFlow(github.OAuthConfig(cfg.GitHub), tokens, ghClient, log.With("component", "github"))
	ssh := sshcheck.Checker{Timeout: 10 * time.Second}

	a.History, err = history.Open(ctx, cfg.History.DSN)
	if err != nil {
		return fmt.Errorf("open update history: %w", err)
	}
	a.closers = append(a.closers, a.History.Close)

	a.Environments = environment.NewManager(environment.Deps{
		Runtime:    a.Runtime,
		Store:      a.Registry,
		Reconciler: a.Reconciler,
		Prober:     prober,
		Publisher:  a.Events,
		Tokens:     tokens,
		Settings:   st,
		SSH:        ssh,
	}, environment.OptionsFromConfig(cfg), log.With("component", "environments"))

	repo := git.Open(cfg.Update.RepoPath, git.CLI{Timeout: cfg.Update.GitTimeout})
	a.Updater = update.New(update.Deps{
		Repo:      repo,
		Helper:    a.Runtime,
		Publisher: a.Events,
		History:   a.History,
		HasToken:  tokens.HasToken,
	}, update.OptionsFromConfig(cfg), log.With("component", "update"))

	a.Server = api.NewServer(api.Deps{
		Environments: a.Environments,
		Maintenance:  a.Reconciler,
		Updater:      a.Updater,
		History:      a.History,
		Events:       a.Events,
		Runtime:      a.Runtime,
		Registry:     a.Registry,
		Tokens:       tokens,
		GitHub:       ghClient,
		Device:       device,
		Settings:     st,
		SSH:          ssh,
	}, api.OptionsFromConfig(cfg), log.With("component", "api"))

	return nil
}

func reconcileOptions(cfg *config.Config) reconcile.Options {
	return reconcile.Options{
		Label:           cfg.Docker.Label,
		ContainerPrefix: cfg.Docker.ContainerPrefix,
		ServicePort:     cfg.Docker.ServicePort,
		Exclude:         []string{cfg.Docker.DashboardContainer, cfg.Docker.HelperContainer},
		Interval:        cfg.Reconcile.Interval,
		StatusInterval:  cfg.Reconcile.StatusInterval,
	}
}

// Run reconciles once, then serves HTTP and runs the background loops
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if n := a.Config.Docker.Network; n != "" {
		if err := a.Runtime.EnsureNetwork(ctx, n); err != nil {
			a.log.Warn("ensure docker network failed", "network", n, "error", err)
		}
	}
	if res, err := a.Reconciler.Reconcile(ctx); err != nil {
		a.log.Warn("startup reconcile failed", "error", err)
	} else if res.Changed() {
		a.log.Info("startup reconcile", "pruned", len(res.Pruned), "refreshed", len(res.Refreshed))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.Server.Start(); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error { return a.Reconciler.Run(gctx) })
	g.Go(func() error { return a.Reconciler.WatchStatus(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("starting graceful shutdown")
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(sctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		if !waitFor(sctx, a.Updater.Wait) {
			a.log.Warn("update still running at shutdown", "run_id", a.Updater.Status().RunID)
		}
		a.log.Info("server stopped gracefully")
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// waitFor runs wait and reports whether it returned before ctx ended.
func waitFor(ctx context.Context, wait func()) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close releases the runtime client and history sink.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", "error", err)
		}
	}
	a.closers = nil
}
