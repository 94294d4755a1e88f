// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package api serves the dashboard's HTTP endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/devfarm/devfarm/internal/config"
	"github.com/devfarm/devfarm/internal/environment"
	"github.com/devfarm/devfarm/internal/events"
	"github.com/devfarm/devfarm/internal/github"
	"github.com/devfarm/devfarm/internal/history"
	"github.com/devfarm/devfarm/internal/metrics"
	"github.com/devfarm/devfarm/internal/models"
	"github.com/devfarm/devfarm/internal/reconcile"
	"github.com/devfarm/devfarm/internal/runtime"
	"github.com/devfarm/devfarm/internal/settings"
	"github.com/devfarm/devfarm/internal/sshcheck"
	"github.com/devfarm/devfarm/internal/update"
)

// Environments is the environment CRUD surface.
type Environments interface {
	List(ctx context.Context, host string) ([]environment.Summary, error)
	Hierarchy(ctx context.Context) ([]*models.TreeNode, error)
	Create(ctx context.Context, req environment.CreateRequest, host string) (environment.Created, error)
	Delete(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (environment.Status, error)
	Logs(ctx context.Context, id string, tail int) (environment.Logs, error)
	Images(ctx context.Context) ([]runtime.Image, error)
}

// Maintenance covers orphan cleanup and registry recovery.
type Maintenance interface {
	FindOrphans(ctx context.Context) ([]reconcile.OrphanedResource, error)
	CleanupOrphans(ctx context.Context, ids []string, stopTimeout time.Duration) (reconcile.CleanupResult, error)
	RecoverRegistry(ctx context.Context) ([]string, error)
}

// Updater is the self-update orchestrator.
type Updater interface {
	Start(ctx context.Context, so update.StartOptions) error
	StartBuild(ctx context.Context, imageType string) error
	Status() update.Progress
	SystemStatus(ctx context.Context) (update.SystemStatus, error)
	Images() []config.ImageBuild
}

// Events is the broadcaster the stream endpoints subscribe to.
type Events interface {
	Subscribe() *events.Subscription
	Unsubscribe(sub *events.Subscription)
	Count() int
}

// Pinger reports whether the container runtime is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RegistryReader counts tracked environments for /health.
type RegistryReader interface {
	Load() (models.Registry, error)
}

// Tokens resolves and stores the GitHub token.
type Tokens interface {
	Token() (string, string)
	Clear() error
	Disconnect() error
}

// GitHubAPI queries GitHub on behalf of the active token.
type GitHubAPI interface {
	Status(ctx context.Context, token, source string) github.TokenStatus
	Repos(ctx context.Context, token string) ([]github.Repo, error)
}

// DeviceFlow is the OAuth device authorization.
type DeviceFlow interface {
	Start(ctx context.Context) (github.DeviceCode, error)
	Poll() github.PollResult
	Cancel()
}

// SettingsStore reads and edits the user settings.
type SettingsStore interface {
	Load() (settings.Settings, error)
	UpdateGitHub(u settings.GitHubUpdate) (settings.Settings, error)
}

// SSHChecker tests an ssh target.
type SSHChecker interface {
	Check(ctx context.Context, t sshcheck.Target) error
}

// Deps are the collaborators behind the handlers. Environments, Registry
// and Runtime are required; routes whose dependency is nil answer 503.
type Deps struct {
	Environments Environments
	Maintenance  Maintenance
	Updater      Updater
	History      history.Sink
	Events       Events
	Runtime      Pinger
	Registry     RegistryReader
	Tokens       Tokens
	GitHub       GitHubAPI
	Device       DeviceFlow
	Settings     SettingsStore
	SSH          SSHChecker
}

// Options configures the HTTP server.
type Options struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	StopTimeout    time.Duration
	Heartbeat      time.Duration
	MetricsEnabled bool
}

// OptionsFromConfig maps the server section onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ListenAddr:     cfg.Server.ListenAddr,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		RequestTimeout: cfg.Server.RequestTimeout,
		StopTimeout:    cfg.Docker.StopTimeout,
		MetricsEnabled: cfg.Metrics.Enabled,
	}
}

// Server represents the HTTP API server
type Server struct {
	router     *chi.Mux
	deps       Deps
	opts       Options
	log        *slog.Logger
	httpServer *http.Server

	// done ends open streams on shutdown; they never go idle on their own.
	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates a new API server instance
func NewServer(deps Deps, opts Options, logger *slog.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = events.HeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.History == nil {
		deps.History = history.Noop{}
	}

	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		opts:   opts,
		log:    logger,
		done:   make(chan struct{}),
	}

	s.setupMiddleware()
	s.setupRoutes()

	// WriteTimeout stays as configured (0 by default) so streams are not cut.
	s.httpServer = &http.Server{
		Addr:         opts.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return s
}

// setupMiddleware configures global middleware
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Streams live outside the request timeout.
	s.router.Get("/api/stream", s.handleStream)
	s.router.Get("/api/stream/ws", s.handleStreamWS)

	if s.opts.MetricsEnabled {
		s.router.Handle("/metrics", metrics.Handler())
	}

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Get("/health", s.handleHealth)

		r.Post("/create", s.handleCreate)
		r.Post("/delete/{id}", s.handleDelete)
		r.Post("/start/{id}", s.handleStart)
		r.Post("/stop/{id}", s.handleStop)
		r.Post("/restart/{id}", s.handleRestart)

		r.Route("/api", func(r chi.Router) {
			r.Get("/environments", s.handleListEnvironments)
			r.Get("/environments/hierarchy", s.handleHierarchy)
			r.Route("/environments/{id}", func(env chi.Router) {
				env.Post("/restart", s.handleRestart)
				env.Get("/status", s.handleEnvironmentStatus)
				env.Get("/logs", s.handleEnvironmentLogs)
			})

			r.Route("/system", func(sys chi.Router) {
				sys.Get("/status", s.handleSystemStatus)
				sys.Get("/orphans", s.handleOrphans)
				sys.Post("/cleanup-orphans", s.handleCleanupOrphans)
				sys.Post("/recover-registry", s.handleRecoverRegistry)
				sys.Post("/update/start", s.handleUpdateStart)
				sys.Get("/update/status", s.handleUpdateStatus)
				sys.Get("/update/history", s.handleUpdateHistory)
			})

			r.Get("/images", s.handleImages)
			r.Post("/images/build", s.handleImageBuild)

			r.Get("/config/github", s.handleGetGitHubConfig)
			r.Post("/config/github", s.handleUpdateGitHubConfig)

			r.Route("/github", func(gh chi.Router) {
				gh.Get("/status", s.handleGitHubStatus)
				gh.Get("/repos", s.handleGitHubRepos)
				gh.Post("/auth/start", s.handleDeviceStart)
				gh.Post("/auth/poll", s.handleDevicePoll)
				gh.Post("/auth/logout", s.handleGitHubLogout)
				gh.Post("/disconnect", s.handleGitHubDisconnect)
			})

			r.Post("/ssh/test", s.handleSSHTest)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info("dashboard listening", "addr", s.opts.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	return s.httpServer.Shutdown(ctx)
}

// Router returns the underlying router (useful for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
