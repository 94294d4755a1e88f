// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package environment implements the create, delete and lifecycle
// operations behind the dashboard's environment endpoints.
package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devfarm/devfarm/internal/config"
	"github.com/devfarm/devfarm/internal/events"
	"github.com/devfarm/devfarm/internal/models"
	"github.com/devfarm/devfarm/internal/reconcile"
	"github.com/devfarm/devfarm/internal/runtime"
	"github.com/devfarm/devfarm/internal/settings"
	"github.com/devfarm/devfarm/internal/sshcheck"
)

// Store is the registry access the manager needs.
type Store interface {
	Load() (models.Registry, error)
	Get(id string) (*models.EnvironmentRecord, error)
	Update(ctx context.Context, fn func(models.Registry) (bool, error)) error
}

// Reconciler is run before listing so the list reflects the runtime.
type Reconciler interface {
	Reconcile(ctx context.Context) (reconcile.Result, error)
}

// ReadinessChecker probes whether an environment is serving.
type ReadinessChecker interface {
	IsReady(ctx context.Context, containerName string, fallbackPort int) bool
}

// Publisher receives status change notifications.
type Publisher interface {
	Publish(eventType string, data any)
}

// TokenSource yields the GitHub token passed into environments.
type TokenSource interface {
	Token() (token, source string)
}

// SettingsSource yields the user-editable settings.
type SettingsSource interface {
	Load() (settings.Settings, error)
}

// SSHChecker verifies an ssh-mode target before creating its container.
type SSHChecker interface {
	Check(ctx context.Context, t sshcheck.Target) error
}

// Deps are the collaborators of a Manager. Everything but Runtime and
// Store is optional.
type Deps struct {
	Runtime    runtime.Runtime
	Store      Store
	Reconciler Reconciler
	Prober     ReadinessChecker
	Publisher  Publisher
	Tokens     TokenSource
	Settings   SettingsSource
	SSH        SSHChecker
}

// Options controls how environment containers are built.
type Options struct {
	Image           string
	TerminalImage   string
	ContainerPrefix string
	Label           string
	BasePort        int
	ServicePort     int
	Network         string
	WorkspaceMount  string
	RestartPolicy   string
	StopTimeout     time.Duration
	ExternalURL     string
	Paths           models.PathAliases
	// PreflightSSH dials ssh-mode targets before creating the container.
	PreflightSSH bool
	// ReservedContainers are names owned by the dashboard itself.
	ReservedContainers []string
}

// OptionsFromConfig maps the docker, server and paths sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Image:           cfg.Docker.Image,
		TerminalImage:   cfg.Docker.TerminalImage,
		ContainerPrefix: cfg.Docker.ContainerPrefix,
		Label:           cfg.Docker.Label,
		BasePort:        cfg.Docker.BasePort,
		ServicePort:     cfg.Docker.ServicePort,
		Network:         cfg.Docker.Network,
		WorkspaceMount:  cfg.Docker.WorkspaceMount,
		RestartPolicy:   cfg.Docker.RestartPolicy,
		StopTimeout:     cfg.Docker.StopTimeout,
		ExternalURL:     cfg.Server.ExternalURL,
		Paths:           cfg.Paths,
		PreflightSSH:    true,
		ReservedContainers: []string{
			cfg.Docker.DashboardContainer,
			cfg.Docker.HelperContainer,
		},
	}
}

// Manager owns environment lifecycles. Registry writes go through the
// store's locked Update; runtime calls happen outside it.
type Manager struct {
	deps Deps
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu            sync.Mutex
	reservedIDs   map[string]bool
	reservedPorts map[int]bool
}

func NewManager(deps Deps, opts Options, logger *slog.Logger) *Manager {
	if opts.ContainerPrefix == "" {
		opts.ContainerPrefix = "devfarm-"
	}
	if opts.BasePort == 0 {
		opts.BasePort = 8100
	}
	if opts.ServicePort == 0 {
		opts.ServicePort = 8080
	}
	if opts.WorkspaceMount == "" {
		opts.WorkspaceMount = "/home/coder/workspace"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:          deps,
		opts:          opts,
		log:           logger,
		now:           time.Now,
		reservedIDs:   map[string]bool{},
		reservedPorts: map[int]bool{},
	}
}

// ContainerName is the runtime name of an environment's container and
// workspace volume.
func (m *Manager) ContainerName(id string) string {
	return m.opts.ContainerPrefix + id
}

// CreateRequest is the body of a create call.
type CreateRequest struct {
	Name        string `json:"name"`
	Project     string `json:"project"`
	Mode        string `json:"mode"`
	GitURL      string `json:"git_url"`
	SSHHost     string `json:"ssh_host"`
	SSHPort     int    `json:"ssh_port"`
	SSHUser     string `json:"ssh_user"`
	SSHPath     string `json:"ssh_path"`
	SSHPassword string `json:"ssh_password"`
	ParentEnvID string `json:"parent_env_id"`
}

// Created describes a new environment.
type Created struct {
	ID          string `json:"id"`
	ContainerID string `json:"container_id"`
	Port        int    `json:"port"`
	URL         string `json:"url"`
}

// Create validates req, starts a container and records it. host is the
// request host used to build the URL when no external URL is configured.
func (m *Manager) Create(ctx context.Context, req CreateRequest, host string) (Created, error) {
	mode, err := models.ParseMode(req.Mode)
	if err != nil {
		return Created{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = models.DefaultEnvName(m.now())
	}
	id := models.Kebabify(name)
	if id == "" {
		return Created{}, fmt.Errorf("%w: name %q has no usable characters", models.ErrInvalid, name)
	}
	if slices.Contains(m.opts.ReservedContainers, m.ContainerName(id)) {
		return Created{}, fmt.Errorf("%w: name %q is reserved", models.ErrInvalid, id)
	}
	if err := validateMode(mode, req); err != nil {
		return Created{}, err
	}

	if mode == models.ModeSSH && m.opts.PreflightSSH && m.deps.SSH != nil {
		target := sshcheck.Target{Host: req.SSHHost, Port: req.SSHPort, User: req.SSHUser, Password: req.SSHPassword, Path: req.SSHPath}
		if err := m.deps.SSH.Check(ctx, target); err != nil {
			return Created{}, fmt.Errorf("%w: ssh preflight failed: %v", models.ErrInvalid, err)
		}
	}

	port, release, err := m.reserve(id, req.ParentEnvID)
	if err != nil {
		return Created{}, err
	}
	defer release()

	image := m.opts.Image
	if mode == models.ModeTerminal && m.opts.TerminalImage != "" {
		image = m.opts.TerminalImage
	}
	ok, err := m.deps.Runtime.ImageExists(ctx, image)
	if err != nil {
		return Created{}, err
	}
	if !ok {
		return Created{}, fmt.Errorf("image %s not found; build it from the images page first", image)
	}

	if m.opts.Network != "" {
		if err := m.deps.Runtime.EnsureNetwork(ctx, m.opts.Network); err != nil {
			return Created{}, err
		}
	}

	spec := m.containerSpec(id, name, mode, port, image, req)
	containerID, err := m.deps.Runtime.Create(ctx, spec)
	if err != nil {
		return Created{}, fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	rec := &models.EnvironmentRecord{
		ID:          id,
		DisplayName: name,
		ContainerID: containerID,
		Port:        port,
		Mode:        mode,
		CreatedAt:   m.now().UTC(),
		Project:     strings.TrimSpace(req.Project),
		ParentEnvID: req.ParentEnvID,
		Children:    []string{},
		Status:      models.StatusStarting,
	}
	switch mode {
	case models.ModeGit:
		rec.GitURL = req.GitURL
	case models.ModeSSH:
		rec.SSHHost, rec.SSHUser, rec.SSHPath, rec.SSHPassword = req.SSHHost, req.SSHUser, req.SSHPath, req.SSHPassword
	}

	err = m.deps.Store.Update(ctx, func(reg models.Registry) (bool, error) {
		if _, exists := reg[id]; exists {
			return false, fmt.Errorf("%w: %s", models.ErrAlreadyExists, id)
		}
		reg[id] = rec
		if parent, ok := reg[rec.ParentEnvID]; ok {
			parent.Children = append(parent.Children, id)
		} else {
			rec.ParentEnvID = ""
		}
		return true, nil
	})
	if err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		if rmErr := m.deps.Runtime.Remove(cleanupCtx, containerID, true); rmErr != nil {
			m.log.Warn("remove container after failed registry write", "env_id", id, "error", rmErr)
		}
		if rmErr := m.deps.Runtime.RemoveVolume(cleanupCtx, m.ContainerName(id), true); rmErr != nil && !errors.Is(rmErr, runtime.ErrNotFound) {
			m.log.Warn("remove volume after failed registry write", "env_id", id, "error", rmErr)
		}
		return Created{}, err
	}

	m.log.Info("environment created", "env_id", id, "mode", mode, "port", port, "container_id", shortID(containerID))
	return Created{ID: id, ContainerID: containerID, Port: port, URL: m.URL(rec, host)}, nil
}

func validateMode(mode models.Mode, req CreateRequest) error {
	switch mode {
	case models.ModeGit:
		if strings.TrimSpace(req.GitURL) == "" {
			return fmt.Errorf("%w: git_url is required for git mode", models.ErrInvalid)
		}
	case models.ModeSSH:
		if strings.TrimSpace(req.SSHHost) == "" {
			return fmt.Errorf("%w: ssh_host is required for ssh mode", models.ErrInvalid)
		}
	}
	return nil
}

// reserve claims id and the next free port in memory so concurrent
// creates cannot collide while the container is being built.
func (m *Manager) reserve(id, parentID string) (int, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.deps.Store.Load()
	if err != nil {
		return 0, nil, err
	}
	if _, exists := reg[id]; exists || m.reservedIDs[id] {
		return 0, nil, fmt.Errorf("%w: %s", models.ErrAlreadyExists, id)
	}
	if parentID != "" {
		if _, ok := reg[parentID]; !ok {
			return 0, nil, fmt.Errorf("%w: parent environment %q not found", models.ErrInvalid, parentID)
		}
	}

	port := reg.NextPort(m.opts.BasePort, m.reservedPorts)
	m.reservedIDs[id] = true
	m.reservedPorts[port] = true

	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.reservedIDs, id)
		delete(m.reservedPorts, port)
	}
	return port, release, nil
}

func (m *Manager) containerSpec(id, name string, mode models.Mode, port int, image string, req CreateRequest) runtime.ContainerSpec {
	var st settings.Settings
	if m.deps.Settings != nil {
		loaded, err := m.deps.Settings.Load()
		if err != nil {
			m.log.Warn("load settings for new environment", "env_id", id, "error", err)
		} else {
			st = loaded
		}
	}
	token := ""
	if m.deps.Tokens != nil {
		token, _ = m.deps.Tokens.Token()
	}
	if token == "" {
		m.log.Warn("no GitHub token configured; environment will not be authenticated", "env_id", id)
	}
	email := st.GitHub.Email
	if email == "" && st.GitHub.Username != "" {
		email = st.GitHub.Username + "@users.noreply.github.com"
	}

	env := map[string]string{
		"GITHUB_TOKEN":     token,
		"GITHUB_USERNAME":  st.GitHub.Username,
		"GITHUB_EMAIL":     email,
		"WORKSPACE_NAME":   name,
		"ENV_ID":           id,
		"DEV_MODE":         string(mode),
		"WORKSPACE_FOLDER": mode.WorkspaceFolder(m.opts.Paths),
	}
	if req.Project != "" {
		env["PROJECT"] = req.Project
	}
	if key := st.APIKey("brave_search"); key != "" {
		env["BRAVE_API_KEY"] = key
	}
	switch mode {
	case models.ModeGit:
		env["GIT_URL"] = req.GitURL
	case models.ModeSSH:
		env["SSH_HOST"] = req.SSHHost
		env["SSH_USER"] = req.SSHUser
		env["SSH_PATH"] = req.SSHPath
		if req.SSHPort != 0 {
			env["SSH_PORT"] = strconv.Itoa(req.SSHPort)
		}
		if req.SSHPassword != "" {
			env["SSH_PASSWORD"] = req.SSHPassword
		}
	}

	labels := map[string]string{
		models.LabelEnvID:       id,
		models.LabelMode:        string(mode),
		models.LabelDisplayName: name,
	}
	if key, value, ok := strings.Cut(m.opts.Label, "="); ok {
		labels[key] = value
	} else if m.opts.Label != "" {
		labels[m.opts.Label] = "true"
	}
	if req.Project != "" {
		labels[models.LabelProject] = req.Project
	}
	if req.ParentEnvID != "" {
		labels[models.LabelParent] = req.ParentEnvID
	}
	if mode == models.ModeGit {
		labels[models.LabelGitURL] = req.GitURL
	}

	return runtime.ContainerSpec{
		Name:          m.ContainerName(id),
		Image:         image,
		Env:           env,
		Labels:        labels,
		PortBindings:  map[int]int{m.opts.ServicePort: port},
		Volumes:       []runtime.VolumeMount{{Name: m.ContainerName(id), Target: m.opts.WorkspaceMount}},
		Network:       m.opts.Network,
		RestartPolicy: m.opts.RestartPolicy,
	}
}

// Delete stops and removes the container and workspace volume, then drops
// the record. A container that is already gone is not an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	rec, err := m.deps.Store.Get(id)
	if err != nil {
		return err
	}

	rt := m.deps.Runtime
	if rec.ContainerID != "" {
		if err := rt.Stop(ctx, rec.ContainerID, m.opts.StopTimeout); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return fmt.Errorf("stop %s: %w", id, err)
		}
		if err := rt.Remove(ctx, rec.ContainerID, true); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return fmt.Errorf("remove %s: %w", id, err)
		}
	}
	if err := rt.RemoveVolume(ctx, m.ContainerName(id), true); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		m.log.Warn("remove workspace volume", "env_id", id, "error", err)
	}

	err = m.deps.Store.Update(ctx, func(reg models.Registry) (bool, error) {
		if _, ok := reg[id]; !ok {
			return false, nil
		}
		reg.Detach(id)
		delete(reg, id)
		return true, nil
	})
	if err != nil {
		return err
	}
	m.log.Info("environment deleted", "env_id", id)
	return nil
}

// Start starts a stopped environment.
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.lifecycle(ctx, id, "start", func(cid string) error {
		return m.deps.Runtime.Start(ctx, cid)
	})
}

// Stop stops a running environment.
func (m *Manager) Stop(ctx context.Context, id string) error {
	return m.lifecycle(ctx, id, "stop", func(cid string) error {
		return m.deps.Runtime.Stop(ctx, cid, m.opts.StopTimeout)
	})
}

// Restart restarts an environment.
func (m *Manager) Restart(ctx context.Context, id string) error {
	return m.lifecycle(ctx, id, "restart", func(cid string) error {
		return m.deps.Runtime.Restart(ctx, cid, m.opts.StopTimeout)
	})
}

func (m *Manager) lifecycle(ctx context.Context, id, op string, fn func(containerID string) error) error {
	rec, err := m.deps.Store.Get(id)
	if err != nil {
		return err
	}
	if err := fn(rec.ContainerID); err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return fmt.Errorf("%w: container for %s not found", models.ErrNotFound, id)
		}
		return fmt.Errorf("%s %s: %w", op, id, err)
	}

	status := models.StatusUnknown
	if st, err := m.deps.Runtime.Get(ctx, rec.ContainerID); err == nil {
		status = st.Status
	}
	if err := m.setStatus(ctx, id, status); err != nil {
		m.log.Warn("record environment status", "env_id", id, "error", err)
	}
	if m.deps.Publisher != nil {
		m.deps.Publisher.Publish(events.TypeEnvStatus, map[string]any{
			"env_id": id,
			"status": status,
			"ready":  false,
		})
	}
	m.log.Info("environment "+op, "env_id", id, "status", status)
	return nil
}

func (m *Manager) setStatus(ctx context.Context, id, status string) error {
	return m.deps.Store.Update(ctx, func(reg models.Registry) (bool, error) {
		rec, ok := reg[id]
		if !ok || rec.Status == status {
			return false, nil
		}
		rec.Status = status
		return true, nil
	})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
