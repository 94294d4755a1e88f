// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package config loads the dashboard configuration from defaults, an
// optional file and DEVFARM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/devfarm/devfarm/internal/models"
)

// Config holds all configuration for the dashboard.
type Config struct {
	Server    ServerConfig       `mapstructure:"server" yaml:"server"`
	Data      DataConfig         `mapstructure:"data" yaml:"data"`
	Docker    DockerConfig       `mapstructure:"docker" yaml:"docker"`
	Reconcile ReconcileConfig    `mapstructure:"reconcile" yaml:"reconcile"`
	Probe     ProbeConfig        `mapstructure:"probe" yaml:"probe"`
	Update    UpdateConfig       `mapstructure:"update" yaml:"update"`
	GitHub    GitHubConfig       `mapstructure:"github" yaml:"github"`
	Paths     models.PathAliases `mapstructure:"paths" yaml:"paths"`
	History   HistoryConfig      `mapstructure:"history" yaml:"history"`
	Log       LogConfig          `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ExternalURL    string        `mapstructure:"external_url" yaml:"external_url"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

type DataConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// DockerConfig describes the containers the dashboard manages.
type DockerConfig struct {
	Host               string        `mapstructure:"host" yaml:"host"`
	Image              string        `mapstructure:"image" yaml:"image"`
	TerminalImage      string        `mapstructure:"terminal_image" yaml:"terminal_image"`
	ContainerPrefix    string        `mapstructure:"container_prefix" yaml:"container_prefix"`
	Label              string        `mapstructure:"label" yaml:"label"`
	BasePort           int           `mapstructure:"base_port" yaml:"base_port"`
	ServicePort        int           `mapstructure:"service_port" yaml:"service_port"`
	Network            string        `mapstructure:"network" yaml:"network"`
	WorkspaceMount     string        `mapstructure:"workspace_mount" yaml:"workspace_mount"`
	RestartPolicy      string        `mapstructure:"restart_policy" yaml:"restart_policy"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	HelperContainer    string        `mapstructure:"helper_container" yaml:"helper_container"`
	DashboardContainer string        `mapstructure:"dashboard_container" yaml:"dashboard_container"`
}

type ReconcileConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	StatusInterval time.Duration `mapstructure:"status_interval" yaml:"status_interval"`
}

type ProbeConfig struct {
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	LocalHost string        `mapstructure:"local_host" yaml:"local_host"`
}

// UpdateConfig drives the self-update pipeline.
type UpdateConfig struct {
	RepoPath       string        `mapstructure:"repo_path" yaml:"repo_path"`
	HelperRepoPath string        `mapstructure:"helper_repo_path" yaml:"helper_repo_path"`
	Remote         string        `mapstructure:"remote" yaml:"remote"`
	Branch         string        `mapstructure:"branch" yaml:"branch"`
	GitTimeout     time.Duration `mapstructure:"git_timeout" yaml:"git_timeout"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	BuildTimeout   time.Duration `mapstructure:"build_timeout" yaml:"build_timeout"`
	ComposeFile    string        `mapstructure:"compose_file" yaml:"compose_file"`
	ComposeService string        `mapstructure:"compose_service" yaml:"compose_service"`
	HealthURL      string        `mapstructure:"health_url" yaml:"health_url"`
	HealthAttempts int           `mapstructure:"health_attempts" yaml:"health_attempts"`
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
	Images         []ImageBuild  `mapstructure:"images" yaml:"images"`
}

// ImageBuild describes one image the update pipeline can rebuild.
// Patterns use .dockerignore syntax relative to the repository root.
type ImageBuild struct {
	Type       string   `mapstructure:"type" yaml:"type" json:"type"`
	Tag        string   `mapstructure:"tag" yaml:"tag" json:"tag"`
	Context    string   `mapstructure:"context" yaml:"context" json:"context"`
	Dockerfile string   `mapstructure:"dockerfile" yaml:"dockerfile" json:"dockerfile"`
	Patterns   []string `mapstructure:"patterns" yaml:"patterns" json:"patterns"`
}

type GitHubConfig struct {
	ClientID string   `mapstructure:"client_id" yaml:"client_id"`
	Scopes   []string `mapstructure:"scopes" yaml:"scopes"`
	APIURL   string   `mapstructure:"api_url" yaml:"api_url"`
}

// HistoryConfig selects the update history sink: sqlite://path,
// postgres://... or empty for none.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultImages is the build table used when none is configured.
func DefaultImages() []ImageBuild {
	return []ImageBuild{
		{
			Type:       "code-server",
			Tag:        "dev-farm/code-server:latest",
			Context:    ".",
			Dockerfile: "docker/Dockerfile.code-server",
			Patterns:   []string{"docker/Dockerfile.code-server", "docker/config", "docker/scripts"},
		},
		{
			Type:       "terminal",
			Tag:        "dev-farm/terminal:latest",
			Context:    ".",
			Dockerfile: "docker/Dockerfile.terminal",
			Patterns:   []string{"docker/Dockerfile.terminal", "docker/terminal"},
		},
		{
			Type:       "dashboard",
			Tag:        "dev-farm/dashboard:latest",
			Context:    ".",
			Dockerfile: "dashboard/Dockerfile",
			Patterns:   []string{"dashboard", "go.mod", "go.sum", "cmd", "internal"},
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":5000")
	v.SetDefault("server.external_url", "")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)

	v.SetDefault("data.dir", DefaultDataDir())

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.image", "dev-farm/code-server:latest")
	v.SetDefault("docker.terminal_image", "dev-farm/terminal:latest")
	v.SetDefault("docker.container_prefix", "devfarm-")
	v.SetDefault("docker.label", "dev-farm=true")
	v.SetDefault("docker.base_port", 8100)
	v.SetDefault("docker.service_port", 8080)
	v.SetDefault("docker.network", "devfarm")
	v.SetDefault("docker.workspace_mount", "/home/coder/workspace")
	v.SetDefault("docker.restart_policy", "unless-stopped")
	v.SetDefault("docker.stop_timeout", 10*time.Second)
	v.SetDefault("docker.helper_container", "devfarm-updater")
	v.SetDefault("docker.dashboard_container", "devfarm-dashboard")

	v.SetDefault("reconcile.interval", 30*time.Second)
	v.SetDefault("reconcile.status_interval", 2*time.Second)

	v.SetDefault("probe.timeout", 1500*time.Millisecond)
	v.SetDefault("probe.local_host", "localhost")

	v.SetDefault("update.repo_path", "/opt/dev-farm")
	v.SetDefault("update.helper_repo_path", "/opt/dev-farm")
	v.SetDefault("update.remote", "origin")
	v.SetDefault("update.branch", "main")
	v.SetDefault("update.git_timeout", 30*time.Second)
	v.SetDefault("update.fetch_timeout", 60*time.Second)
	v.SetDefault("update.build_timeout", 15*time.Minute)
	v.SetDefault("update.compose_file", "docker-compose.yml")
	v.SetDefault("update.compose_service", "dashboard")
	v.SetDefault("update.health_url", "http://localhost:5000/health")
	v.SetDefault("update.health_attempts", 30)
	v.SetDefault("update.health_interval", 2*time.Second)

	v.SetDefault("github.client_id", "")
	v.SetDefault("github.scopes", []string{"repo", "read:user", "user:email"})
	v.SetDefault("github.api_url", "https://api.github.com")

	v.SetDefault("paths.workspace", "")
	v.SetDefault("paths.remote", "")
	v.SetDefault("paths.repo", "")

	v.SetDefault("history.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.enabled", true)
}

// Load reads configuration. path may be empty; environment variables
// prefixed DEVFARM_ override file values (server.listen_addr becomes
// DEVFARM_SERVER_LISTEN_ADDR).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DEVFARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment names used by earlier deployments.
	_ = v.BindEnv("server.external_url", "DEVFARM_SERVER_EXTERNAL_URL", "EXTERNAL_URL")
	_ = v.BindEnv("github.client_id", "DEVFARM_GITHUB_CLIENT_ID", "GITHUB_OAUTH_CLIENT_ID")
	_ = v.BindEnv("update.repo_path", "DEVFARM_UPDATE_REPO_PATH", "HOST_REPO_PATH")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Update.Images) == 0 {
		cfg.Update.Images = DefaultImages()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if c.Data.Dir == "" {
		errs = append(errs, errors.New("data.dir is required"))
	}
	if c.Docker.Image == "" {
		errs = append(errs, errors.New("docker.image is required"))
	}
	if c.Docker.Label == "" {
		errs = append(errs, errors.New("docker.label is required"))
	}
	if c.Docker.BasePort < 1 || c.Docker.BasePort > 65535 {
		errs = append(errs, fmt.Errorf("docker.base_port %d out of range", c.Docker.BasePort))
	}
	if c.Docker.ServicePort < 1 || c.Docker.ServicePort > 65535 {
		errs = append(errs, fmt.Errorf("docker.service_port %d out of range", c.Docker.ServicePort))
	}
	if c.Reconcile.Interval <= 0 || c.Reconcile.StatusInterval <= 0 {
		errs = append(errs, errors.New("reconcile intervals must be positive"))
	}
	if c.Probe.Timeout <= 0 {
		errs = append(errs, errors.New("probe.timeout must be positive"))
	}
	if c.Update.HealthAttempts < 1 {
		errs = append(errs, errors.New("update.health_attempts must be at least 1"))
	}
	seen := map[string]bool{}
	for _, img := range c.Update.Images {
		if img.Type == "" || img.Tag == "" {
			errs = append(errs, errors.New("update.images entries need type and tag"))
			continue
		}
		if seen[img.Type] {
			errs = append(errs, fmt.Errorf("update.images: duplicate type %q", img.Type))
		}
		seen[img.Type] = true
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
