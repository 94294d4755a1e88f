// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEVFARM_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8100, cfg.Docker.BasePort)
	assert.Equal(t, 8080, cfg.Docker.ServicePort)
	assert.Equal(t, "devfarm-", cfg.Docker.ContainerPrefix)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, 2*time.Second, cfg.Reconcile.StatusInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Probe.Timeout)
	assert.Equal(t, "dev-farm=true", cfg.Docker.Label)
	assert.Equal(t, "devfarm", cfg.Docker.Network)
	assert.Len(t, cfg.Update.Images, 3)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devfarm.yaml")
	content := `
server:
  listen_addr: ":9000"
docker:
  base_port: 9100
reconcile:
  interval: 45s
update:
  images:
    - type: only
      tag: example/only:latest
      patterns: ["only"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("DEVFARM_DATA_DIR", dir)
	t.Setenv("DEVFARM_DOCKER_BASE_PORT", "9200")
	t.Setenv("EXTERNAL_URL", "https://farm.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, 9200, cfg.Docker.BasePort)
	assert.Equal(t, 45*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, "https://farm.example.com", cfg.Server.ExternalURL)
	assert.Equal(t, filepath.Join(dir, "environments.json"), cfg.RegistryPath())
	require.Len(t, cfg.Update.Images, 1)
	assert.Equal(t, "only", cfg.Update.Images[0].Type)
}

func TestValidate(t *testing.T) {
	t.Setenv("DEVFARM_HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Docker.BasePort = 0
	cfg.Update.Images = append(cfg.Update.Images, ImageBuild{Type: "code-server", Tag: "x"})
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docker.base_port")
	assert.Contains(t, err.Error(), "duplicate type")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
