// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir is where state lives when data.dir is not configured.
// DEVFARM_HOME wins, then the invoking user's home under sudo, then $HOME.
func DefaultDataDir() string {
	if home := os.Getenv("DEVFARM_HOME"); home != "" {
		return home
	}
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		return filepath.Join("/home", sudoUser, ".devfarm")
	}
	return filepath.Join(os.Getenv("HOME"), ".devfarm")
}

// RegistryPath is the environment registry document.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.Data.Dir, "environments.json")
}

// SettingsPath is the user-editable settings document (secrets, 0600).
func (c *Config) SettingsPath() string {
	return filepath.Join(c.Data.Dir, "farm.config")
}

// TokenPath is the GitHub token file written by the device flow (0600).
func (c *Config) TokenPath() string {
	return filepath.Join(c.Data.Dir, ".github_token")
}
