// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package github resolves the GitHub token handed to environments, runs
// the OAuth device flow and queries the REST API for token status and
// repositories.
package github

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/devfarm/devfarm/internal/filesystem"
	"github.com/devfarm/devfarm/internal/settings"
)

// Token sources in precedence order.
const (
	SourceSettings = "settings"
	SourceFile     = "file"
	SourceEnv      = "env"
)

// TokenStore resolves the active token: the settings PAT, then the token
// file written by the device flow, then $GITHUB_TOKEN.
type TokenStore struct {
	settings *settings.Store
	path     string
	getenv   func(string) string
}

func NewTokenStore(st *settings.Store, tokenPath string) *TokenStore {
	return &TokenStore{settings: st, path: tokenPath, getenv: os.Getenv}
}

// Token returns the active token and where it came from; both are empty
// when no token is configured.
func (t *TokenStore) Token() (string, string) {
	if t.settings != nil {
		if st, err := t.settings.Load(); err == nil {
			if tok := strings.TrimSpace(st.GitHub.PersonalAccessToken); tok != "" {
				return tok, SourceSettings
			}
		}
	}
	if data, err := os.ReadFile(t.path); err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, SourceFile
		}
	}
	if tok := strings.TrimSpace(t.getenv("GITHUB_TOKEN")); tok != "" {
		return tok, SourceEnv
	}
	return "", ""
}

func (t *TokenStore) HasToken() bool {
	tok, _ := t.Token()
	return tok != ""
}

// Save writes the device-flow token file with 0600 permissions.
func (t *TokenStore) Save(token string) error {
	if err := filesystem.WriteFileAtomic(t.path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("save github token: %w", err)
	}
	return nil
}

// Clear removes the token file. A missing file is not an error.
func (t *TokenStore) Clear() error {
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove github token: %w", err)
	}
	return nil
}

// Disconnect removes the token file and blanks the settings PAT.
func (t *TokenStore) Disconnect() error {
	if err := t.Clear(); err != nil {
		return err
	}
	if t.settings == nil {
		return nil
	}
	return t.settings.ClearToken()
}
