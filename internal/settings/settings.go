// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package settings stores the user-editable farm configuration: GitHub
// credentials and API keys handed to environments.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/devfarm/devfarm/internal/filesystem"
	"github.com/devfarm/devfarm/internal/models"
)

// GitHub holds the personal credentials used inside environments.
type GitHub struct {
	PersonalAccessToken string `json:"personal_access_token"`
	Username            string `json:"username"`
	Email               string `json:"email"`
}

// MCP holds API keys for tool servers running in environments.
type MCP struct {
	APIKeys map[string]string `json:"api_keys,omitempty"`
}

// Settings is the farm.config document.
type Settings struct {
	GitHub GitHub `json:"github"`
	MCP    MCP    `json:"mcp"`
}

// APIKey returns a named MCP key, or "".
func (s Settings) APIKey(name string) string {
	return s.MCP.APIKeys[name]
}

// ValidToken reports whether a personal access token has a GitHub prefix.
func ValidToken(token string) bool {
	for _, prefix := range []string{"ghp_", "github_pat_", "gho_", "ghu_"} {
		if strings.HasPrefix(token, prefix) && len(token) > len(prefix) {
			return true
		}
	}
	return false
}

// Store reads and writes the settings file with 0600 permissions.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load returns empty settings when the file does not exist.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Settings, error) {
	var st Settings
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("read settings: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	return st, nil
}

func (s *Store) Save(st Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(st)
}

func (s *Store) save(st Settings) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return filesystem.WriteFileAtomic(s.path, data, 0o600)
}

// GitHubUpdate is a partial update; nil fields are left unchanged.
type GitHubUpdate struct {
	PersonalAccessToken *string `json:"personal_access_token"`
	Username            *string `json:"username"`
	Email               *string `json:"email"`
}

// UpdateGitHub applies u under the store lock. A non-empty token must look
// like a GitHub token.
func (s *Store) UpdateGitHub(u GitHubUpdate) (Settings, error) {
	if u.PersonalAccessToken != nil {
		tok := strings.TrimSpace(*u.PersonalAccessToken)
		if tok != "" && !ValidToken(tok) {
			return Settings{}, fmt.Errorf("%w: Invalid token format", models.ErrInvalid)
		}
		u.PersonalAccessToken = &tok
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return st, err
	}
	if u.PersonalAccessToken != nil {
		st.GitHub.PersonalAccessToken = *u.PersonalAccessToken
	}
	if u.Username != nil {
		st.GitHub.Username = strings.TrimSpace(*u.Username)
	}
	if u.Email != nil {
		st.GitHub.Email = strings.TrimSpace(*u.Email)
	}
	return st, s.save(st)
}

// ClearToken blanks the stored personal access token.
func (s *Store) ClearToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	st.GitHub.PersonalAccessToken = ""
	return s.save(st)
}
