// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package registry persists environment records in a single JSON file.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/devfarm/devfarm/internal/events"
	"github.com/devfarm/devfarm/internal/filesystem"
	"github.com/devfarm/devfarm/internal/metrics"
	"github.com/devfarm/devfarm/internal/models"
)

const lockTimeout = 30 * time.Second

// Publisher receives a notification after every successful save.
type Publisher interface {
	Publish(eventType string, data any)
}

// Store reads and writes the registry file. Every call goes to disk; there
// is no cache between calls.
type Store struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
	pub  Publisher
	log  *slog.Logger
}

// NewStore returns a store backed by path. pub may be nil.
func NewStore(path string, pub Publisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
		pub:  pub,
		log:  logger,
	}
}

// Path returns the registry file location.
func (s *Store) Path() string { return s.path }

// Load reads the whole registry. A missing file is an empty registry.
func (s *Store) Load() (models.Registry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.Registry{}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	reg := models.Registry{}
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", s.path, err)
	}
	if reg == nil {
		reg = models.Registry{}
	}
	for id, rec := range reg {
		if rec == nil {
			delete(reg, id)
			continue
		}
		if rec.ID == "" {
			rec.ID = id
		}
		if rec.Children == nil {
			rec.Children = []string{}
		}
	}
	return reg, nil
}

// Get returns one record or models.ErrNotFound.
func (s *Store) Get(id string) (*models.EnvironmentRecord, error) {
	reg, err := s.Load()
	if err != nil {
		return nil, err
	}
	rec, ok := reg[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return rec, nil
}

// Save replaces the registry file with reg.
func (s *Store) Save(ctx context.Context, reg models.Registry) error {
	return s.withLock(ctx, func() error {
		return s.write(reg)
	})
}

// Update runs fn on a freshly loaded registry while holding the process
// mutex and the file lock. The registry is written, and a change announced,
// only when fn reports a change. An error from fn leaves the file untouched.
func (s *Store) Update(ctx context.Context, fn func(models.Registry) (bool, error)) error {
	return s.withLock(ctx, func() error {
		reg, err := s.Load()
		if err != nil {
			return err
		}
		changed, err := fn(reg)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return s.write(reg)
	})
}

// Backup copies the current registry file next to itself with a .bak suffix.
func (s *Store) Backup(ctx context.Context) (string, error) {
	dst := s.path + ".bak"
	err := s.withLock(ctx, func() error {
		return filesystem.CopyFile(s.path, dst)
	})
	return dst, err
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := s.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("registry lock timeout after %v", lockTimeout)
	}
	defer s.lock.Unlock()

	return fn()
}

func (s *Store) write(reg models.Registry) error {
	if reg == nil {
		reg = models.Registry{}
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := filesystem.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	metrics.IncRegistryWrite()
	s.log.Debug("registry saved", "path", s.path, "environments", len(reg))
	if s.pub != nil {
		s.pub.Publish(events.TypeRegistryUpdate, map[string]any{
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
			"environments": len(reg),
		})
	}
	return nil
}
