// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package history persists finished update and build runs.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultLimit bounds List when the caller passes zero.
const DefaultLimit = 20

// Run is the summary of one finished update or build.
type Run struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	FromSHA    string    `json:"from_sha,omitempty"`
	ToSHA      string    `json:"to_sha,omitempty"`
	Error      string    `json:"error,omitempty"`
	Rebuilt    []string  `json:"rebuilt"`
	Stages     int       `json:"stages"`
}

// Sink stores and lists runs, newest first.
type Sink interface {
	Record(ctx context.Context, run Run) error
	List(ctx context.Context, limit int) ([]Run, error)
	Close() error
}

// Open selects a sink from the DSN scheme:
//   - ""                      history disabled
//   - "sqlite:///path/x.db"   embedded SQLite file
//   - "postgres://..."        PostgreSQL, migrated on open
func Open(ctx context.Context, dsn string) (Sink, error) {
	dsn = strings.TrimSpace(dsn)
	lower := strings.ToLower(dsn)
	switch {
	case dsn == "":
		return Noop{}, nil
	case strings.HasPrefix(lower, "sqlite://"):
		return NewSQLite(ctx, dsn)
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported history DSN %q", dsn)
	}
}

// Noop discards runs.
type Noop struct{}

func (Noop) Record(context.Context, Run) error { return nil }
func (Noop) List(context.Context, int) ([]Run, error) { return []Run{}, nil }
func (Noop) Close() error { return nil }

func normLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
