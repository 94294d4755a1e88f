// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite keeps runs in an embedded database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database named by dsn, which may
// carry a sqlite:// prefix.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	path := dsn
	if strings.HasPrefix(strings.ToLower(path), "sqlite://") {
		path = path[len("sqlite://"):]
	}
	if path == "" {
		return nil, fmt.Errorf("empty SQLite path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS update_runs(
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		success INTEGER NOT NULL,
		from_sha TEXT NOT NULL DEFAULT '',
		to_sha TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		rebuilt TEXT NOT NULL DEFAULT '[]',
		stages INTEGER NOT NULL DEFAULT 0
	);`)
	return err
}

func (s *SQLite) Record(ctx context.Context, run Run) error {
	rebuilt, err := json.Marshal(nonNil(run.Rebuilt))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO update_runs(id, kind, started_at, finished_at, success, from_sha, to_sha, error, rebuilt, stages)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		run.ID, run.Kind, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Success,
		run.FromSHA, run.ToSHA, run.Error, string(rebuilt), run.Stages)
	return err
}

func (s *SQLite) List(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, started_at, finished_at, success, from_sha, to_sha, error, rebuilt, stages
		FROM update_runs ORDER BY started_at DESC LIMIT ?;`, normLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var rebuilt string
		if err := rows.Scan(&r.ID, &r.Kind, &r.StartedAt, &r.FinishedAt, &r.Success,
			&r.FromSHA, &r.ToSHA, &r.Error, &rebuilt, &r.Stages); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rebuilt), &r.Rebuilt); err != nil {
			return nil, fmt.Errorf("decode rebuilt images for run %s: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
