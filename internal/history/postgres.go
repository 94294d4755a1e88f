// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package history

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Postgres keeps runs in a shared PostgreSQL database.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres migrates the schema and connects a small pool.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if err := RunMigrations(databaseURL); err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// RunMigrations applies the embedded migrations.
func RunMigrations(databaseURL string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, run Run) error {
	rebuilt, err := json.Marshal(nonNil(run.Rebuilt))
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO update_runs (id, kind, started_at, finished_at, success, from_sha, to_sha, error, rebuilt, stages)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			success = EXCLUDED.success,
			to_sha = EXCLUDED.to_sha,
			error = EXCLUDED.error,
			rebuilt = EXCLUDED.rebuilt,
			stages = EXCLUDED.stages
	`, run.ID, run.Kind, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Success,
		run.FromSHA, run.ToSHA, run.Error, rebuilt, run.Stages)
	return err
}

func (p *Postgres) List(ctx context.Context, limit int) ([]Run, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, kind, started_at, finished_at, success, from_sha, to_sha, error, rebuilt, stages
		FROM update_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, normLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var rebuilt []byte
		if err := rows.Scan(&r.ID, &r.Kind, &r.StartedAt, &r.FinishedAt, &r.Success,
			&r.FromSHA, &r.ToSHA, &r.Error, &rebuilt, &r.Stages); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(rebuilt, &r.Rebuilt); err != nil {
			return nil, fmt.Errorf("decode rebuilt images for run %s: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
