// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func sampleRuns() []Run {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []Run{
		{ID: "r1", Kind: "update", StartedAt: base, FinishedAt: base.Add(time.Minute), Success: true,
			FromSHA: "aaaaaaa", ToSHA: "bbbbbbb", Rebuilt: []string{"dashboard"}, Stages: 12},
		{ID: "r2", Kind: "build", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour + time.Minute),
			Error: "build:terminal: exited 1", Stages: 3},
	}
}

func exerciseSink(t *testing.T, sink Sink) {
	t.Helper()
	ctx := context.Background()
	for _, r := range sampleRuns() {
		require.NoError(t, sink.Record(ctx, r))
	}

	runs, err := sink.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	assert.False(t, runs[0].Success)
	assert.Equal(t, "build:terminal: exited 1", runs[0].Error)
	assert.Empty(t, runs[0].Rebuilt)
	assert.Equal(t, "r1", runs[1].ID)
	assert.Equal(t, []string{"dashboard"}, runs[1].Rebuilt)
	assert.Equal(t, 12, runs[1].Stages)
	assert.True(t, runs[1].StartedAt.Equal(sampleRuns()[0].StartedAt))

	runs, err = sink.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLiteSink(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "nested", "history.db")
	sink, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	require.IsType(t, &SQLite{}, sink)
	exerciseSink(t, sink)
}

func TestSQLiteRecordReplacesSameID(t *testing.T) {
	ctx := context.Background()
	sink, err := NewSQLite(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	run := sampleRuns()[0]
	require.NoError(t, sink.Record(ctx, run))
	run.Success = false
	run.Error = "restart: exited 1"
	require.NoError(t, sink.Record(ctx, run))

	runs, err := sink.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "restart: exited 1", runs[0].Error)
}

func TestOpen(t *testing.T) {
	sink, err := Open(context.Background(), "")
	require.NoError(t, err)
	assert.IsType(t, Noop{}, sink)
	runs, err := sink.List(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, err = Open(context.Background(), "mysql://root@localhost/db")
	assert.Error(t, err)
}

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	pg, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("devfarm"),
		postgres.WithUsername("devfarm"),
		postgres.WithPassword("devfarm"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := Open(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	require.IsType(t, &Postgres{}, sink)
	exerciseSink(t, sink)

	// migrations are idempotent
	require.NoError(t, RunMigrations(connStr))
}
