// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devfarm/devfarm/internal/update"
)

func TestEnsureScheme(t *testing.T) {
	assert.Equal(t, DefaultURL, EnsureScheme(""))
	assert.Equal(t, "http://farm:5000", EnsureScheme("farm:5000"))
	assert.Equal(t, "https://farm", EnsureScheme("https://farm"))
	assert.Equal(t, "http://farm:5000", New("farm:5000/").BaseURL())
}

func TestHealthAndEnvironments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "devfarm/")
		switch r.URL.Path {
		case "/health":
			w.Write([]byte(`{"status":"healthy","environments_count":1,"runtime_connected":true}`))
		case "/api/environments":
			w.Write([]byte(`[{"id":"alpha","status":"running","ready":true,"url":"http://farm:8100","port":8100}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Health{Status: "healthy", EnvironmentsCount: 1, RuntimeConnected: true}, h)

	envs, err := c.Environments(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "alpha", envs[0].ID)
	assert.True(t, envs[0].Ready)
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"runtime down"}`))
			return
		}
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetRetryPolicy(3, time.Millisecond)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"environment not found"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetRetryPolicy(3, time.Millisecond)
	_, err := c.UpdateStatus(context.Background())

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, "environment not found", se.Error())
	assert.Equal(t, int32(1), calls.Load())
}

func TestStartUpdate(t *testing.T) {
	var running atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/system/update/start", r.URL.Path)
		var so update.StartOptions
		require.NoError(t, json.NewDecoder(r.Body).Decode(&so))
		assert.True(t, so.Force)
		if running.Swap(true) {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"started":false,"error":"update already in progress"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"started":true,"run_id":"run-1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	id, err := c.StartUpdate(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)

	_, err = c.StartUpdate(context.Background(), true)
	assert.ErrorIs(t, err, update.ErrAlreadyRunning)
}

func eventServer(t *testing.T, events []string, closeCode int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/stream/ws", r.URL.Path)
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, e := range events {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(e)))
		}
		if closeCode != 0 {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, ""))
			return
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestWatchUntilServerCloses(t *testing.T) {
	srv := eventServer(t, []string{
		`{"type":"env-status","data":{"env_id":"a"},"timestamp":"2026-05-04T13:02:01Z"}`,
		`not json`,
		`{"type":"registry-update","data":{"count":2},"timestamp":"2026-05-04T13:02:02Z"}`,
	}, websocket.CloseGoingAway)
	defer srv.Close()

	var got []Event
	err := New(srv.URL).Watch(context.Background(), func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "env-status", got[0].Type)
	assert.JSONEq(t, `{"env_id":"a"}`, string(got[0].Data))
	assert.Equal(t, "registry-update", got[1].Type)
}

func TestWatchStopsOnRequest(t *testing.T) {
	srv := eventServer(t, []string{
		`{"type":"update-progress","data":{"run_id":"r"}}`,
		`{"type":"update-progress","data":{"run_id":"r"}}`,
	}, 0)
	defer srv.Close()

	n := 0
	err := New(srv.URL).Watch(context.Background(), func(Event) error {
		n++
		return ErrStopWatching
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWatchEndsWithContext(t *testing.T) {
	srv := eventServer(t, nil, 0)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := New(srv.URL).Watch(ctx, func(Event) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
