// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/devfarm/devfarm/internal/settings"
)

func newTokenStore(t *testing.T, env string) (*TokenStore, *settings.Store) {
	t.Helper()
	dir := t.TempDir()
	st := settings.NewStore(filepath.Join(dir, "farm.config"))
	ts := NewTokenStore(st, filepath.Join(dir, ".github_token"))
	ts.getenv = func(key string) string {
		if key == "GITHUB_TOKEN" {
			return env
		}
		return ""
	}
	return ts, st
}

func TestTokenPrecedence(t *testing.T) {
	ts, st := newTokenStore(t, "env_token")

	tok, src := ts.Token()
	assert.Equal(t, "env_token", tok)
	assert.Equal(t, SourceEnv, src)

	require.NoError(t, ts.Save("file_token"))
	tok, src = ts.Token()
	assert.Equal(t, "file_token", tok)
	assert.Equal(t, SourceFile, src)

	require.NoError(t, st.Save(settings.Settings{GitHub: settings.GitHub{PersonalAccessToken: "ghp_12345"}}))
	tok, src = ts.Token()
	assert.Equal(t, "ghp_12345", tok)
	assert.Equal(t, SourceSettings, src)
}

func TestSaveTokenPermissions(t *testing.T) {
	ts, _ := newTokenStore(t, "")
	assert.False(t, ts.HasToken())
	require.NoError(t, ts.Save("new_token"))

	info, err := os.Stat(ts.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.True(t, ts.HasToken())
}

func TestDisconnectRemovesCredentials(t *testing.T) {
	ts, st := newTokenStore(t, "")
	require.NoError(t, ts.Save("token123"))
	require.NoError(t, st.Save(settings.Settings{GitHub: settings.GitHub{PersonalAccessToken: "ghp_token", Username: "octo"}}))

	require.NoError(t, ts.Disconnect())
	_, err := os.Stat(ts.path)
	assert.True(t, os.IsNotExist(err))
	loaded, err := st.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded.GitHub.PersonalAccessToken)
	assert.Equal(t, "octo", loaded.GitHub.Username)
	assert.False(t, ts.HasToken())

	require.NoError(t, ts.Clear())
}

func apiServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Header().Set("X-OAuth-Scopes", "repo, gist")
		case "Bearer narrow":
			w.Header().Set("X-OAuth-Scopes", "read:user")
		default:
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"login": "coder"})
	})
	mux.HandleFunc("/user/repos", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"name": "farm", "full_name": "coder/farm", "private": true, "clone_url": "https://github.com/coder/farm.git"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientStatus(t *testing.T) {
	c := NewClient(apiServer(t).URL, nil)
	ctx := context.Background()

	st := c.Status(ctx, "", "")
	assert.False(t, st.Authenticated)
	assert.Contains(t, st.Message, "No GitHub token")

	st = c.Status(ctx, "good", SourceFile)
	assert.True(t, st.Authenticated)
	assert.Equal(t, "coder", st.Username)
	assert.Equal(t, []string{"repo", "gist"}, st.Scopes)
	assert.True(t, st.HasRequiredScopes)
	assert.True(t, st.CanAccessPrivateRepos)
	assert.False(t, st.UsingPAT)

	st = c.Status(ctx, "narrow", SourceSettings)
	assert.True(t, st.Authenticated)
	assert.False(t, st.HasRequiredScopes)
	assert.True(t, st.UsingPAT)

	st = c.Status(ctx, "bad", SourceEnv)
	assert.False(t, st.Authenticated)
	assert.Contains(t, st.Message, "invalid")
}

func TestClientRepos(t *testing.T) {
	c := NewClient(apiServer(t).URL, nil)

	repos, err := c.Repos(context.Background(), "good")
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "coder/farm", repos[0].FullName)
	assert.True(t, repos[0].Private)

	_, err = c.Repos(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = c.Repos(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func deviceServer(t *testing.T, tokenResponses ...string) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login/device/code", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client-123", r.Form.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"device_code":"device","user_code":"CODE123","verification_uri":"https://github.com/login/device","expires_in":900,"interval":1}`))
	})
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(tokenResponses) {
			n = len(tokenResponses) - 1
		}
		body := tokenResponses[n]
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(body, `"error"`) {
			w.WriteHeader(http.StatusBadRequest)
		}
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"login": "coder"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newDeviceFlow(t *testing.T, srv *httptest.Server) (*DeviceFlow, *TokenStore) {
	t.Helper()
	ts, _ := newTokenStore(t, "")
	conf := &oauth2.Config{
		ClientID: "client-123",
		Scopes:   []string{"repo"},
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: srv.URL + "/login/device/code",
			TokenURL:      srv.URL + "/login/oauth/access_token",
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
	return NewDeviceFlow(conf, ts, NewClient(srv.URL, nil), nil), ts
}

func TestDeviceFlowAuthorizes(t *testing.T) {
	srv := deviceServer(t,
		`{"error":"authorization_pending"}`,
		`{"access_token":"new_token","token_type":"bearer","scope":"repo"}`,
	)
	flow, ts := newDeviceFlow(t, srv)
	assert.Equal(t, DeviceNone, flow.Poll().Status)

	code, err := flow.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CODE123", code.UserCode)
	assert.Equal(t, "https://github.com/login/device", code.VerificationURI)
	assert.InDelta(t, 900, code.ExpiresIn, 2)
	assert.Equal(t, DevicePending, flow.Poll().Status)

	require.Eventually(t, func() bool { return flow.Poll().Status == DeviceAuthorized }, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, "coder", flow.Poll().Username)

	tok, src := ts.Token()
	assert.Equal(t, "new_token", tok)
	assert.Equal(t, SourceFile, src)
}

func TestDeviceFlowDenied(t *testing.T) {
	srv := deviceServer(t, `{"error":"access_denied"}`)
	flow, ts := newDeviceFlow(t, srv)

	_, err := flow.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return flow.Poll().Status == DeviceDenied }, 10*time.Second, 50*time.Millisecond)
	assert.False(t, ts.HasToken())

	flow.Cancel()
	assert.Equal(t, DeviceNone, flow.Poll().Status)
}

func TestDeviceFlowRequiresClientID(t *testing.T) {
	flow := NewDeviceFlow(&oauth2.Config{}, nil, nil, nil)
	_, err := flow.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoClientID)
}
