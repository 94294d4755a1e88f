// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devfarm/devfarm/internal/version"
)

// ErrUnauthorized is returned when GitHub rejects the token.
var ErrUnauthorized = errors.New("github token rejected")

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

// RequiredScope grants clone and push access to private repositories.
const RequiredScope = "repo"

type User struct {
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Repo struct {
	Name        string    `json:"name"`
	FullName    string    `json:"full_name"`
	Private     bool      `json:"private"`
	CloneURL    string    `json:"clone_url"`
	HTMLURL     string    `json:"html_url"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TokenStatus describes the active token for the dashboard.
type TokenStatus struct {
	Authenticated         bool     `json:"authenticated"`
	Username              string   `json:"username,omitempty"`
	Scopes                []string `json:"scopes"`
	HasRequiredScopes     bool     `json:"has_required_scopes"`
	CanAccessPrivateRepos bool     `json:"can_access_private_repos"`
	UsingPAT              bool     `json:"using_pat"`
	Message               string   `json:"message,omitempty"`
}

// Client is a minimal GitHub REST client.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// User returns the token owner and the scopes granted to the token.
func (c *Client) User(ctx context.Context, token string) (User, []string, error) {
	var u User
	resp, err := c.get(ctx, token, "/user")
	if err != nil {
		return u, nil, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return u, nil, fmt.Errorf("decode github user: %w", err)
	}
	return u, parseScopes(resp.Header.Get("X-OAuth-Scopes")), nil
}

// Status reports whether token is usable. source is the TokenStore source.
func (c *Client) Status(ctx context.Context, token, source string) TokenStatus {
	st := TokenStatus{Scopes: []string{}, UsingPAT: source == SourceSettings}
	if token == "" {
		st.Message = "No GitHub token configured"
		return st
	}
	u, scopes, err := c.User(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			st.Message = "GitHub token is invalid or expired"
		} else {
			st.Message = "Could not reach GitHub: " + err.Error()
		}
		return st
	}
	st.Authenticated = true
	st.Username = u.Login
	st.Scopes = scopes
	for _, s := range scopes {
		if s == RequiredScope {
			st.HasRequiredScopes = true
		}
	}
	st.CanAccessPrivateRepos = st.HasRequiredScopes
	if !st.HasRequiredScopes {
		st.Message = "Token is missing the repo scope"
	}
	return st
}

// Repos lists repositories the token owner can access, most recently
// updated first.
func (c *Client) Repos(ctx context.Context, token string) ([]Repo, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	resp, err := c.get(ctx, token, "/user/repos?per_page=100&sort=updated&affiliation=owner,collaborator,organization_member")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	repos := []Repo{}
	if err := json.NewDecoder(resp.Body).Decode(&repos); err != nil {
		return nil, fmt.Errorf("decode github repos: %w", err)
	}
	return repos, nil
}

func (c *Client) get(ctx context.Context, token, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("github %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func parseScopes(header string) []string {
	scopes := []string{}
	for _, s := range strings.Split(header, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}
