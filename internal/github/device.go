// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/devfarm/devfarm/internal/config"
)

// ErrNoClientID is returned by Start when no OAuth app is configured.
var ErrNoClientID = errors.New("github oauth client id not configured")

// DeviceState is the progress of a device authorization.
type DeviceState string

const (
	DeviceNone    DeviceState = "none"
	DevicePending DeviceState = "pending"
	// DeviceAuthorized is reported as "success" to match the dashboard.
	DeviceAuthorized DeviceState = "success"
	DeviceDenied     DeviceState = "denied"
	DeviceExpired    DeviceState = "expired"
	DeviceFailed     DeviceState = "error"
)

// DeviceCode is what the user needs to authorize the dashboard.
type DeviceCode struct {
	UserCode        string    `json:"user_code"`
	VerificationURI string    `json:"verification_uri"`
	ExpiresAt       time.Time `json:"expires_at"`
	ExpiresIn       int       `json:"expires_in"`
	Interval        int64     `json:"interval"`
}

// PollResult is the current state of the device flow.
type PollResult struct {
	Status   DeviceState `json:"status"`
	Username string      `json:"username,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// OAuthConfig builds the device flow client for the configured app.
func OAuthConfig(cfg config.GitHubConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID: cfg.ClientID,
		Scopes:   cfg.Scopes,
		Endpoint: oauthgithub.Endpoint,
	}
}

// DeviceFlow drives one device authorization at a time. The token
// exchange polls in the background until GitHub answers or the code
// expires; Poll only reads the latest state.
type DeviceFlow struct {
	conf   *oauth2.Config
	tokens *TokenStore
	client *Client
	log    *slog.Logger

	mu      sync.Mutex
	session *deviceSession
}

type deviceSession struct {
	code     DeviceCode
	state    DeviceState
	username string
	err      string
	cancel   context.CancelFunc
}

func NewDeviceFlow(conf *oauth2.Config, tokens *TokenStore, client *Client, logger *slog.Logger) *DeviceFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceFlow{conf: conf, tokens: tokens, client: client, log: logger}
}

// Start requests a new device code, replacing any flow in progress.
func (d *DeviceFlow) Start(ctx context.Context) (DeviceCode, error) {
	if d.conf == nil || d.conf.ClientID == "" {
		return DeviceCode{}, ErrNoClientID
	}
	resp, err := d.conf.DeviceAuth(ctx)
	if err != nil {
		return DeviceCode{}, fmt.Errorf("request device code: %w", err)
	}

	code := DeviceCode{
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		ExpiresAt:       resp.Expiry,
		Interval:        resp.Interval,
	}
	if !resp.Expiry.IsZero() {
		code.ExpiresIn = int(time.Until(resp.Expiry).Round(time.Second).Seconds())
	}

	var pollCtx context.Context
	var cancel context.CancelFunc
	if resp.Expiry.IsZero() {
		pollCtx, cancel = context.WithCancel(context.Background())
	} else {
		pollCtx, cancel = context.WithDeadline(context.Background(), resp.Expiry)
	}
	s := &deviceSession{code: code, state: DevicePending, cancel: cancel}

	d.mu.Lock()
	if d.session != nil && d.session.cancel != nil {
		d.session.cancel()
	}
	d.session = s
	d.mu.Unlock()

	go d.exchange(pollCtx, s, resp)
	return code, nil
}

func (d *DeviceFlow) exchange(ctx context.Context, s *deviceSession, resp *oauth2.DeviceAuthResponse) {
	defer s.cancel()

	tok, err := d.conf.DeviceAccessToken(ctx, resp)
	if err != nil {
		state, msg := classify(ctx, err)
		d.finish(s, state, "", msg)
		d.log.Info("github device flow ended", "state", state, "error", msg)
		return
	}
	if err := d.tokens.Save(tok.AccessToken); err != nil {
		d.finish(s, DeviceFailed, "", err.Error())
		return
	}

	username := ""
	if d.client != nil {
		if u, _, err := d.client.User(context.Background(), tok.AccessToken); err == nil {
			username = u.Login
		}
	}
	d.finish(s, DeviceAuthorized, username, "")
	d.log.Info("github device flow authorized", "username", username)
}

func classify(ctx context.Context, err error) (DeviceState, string) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "access_denied":
			return DeviceDenied, "authorization denied"
		case "expired_token":
			return DeviceExpired, "device code expired"
		}
		return DeviceFailed, err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DeviceExpired, "device code expired"
	}
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return DeviceNone, ""
	}
	return DeviceFailed, err.Error()
}

func (d *DeviceFlow) finish(s *deviceSession, state DeviceState, username, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.state = state
	s.username = username
	s.err = msg
}

// Poll returns the state of the latest flow.
func (d *DeviceFlow) Poll() PollResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return PollResult{Status: DeviceNone}
	}
	return PollResult{Status: d.session.state, Username: d.session.username, Error: d.session.err}
}

// Cancel abandons the flow in progress, if any.
func (d *DeviceFlow) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil && d.session.cancel != nil {
		d.session.cancel()
	}
	d.session = nil
}
