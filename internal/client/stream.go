// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devfarm/devfarm/internal/version"
)

// ErrStopWatching ends Watch without an error when returned by the handler.
var ErrStopWatching = errors.New("stop watching")

// Event is one message of the dashboard event stream. Data is left raw so
// callers decode only the types they care about.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Time time.Time       `json:"timestamp"`
}

// Stream is an open subscription to the dashboard event stream.
type Stream struct {
	ctx  context.Context
	conn *websocket.Conn
	stop func() bool
}

// Subscribe opens the WebSocket event stream. The stream is closed when
// ctx ends or Close is called.
func (c *Client) Subscribe(ctx context.Context) (*Stream, error) {
	wsURL, err := c.webSocketURL("/api/stream/ws")
	if err != nil {
		return nil, fmt.Errorf("build WebSocket URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{"User-Agent": []string{version.UserAgent()}}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, parseErrorResponse(resp.StatusCode, body)
		}
		return nil, fmt.Errorf("dial WebSocket: %w", err)
	}

	// Unblock Next when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	return &Stream{ctx: ctx, conn: conn, stop: stop}, nil
}

// Next blocks for the next event. It returns io.EOF when the server
// closes the stream.
func (s *Stream) Next() (Event, error) {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return Event{}, s.ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("read WebSocket: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		return ev, nil
	}
}

func (s *Stream) Close() error {
	s.stop()
	return s.conn.Close()
}

// Watch calls fn for every event until ctx is cancelled, the server
// closes the stream or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(Event) error) error {
	st, err := c.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	return Drain(st, fn)
}

// Drain feeds events from st to fn. A clean server close and
// ErrStopWatching both end it without an error.
func Drain(st *Stream, fn func(Event) error) error {
	for {
		ev, err := st.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}

func (c *Client) webSocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}
