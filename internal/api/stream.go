// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// Origin checking is left to the upgrader default (same host only).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleStream serves broadcaster events as server-sent events with a
// comment heartbeat so idle proxies keep the connection open.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, r, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.deps.Events.Subscribe()
	defer s.deps.Events.Unsubscribe(sub)
	s.log.Debug("stream subscriber connected", "subscriber", sub.ID, "remote", r.RemoteAddr)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("encode stream event", "type", ev.Type, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleStreamWS serves the same events over a WebSocket, one JSON event
// per text message, with ping frames as the heartbeat.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.deps.Events.Subscribe()
	defer s.deps.Events.Unsubscribe(sub)

	// The client never sends data; reading only detects the close.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("websocket write failed", "subscriber", sub.ID, "error", err)
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
