// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/devfarm/devfarm/internal/models"
	"github.com/devfarm/devfarm/internal/reconcile"
	"github.com/devfarm/devfarm/internal/update"
)

const pingTimeout = 2 * time.Second

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := false
	if s.deps.Runtime != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		connected = s.deps.Runtime.Ping(ctx) == nil
		cancel()
	}
	count := 0
	if s.deps.Registry != nil {
		if reg, err := s.deps.Registry.Load(); err == nil {
			count = len(reg)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"environments_count": count,
		"runtime_connected":  connected,
	})
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	if s.deps.Maintenance == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	orphans, err := s.deps.Maintenance.FindOrphans(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if orphans == nil {
		orphans = []reconcile.OrphanedResource{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"count": len(orphans), "orphans": orphans})
}

type cleanupRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleCleanupOrphans(w http.ResponseWriter, r *http.Request) {
	if s.deps.Maintenance == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.deps.Maintenance.CleanupOrphans(r.Context(), req.IDs, s.opts.StopTimeout)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if res.Cleaned == nil {
		res.Cleaned = []reconcile.OrphanedResource{}
	}
	if res.Errors == nil {
		res.Errors = []reconcile.CleanupError{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": len(res.Errors) == 0,
		"cleaned": res.Cleaned,
		"errors":  res.Errors,
	})
}

func (s *Server) handleRecoverRegistry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Maintenance == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	ids, err := s.deps.Maintenance.RecoverRegistry(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"recovered":    len(ids),
		"environments": ids,
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Updater == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	st, err := s.deps.Updater.SystemStatus(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Updater == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	var so update.StartOptions
	if err := decodeJSON(r, &so); err != nil {
		s.respondError(w, r, err)
		return
	}

	err := s.deps.Updater.Start(r.Context(), so)
	if errors.Is(err, update.ErrAlreadyRunning) {
		respondJSON(w, http.StatusConflict, map[string]any{"started": false, "error": err.Error()})
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"started": true,
		"run_id":  s.deps.Updater.Status().RunID,
	})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Updater == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Updater.Status())
}

func (s *Server) handleUpdateHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", models.ErrInvalid))
			return
		}
		limit = n
	}
	runs, err := s.deps.History.List(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type buildRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleImageBuild(w http.ResponseWriter, r *http.Request) {
	if s.deps.Updater == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	var req buildRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.deps.Updater.StartBuild(r.Context(), req.Type); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"run_id":  s.deps.Updater.Status().RunID,
	})
}
