// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/devfarm/devfarm/internal/environment"
)

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Environments.List(r.Context(), r.Host)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleHierarchy(w http.ResponseWriter, r *http.Request) {
	trees, err := s.deps.Environments.Hierarchy(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"trees": trees})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req environment.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	created, err := s.deps.Environments.Create(r.Context(), req, r.Host)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"env_id":       created.ID,
		"id":           created.ID,
		"container_id": created.ContainerID,
		"url":          created.URL,
		"port":         created.Port,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Environments.Delete)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Environments.Start)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Environments.Stop)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Environments.Restart)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	if err := op(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleEnvironmentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Environments.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleEnvironmentLogs(w http.ResponseWriter, r *http.Request) {
	tail := environment.DefaultLogTail
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			tail = n
		}
	}

	logs, err := s.deps.Environments.Logs(r.Context(), chi.URLParam(r, "id"), tail)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"logs":    logs.Logs,
		"status":  logs.Status,
	})
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.deps.Environments.Images(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp := map[string]any{"images": images}
	if s.deps.Updater != nil {
		resp["buildable"] = s.deps.Updater.Images()
	}
	respondJSON(w, http.StatusOK, resp)
}
