// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/devfarm/devfarm/internal/github"
	"github.com/devfarm/devfarm/internal/models"
	"github.com/devfarm/devfarm/internal/update"
)

// errUnavailable answers routes whose dependency is not configured.
var errUnavailable = errors.New("not available on this server")

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError maps err onto a status code and writes {"error": msg}.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyExists), errors.Is(err, models.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, update.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, github.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errUnavailable), errors.Is(err, github.ErrNoClientID):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads an optional JSON body into v. An empty body is fine.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body: %v", models.ErrInvalid, err)
	}
	return nil
}
