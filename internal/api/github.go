// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"net/http"
	"strings"

	"github.com/devfarm/devfarm/internal/github"
	"github.com/devfarm/devfarm/internal/settings"
	"github.com/devfarm/devfarm/internal/sshcheck"
)

// githubConfigView never carries the token itself.
type githubConfigView struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	HasToken     bool   `json:"has_token"`
	TokenPreview string `json:"token_preview,omitempty"`
	TokenSource  string `json:"token_source,omitempty"`
}

func (s *Server) githubView(st settings.Settings) githubConfigView {
	v := githubConfigView{
		Username:     st.GitHub.Username,
		Email:        st.GitHub.Email,
		TokenPreview: maskToken(st.GitHub.PersonalAccessToken),
	}
	if s.deps.Tokens != nil {
		tok, src := s.deps.Tokens.Token()
		v.HasToken = tok != ""
		v.TokenSource = src
	} else {
		v.HasToken = st.GitHub.PersonalAccessToken != ""
	}
	return v
}

func maskToken(tok string) string {
	if tok == "" {
		return ""
	}
	if len(tok) <= 8 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:4] + strings.Repeat("*", len(tok)-8) + tok[len(tok)-4:]
}

func (s *Server) handleGetGitHubConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	st, err := s.deps.Settings.Load()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.githubView(st))
}

func (s *Server) handleUpdateGitHubConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	var u settings.GitHubUpdate
	if err := decodeJSON(r, &u); err != nil {
		s.respondError(w, r, err)
		return
	}
	st, err := s.deps.Settings.UpdateGitHub(u)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.log.Info("github settings updated", "username", st.GitHub.Username, "token_set", st.GitHub.PersonalAccessToken != "")
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "github": s.githubView(st)})
}

func (s *Server) handleGitHubStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.GitHub == nil || s.deps.Tokens == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	tok, src := s.deps.Tokens.Token()
	respondJSON(w, http.StatusOK, s.deps.GitHub.Status(r.Context(), tok, src))
}

func (s *Server) handleGitHubRepos(w http.ResponseWriter, r *http.Request) {
	if s.deps.GitHub == nil || s.deps.Tokens == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	tok, _ := s.deps.Tokens.Token()
	repos, err := s.deps.GitHub.Repos(r.Context(), tok)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if repos == nil {
		repos = []github.Repo{}
	}
	respondJSON(w, http.StatusOK, repos)
}

func (s *Server) handleDeviceStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Device == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	code, err := s.deps.Device.Start(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, code)
}

func (s *Server) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Device == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Device.Poll())
}

// handleGitHubLogout abandons a pending device flow and forgets the token
// it produced. A personal access token in settings is kept.
func (s *Server) handleGitHubLogout(w http.ResponseWriter, r *http.Request) {
	if s.deps.Device != nil {
		s.deps.Device.Cancel()
	}
	if s.deps.Tokens != nil {
		if err := s.deps.Tokens.Clear(); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGitHubDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	if s.deps.Device != nil {
		s.deps.Device.Cancel()
	}
	if err := s.deps.Tokens.Disconnect(); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.log.Info("github disconnected")
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type sshTestRequest struct {
	Host     string `json:"ssh_host"`
	Port     int    `json:"ssh_port"`
	User     string `json:"ssh_user"`
	Password string `json:"ssh_password"`
	Path     string `json:"ssh_path"`
}

// handleSSHTest reports connection failures in the body, not the status.
func (s *Server) handleSSHTest(w http.ResponseWriter, r *http.Request) {
	if s.deps.SSH == nil {
		s.respondError(w, r, errUnavailable)
		return
	}
	var req sshTestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	err := s.deps.SSH.Check(r.Context(), sshcheck.Target{
		Host:     req.Host,
		Port:     req.Port,
		User:     req.User,
		Password: req.Password,
		Path:     req.Path,
	})
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
