// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package environment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devfarm/devfarm/internal/models"
	"github.com/devfarm/devfarm/internal/runtime"
)

const (
	DefaultLogTail = 500
	MaxLogTail     = 5000

	// listProbeConcurrency bounds parallel readiness probes while listing.
	listProbeConcurrency = 8
)

// Summary is one row of the environment list.
type Summary struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name"`
	Status      string      `json:"status"`
	Ready       bool        `json:"ready"`
	URL         string      `json:"url"`
	Port        int         `json:"port"`
	Project     string      `json:"project,omitempty"`
	Mode        models.Mode `json:"mode"`
	ParentEnvID string      `json:"parent_env_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Status is the live state of one environment.
type Status struct {
	Status string        `json:"status"`
	Ready  bool          `json:"ready"`
	Stats  runtime.Stats `json:"stats"`
}

// Logs is a tail of an environment's container output.
type Logs struct {
	Logs   string `json:"logs"`
	Status string `json:"status"`
}

// List reconciles, then returns every environment with its readiness.
// An unreachable runtime yields an empty list rather than an error.
func (m *Manager) List(ctx context.Context, host string) ([]Summary, error) {
	if m.deps.Reconciler != nil {
		if _, err := m.deps.Reconciler.Reconcile(ctx); err != nil {
			if errors.Is(err, runtime.ErrUnavailable) {
				m.log.Warn("runtime unavailable; listing no environments", "error", err)
				return []Summary{}, nil
			}
			return nil, err
		}
	}

	reg, err := m.deps.Store.Load()
	if err != nil {
		return nil, err
	}

	ids := reg.IDs()
	out := make([]Summary, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listProbeConcurrency)
	for i, id := range ids {
		i, id := i, id // per-iteration copies under go1.21 loop semantics
		rec := reg[id]
		out[i] = Summary{
			ID:          id,
			DisplayName: valOr(rec.DisplayName, id),
			Status:      valOr(rec.Status, models.StatusUnknown),
			URL:         m.URL(rec, host),
			Port:        rec.Port,
			Project:     rec.Project,
			Mode:        rec.Mode,
			ParentEnvID: rec.ParentEnvID,
			CreatedAt:   rec.CreatedAt,
		}
		if rec.Status != models.StatusRunning || m.deps.Prober == nil {
			continue
		}
		g.Go(func() error {
			out[i].Ready = m.deps.Prober.IsReady(gctx, m.ContainerName(id), rec.Port)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// Hierarchy returns the parent/child trees of all environments.
func (m *Manager) Hierarchy(ctx context.Context) ([]*models.TreeNode, error) {
	reg, err := m.deps.Store.Load()
	if err != nil {
		return nil, err
	}
	for _, rec := range reg {
		if rec.ContainerID == "" {
			continue
		}
		if st, err := m.deps.Runtime.Get(ctx, rec.ContainerID); err == nil {
			rec.Status = st.Status
		} else if errors.Is(err, runtime.ErrNotFound) {
			rec.Status = "missing"
		}
	}
	trees := reg.Trees()
	if trees == nil {
		trees = []*models.TreeNode{}
	}
	return trees, nil
}

// Status reports container status, readiness and resource usage.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	rec, err := m.deps.Store.Get(id)
	if err != nil {
		return Status{}, err
	}
	st, err := m.deps.Runtime.Get(ctx, rec.ContainerID)
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return Status{}, fmt.Errorf("%w: container not found", models.ErrNotFound)
		}
		return Status{}, err
	}
	out := Status{Status: st.Status}
	if st.Running() {
		out.Ready = m.ready(ctx, id, rec.Port)
		out.Stats = m.deps.Runtime.Stats(ctx, rec.ContainerID)
	}
	return out, nil
}

// Logs returns the last tail lines of container output, bounded to
// MaxLogTail. A running container that is not serving yet reports
// status "starting".
func (m *Manager) Logs(ctx context.Context, id string, tail int) (Logs, error) {
	switch {
	case tail <= 0:
		tail = DefaultLogTail
	case tail > MaxLogTail:
		tail = MaxLogTail
	}

	rec, err := m.deps.Store.Get(id)
	if err != nil {
		return Logs{}, err
	}
	st, err := m.deps.Runtime.Get(ctx, rec.ContainerID)
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return Logs{}, fmt.Errorf("%w: container not found", models.ErrNotFound)
		}
		return Logs{}, err
	}
	data, err := m.deps.Runtime.Logs(ctx, rec.ContainerID, tail)
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return Logs{}, fmt.Errorf("%w: container not found", models.ErrNotFound)
		}
		return Logs{}, err
	}

	status := st.Status
	if st.Running() && !m.ready(ctx, id, rec.Port) {
		status = models.StatusStarting
	}
	return Logs{Logs: string(data), Status: status}, nil
}

func (m *Manager) ready(ctx context.Context, id string, port int) bool {
	if m.deps.Prober == nil {
		return false
	}
	return m.deps.Prober.IsReady(ctx, m.ContainerName(id), port)
}

// URL is where the user reaches an environment: behind the external URL
// when one is configured, else directly on the published port.
func (m *Manager) URL(rec *models.EnvironmentRecord, host string) string {
	if base := strings.TrimRight(m.opts.ExternalURL, "/"); base != "" {
		folder := rec.Mode.WorkspaceFolder(m.opts.Paths)
		return fmt.Sprintf("%s/env/%s?folder=%s", base, url.PathEscape(rec.ID), folder)
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(rec.Port))
}

// Images lists local images from the same repository as the environment
// image.
func (m *Manager) Images(ctx context.Context) ([]runtime.Image, error) {
	images, err := m.deps.Runtime.ListImages(ctx, m.imageReference())
	if err != nil {
		return nil, err
	}
	if images == nil {
		images = []runtime.Image{}
	}
	return images, nil
}

func (m *Manager) imageReference() string {
	repo, _, _ := strings.Cut(m.opts.Image, ":")
	if i := strings.LastIndex(repo, "/"); i > 0 {
		return repo[:i] + "/*"
	}
	return ""
}

func valOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
