// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package reconcile keeps the registry consistent with the containers that
// actually exist.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devfarm/devfarm/internal/events"
	"github.com/devfarm/devfarm/internal/metrics"
	"github.com/devfarm/devfarm/internal/models"
	"github.com/devfarm/devfarm/internal/runtime"
)

// probeConcurrency caps the readiness probes of one status pass.
const probeConcurrency = 8

// Store is the registry access the reconciler needs.
type Store interface {
	Load() (models.Registry, error)
	Update(ctx context.Context, fn func(models.Registry) (bool, error)) error
	Backup(ctx context.Context) (string, error)
}

// ReadinessChecker probes whether an environment is serving.
type ReadinessChecker interface {
	IsReady(ctx context.Context, containerName string, fallbackPort int) bool
}

// Publisher receives status change notifications.
type Publisher interface {
	Publish(eventType string, data any)
}

// Options configures which containers belong to the system.
type Options struct {
	Label           string
	ContainerPrefix string
	ServicePort     int
	// Exclude lists container names that carry the label but are not
	// environments (the dashboard and its helper).
	Exclude        []string
	Interval       time.Duration
	StatusInterval time.Duration
}

// Result contains reconciliation findings
type Result struct {
	Checked   int      `json:"checked"`
	Pruned    []string `json:"pruned"`
	Refreshed []string `json:"refreshed"`
}

// Changed reports whether the registry was written.
func (r Result) Changed() bool {
	return len(r.Pruned) > 0 || len(r.Refreshed) > 0
}

// OrphanedResource is a labelled container that no registry record owns.
type OrphanedResource struct {
	ID      string         `json:"id"`
	FullID  string         `json:"full_id"`
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Created time.Time      `json:"created"`
	Ports   map[string]int `json:"ports"`
}

// CleanupError records a container that could not be removed.
type CleanupError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// CleanupResult is the outcome of CleanupOrphans.
type CleanupResult struct {
	Cleaned []OrphanedResource `json:"cleaned"`
	Errors  []CleanupError     `json:"errors"`
}

// Reconciler prunes and refreshes registry records against the runtime.
type Reconciler struct {
	rt     runtime.Runtime
	store  Store
	prober ReadinessChecker
	pub    Publisher
	opts   Options
	log    *slog.Logger

	watchMu sync.Mutex
	watched map[string]watchState
}

type watchState struct {
	status string
	health string
	ready  bool
}

// New returns a reconciler. prober and pub may be nil.
func New(rt runtime.Runtime, store Store, prober ReadinessChecker, pub Publisher, opts Options, logger *slog.Logger) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		rt:      rt,
		store:   store,
		prober:  prober,
		pub:     pub,
		opts:    opts,
		log:     logger,
		watched: map[string]watchState{},
	}
}

// Reconcile drops records whose container no longer exists and refreshes
// cached statuses. The registry is written only when something changed, so
// a second call with nothing new is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	live, err := r.liveContainers(ctx)
	if err != nil {
		metrics.ObserveReconcile("error", 0)
		return Result{}, err
	}

	snapshot, err := r.store.Load()
	if err != nil {
		metrics.ObserveReconcile("error", 0)
		return Result{}, err
	}

	// A container missing from the listing may have been created after it
	// was taken; confirm before pruning.
	gone := map[string]string{}
	for id, rec := range snapshot {
		if _, ok := lookup(live, rec.ContainerID); ok {
			continue
		}
		if rec.ContainerID == "" {
			gone[id] = rec.ContainerID
			continue
		}
		st, err := r.rt.Get(ctx, rec.ContainerID)
		switch {
		case err == nil:
			live[st.ID] = st
		case errors.Is(err, runtime.ErrNotFound):
			gone[id] = rec.ContainerID
		default:
			r.log.Warn("reconcile: container lookup failed", "env", id, "error", err)
		}
	}

	var res Result
	err = r.store.Update(ctx, func(reg models.Registry) (bool, error) {
		res = Result{Checked: len(reg)}
		for _, id := range reg.IDs() {
			rec := reg[id]
			if cid, ok := gone[id]; ok && cid == rec.ContainerID {
				reg.Detach(id)
				delete(reg, id)
				res.Pruned = append(res.Pruned, id)
				continue
			}
			st, ok := lookup(live, rec.ContainerID)
			if !ok || rec.Status == st.Status {
				continue
			}
			rec.Status = st.Status
			res.Refreshed = append(res.Refreshed, id)
		}
		return res.Changed(), nil
	})
	if err != nil {
		metrics.ObserveReconcile("error", 0)
		return Result{}, err
	}

	metrics.ObserveReconcile("ok", len(res.Pruned))
	if res.Changed() {
		r.log.Info("registry reconciled", "pruned", res.Pruned, "refreshed", res.Refreshed)
	}
	return res, nil
}

// Run reconciles on a fixed interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("periodic reconcile failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// WatchStatus polls container states on the short status interval and
// publishes an env-status event whenever an environment's status, health
// or readiness changes.
func (r *Reconciler) WatchStatus(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.CheckStatus(ctx); err != nil && ctx.Err() == nil {
				r.log.Debug("status check failed", "error", err)
			}
		}
	}
}

// CheckStatus runs one pass of status change detection.
func (r *Reconciler) CheckStatus(ctx context.Context) error {
	live, err := r.liveContainers(ctx)
	if err != nil {
		return err
	}
	reg, err := r.store.Load()
	if err != nil {
		return err
	}

	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	ids := reg.IDs()
	next := make([]watchState, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, id := range ids {
		i, id := i, id // per-iteration copies under go1.21 loop semantics
		rec := reg[id]
		next[i] = watchState{status: "missing"}
		if st, ok := lookup(live, rec.ContainerID); ok {
			next[i].status = st.Status
			next[i].health = st.Health
		}
		if next[i].status != runtime.StatusRunning {
			continue
		}
		prev, known := r.watched[id]
		switch {
		case next[i].health != runtime.HealthNone:
			next[i].ready = next[i].health == runtime.HealthHealthy
		case known && prev.ready && prev.status == runtime.StatusRunning:
			next[i].ready = true
		case r.prober != nil:
			g.Go(func() error {
				next[i].ready = r.prober.IsReady(gctx, r.ContainerName(id), rec.Port)
				return nil
			})
		}
	}
	_ = g.Wait()

	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		seen[id] = true
		prev, known := r.watched[id]
		r.watched[id] = next[i]
		if known && prev == next[i] {
			continue
		}
		if r.pub != nil {
			r.pub.Publish(events.TypeEnvStatus, map[string]any{
				"env_id": id,
				"status": next[i].status,
				"health": next[i].health,
				"ready":  next[i].ready,
			})
		}
	}
	for id := range r.watched {
		if !seen[id] {
			delete(r.watched, id)
		}
	}
	return nil
}

// FindOrphans lists labelled containers that no registry record owns.
func (r *Reconciler) FindOrphans(ctx context.Context) ([]OrphanedResource, error) {
	list, err := r.rt.ListByLabel(ctx, r.opts.Label)
	if err != nil {
		return nil, err
	}
	reg, err := r.store.Load()
	if err != nil {
		return nil, err
	}

	tracked := map[string]bool{}
	for _, rec := range reg {
		if rec.ContainerID != "" {
			tracked[rec.ContainerID] = true
		}
	}

	orphans := []OrphanedResource{}
	for _, c := range list {
		if r.excluded(c.Name) || tracked[c.ID] || tracked[c.ShortID()] {
			continue
		}
		ports := map[string]int{}
		for cp, hp := range c.Ports {
			ports[fmt.Sprintf("%d/tcp", cp)] = hp
		}
		orphans = append(orphans, OrphanedResource{
			ID:      c.ShortID(),
			FullID:  c.ID,
			Name:    c.Name,
			Status:  c.Status,
			Created: c.Created,
			Ports:   ports,
		})
	}
	return orphans, nil
}

// CleanupOrphans stops and removes orphaned containers. With no ids every
// orphan is removed; otherwise only orphans matching a given id (short or
// full) or name. Ids that are not orphans are ignored.
func (r *Reconciler) CleanupOrphans(ctx context.Context, ids []string, stopTimeout time.Duration) (CleanupResult, error) {
	orphans, err := r.FindOrphans(ctx)
	if err != nil {
		return CleanupResult{}, err
	}

	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}

	res := CleanupResult{Cleaned: []OrphanedResource{}, Errors: []CleanupError{}}
	for _, o := range orphans {
		if len(want) > 0 && !want[o.ID] && !want[o.FullID] && !want[o.Name] {
			continue
		}
		if o.Status == runtime.StatusRunning {
			if err := r.rt.Stop(ctx, o.FullID, stopTimeout); err != nil && !errors.Is(err, runtime.ErrNotFound) {
				r.log.Warn("stop orphan", "container", o.Name, "error", err)
			}
		}
		if err := r.rt.Remove(ctx, o.FullID, true); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			res.Errors = append(res.Errors, CleanupError{ID: o.ID, Error: err.Error()})
			continue
		}
		r.log.Info("removed orphaned container", "container", o.Name, "id", o.ID)
		res.Cleaned = append(res.Cleaned, o)
	}
	return res, nil
}

// RecoverRegistry adds a record for every labelled environment container
// missing from the registry. Only what the container metadata carries can
// be restored; SSH credentials and parent links of unlabelled containers
// are lost. The previous registry file is kept as a .bak copy.
func (r *Reconciler) RecoverRegistry(ctx context.Context) ([]string, error) {
	list, err := r.rt.ListByLabel(ctx, r.opts.Label)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.Backup(ctx); err != nil {
		r.log.Warn("registry backup failed", "error", err)
	}

	var recovered []string
	err = r.store.Update(ctx, func(reg models.Registry) (bool, error) {
		recovered = nil
		for _, c := range list {
			id := r.envID(c)
			if id == "" {
				continue
			}
			if _, exists := reg[id]; exists || reg.ByContainerID(c.ID) != nil {
				continue
			}
			mode, err := models.ParseMode(c.Labels[models.LabelMode])
			if err != nil {
				mode = models.ModeWorkspace
			}
			rec := &models.EnvironmentRecord{
				ID:          id,
				DisplayName: valOr(c.Labels[models.LabelDisplayName], id),
				ContainerID: c.ID,
				Port:        c.Ports[r.opts.ServicePort],
				Mode:        mode,
				CreatedAt:   c.Created,
				Project:     c.Labels[models.LabelProject],
				GitURL:      c.Labels[models.LabelGitURL],
				Children:    []string{},
				Status:      c.Status,
			}
			reg[id] = rec
			recovered = append(recovered, id)
		}
		// Restore parent links once every recovered record is present.
		for _, id := range recovered {
			for _, c := range list {
				if r.envID(c) != id {
					continue
				}
				parent := c.Labels[models.LabelParent]
				if p, ok := reg[parent]; ok && parent != id {
					reg[id].ParentEnvID = parent
					p.Children = appendUnique(p.Children, id)
				}
			}
		}
		return len(recovered) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	if recovered == nil {
		recovered = []string{}
	}
	return recovered, nil
}

// ContainerName is the container name of an environment id.
func (r *Reconciler) ContainerName(id string) string {
	return r.opts.ContainerPrefix + id
}

func (r *Reconciler) liveContainers(ctx context.Context) (map[string]runtime.ContainerState, error) {
	list, err := r.rt.ListByLabel(ctx, r.opts.Label)
	if err != nil {
		return nil, err
	}
	live := make(map[string]runtime.ContainerState, len(list))
	for _, c := range list {
		if r.excluded(c.Name) {
			continue
		}
		live[c.ID] = c
	}
	return live, nil
}

func (r *Reconciler) envID(c runtime.ContainerState) string {
	if r.excluded(c.Name) {
		return ""
	}
	if id := c.Labels[models.LabelEnvID]; id != "" {
		return id
	}
	if r.opts.ContainerPrefix != "" && strings.HasPrefix(c.Name, r.opts.ContainerPrefix) {
		return strings.TrimPrefix(c.Name, r.opts.ContainerPrefix)
	}
	return ""
}

func (r *Reconciler) excluded(name string) bool {
	for _, ex := range r.opts.Exclude {
		if name == ex {
			return true
		}
	}
	return false
}

// lookup finds a container by full id or by a short id prefix.
func lookup(live map[string]runtime.ContainerState, containerID string) (runtime.ContainerState, bool) {
	if containerID == "" {
		return runtime.ContainerState{}, false
	}
	if st, ok := live[containerID]; ok {
		return st, true
	}
	if len(containerID) < 12 {
		return runtime.ContainerState{}, false
	}
	for id, st := range live {
		if strings.HasPrefix(id, containerID) {
			return st, true
		}
	}
	return runtime.ContainerState{}, false
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func valOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
