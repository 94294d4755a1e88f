// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package fake provides an in-memory runtime.Runtime for tests.
package fake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devfarm/devfarm/internal/runtime"
)

// ExecFunc answers an Exec call.
type ExecFunc func(container string, cmd []string) (runtime.ExecResult, error)

// Runtime records every call and keeps containers in a map.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*runtime.ContainerState
	volumes    map[string]bool
	networks   map[string]bool
	images     []runtime.Image
	logs       map[string]string
	stats      map[string]runtime.Stats
	nextID     int
	calls      []string

	// Down makes every call fail with runtime.ErrUnavailable.
	Down bool
	// CreateErr is returned by Create when set.
	CreateErr error
	// RequireNetworks makes Create fail for a network that was never ensured.
	RequireNetworks bool
	// ExecHandler answers Exec; nil returns exit code 0 and no output.
	ExecHandler ExecFunc
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns an empty fake.
func New() *Runtime {
	return &Runtime{
		containers: map[string]*runtime.ContainerState{},
		volumes:    map[string]bool{},
		networks:   map[string]bool{},
		logs:       map[string]string{},
		stats:      map[string]runtime.Stats{},
	}
}

// Add inserts a container directly and returns its id.
func (r *Runtime) Add(st runtime.ContainerState) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.ID == "" {
		r.nextID++
		st.ID = containerID(r.nextID)
	}
	if st.Status == "" {
		st.Status = runtime.StatusRunning
	}
	if st.Ports == nil {
		st.Ports = map[int]int{}
	}
	c := st
	r.containers[st.ID] = &c
	return st.ID
}

// SetStatus changes a container's status and health.
func (r *Runtime) SetStatus(idOrName, status, health string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.find(idOrName); c != nil {
		c.Status = status
		c.Health = health
	}
}

// Delete drops a container without recording a call.
func (r *Runtime) Delete(idOrName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.find(idOrName); c != nil {
		delete(r.containers, c.ID)
	}
}

// SetLogs sets the log output of a container.
func (r *Runtime) SetLogs(idOrName, logs string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.find(idOrName); c != nil {
		r.logs[c.ID] = logs
	}
}

// SetStats sets the usage reported for a container.
func (r *Runtime) SetStats(idOrName string, s runtime.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.find(idOrName); c != nil {
		r.stats[c.ID] = s
	}
}

// AddImage registers a local image.
func (r *Runtime) AddImage(img runtime.Image) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images = append(r.images, img)
}

// HasVolume reports whether a volume exists.
func (r *Runtime) HasVolume(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.volumes[name]
}

// Calls returns the recorded call log, e.g. "stop devfarm-a".
func (r *Runtime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Container returns a copy of a container's state.
func (r *Runtime) Container(idOrName string) (runtime.ContainerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.find(idOrName)
	if c == nil {
		return runtime.ContainerState{}, false
	}
	return *c, true
}

func (r *Runtime) record(format string, args ...any) error {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	if r.Down {
		return runtime.ErrUnavailable
	}
	return nil
}

func (r *Runtime) find(idOrName string) *runtime.ContainerState {
	if c, ok := r.containers[idOrName]; ok {
		return c
	}
	for _, c := range r.containers {
		if c.Name == idOrName || (len(idOrName) >= 12 && strings.HasPrefix(c.ID, idOrName)) {
			return c
		}
	}
	return nil
}

// containerID yields 64 hex characters whose 12-character short form is
// unique per container.
func containerID(n int) string {
	return fmt.Sprintf("%012x", n) + strings.Repeat("f", 52)
}

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, runtime.ErrNotFound)
}

func (r *Runtime) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record("ping")
}

func (r *Runtime) Create(_ context.Context, spec runtime.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("create %s", spec.Name); err != nil {
		return "", err
	}
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	if r.find(spec.Name) != nil {
		return "", fmt.Errorf("container name %s already in use", spec.Name)
	}
	if r.RequireNetworks && spec.Network != "" && !r.networks[spec.Network] {
		return "", notFound("network " + spec.Network)
	}
	r.nextID++
	id := containerID(r.nextID)
	ports := map[int]int{}
	for k, v := range spec.PortBindings {
		ports[k] = v
	}
	for _, v := range spec.Volumes {
		r.volumes[v.Name] = true
	}
	r.containers[id] = &runtime.ContainerState{
		ID:      id,
		Name:    spec.Name,
		Image:   spec.Image,
		Status:  runtime.StatusRunning,
		Labels:  spec.Labels,
		Created: time.Now().UTC(),
		Ports:   ports,
		IPs:     map[string]string{},
	}
	return id, nil
}

func (r *Runtime) Get(_ context.Context, idOrName string) (runtime.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("get %s", idOrName); err != nil {
		return runtime.ContainerState{}, err
	}
	c := r.find(idOrName)
	if c == nil {
		return runtime.ContainerState{}, notFound(idOrName)
	}
	return *c, nil
}

func (r *Runtime) ListByLabel(_ context.Context, label string) ([]runtime.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("list %s", label); err != nil {
		return nil, err
	}
	key, value, hasValue := strings.Cut(label, "=")
	var out []runtime.ContainerState
	for _, c := range r.containers {
		v, ok := c.Labels[key]
		if !ok || (hasValue && v != value) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Runtime) setStatus(op, idOrName, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("%s %s", op, idOrName); err != nil {
		return err
	}
	c := r.find(idOrName)
	if c == nil {
		return notFound(idOrName)
	}
	c.Status = status
	return nil
}

func (r *Runtime) Start(_ context.Context, idOrName string) error {
	return r.setStatus("start", idOrName, runtime.StatusRunning)
}

func (r *Runtime) Stop(_ context.Context, idOrName string, _ time.Duration) error {
	return r.setStatus("stop", idOrName, runtime.StatusExited)
}

func (r *Runtime) Restart(_ context.Context, idOrName string, _ time.Duration) error {
	return r.setStatus("restart", idOrName, runtime.StatusRunning)
}

func (r *Runtime) Remove(_ context.Context, idOrName string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("remove %s", idOrName); err != nil {
		return err
	}
	c := r.find(idOrName)
	if c == nil {
		return notFound(idOrName)
	}
	delete(r.containers, c.ID)
	return nil
}

func (r *Runtime) RemoveVolume(_ context.Context, name string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("remove-volume %s", name); err != nil {
		return err
	}
	if !r.volumes[name] {
		return notFound(name)
	}
	delete(r.volumes, name)
	return nil
}

// HasNetwork reports whether a network was ensured.
func (r *Runtime) HasNetwork(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.networks[name]
}

func (r *Runtime) EnsureNetwork(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("ensure-network %s", name); err != nil {
		return err
	}
	r.networks[name] = true
	return nil
}

// Exec returns ctx's error when ctx ends before the handler does; the
// handler keeps running, like a command left behind in a container.
func (r *Runtime) Exec(ctx context.Context, idOrName string, cmd []string) (runtime.ExecResult, error) {
	r.mu.Lock()
	if err := r.record("exec %s %s", idOrName, strings.Join(cmd, " ")); err != nil {
		r.mu.Unlock()
		return runtime.ExecResult{}, err
	}
	c := r.find(idOrName)
	handler := r.ExecHandler
	r.mu.Unlock()

	if c == nil {
		return runtime.ExecResult{}, notFound(idOrName)
	}
	if handler == nil {
		return runtime.ExecResult{}, nil
	}

	type answer struct {
		res runtime.ExecResult
		err error
	}
	done := make(chan answer, 1)
	go func() {
		res, err := handler(idOrName, cmd)
		done <- answer{res, err}
	}()
	select {
	case a := <-done:
		return a.res, a.err
	case <-ctx.Done():
		return runtime.ExecResult{}, ctx.Err()
	}
}

func (r *Runtime) Logs(_ context.Context, idOrName string, tail int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("logs %s", idOrName); err != nil {
		return nil, err
	}
	c := r.find(idOrName)
	if c == nil {
		return nil, notFound(idOrName)
	}
	lines := strings.SplitAfter(r.logs[c.ID], "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return []byte(strings.Join(lines, "")), nil
}

func (r *Runtime) Stats(_ context.Context, idOrName string) runtime.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record("stats %s", idOrName) != nil {
		return runtime.Stats{}
	}
	c := r.find(idOrName)
	if c == nil {
		return runtime.Stats{}
	}
	return r.stats[c.ID]
}

func (r *Runtime) ImageExists(_ context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("image-exists %s", ref); err != nil {
		return false, err
	}
	for _, img := range r.images {
		if img.Name+":"+img.Tag == ref || img.Name == ref {
			return true, nil
		}
	}
	return false, nil
}

func (r *Runtime) ListImages(_ context.Context, reference string) ([]runtime.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("images %s", reference); err != nil {
		return nil, err
	}
	var out []runtime.Image
	for _, img := range r.images {
		if reference == "" || strings.Contains(img.Name, strings.TrimSuffix(reference, "*")) {
			out = append(out, img)
		}
	}
	return out, nil
}

func (r *Runtime) PruneDanglingImages(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return 0, r.record("prune-images")
}
