// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package docker implements runtime.Runtime against the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/devfarm/devfarm/internal/runtime"
)

// Provider talks to the Docker daemon.
type Provider struct {
	api client.APIClient
	log *slog.Logger
}

var _ runtime.Runtime = (*Provider)(nil)

// NewProvider connects using DOCKER_HOST and friends; host overrides it when set.
func NewProvider(host string, logger *slog.Logger) (*Provider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewProviderWithClient(cli, logger), nil
}

// NewProviderWithClient wraps an existing API client.
func NewProviderWithClient(api client.APIClient, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{api: api, log: logger}
}

// Close releases the underlying client.
func (p *Provider) Close() error { return p.api.Close() }

func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.api.Ping(ctx); err != nil {
		return wrap(err, "ping docker")
	}
	return nil
}

func (p *Provider) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.PortBindings {
		port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return "", fmt.Errorf("invalid port %d: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}

	mounts := make([]mount.Mount, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: v.Name, Target: v.Target})
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Mounts:       mounts,
	}
	if spec.RestartPolicy != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(spec.RestartPolicy)}
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		}
	}

	resp, err := p.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", wrap(err, "create container "+spec.Name)
	}
	for _, w := range resp.Warnings {
		p.log.Warn("docker create warning", "container", spec.Name, "warning", w)
	}
	if err := p.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", wrap(err, "start container "+spec.Name)
	}
	return resp.ID, nil
}

func (p *Provider) Get(ctx context.Context, idOrName string) (runtime.ContainerState, error) {
	info, err := p.api.ContainerInspect(ctx, idOrName)
	if err != nil {
		return runtime.ContainerState{}, wrap(err, "inspect container "+idOrName)
	}

	st := runtime.ContainerState{
		ID:    info.ID,
		Name:  strings.TrimPrefix(info.Name, "/"),
		Ports: map[int]int{},
		IPs:   map[string]string{},
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		st.Created = t
	}
	if info.State != nil {
		st.Status = string(info.State.Status)
		if info.State.Health != nil {
			st.Health = string(info.State.Health.Status)
		}
	}
	if info.Config != nil {
		st.Image = info.Config.Image
		st.Labels = info.Config.Labels
	}
	if info.NetworkSettings != nil {
		for port, binds := range info.NetworkSettings.Ports {
			for _, b := range binds {
				if hp, err := strconv.Atoi(b.HostPort); err == nil {
					st.Ports[port.Int()] = hp
					break
				}
			}
		}
		for name, ep := range info.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress != "" {
				st.IPs[name] = ep.IPAddress
			}
		}
	}
	return st, nil
}

func (p *Provider) ListByLabel(ctx context.Context, label string) ([]runtime.ContainerState, error) {
	list, err := p.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, wrap(err, "list containers with label "+label)
	}

	out := make([]runtime.ContainerState, 0, len(list))
	for _, c := range list {
		st := runtime.ContainerState{
			ID:      c.ID,
			Image:   c.Image,
			Status:  string(c.State),
			Health:  healthFromStatus(c.Status),
			Labels:  c.Labels,
			Created: time.Unix(c.Created, 0).UTC(),
			Ports:   map[int]int{},
			IPs:     map[string]string{},
		}
		if len(c.Names) > 0 {
			st.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, port := range c.Ports {
			if port.PublicPort != 0 {
				st.Ports[int(port.PrivatePort)] = int(port.PublicPort)
			}
		}
		if c.NetworkSettings != nil {
			for name, ep := range c.NetworkSettings.Networks {
				if ep != nil && ep.IPAddress != "" {
					st.IPs[name] = ep.IPAddress
				}
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *Provider) Start(ctx context.Context, idOrName string) error {
	return wrap(p.api.ContainerStart(ctx, idOrName, container.StartOptions{}), "start container "+idOrName)
}

func (p *Provider) Stop(ctx context.Context, idOrName string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return wrap(p.api.ContainerStop(ctx, idOrName, container.StopOptions{Timeout: &secs}), "stop container "+idOrName)
}

func (p *Provider) Restart(ctx context.Context, idOrName string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return wrap(p.api.ContainerRestart(ctx, idOrName, container.StopOptions{Timeout: &secs}), "restart container "+idOrName)
}

func (p *Provider) Remove(ctx context.Context, idOrName string, force bool) error {
	return wrap(p.api.ContainerRemove(ctx, idOrName, container.RemoveOptions{Force: force}), "remove container "+idOrName)
}

func (p *Provider) RemoveVolume(ctx context.Context, name string, force bool) error {
	return wrap(p.api.VolumeRemove(ctx, name, force), "remove volume "+name)
}

// EnsureNetwork creates a bridge network called name unless it exists.
func (p *Provider) EnsureNetwork(ctx context.Context, name string) error {
	_, err := p.api.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return wrap(err, "inspect network "+name)
	}
	_, err = p.api.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil && !cerrdefs.IsConflict(err) {
		return wrap(err, "create network "+name)
	}
	p.log.Info("docker network created", "network", name)
	return nil
}

func (p *Provider) Exec(ctx context.Context, idOrName string, cmd []string) (runtime.ExecResult, error) {
	created, err := p.api.ContainerExecCreate(ctx, idOrName, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return runtime.ExecResult{}, wrap(err, "create exec in "+idOrName)
	}

	attach, err := p.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return runtime.ExecResult{}, wrap(err, "attach exec in "+idOrName)
	}
	defer attach.Close()

	// The hijacked connection does not watch ctx once attached.
	copied := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-copied:
		}
	}()

	var out bytes.Buffer
	_, err = stdcopy.StdCopy(&out, &out, attach.Reader)
	close(copied)
	if ctxErr := ctx.Err(); ctxErr != nil {
		p.log.Warn("exec abandoned, command may still be running",
			"container", idOrName, "cmd", strings.Join(cmd, " "), "error", ctxErr)
		return runtime.ExecResult{Output: out.String()}, fmt.Errorf("exec in %s: %w", idOrName, ctxErr)
	}
	if err != nil {
		return runtime.ExecResult{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := p.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return runtime.ExecResult{Output: out.String()}, wrap(err, "inspect exec in "+idOrName)
	}
	return runtime.ExecResult{ExitCode: inspect.ExitCode, Output: out.String()}, nil
}

func (p *Provider) Logs(ctx context.Context, idOrName string, tail int) ([]byte, error) {
	rc, err := p.api.ContainerLogs(ctx, idOrName, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, wrap(err, "read logs of "+idOrName)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read logs of %s: %w", idOrName, err)
	}
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, bytes.NewReader(raw)); err != nil {
		// TTY containers are not multiplexed.
		return raw, nil
	}
	return out.Bytes(), nil
}

// Stats never fails: any error yields zero usage.
func (p *Provider) Stats(ctx context.Context, idOrName string) runtime.Stats {
	resp, err := p.api.ContainerStats(ctx, idOrName, false)
	if err != nil {
		p.log.Debug("container stats unavailable", "container", idOrName, "error", err)
		return runtime.Stats{}
	}
	defer resp.Body.Close()

	var s container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		p.log.Debug("decode container stats", "container", idOrName, "error", err)
		return runtime.Stats{}
	}
	return runtime.CalculateStats(runtime.StatsSample{
		CPUTotal:       s.CPUStats.CPUUsage.TotalUsage,
		PreCPUTotal:    s.PreCPUStats.CPUUsage.TotalUsage,
		SystemUsage:    s.CPUStats.SystemUsage,
		PreSystemUsage: s.PreCPUStats.SystemUsage,
		MemoryUsage:    s.MemoryStats.Usage,
		MemoryLimit:    s.MemoryStats.Limit,
	})
}

func (p *Provider) ImageExists(ctx context.Context, ref string) (bool, error) {
	images, err := p.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, wrap(err, "list images "+ref)
	}
	return len(images) > 0, nil
}

func (p *Provider) ListImages(ctx context.Context, reference string) ([]runtime.Image, error) {
	opts := image.ListOptions{}
	if reference != "" {
		opts.Filters = filters.NewArgs(filters.Arg("reference", reference))
	}
	list, err := p.api.ImageList(ctx, opts)
	if err != nil {
		return nil, wrap(err, "list images")
	}

	var out []runtime.Image
	for _, img := range list {
		for _, tag := range img.RepoTags {
			name, version := splitTag(tag)
			out = append(out, runtime.Image{
				ID:      shortImageID(img.ID),
				Name:    name,
				Tag:     version,
				Created: time.Unix(img.Created, 0).UTC(),
				SizeMB:  float64(img.Size*10/1024/1024) / 10,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

func (p *Provider) PruneDanglingImages(ctx context.Context) (int, error) {
	report, err := p.api.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return 0, wrap(err, "prune dangling images")
	}
	return len(report.ImagesDeleted), nil
}

// wrap maps daemon errors onto the runtime sentinels.
func wrap(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %v", what, runtime.ErrNotFound, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%s: %w: %v", what, runtime.ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// healthFromStatus extracts the health from list output such as
// "Up 5 minutes (healthy)".
func healthFromStatus(status string) string {
	switch {
	case strings.Contains(status, "(healthy)"):
		return runtime.HealthHealthy
	case strings.Contains(status, "(unhealthy)"):
		return runtime.HealthUnhealthy
	case strings.Contains(status, "(health: starting)"):
		return runtime.HealthStarting
	default:
		return runtime.HealthNone
	}
}

func splitTag(ref string) (string, string) {
	i := strings.LastIndex(ref, ":")
	if i < 0 || strings.Contains(ref[i:], "/") {
		return ref, "latest"
	}
	return ref[:i], ref[i+1:]
}

func shortImageID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
