// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devfarm/devfarm/internal/runtime"
)

// fakeAPI overrides the handful of calls under test; anything else panics
// through the nil embedded interface.
type fakeAPI struct {
	client.APIClient
	statsBody string
	statsErr  error
	inspect   map[string]container.InspectResponse
	networks  map[string]bool
	created   []string
}

func (f *fakeAPI) NetworkInspect(_ context.Context, name string, _ network.InspectOptions) (network.Inspect, error) {
	if !f.networks[name] {
		return network.Inspect{}, fmt.Errorf("network %s not found: %w", name, cerrdefs.ErrNotFound)
	}
	return network.Inspect{Name: name}, nil
}

func (f *fakeAPI) NetworkCreate(_ context.Context, name string, opts network.CreateOptions) (network.CreateResponse, error) {
	f.created = append(f.created, name+"/"+opts.Driver)
	f.networks[name] = true
	return network.CreateResponse{ID: "net-" + name}, nil
}

func (f *fakeAPI) ContainerStats(_ context.Context, _ string, _ bool) (container.StatsResponseReader, error) {
	if f.statsErr != nil {
		return container.StatsResponseReader{}, f.statsErr
	}
	return container.StatsResponseReader{Body: io.NopCloser(strings.NewReader(f.statsBody))}, nil
}

func (f *fakeAPI) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	info, ok := f.inspect[id]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container: %s: %w", id, cerrdefs.ErrNotFound)
	}
	return info, nil
}

func TestStatsCalculatesFromDaemonPayload(t *testing.T) {
	api := &fakeAPI{statsBody: `{
		"cpu_stats": {"cpu_usage": {"total_usage": 300000}, "system_cpu_usage": 2000000},
		"precpu_stats": {"cpu_usage": {"total_usage": 100000}, "system_cpu_usage": 1000000},
		"memory_stats": {"usage": 524288000, "limit": 1048576000}
	}`}
	p := NewProviderWithClient(api, nil)

	stats := p.Stats(context.Background(), "abc")
	assert.Equal(t, runtime.Stats{CPUPercent: 20.0, MemoryPercent: 50.0, MemoryMB: 500.0}, stats)
}

func TestStatsDegradesToZero(t *testing.T) {
	p := NewProviderWithClient(&fakeAPI{statsErr: errors.New("daemon gone")}, nil)
	assert.Equal(t, runtime.Stats{}, p.Stats(context.Background(), "abc"))

	p = NewProviderWithClient(&fakeAPI{statsBody: "not json"}, nil)
	assert.Equal(t, runtime.Stats{}, p.Stats(context.Background(), "abc"))
}

func TestGetMapsInspectResponse(t *testing.T) {
	api := &fakeAPI{inspect: map[string]container.InspectResponse{
		"devfarm-alpha": {
			ContainerJSONBase: &container.ContainerJSONBase{
				ID:      "0123456789abcdef",
				Name:    "/devfarm-alpha",
				Created: "2026-01-02T03:04:05.000000006Z",
				State: &container.State{
					Status: "running",
					Health: &container.Health{Status: "healthy"},
				},
			},
			Config: &container.Config{Image: "devfarm/code-server:latest", Labels: map[string]string{"devfarm.env": "alpha"}},
			NetworkSettings: &container.NetworkSettings{
				NetworkSettingsBase: container.NetworkSettingsBase{
					Ports: nat.PortMap{"8080/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "8100"}}},
				},
			},
		},
	}}
	p := NewProviderWithClient(api, nil)

	st, err := p.Get(context.Background(), "devfarm-alpha")
	require.NoError(t, err)
	assert.Equal(t, "devfarm-alpha", st.Name)
	assert.Equal(t, runtime.StatusRunning, st.Status)
	assert.Equal(t, runtime.HealthHealthy, st.Health)
	assert.Equal(t, 8100, st.Ports[8080])
	assert.Equal(t, "alpha", st.Labels["devfarm.env"])
	assert.Equal(t, 2026, st.Created.Year())
}

func TestGetNotFound(t *testing.T) {
	p := NewProviderWithClient(&fakeAPI{}, nil)
	_, err := p.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, runtime.ErrNotFound)
}

func TestHealthFromStatus(t *testing.T) {
	assert.Equal(t, runtime.HealthHealthy, healthFromStatus("Up 5 minutes (healthy)"))
	assert.Equal(t, runtime.HealthUnhealthy, healthFromStatus("Up 1 hour (unhealthy)"))
	assert.Equal(t, runtime.HealthStarting, healthFromStatus("Up 3 seconds (health: starting)"))
	assert.Equal(t, runtime.HealthNone, healthFromStatus("Exited (0) 2 days ago"))
}

func TestSplitTag(t *testing.T) {
	name, tag := splitTag("dev-farm/code-server:v2")
	assert.Equal(t, "dev-farm/code-server", name)
	assert.Equal(t, "v2", tag)

	name, tag = splitTag("localhost:5000/dev-farm")
	assert.Equal(t, "localhost:5000/dev-farm", name)
	assert.Equal(t, "latest", tag)
}

func TestEnsureNetworkCreatesOnce(t *testing.T) {
	api := &fakeAPI{networks: map[string]bool{}}
	p := NewProviderWithClient(api, nil)

	require.NoError(t, p.EnsureNetwork(context.Background(), "devfarm"))
	require.NoError(t, p.EnsureNetwork(context.Background(), "devfarm"))
	assert.Equal(t, []string{"devfarm/bridge"}, api.created)
}

// hijackingDaemon answers exec create and then holds the attached stream
// open without writing, like a build that never finishes.
func hijackingDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/containers/helper/exec"):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"Id":"e1"}`))
		case strings.HasSuffix(r.URL.Path, "/exec/e1/start"):
			conn, buf, err := w.(http.Hijacker).Hijack()
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = buf.WriteString("HTTP/1.1 101 UPGRADED\r\n" +
				"Content-Type: application/vnd.docker.raw-stream\r\n" +
				"Connection: Upgrade\r\nUpgrade: tcp\r\n\r\n")
			_ = buf.Flush()
			select {
			case <-release:
			case <-time.After(10 * time.Second):
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func TestExecStopsAtDeadline(t *testing.T) {
	srv := hijackingDaemon(t)
	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+srv.Listener.Addr().String()),
		client.WithVersion("1.47"),
	)
	require.NoError(t, err)
	p := NewProviderWithClient(cli, nil)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = p.Exec(ctx, "helper", []string{"docker", "build", "."})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
