// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package readiness decides whether an environment's editor is serving.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/devfarm/devfarm/internal/metrics"
	"github.com/devfarm/devfarm/internal/runtime"
)

const (
	DefaultTimeout     = 1500 * time.Millisecond
	DefaultServicePort = 8080
	DefaultLocalHost   = "localhost"
)

// Inspector looks up a container's current state.
type Inspector interface {
	Get(ctx context.Context, idOrName string) (runtime.ContainerState, error)
}

// Options tunes the HTTP probes.
type Options struct {
	Timeout     time.Duration
	ServicePort int
	LocalHost   string
	// Transport replaces the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Prober combines the runtime healthcheck with HTTP probes.
type Prober struct {
	rt          Inspector
	client      *http.Client
	servicePort int
	localHost   string
	log         *slog.Logger
}

// NewProber returns a prober. rt may be nil, in which case only HTTP probes run.
func NewProber(rt Inspector, opts Options, logger *slog.Logger) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ServicePort <= 0 {
		opts.ServicePort = DefaultServicePort
	}
	if opts.LocalHost == "" {
		opts.LocalHost = DefaultLocalHost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		rt: rt,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		servicePort: opts.ServicePort,
		localHost:   opts.LocalHost,
		log:         logger,
	}
}

// IsReady reports whether containerName is serving. A healthcheck, when the
// image defines one, is authoritative. Otherwise the service port is probed
// over the container network, then fallbackPort on the local host.
// Every failure is reported as not ready.
func (p *Prober) IsReady(ctx context.Context, containerName string, fallbackPort int) bool {
	if p.rt != nil {
		st, err := p.rt.Get(ctx, containerName)
		if err == nil && st.Health != runtime.HealthNone {
			ready := st.Health == runtime.HealthHealthy
			metrics.ObserveProbe("healthcheck", ready)
			return ready
		}
	}

	if p.probe(ctx, fmt.Sprintf("http://%s:%d", containerName, p.servicePort)) {
		metrics.ObserveProbe("network", true)
		return true
	}
	if fallbackPort > 0 && p.probe(ctx, fmt.Sprintf("http://%s:%d", p.localHost, fallbackPort)) {
		metrics.ObserveProbe("host", true)
		return true
	}
	metrics.ObserveProbe("http", false)
	return false
}

func (p *Prober) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("readiness probe failed", "url", url, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}
