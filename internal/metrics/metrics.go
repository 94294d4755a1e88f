// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package metrics exposes the dashboard's Prometheus collectors.
// Recording helpers are no-ops until Register succeeds.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devfarm",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconcile passes by outcome.",
		}, []string{"result"},
	)
	reconcilePruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devfarm",
			Subsystem: "reconcile",
			Name:      "pruned_records_total",
			Help:      "Registry records removed because their container was gone.",
		},
	)
	registryWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devfarm",
			Subsystem: "registry",
			Name:      "writes_total",
			Help:      "Registry file saves.",
		},
	)
	updateRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devfarm",
			Subsystem: "update",
			Name:      "runs_total",
			Help:      "Self-update runs by result.",
		}, []string{"result"},
	)
	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devfarm",
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Connected event stream subscribers.",
		},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devfarm",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber mailbox was full.",
		},
	)
	readinessProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devfarm",
			Subsystem: "readiness",
			Name:      "probes_total",
			Help:      "Readiness probe results by source.",
		}, []string{"source", "ready"},
	)
)

// Register registers all collectors with r. Calling it again after a
// successful registration is a no-op.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		reconcileRuns, reconcilePruned, registryWrites, updateRuns,
		streamSubscribers, eventsDropped, readinessProbes,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func ObserveReconcile(result string, pruned int) {
	if regOK.Load() {
		reconcileRuns.WithLabelValues(result).Inc()
		reconcilePruned.Add(float64(pruned))
	}
}

func IncRegistryWrite() {
	if regOK.Load() {
		registryWrites.Inc()
	}
}

func IncUpdateRun(result string) {
	if regOK.Load() {
		updateRuns.WithLabelValues(result).Inc()
	}
}

func SetSubscribers(n int) {
	if regOK.Load() {
		streamSubscribers.Set(float64(n))
	}
}

func IncEventsDropped() {
	if regOK.Load() {
		eventsDropped.Inc()
	}
}

func ObserveProbe(source string, ready bool) {
	if regOK.Load() {
		v := "false"
		if ready {
			v = "true"
		}
		readinessProbes.WithLabelValues(source, v).Inc()
	}
}
