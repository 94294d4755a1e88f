// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package runtime defines the container operations the dashboard depends on.
package runtime

import (
	"context"
	"math"
	"time"
)

// Runtime is the capability set the dashboard needs from a container engine.
// Lookups accept either a container id or a name.
type Runtime interface {
	Ping(ctx context.Context) error

	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Get(ctx context.Context, idOrName string) (ContainerState, error)
	ListByLabel(ctx context.Context, label string) ([]ContainerState, error)
	Start(ctx context.Context, idOrName string) error
	Stop(ctx context.Context, idOrName string, timeout time.Duration) error
	Restart(ctx context.Context, idOrName string, timeout time.Duration) error
	Remove(ctx context.Context, idOrName string, force bool) error
	RemoveVolume(ctx context.Context, name string, force bool) error
	EnsureNetwork(ctx context.Context, name string) error

	Exec(ctx context.Context, idOrName string, cmd []string) (ExecResult, error)
	Logs(ctx context.Context, idOrName string, tail int) ([]byte, error)
	Stats(ctx context.Context, idOrName string) Stats

	ImageExists(ctx context.Context, ref string) (bool, error)
	ListImages(ctx context.Context, reference string) ([]Image, error)
	PruneDanglingImages(ctx context.Context) (int, error)
}

// CalculateStats derives usage percentages from raw counters. Zero or
// negative denominators yield zero rather than an error.
func CalculateStats(s StatsSample) Stats {
	var cpu, mem float64

	cpuDelta := float64(s.CPUTotal) - float64(s.PreCPUTotal)
	systemDelta := float64(s.SystemUsage) - float64(s.PreSystemUsage)
	if systemDelta > 0 && cpuDelta > 0 {
		cpu = cpuDelta / systemDelta * 100
	}
	if s.MemoryLimit > 0 {
		mem = float64(s.MemoryUsage) / float64(s.MemoryLimit) * 100
	}

	return Stats{
		CPUPercent:    round1(cpu),
		MemoryPercent: round1(mem),
		MemoryMB:      round1(float64(s.MemoryUsage) / 1024 / 1024),
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
