// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package runtime

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a container, volume or image does not exist.
	ErrNotFound = errors.New("not found in container runtime")
	// ErrUnavailable is returned when the container runtime cannot be reached.
	ErrUnavailable = errors.New("container runtime unavailable")
)

// Container status strings as reported by the runtime.
const (
	StatusCreated    = "created"
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusRestarting = "restarting"
	StatusExited     = "exited"
	StatusDead       = "dead"
)

// Health states. An empty Health means the image defines no healthcheck.
const (
	HealthNone      = ""
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// VolumeMount binds a named volume into a container.
type VolumeMount struct {
	Name   string
	Target string
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           map[string]string
	Labels        map[string]string
	PortBindings  map[int]int // container port -> host port
	Volumes       []VolumeMount
	Network       string
	RestartPolicy string
}

// ContainerState is a point-in-time view of one container.
type ContainerState struct {
	ID      string
	Name    string
	Image   string
	Status  string
	Health  string
	Labels  map[string]string
	Created time.Time
	Ports   map[int]int       // container port -> host port
	IPs     map[string]string // network -> address
}

// Running reports whether the container process is up.
func (c ContainerState) Running() bool { return c.Status == StatusRunning }

// ShortID is the 12-character id the docker CLI prints.
func (c ContainerState) ShortID() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Output   string
}

// Image is a local image tag.
type Image struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Tag     string    `json:"tag"`
	Created time.Time `json:"created"`
	SizeMB  float64   `json:"size_mb"`
}

// StatsSample holds the raw counters of one stats read.
type StatsSample struct {
	CPUTotal       uint64
	PreCPUTotal    uint64
	SystemUsage    uint64
	PreSystemUsage uint64
	MemoryUsage    uint64
	MemoryLimit    uint64
}

// Stats is the derived resource usage of a container.
type Stats struct {
	CPUPercent    float64 `json:"cpu"`
	MemoryPercent float64 `json:"memory"`
	MemoryMB      float64 `json:"memory_mb"`
}
