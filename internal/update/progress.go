// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package update

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned when an update or build is requested while
// another is in flight.
var ErrAlreadyRunning = errors.New("update already in progress")

// StageStatus is the state reported for one pipeline step.
type StageStatus string

const (
	StatusStarting StageStatus = "starting"
	StatusProgress StageStatus = "progress"
	StatusSuccess  StageStatus = "success"
	StatusWarning  StageStatus = "warning"
	StatusError    StageStatus = "error"
	StatusSkipped  StageStatus = "skipped"
)

// Stage names in pipeline order. Image builds use "build:<type>".
const (
	StageValidate = "validate"
	StageRevision = "revision"
	StageStash    = "stash"
	StageFetch    = "fetch"
	StageCompare  = "compare"
	StageCheckout = "checkout"
	StagePull     = "pull"
	StageChanges  = "changes"
	StageCleanup  = "cleanup"
	StageRestart  = "restart"
	StageComplete = "complete"
)

// StageRecord is one entry in the progress log.
type StageRecord struct {
	Stage     string      `json:"stage"`
	Status    StageStatus `json:"status"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// StageError is a hard failure that ends a run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Progress is the externally visible state of the current or last run.
type Progress struct {
	RunID      string        `json:"run_id,omitempty"`
	Running    bool          `json:"running"`
	Success    *bool         `json:"success"`
	Stages     []StageRecord `json:"stages"`
	Error      string        `json:"error,omitempty"`
	FromSHA    string        `json:"from_sha,omitempty"`
	ToSHA      string        `json:"to_sha,omitempty"`
	Rebuilt    []string      `json:"rebuilt,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// tracker guards the shared Progress.
type tracker struct {
	mu  sync.Mutex
	p   Progress
	now func() time.Time
}

func (t *tracker) reset(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().UTC()
	t.p = Progress{RunID: runID, Running: true, Stages: []StageRecord{}, StartedAt: &now}
}

func (t *tracker) add(stage string, status StageStatus, msg string) (StageRecord, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := StageRecord{Stage: stage, Status: status, Message: msg, Timestamp: t.now().UTC()}
	t.p.Stages = append(t.p.Stages, rec)
	return rec, t.p.RunID
}

func (t *tracker) set(fn func(p *Progress)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.p)
}

func (t *tracker) finish(err error) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().UTC()
	ok := err == nil
	t.p.Running = false
	t.p.Success = &ok
	t.p.FinishedAt = &now
	if err != nil {
		t.p.Error = err.Error()
	}
	return t.snapshotLocked()
}

func (t *tracker) snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *tracker) snapshotLocked() Progress {
	p := t.p
	p.Stages = append([]StageRecord{}, t.p.Stages...)
	p.Rebuilt = append([]string(nil), t.p.Rebuilt...)
	return p
}
