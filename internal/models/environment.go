// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an environment id is not in the registry.
	ErrNotFound = errors.New("environment not found")
	// ErrAlreadyExists is returned when creating an environment whose id is taken.
	ErrAlreadyExists = errors.New("environment already exists")
	// ErrInvalid marks a request that failed validation.
	ErrInvalid = errors.New("invalid request")
)

// Mode is the kind of development environment.
type Mode string

const (
	ModeWorkspace Mode = "workspace"
	ModeGit       Mode = "git"
	ModeSSH       Mode = "ssh"
	ModeTerminal  Mode = "terminal"
)

// Cached status values stored on a record.
const (
	StatusRunning  = "running"
	StatusStarting = "starting"
	StatusExited   = "exited"
	StatusCreated  = "created"
	StatusUnknown  = "unknown"
)

// ParseMode validates a mode string. Empty means workspace.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeWorkspace, nil
	case ModeWorkspace, ModeGit, ModeSSH, ModeTerminal:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalid, s)
	}
}

// PathAliases overrides the in-container folder opened for each mode.
type PathAliases struct {
	Workspace string `json:"workspace" mapstructure:"workspace" yaml:"workspace"`
	Remote    string `json:"remote" mapstructure:"remote" yaml:"remote"`
	Repo      string `json:"repo" mapstructure:"repo" yaml:"repo"`
}

// WorkspaceFolder returns the folder the editor should open for this mode.
func (m Mode) WorkspaceFolder(aliases PathAliases) string {
	switch m {
	case ModeGit:
		return valOr(aliases.Repo, "/repo")
	case ModeSSH:
		return valOr(aliases.Remote, "/remote")
	default:
		return valOr(aliases.Workspace, "/workspace")
	}
}

// EnvironmentRecord is one tracked environment as persisted in the registry file.
type EnvironmentRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	ContainerID string    `json:"container_id"`
	Port        int       `json:"port"`
	Mode        Mode      `json:"mode"`
	CreatedAt   time.Time `json:"created_at"`
	Project     string    `json:"project,omitempty"`
	GitURL      string    `json:"git_url,omitempty"`
	SSHHost     string    `json:"ssh_host,omitempty"`
	SSHUser     string    `json:"ssh_user,omitempty"`
	SSHPath     string    `json:"ssh_path,omitempty"`
	SSHPassword string    `json:"ssh_password,omitempty"`
	ParentEnvID string    `json:"parent_env_id,omitempty"`
	Children    []string  `json:"children"`
	Status      string    `json:"status,omitempty"`
}

// Registry maps environment id to record.
type Registry map[string]*EnvironmentRecord

// IDs returns the registry keys in sorted order.
func (r Registry) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ByContainerID returns the record owning the given container id, or nil.
func (r Registry) ByContainerID(containerID string) *EnvironmentRecord {
	for _, rec := range r {
		if rec.ContainerID == containerID {
			return rec
		}
	}
	return nil
}

// NextPort returns the lowest port >= base that no record uses and that is
// not in reserved.
func (r Registry) NextPort(base int, reserved map[int]bool) int {
	used := make(map[int]bool, len(r))
	for _, rec := range r {
		used[rec.Port] = true
	}
	port := base
	for used[port] || reserved[port] {
		port++
	}
	return port
}

// Detach removes id from its parent's children and clears the parent link
// of its own children.
func (r Registry) Detach(id string) {
	rec, ok := r[id]
	if !ok {
		return
	}
	if parent, ok := r[rec.ParentEnvID]; ok {
		parent.Children = removeString(parent.Children, id)
	}
	for _, childID := range rec.Children {
		if child, ok := r[childID]; ok && child.ParentEnvID == id {
			child.ParentEnvID = ""
		}
	}
}

// TreeNode is one environment in the parent/child hierarchy.
type TreeNode struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Status   string      `json:"status,omitempty"`
	Children []*TreeNode `json:"children"`
}

// Trees builds the hierarchy rooted at records without a known parent.
// Cycles are cut at the first revisit.
func (r Registry) Trees() []*TreeNode {
	var roots []*TreeNode
	seen := make(map[string]bool, len(r))
	var build func(id string) *TreeNode
	build = func(id string) *TreeNode {
		rec := r[id]
		seen[id] = true
		node := &TreeNode{ID: id, Name: rec.DisplayName, Status: rec.Status, Children: []*TreeNode{}}
		for _, childID := range rec.Children {
			if _, ok := r[childID]; !ok || seen[childID] {
				continue
			}
			node.Children = append(node.Children, build(childID))
		}
		return node
	}
	for _, id := range r.IDs() {
		rec := r[id]
		if _, hasParent := r[rec.ParentEnvID]; hasParent && rec.ParentEnvID != id {
			continue
		}
		roots = append(roots, build(id))
	}
	return roots
}

// Kebabify lowercases s and collapses every run of characters outside
// [a-z0-9] into a single '-', trimming leading and trailing separators.
func Kebabify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, c := range strings.ToLower(s) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(c)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// DefaultEnvName is the name used when a create request omits one.
func DefaultEnvName(now time.Time) string {
	return "env-" + now.Format("20060102-150405")
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func valOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
