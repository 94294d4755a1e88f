// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package git runs the git commands the self-update pipeline needs.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// waitDelay bounds how long Run waits for helpers such as
// git-remote-https that still hold the output pipes after git is killed.
const waitDelay = time.Second

// Runner executes git in dir and returns combined output.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// CLI runs the git binary. Each invocation is bounded by Timeout when set.
type CLI struct {
	Timeout time.Duration
	// Env is appended to the process environment.
	Env []string
}

// CommandError carries the output of a failed git invocation.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if tail := Tail(e.Output, 5); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func (c CLI) Run(ctx context.Context, dir string, args ...string) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, c.Env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out: %w", ctx.Err())
		}
		return out.String(), &CommandError{Args: args, Output: out.String(), Err: err}
	}
	return out.String(), nil
}

// Repo is a checkout on disk.
type Repo struct {
	Path   string
	runner Runner
}

// Open returns a Repo at path using runner; a nil runner uses CLI.
func Open(path string, runner Runner) *Repo {
	if runner == nil {
		runner = CLI{Timeout: 30 * time.Second}
	}
	return &Repo{Path: path, runner: runner}
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	out, err := r.runner.Run(ctx, r.Path, args...)
	return strings.TrimSpace(out), err
}

// IsRepo reports whether Path is inside a git work tree.
func (r *Repo) IsRepo(ctx context.Context) bool {
	out, err := r.git(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// RevParse resolves ref to a full commit hash.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	return r.git(ctx, "rev-parse", ref)
}

// Stash stashes tracked and untracked changes. A clean tree is not an error.
func (r *Repo) Stash(ctx context.Context) error {
	_, err := r.git(ctx, "stash", "push", "--include-untracked", "-m", "devfarm-update")
	return err
}

// ResetHard discards all local modifications.
func (r *Repo) ResetHard(ctx context.Context) error {
	_, err := r.git(ctx, "reset", "--hard", "HEAD")
	return err
}

func (r *Repo) Fetch(ctx context.Context, remote, branch string) error {
	_, err := r.git(ctx, "fetch", remote, branch)
	return err
}

func (r *Repo) Checkout(ctx context.Context, branch string) error {
	_, err := r.git(ctx, "checkout", branch)
	return err
}

// Pull fast-forwards branch from remote and returns git's output.
func (r *Repo) Pull(ctx context.Context, remote, branch string) (string, error) {
	return r.git(ctx, "pull", "--ff-only", remote, branch)
}

// ChangedFiles lists paths that differ between two revisions.
func (r *Repo) ChangedFiles(ctx context.Context, from, to string) ([]string, error) {
	out, err := r.git(ctx, "diff", "--name-only", from, to)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// CommitsBetween counts commits reachable from to but not from.
func (r *Repo) CommitsBetween(ctx context.Context, from, to string) (int, error) {
	out, err := r.git(ctx, "rev-list", "--count", from+".."+to)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// Short abbreviates a commit hash to seven characters.
func Short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// Tail returns the last n non-empty lines of s.
func Tail(s string, n int) string {
	lines := splitLines(s)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimRight(line, "\r "); line != "" {
			out = append(out, line)
		}
	}
	return out
}
