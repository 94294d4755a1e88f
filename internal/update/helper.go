// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package update

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/devfarm/devfarm/internal/config"
	"github.com/devfarm/devfarm/internal/git"
	"github.com/devfarm/devfarm/internal/runtime"
)

const (
	buildTailLines = 20
	buildTailBytes = 2048
)

// Helper is the container access used to drive the long-lived builder.
type Helper interface {
	Get(ctx context.Context, idOrName string) (runtime.ContainerState, error)
	Start(ctx context.Context, idOrName string) error
	Exec(ctx context.Context, idOrName string, cmd []string) (runtime.ExecResult, error)
	PruneDanglingImages(ctx context.Context) (int, error)
}

// ensureHelper starts the helper container if it is stopped.
func ensureHelper(ctx context.Context, h Helper, name string) error {
	st, err := h.Get(ctx, name)
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return fmt.Errorf("helper container %s not found", name)
		}
		return err
	}
	if st.Running() {
		return nil
	}
	if err := h.Start(ctx, name); err != nil {
		return fmt.Errorf("start helper container %s: %w", name, err)
	}
	return nil
}

// buildCommand rebuilds one image from the repository checkout inside the helper.
func buildCommand(repoPath string, img config.ImageBuild) []string {
	ctxDir := img.Context
	if ctxDir == "" {
		ctxDir = "."
	}
	args := []string{"docker", "build", "-t", shellQuote(img.Tag)}
	if img.Dockerfile != "" {
		args = append(args, "-f", shellQuote(img.Dockerfile))
	}
	args = append(args, shellQuote(ctxDir))
	script := "cd " + shellQuote(repoPath) + " && " + strings.Join(args, " ") + " 2>&1"
	return []string{"sh", "-c", script}
}

// restartCommand schedules recreation of the dashboard service from the
// helper, detached so it outlives the dashboard process, then polls the
// health URL a bounded number of times.
func restartCommand(opts Options) []string {
	compose := "docker compose"
	if opts.ComposeFile != "" {
		compose += " -f " + shellQuote(opts.ComposeFile)
	}
	interval := int(opts.HealthInterval.Seconds())
	if interval < 1 {
		interval = 1
	}
	health := shellQuote(opts.HealthURL)
	inner := strings.Join([]string{
		"sleep 2",
		"cd " + shellQuote(opts.HelperRepoPath),
		compose + " up -d --force-recreate " + shellQuote(opts.ComposeService),
		"i=0",
		"while [ $i -lt " + strconv.Itoa(opts.HealthAttempts) + " ]; do " +
			"(curl -fsS " + health + " || wget -q -O- " + health + ") >/dev/null 2>&1 && echo healthy && exit 0; " +
			"i=$((i+1)); sleep " + strconv.Itoa(interval) + "; done",
		"echo unhealthy after " + strconv.Itoa(opts.HealthAttempts) + " attempts",
		"exit 1",
	}, "; ")
	script := "nohup sh -c " + shellQuote(inner) + " > /tmp/devfarm-restart.log 2>&1 &"
	return []string{"sh", "-c", script}
}

// truncateOutput keeps the last lines of build output within a byte bound.
func truncateOutput(out string) string {
	tail := git.Tail(out, buildTailLines)
	if len(tail) > buildTailBytes {
		tail = "..." + tail[len(tail)-buildTailBytes:]
	}
	return tail
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
