// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package logging configures the process-wide slog logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/devfarm/devfarm/internal/config"
)

const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Setup builds the logger described by cfg, installs it as the slog
// default and returns it with a closer for the rotated file, if any.
func Setup(cfg config.LogConfig, stderr io.Writer) (*slog.Logger, io.Closer) {
	if stderr == nil {
		stderr = os.Stderr
	}
	var w io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lj.Logger{
			Filename:   cfg.File,
			MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   cfg.Compress,
		}
		w = io.MultiWriter(stderr, file)
		closer = file
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "color":
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, closer
}

// ParseLevel maps debug/info/warn/error to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ColorTextHandler prefixes each record with an ANSI-colored level.
type ColorTextHandler struct {
	*slog.TextHandler
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var color string
	switch {
	case r.Level >= slog.LevelError:
		color = "\033[31m"
	case r.Level >= slog.LevelWarn:
		color = "\033[33m"
	case r.Level >= slog.LevelInfo:
		color = "\033[32m"
	default:
		color = "\033[36m"
	}
	r.Message = color + r.Level.String() + "\033[0m  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
