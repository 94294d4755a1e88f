// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package version reports which devfarm build is running.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Release builds inject these with
//
//	-ldflags "-X github.com/devfarm/devfarm/internal/version.Version=v1.4.0 ..."
//
// Builds without ldflags fall back to the module build info.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Short is the release version, e.g. "v1.4.0".
func Short() string {
	if Version != "dev" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return Version
}

// Info is the line printed by --version and the version command.
func Info() string {
	return fmt.Sprintf("devfarm %s (commit: %s, built: %s, go: %s)",
		Short(), revision(), BuildTime, runtime.Version())
}

// UserAgent identifies outbound requests, e.g. "devfarm/v1.4.0".
func UserAgent() string {
	return "devfarm/" + Short()
}

func revision() string {
	if Commit != "unknown" {
		return Commit
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return Commit
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return Commit
}
