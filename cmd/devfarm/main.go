// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package main

import (
	"os"

	"github.com/devfarm/devfarm/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
