// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devfarm/devfarm/internal/config"
	"github.com/devfarm/devfarm/internal/environment"
)

func TestReconcileOptionsExcludeSystemContainers(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	opts := reconcileOptions(cfg)
	assert.Equal(t, "dev-farm=true", opts.Label)
	assert.Equal(t, "devfarm-", opts.ContainerPrefix)
	assert.Equal(t, 8080, opts.ServicePort)
	assert.ElementsMatch(t, []string{"devfarm-dashboard", "devfarm-updater"}, opts.Exclude)
	assert.Equal(t, 30*time.Second, opts.Interval)
	assert.Equal(t, 2*time.Second, opts.StatusInterval)

	envOpts := environment.OptionsFromConfig(cfg)
	assert.ElementsMatch(t, opts.Exclude, envOpts.ReservedContainers)
	assert.Equal(t, "devfarm", envOpts.Network)
}

func TestWaitFor(t *testing.T) {
	assert.True(t, waitFor(context.Background(), func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	block := make(chan struct{})
	defer close(block)
	assert.False(t, waitFor(ctx, func() { <-block }))
}
