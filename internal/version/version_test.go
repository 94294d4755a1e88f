// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	oldVersion, oldCommit := Version, Commit
	Version, Commit = "1.2.3", "abc1234"
	defer func() { Version, Commit = oldVersion, oldCommit }()

	assert.True(t, strings.HasPrefix(Info(), "devfarm 1.2.3 (commit: abc1234, "))
	assert.Equal(t, "1.2.3", Short())
	assert.Equal(t, "devfarm/1.2.3", UserAgent())
}

func TestUserAgentWithoutLdflags(t *testing.T) {
	assert.True(t, strings.HasPrefix(UserAgent(), "devfarm/"))
	assert.NotEqual(t, "devfarm/", UserAgent())
}
