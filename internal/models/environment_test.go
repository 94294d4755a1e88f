// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKebabify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Cool Project", "my-cool-project"},
		{"Test_Env 123", "test-env-123"},
		{"---Already--kebab---", "already-kebab"},
		{"  spaces   everywhere ", "spaces-everywhere"},
		{"UPPER", "upper"},
		{"a!!b??c", "a-b-c"},
		{"", ""},
		{"___", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Kebabify(tt.in))
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeWorkspace, m)

	m, err = ParseMode("Git")
	require.NoError(t, err)
	assert.Equal(t, ModeGit, m)

	_, err = ParseMode("docker-in-docker")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestWorkspaceFolder(t *testing.T) {
	assert.Equal(t, "/repo", ModeGit.WorkspaceFolder(PathAliases{}))
	assert.Equal(t, "/remote", ModeSSH.WorkspaceFolder(PathAliases{}))
	assert.Equal(t, "/workspace", ModeTerminal.WorkspaceFolder(PathAliases{}))
	assert.Equal(t, "/workspace", Mode("other").WorkspaceFolder(PathAliases{}))
	assert.Equal(t, "/home/coder/repo", ModeGit.WorkspaceFolder(PathAliases{Repo: "/home/coder/repo"}))
}

func TestNextPortSkipsUsedAndReserved(t *testing.T) {
	reg := Registry{
		"a": {ID: "a", Port: 8100},
		"b": {ID: "b", Port: 8101},
		"c": {ID: "c", Port: 8103},
	}
	assert.Equal(t, 8102, reg.NextPort(8100, nil))
	assert.Equal(t, 8104, reg.NextPort(8100, map[int]bool{8102: true}))
	assert.Equal(t, 8100, Registry{}.NextPort(8100, nil))

	for i := 0; i < 20; i++ {
		p := reg.NextPort(8100, nil)
		for _, rec := range reg {
			require.NotEqual(t, rec.Port, p)
		}
		id := string(rune('d' + i))
		reg[id] = &EnvironmentRecord{ID: id, Port: p}
	}
}

func TestDetach(t *testing.T) {
	reg := Registry{
		"parent": {ID: "parent", Children: []string{"mid", "other"}},
		"mid":    {ID: "mid", ParentEnvID: "parent", Children: []string{"leaf"}},
		"leaf":   {ID: "leaf", ParentEnvID: "mid", Children: []string{}},
		"other":  {ID: "other", ParentEnvID: "parent", Children: []string{}},
	}
	reg.Detach("mid")
	assert.Equal(t, []string{"other"}, reg["parent"].Children)
	assert.Empty(t, reg["leaf"].ParentEnvID)

	reg.Detach("missing")
}

func TestTrees(t *testing.T) {
	reg := Registry{
		"root":   {ID: "root", DisplayName: "Root", Children: []string{"child", "ghost"}},
		"child":  {ID: "child", DisplayName: "Child", ParentEnvID: "root"},
		"orphan": {ID: "orphan", DisplayName: "Orphan", ParentEnvID: "deleted"},
	}
	trees := reg.Trees()
	require.Len(t, trees, 2)
	assert.Equal(t, "orphan", trees[0].ID)
	assert.Equal(t, "root", trees[1].ID)
	require.Len(t, trees[1].Children, 1)
	assert.Equal(t, "Child", trees[1].Children[0].Name)
}

func TestDefaultEnvName(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, "env-20260304-050607", DefaultEnvName(ts))
}
