// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package models

// Container labels written on create and read back by registry recovery.
const (
	LabelEnvID       = "devfarm.env"
	LabelMode        = "devfarm.mode"
	LabelProject     = "devfarm.project"
	LabelDisplayName = "devfarm.display_name"
	LabelParent      = "devfarm.parent"
	LabelGitURL      = "devfarm.git_url"
)
