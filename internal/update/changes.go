// Copyright (c) 2026 Devfarm Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package update

import (
	"fmt"

	"github.com/moby/patternmatcher"

	"github.com/devfarm/devfarm/internal/config"
)

// AffectedImages returns the images whose patterns match any changed file,
// in configuration order.
func AffectedImages(images []config.ImageBuild, changed []string) ([]config.ImageBuild, error) {
	var out []config.ImageBuild
	for _, img := range images {
		if len(img.Patterns) == 0 {
			continue
		}
		pm, err := patternmatcher.New(img.Patterns)
		if err != nil {
			return nil, fmt.Errorf("image %s: invalid patterns: %w", img.Type, err)
		}
		for _, file := range changed {
			match, err := pm.MatchesOrParentMatches(file)
			if err != nil {
				return nil, fmt.Errorf("image %s: match %s: %w", img.Type, file, err)
			}
			if match {
				out = append(out, img)
				break
			}
		}
	}
	return out, nil
}
