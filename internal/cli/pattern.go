// Package cli provides shared utilities for CLI commands.
package cli

import (
	"fmt"
	"path"
	"strings"

	"github.com/forest6511/pmvault/pkg/profile"
)

// MatchProfiles returns the profiles whose name or id matches any of the
// patterns, in list order. Names match case-insensitively; a pattern without
// glob characters (*?[) must match exactly one profile. No patterns selects
// every profile.
func MatchProfiles(patterns []string, list []profile.Profile) ([]profile.Profile, error) {
	if len(patterns) == 0 {
		return list, nil
	}

	selected := make([]bool, len(list))
	for _, pattern := range patterns {
		lower := strings.ToLower(pattern)
		if _, err := path.Match(lower, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
		}

		n := 0
		for i, p := range list {
			byName, _ := path.Match(lower, strings.ToLower(p.Name))
			if byName || p.ID == pattern {
				selected[i] = true
				n++
			}
		}
		if n == 0 {
			if strings.ContainsAny(pattern, "*?[") {
				return nil, fmt.Errorf("no profiles match pattern '%s'", pattern)
			}
			return nil, fmt.Errorf("profile '%s' not found", pattern)
		}
	}

	var result []profile.Profile
	for i, p := range list {
		if selected[i] {
			result = append(result, p)
		}
	}
	return result, nil
}
