package container

import (
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
)

// alternatives returns the known names close enough to needle to be worth
// suggesting: within an edit distance of a third of its length, or
// containing it.
func alternatives(needle string, known []string) []string {
	if needle == "" {
		return nil
	}
	var out []string
	for _, k := range known {
		if k == needle {
			continue
		}
		if levenshtein.ComputeDistance(needle, k) <= len(needle)/3 || strings.Contains(k, needle) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}
