package resolve

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// similarity is a 0-100 edit-distance ratio over lowercased input.
func similarity(a, b string) int {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 100
	}
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return int(100 * (1 - float64(dist)/float64(longest)))
}

// bestFuzzyMatch returns the candidate index with the highest similarity at
// or above threshold, or -1. Ties keep the earlier candidate.
func bestFuzzyMatch(name string, candidates []string, threshold int) (int, int) {
	best, bestScore := -1, threshold-1
	for i, cand := range candidates {
		if score := similarity(name, cand); score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return -1, 0
	}
	return best, bestScore
}
