package dedup

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// trigramSet returns the set of 3-character shingles of s, padded the way
// Postgres' pg_trgm extension does (two leading blanks and one trailing
// blank on each whitespace-separated word), so the in-process approximation
// used for SQLite/tests agrees with the real similarity() call the Postgres
// build issues for stage 3/6 fuzzy dedup.
func trigramSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = "  " + w + " "
		for i := 0; i+3 <= len(w); i++ {
			set[w[i:i+3]] = struct{}{}
		}
	}
	return set
}

// TrigramSimilarity approximates Postgres' similarity(a,b): size of the
// intersection over size of the union of trigram sets.
func TrigramSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	sa, sb := trigramSet(a), trigramSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// LevenshteinSimilarity normalizes edit distance into a 0..1 similarity
// score. FindMatch does not call it: its fuzzy stages rank candidates by
// TrigramSimilarity alone.
func LevenshteinSimilarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}
