package dedup

import "strings"

var corporateSuffixes = []string{
	" inc.", " inc", " llc.", " llc", " ltd.", " ltd", " corp.", " corp",
	" co.", " company", " plc", " gmbh", " s.a.", " sa",
}

// CaseFold implements spec §4.5 stage 1 exact matching: case-insensitive,
// whitespace-collapsed comparison with no plural/suffix reduction.
func CaseFold(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// NormalizeName implements spec §4.5 stage 2: strip corporate suffixes for
// organizations, reduce plurals, and fold case/whitespace.
func NormalizeName(entityType, name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.Join(strings.Fields(n), " ")
	if entityType == "organization" {
		for _, suf := range corporateSuffixes {
			if strings.HasSuffix(n, suf) {
				n = strings.TrimSuffix(n, suf)
				n = strings.TrimSpace(n)
				break
			}
		}
	}
	return singularize(n)
}

// singularize reduces common English plural endings (spec §4.5): ies->y,
// {ses,xes,zes,ches,shes}-> strip 2, trailing s -> strip 1 unless double-s.
func singularize(n string) string {
	switch {
	case strings.HasSuffix(n, "ies") && len(n) > 3:
		return n[:len(n)-3] + "y"
	case hasAnySuffix(n, "ses", "xes", "zes", "ches", "shes"):
		return n[:len(n)-2]
	case strings.HasSuffix(n, "ss"):
		return n
	case strings.HasSuffix(n, "s") && len(n) > 1:
		return n[:len(n)-1]
	default:
		return n
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// PrefixContainment reports whether the shorter of a/b is a prefix of the
// longer and is at least 60% of its length (spec §4.5 stage 2).
func PrefixContainment(a, b string) bool {
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	if short == "" || long == "" {
		return false
	}
	if !strings.HasPrefix(long, short) {
		return false
	}
	return float64(len(short))/float64(len(long)) >= 0.6
}
