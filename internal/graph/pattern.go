package graph

import (
	"regexp"
	"strings"

	"github.com/gunning4it/epitome/internal/ontology"
)

// PatternQuery is a parsed natural-language shape, resolved to a
// parameterized neighbor lookup (spec §4.6 pattern queries).
type PatternQuery struct {
	Relation   string
	EntityType ontology.EntityType // empty = any
	Direction  Direction
}

var (
	// "who do I [V] with?" -> outbound edges of the verb-derived relation to a
	// person; a question naming a third entity ("who do I [V] X with?") does
	// not match
	whoPattern = regexp.MustCompile(`(?i)^who\s+do\s+i\s+(\w+)(?:\s+with)?\??$`)
	// "what [T] do I like?" -> outbound edges of relation "like"/"likes" filtered to type T
	whatPattern = regexp.MustCompile(`(?i)^what\s+(\w+)\s+do\s+i\s+(\w+)\??$`)
	// "where do I [V]?" -> outbound edges of a location-shaped relation
	wherePattern = regexp.MustCompile(`(?i)^where\s+do\s+i\s+(\w+)\??$`)
)

// ParsePatternQuery attempts to recognize one of the small set of supported
// natural-language shapes. It returns ok=false when nothing matches, in
// which case the caller should fall back to a plain vector/keyword search.
func ParsePatternQuery(q string) (PatternQuery, bool) {
	q = strings.TrimSpace(q)

	if m := whatPattern.FindStringSubmatch(q); m != nil {
		entType := ontology.EntityType(strings.ToLower(singularizeWord(m[1])))
		relation := ontology.NormalizeRelation(strings.ToLower(m[2]))
		return PatternQuery{Relation: relation, EntityType: entType, Direction: Outbound}, true
	}
	if m := wherePattern.FindStringSubmatch(q); m != nil {
		relation := ontology.NormalizeRelation(strings.ToLower(m[1]))
		return PatternQuery{Relation: relation, EntityType: ontology.Place, Direction: Outbound}, true
	}
	if m := whoPattern.FindStringSubmatch(q); m != nil {
		relation := ontology.NormalizeRelation(strings.ToLower(m[1]))
		return PatternQuery{Relation: relation, EntityType: ontology.Person, Direction: Outbound}, true
	}
	return PatternQuery{}, false
}

func singularizeWord(w string) string {
	if strings.HasSuffix(w, "ies") && len(w) > 3 {
		return w[:len(w)-3] + "y"
	}
	if strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") && len(w) > 1 {
		return w[:len(w)-1]
	}
	return w
}
