// Package ontology implements the closed entity/relation taxonomy, alias
// normalization, the relation matrix, and quarantine decisions (spec §4.3).
package ontology

import "strings"

// Mode selects between the two operating variants called out as an open
// question in spec §9: unknown relations are hard-rejected in Strict mode,
// stored-but-flagged in Soft mode. Chosen via config.Config.OntologyMode;
// see DESIGN.md for the rationale.
type Mode string

const (
	Strict Mode = "strict"
	Soft   Mode = "soft"
)

// EntityType is one of the closed taxonomy members.
type EntityType string

const (
	Person       EntityType = "person"
	Organization EntityType = "organization"
	Place        EntityType = "place"
	Food         EntityType = "food"
	Topic        EntityType = "topic"
	Preference   EntityType = "preference"
	Event        EntityType = "event"
	Activity     EntityType = "activity"
	Medication   EntityType = "medication"
	Media        EntityType = "media"
	Custom       EntityType = "custom"
)

var validTypes = map[EntityType]bool{
	Person: true, Organization: true, Place: true, Food: true, Topic: true,
	Preference: true, Event: true, Activity: true, Medication: true,
	Media: true, Custom: true,
}

func IsValidType(t EntityType) bool { return validTypes[t] }

// endpointSet describes allowed source/target types for a relation; nil
// means "any type" (spec §4.3 relation matrix).
type endpointSet struct {
	sources []EntityType // nil = any
	targets []EntityType // nil = any
}

// Canonical relations and their relation-matrix entries.
var relationMatrix = map[string]endpointSet{
	"ate":          {sources: []EntityType{Person}, targets: []EntityType{Food}},
	"visited":      {sources: []EntityType{Person}, targets: []EntityType{Place}},
	"works_at":     {sources: []EntityType{Person}, targets: []EntityType{Organization}},
	"attended":     {sources: []EntityType{Person}, targets: []EntityType{Organization, Place}},
	"married_to":   {sources: []EntityType{Person}, targets: []EntityType{Person}},
	"friend_of":    {sources: []EntityType{Person}, targets: []EntityType{Person}},
	"parent_of":    {sources: []EntityType{Person}, targets: []EntityType{Person}},
	"likes":        {sources: nil, targets: nil},
	"dislikes":     {sources: nil, targets: nil},
	"created":      {sources: nil, targets: nil},
	"takes":        {sources: []EntityType{Person}, targets: []EntityType{Medication}},
	"lives_in":     {sources: []EntityType{Person}, targets: []EntityType{Place}},
	"category":     {sources: nil, targets: nil},
	"similar_to":   {sources: nil, targets: nil},
	"part_of":      {sources: nil, targets: nil},
	"related_to":   {sources: nil, targets: nil},
	"interested_in": {sources: []EntityType{Person}, targets: []EntityType{Topic}},
	"does":         {sources: []EntityType{Person}, targets: []EntityType{Activity}},
	"watched":      {sources: []EntityType{Person}, targets: []EntityType{Media}},
}

// Temporal relations carry an is_current qualifier (spec §3, Edge).
var temporalRelations = map[string]bool{
	"works_at": true,
	"lives_in": true,
}

func IsTemporal(relation string) bool { return temporalRelations[relation] }

// aliasMap normalizes LLM-invented relation names before validation (spec §4.3).
var aliasMap = map[string]string{
	"spouse":        "married_to",
	"wife":          "married_to",
	"husband":       "married_to",
	"has_author":    "created",
	"authored":      "created",
	"wrote":         "created",
	"friend":        "friend_of",
	"best_friend":   "friend_of",
	"employed_by":   "works_at",
	"works_for":     "works_at",
	"studies_at":    "attended",
	"studied_at":    "attended",
	"lives_at":      "lives_in",
	"resides_in":    "lives_in",
	"is_parent_of":  "parent_of",
	"child_of":      "parent_of",
	"like":          "likes",
	"enjoys":        "likes",
	"loves":         "likes",
	"hates":         "dislikes",
	"interested":    "interested_in",
	"watches":       "watched",
	"belongs_to":    "part_of",
	"similar":       "similar_to",
	"kind_of":       "category",
	"type_of":       "category",
}

// NormalizeRelation applies the alias map, lower-cased and trimmed.
func NormalizeRelation(relation string) string {
	r := strings.ToLower(strings.TrimSpace(relation))
	r = strings.ReplaceAll(r, " ", "_")
	if canon, ok := aliasMap[r]; ok {
		return canon
	}
	return r
}

// ValidationResult is the outcome of validating an edge against the matrix.
type ValidationResult struct {
	Valid      bool
	Quarantine bool
	Reason     string
}

// Validate checks relation/endpoint-type compatibility per spec §4.3. The
// relation passed in is expected to already be alias-normalized.
func Validate(mode Mode, relation string, sourceType, targetType EntityType) ValidationResult {
	spec, known := relationMatrix[relation]
	if !known {
		if mode == Strict {
			return ValidationResult{Valid: false, Quarantine: true, Reason: "unknown_relation"}
		}
		return ValidationResult{Valid: true, Quarantine: true, Reason: "unknown_relation"}
	}

	if !typeAllowed(spec.sources, sourceType) || !typeAllowed(spec.targets, targetType) {
		if mode == Strict {
			return ValidationResult{Valid: false, Quarantine: true, Reason: "endpoint_type_mismatch"}
		}
		return ValidationResult{Valid: true, Quarantine: true, Reason: "endpoint_type_mismatch"}
	}

	return ValidationResult{Valid: true, Quarantine: false}
}

func typeAllowed(allowed []EntityType, t EntityType) bool {
	if allowed == nil {
		return true
	}
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

// SourcePrecedence is the total order used to arbitrate profile-sync
// conflicts (spec §4.3): higher always wins.
var SourcePrecedence = map[string]int{
	"user_typed":   100,
	"user_stated":  90,
	"imported":     70,
	"system":       50,
	"ai_stated":    40,
	"ai_inferred":  30,
	"ai_pattern":   20,
	"contradicted": 0,
}

// PrecedenceOf returns the numeric rank of an origin, defaulting to the
// lowest rank for unrecognized origins rather than panicking.
func PrecedenceOf(origin string) int {
	if p, ok := SourcePrecedence[origin]; ok {
		return p
	}
	return 0
}

// Outranks reports whether origin a takes precedence over origin b.
func Outranks(a, b string) bool { return PrecedenceOf(a) > PrecedenceOf(b) }
