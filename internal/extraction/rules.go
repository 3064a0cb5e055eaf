package extraction

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gunning4it/epitome/internal/ontology"
)

var dateLikeRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// lowSignalDenylist names tokens that are never worth remembering as
// entities on their own (spec §4.10's "a denylist such as 'unknown'/
// 'user'/'record'/...").
var lowSignalDenylist = map[string]bool{
	"unknown": true, "user": true, "record": true, "record_id": true,
	"null": true, "none": true, "n/a": true, "na": true, "id": true,
	"true": true, "false": true, "item": true, "value": true,
}

func isLowSignal(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if len(n) <= 2 {
		return true
	}
	if dateLikeRE.MatchString(n) {
		return true
	}
	if lowSignalDenylist[n] {
		return true
	}
	if _, err := strconv.ParseFloat(n, 64); err == nil {
		return true
	}
	return false
}

// pathTypeHints infers an entity type from a payload-tree path token (spec
// §4.10: "'family'->person, 'gym'->place, 'meal'->food, ...").
var pathTypeHints = []struct {
	token string
	typ   ontology.EntityType
}{
	{"family", ontology.Person},
	{"friend", ontology.Person},
	{"coworker", ontology.Person},
	{"contact", ontology.Person},
	{"gym", ontology.Place},
	{"restaurant", ontology.Place},
	{"city", ontology.Place},
	{"location", ontology.Place},
	{"meal", ontology.Food},
	{"food", ontology.Food},
	{"dish", ontology.Food},
	{"ingredient", ontology.Food},
	{"medication", ontology.Medication},
	{"drug", ontology.Medication},
	{"prescription", ontology.Medication},
	{"movie", ontology.Media},
	{"show", ontology.Media},
	{"book", ontology.Media},
	{"podcast", ontology.Media},
	{"workout", ontology.Activity},
	{"exercise", ontology.Activity},
	{"activity", ontology.Activity},
	{"hobby", ontology.Activity},
	{"event", ontology.Event},
	{"topic", ontology.Topic},
	{"interest", ontology.Topic},
	{"company", ontology.Organization},
	{"employer", ontology.Organization},
	{"school", ontology.Organization},
	{"university", ontology.Organization},
}

func inferTypeFromPath(path string) ontology.EntityType {
	lower := strings.ToLower(path)
	for _, h := range pathTypeHints {
		if strings.Contains(lower, h.token) {
			return h.typ
		}
	}
	return ontology.Topic
}

// pathRelationHints infers the owner's relation to an entity found at a
// payload-tree path (spec §4.10: "relation from a small heuristic table").
var pathRelationHints = []struct {
	token    string
	relation string
}{
	{"medication", "takes"},
	{"drug", "takes"},
	{"prescription", "takes"},
	{"meal", "ate"},
	{"food", "ate"},
	{"dish", "ate"},
	{"workout", "does"},
	{"exercise", "does"},
	{"activity", "does"},
	{"movie", "watched"},
	{"show", "watched"},
	{"podcast", "watched"},
	{"gym", "visited"},
	{"restaurant", "visited"},
	{"employer", "works_at"},
	{"company", "works_at"},
	{"school", "attended"},
	{"university", "attended"},
	{"family", "related_to"},
	{"friend", "friend_of"},
	{"interest", "interested_in"},
	{"topic", "interested_in"},
}

func inferRelationFromPath(path string) string {
	lower := strings.ToLower(path)
	for _, h := range pathRelationHints {
		if strings.Contains(lower, h.token) {
			return h.relation
		}
	}
	return "related_to"
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// genericFallback recursively walks an arbitrary payload tree, emitting a
// candidate for every string-valued leaf whose key path doesn't look like a
// system field (spec §4.10's "generic recursive fallback").
func genericFallback(payload map[string]any, pathPrefix string) []Candidate {
	var out []Candidate
	walkPayload(payload, pathPrefix, &out)
	return out
}

func walkPayload(v any, path string, out *[]Candidate) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if k == "id" || k == "created_at" || k == "updated_at" || strings.HasPrefix(k, "_") {
				continue // standard bookkeeping columns, not user content
			}
			walkPayload(child, joinPath(path, k), out)
		}
	case []any:
		for _, child := range val {
			walkPayload(child, path, out)
		}
	case string:
		name := strings.TrimSpace(val)
		if name == "" || isLowSignal(name) {
			return
		}
		*out = append(*out, Candidate{
			Type:       string(inferTypeFromPath(path)),
			Name:       name,
			Properties: map[string]any{"_path": path},
			Edge:       &EdgeHint{Relation: inferRelationFromPath(path)},
		})
	}
}

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k].(string); ok {
			v = strings.TrimSpace(v)
			if v != "" && !isLowSignal(v) {
				return v, true
			}
		}
	}
	return "", false
}

// perTableExtractors names per-table extraction functions for the known
// tables (spec §4.10); anything else falls through to genericFallback.
var perTableExtractors = map[string]func(row map[string]any) []Candidate{
	"meals":       extractMeal,
	"workouts":    extractWorkout,
	"medications": extractMedication,
}

// parseMealFood splits a free-text meal description into the dish name, the
// venue it was eaten at, and its ingredients (spec §8 scenario 2:
// "Breakfast burrito from Crest Cafe - eggs, bacon" -> dish "burrito",
// venue "Crest Cafe", ingredients "eggs, bacon"). " from " introduces the
// venue clause; a trailing " - " within that clause introduces ingredients.
// A leading descriptor word on the dish ("Breakfast") is dropped in favor
// of its last word, since the single-word case ("Ramen") must still pass
// through unchanged.
func parseMealFood(food string) (dish, venue, ingredients string) {
	dishPart, rest, hasVenue := strings.Cut(food, " from ")
	dishPart = strings.TrimSpace(dishPart)
	if hasVenue {
		if v, ing, hasIngredients := strings.Cut(rest, " - "); hasIngredients {
			venue = strings.TrimSpace(v)
			ingredients = strings.TrimSpace(ing)
		} else {
			venue = strings.TrimSpace(rest)
		}
	}
	dish = dishPart
	if words := strings.Fields(dishPart); len(words) > 1 {
		dish = words[len(words)-1]
	}
	return dish, venue, ingredients
}

func extractMeal(row map[string]any) []Candidate {
	name, ok := stringField(row, "name", "food", "item", "dish")
	if !ok {
		return nil
	}
	dish, venue, ingredients := parseMealFood(name)
	props := map[string]any{"calories": row["calories"]}
	if ingredients != "" {
		props["ingredients"] = ingredients
	}
	cands := []Candidate{{
		Type:       string(ontology.Food),
		Name:       dish,
		Properties: props,
		Edge:       &EdgeHint{Relation: "ate"},
	}}
	if venue != "" {
		cands = append(cands, Candidate{
			Type: string(ontology.Place),
			Name: venue,
			Edge: &EdgeHint{Relation: "visited"},
		})
	}
	return cands
}

func extractWorkout(row map[string]any) []Candidate {
	name, ok := stringField(row, "name", "type", "activity")
	if !ok {
		return nil
	}
	return []Candidate{{
		Type:       string(ontology.Activity),
		Name:       name,
		Properties: map[string]any{"duration_minutes": row["duration_minutes"]},
		Edge:       &EdgeHint{Relation: "does"},
	}}
}

func extractMedication(row map[string]any) []Candidate {
	name, ok := stringField(row, "name", "drug")
	if !ok {
		return nil
	}
	return []Candidate{{
		Type:       string(ontology.Medication),
		Name:       name,
		Properties: map[string]any{"dosage": row["dosage"]},
		Edge:       &EdgeHint{Relation: "takes"},
	}}
}

// extractProfileEntities pulls the organization entities a profile implies
// (work/education), which the generic recursive fallback would otherwise
// also catch, but with a known-correct relation instead of a path guess.
func extractProfileEntities(data map[string]any) []Candidate {
	var out []Candidate
	if work, ok := data["work"].(map[string]any); ok {
		if company, ok := stringField(work, "company"); ok {
			out = append(out, Candidate{Type: string(ontology.Organization), Name: company,
				Edge: &EdgeHint{Relation: "works_at"}})
		}
	}
	if edu, ok := data["education"].(map[string]any); ok {
		if inst, ok := stringField(edu, "institution"); ok {
			out = append(out, Candidate{Type: string(ontology.Organization), Name: inst,
				Edge: &EdgeHint{Relation: "attended"}})
		}
	}
	return out
}

// goalPairRE matches the current_X/goal_X field-naming convention (spec
// §4.10: "goal-pair heuristics").
var goalPairRE = regexp.MustCompile(`^(current|goal)_(.+)$`)

func extractGoalPairs(payload map[string]any) []Candidate {
	currents := map[string]float64{}
	goals := map[string]float64{}
	collectGoalFields(payload, currents, goals)

	var out []Candidate
	for metric, cur := range currents {
		goal, ok := goals[metric]
		if !ok {
			continue
		}
		out = append(out, Candidate{
			Type:       string(ontology.Preference),
			Name:       metric + " goal",
			Properties: map[string]any{"metric": metric, "current": cur, "goal": goal},
			Edge:       &EdgeHint{Relation: "related_to"},
		})
	}
	return out
}

func collectGoalFields(v any, currents, goals map[string]float64) {
	m, ok := v.(map[string]any)
	if !ok {
		return
	}
	for k, val := range m {
		if n, ok := toFloat(val); ok {
			if match := goalPairRE.FindStringSubmatch(k); match != nil {
				metric := match[2]
				if match[1] == "current" {
					currents[metric] = n
				} else {
					goals[metric] = n
				}
				continue
			}
		}
		collectGoalFields(val, currents, goals)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ruleBasedExtract implements the rule-based strategy (spec §4.10): per-table
// extractors plus the generic recursive fallback plus goal-pair heuristics.
// Free-text vector writes have no tree structure worth walking, so they're
// left to the LLM strategy instead of guessing entities out of a sentence.
func ruleBasedExtract(sourceType string, payload map[string]any) []Candidate {
	if sourceType == "vector" {
		return nil
	}
	var out []Candidate
	if sourceType == "profile" {
		out = append(out, extractProfileEntities(payload)...)
	}
	for tableName, row := range payload {
		if fn, ok := perTableExtractors[tableName]; ok {
			if rowMap, ok := row.(map[string]any); ok {
				out = append(out, fn(rowMap)...)
			}
		}
	}
	out = append(out, genericFallback(payload, "")...)
	out = append(out, extractGoalPairs(payload)...)
	return out
}
