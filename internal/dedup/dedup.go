// Package dedup implements the Deduplication Engine (C5): the six-stage
// candidate-matching pipeline, context disambiguation, and entity merge
// (spec §4.5).
package dedup

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/config"
	"github.com/gunning4it/epitome/internal/graph"
	"github.com/gunning4it/epitome/internal/store"
)

// Stage names the pipeline step a match was found at, for logging/testing.
type Stage string

const (
	StageExact            Stage = "exact"
	StageNormalized       Stage = "normalized"
	StageFuzzy            Stage = "fuzzy"
	StageAlias            Stage = "alias"
	StageCrossTypeExact   Stage = "cross_type_exact"
	StageCrossTypeFuzzy   Stage = "cross_type_fuzzy"
)

// Candidate is the input to FindMatch: a prospective new entity.
type Candidate struct {
	Type       string
	Name       string
	Properties map[string]any
	// ConnectedNames is the set of entity names the candidate was mentioned
	// alongside in the source write, used for context disambiguation.
	ConnectedNames []string
	// Relations is the set of relation names the candidate carries, used
	// for context disambiguation scoring.
	Relations []string
}

// Match is a surviving dedup hit.
type Match struct {
	Entity *graph.Entity
	Stage  Stage
	Score  float64 // similarity score where applicable, 1.0 for exact/alias hits
}

const (
	fuzzyThreshold          = 0.6
	crossTypeFuzzyThreshold = 0.7
	prefixContainmentRatio  = 0.6
)

// Engine runs the dedup pipeline against a tenant's existing entities.
type Engine struct {
	graph  *graph.Engine
	flags  config.Config
}

func New(g *graph.Engine, flags config.Config) *Engine {
	return &Engine{graph: g, flags: flags}
}

// FindMatch runs stages 1-6 in order and returns the first hit, or nil if
// the candidate appears novel (spec §4.5).
func (e *Engine) FindMatch(ctx context.Context, tx *store.Tx, cand Candidate) (*Match, error) {
	sameType, err := e.graph.ListByType(ctx, tx, cand.Type)
	if err != nil {
		return nil, err
	}

	candLower := normalizeCase(cand.Name)
	for _, ent := range sameType {
		if normalizeCase(ent.Name) == candLower {
			return &Match{Entity: ent, Stage: StageExact, Score: 1.0}, nil
		}
	}

	candNorm := NormalizeName(cand.Type, cand.Name)
	for _, ent := range sameType {
		entNorm := NormalizeName(ent.Type, ent.Name)
		if entNorm == candNorm || PrefixContainment(candNorm, entNorm) {
			return &Match{Entity: ent, Stage: StageNormalized, Score: 1.0}, nil
		}
	}

	var bestFuzzy *graph.Entity
	bestFuzzyScore := 0.0
	for _, ent := range sameType {
		sim := TrigramSimilarity(candLower, normalizeCase(ent.Name))
		if sim > fuzzyThreshold && sim > bestFuzzyScore {
			bestFuzzy, bestFuzzyScore = ent, sim
		}
	}
	if bestFuzzy != nil {
		return &Match{Entity: bestFuzzy, Stage: StageFuzzy, Score: bestFuzzyScore}, nil
	}

	for _, ent := range sameType {
		for _, alias := range ent.Aliases() {
			if normalizeCase(alias) == candLower {
				return &Match{Entity: ent, Stage: StageAlias, Score: 1.0}, nil
			}
		}
	}

	if e.flags.CrossTypeDedupEnabled {
		all, err := e.graph.ListAll(ctx, tx)
		if err != nil {
			return nil, err
		}
		for _, ent := range all {
			if ent.Type == cand.Type {
				continue
			}
			if normalizeCase(ent.Name) == candLower {
				return &Match{Entity: ent, Stage: StageCrossTypeExact, Score: 1.0}, nil
			}
		}

		var bestCross *graph.Entity
		bestCrossScore := 0.0
		for _, ent := range all {
			if ent.Type == cand.Type {
				continue
			}
			sim := TrigramSimilarity(candLower, normalizeCase(ent.Name))
			if sim > crossTypeFuzzyThreshold && sim > bestCrossScore {
				bestCross, bestCrossScore = ent, sim
			}
		}
		if bestCross != nil {
			// Spec §4.5 step 6: stage 6 never merges — a quarantine row is
			// written for review but the candidate still falls through to
			// creation as its own entity.
			if err := e.writeQuarantine(ctx, tx, StageCrossTypeFuzzy, cand.Type, cand.Name, bestCross.ID, bestCrossScore); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	return nil, nil
}

func (e *Engine) writeQuarantine(ctx context.Context, tx *store.Tx, stage Stage, candidateType, candidateName, matchedEntityID string, score float64) error {
	_, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, stage, candidate_type, candidate_name, matched_entity_id, score, created_at)
		VALUES (?,?,?,?,?,?,?)`, "dedup_quarantine"),
		uuid.New().String(), string(stage), candidateType, candidateName, matchedEntityID, score, time.Now().Unix())
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "dedup: write quarantine")
	}
	return nil
}

func normalizeCase(s string) string { return CaseFold(s) }

// DisambiguateScore implements the optional context-disambiguation scoring
// (spec §4.5): matching relations count double, shared connected-entity
// names count once. FindMatch does not call it: FindMatch returns the first
// hit of the earliest matching stage, so ranking several surviving
// candidates by this score is left to the caller.
func DisambiguateScore(cand Candidate, candidateRelations []string, candidateNeighborNames []string) int {
	score := 0
	relSet := map[string]bool{}
	for _, r := range cand.Relations {
		relSet[r] = true
	}
	for _, r := range candidateRelations {
		if relSet[r] {
			score += 2
		}
	}
	nameSet := map[string]bool{}
	for _, n := range cand.ConnectedNames {
		nameSet[normalizeCase(n)] = true
	}
	for _, n := range candidateNeighborNames {
		if nameSet[normalizeCase(n)] {
			score++
		}
	}
	return score
}
