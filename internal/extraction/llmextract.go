package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/graph"
	"github.com/gunning4it/epitome/internal/ontology"
	"github.com/gunning4it/epitome/internal/profile"
	"github.com/gunning4it/epitome/internal/store"
)

// temporalAnchors resolves the relative-date vocabulary the LLM prompt is
// augmented with (spec §4.10: "resolved temporal anchors {today, yesterday,
// next month, day-of-week}").
type temporalAnchors struct {
	Today     string
	Yesterday string
	NextMonth string
	DayOfWeek string
}

func resolveTemporalAnchors(now time.Time) temporalAnchors {
	return temporalAnchors{
		Today:     now.Format("2006-01-02"),
		Yesterday: now.AddDate(0, 0, -1).Format("2006-01-02"),
		NextMonth: now.AddDate(0, 1, 0).Format("2006-01"),
		DayOfWeek: now.Weekday().String(),
	}
}

func profileDigest(v *profile.Version) string {
	if v == nil || len(v.Data) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(v.Data)
	const maxLen = 1500
	if len(b) > maxLen {
		b = b[:maxLen]
	}
	return string(b)
}

// entityDigestRow is the compact per-entity summary the LLM prompt is
// augmented with (spec §4.10: "top 50 existing entities by mention_count").
type entityDigestRow struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	MentionCount int    `json:"mentionCount"`
}

func entityDigest(entities []*graph.Entity) []entityDigestRow {
	out := make([]entityDigestRow, 0, len(entities))
	for _, e := range entities {
		out = append(out, entityDigestRow{Name: e.Name, Type: e.Type, MentionCount: e.MentionCount})
	}
	return out
}

const extractionSystemPrompt = `You are an entity extraction engine for a personal memory system. Given a snippet of a user's data, return the entities worth remembering long-term.

Respond with a strict JSON array, nothing else. Each entry has this shape:
{"name": string, "type": one of person|organization|place|food|topic|preference|event|activity|medication|media|custom, "properties": object, "edge": {"relation": string, "sourceRef": string (optional; the name of the entity the relation is FROM, if not the owner)}}`

func buildExtractionPrompt(anchors temporalAnchors, digest string, topEntities []entityDigestRow, payload map[string]any) string {
	payloadJSON, _ := json.Marshal(payload)
	topJSON, _ := json.Marshal(topEntities)
	return fmt.Sprintf(`Temporal anchors: today=%s yesterday=%s next_month=%s day_of_week=%s

Profile digest: %s

Top existing entities (name, type, mentionCount): %s

Data to extract from:
%s`, anchors.Today, anchors.Yesterday, anchors.NextMonth, anchors.DayOfWeek, digest, topJSON, string(payloadJSON))
}

type llmEntry struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Edge       *struct {
		Relation  string `json:"relation"`
		SourceRef string `json:"sourceRef"`
	} `json:"edge"`
}

// extractJSONArray keeps only the outermost [...] span, tolerating any
// leading/trailing prose the model added despite instructions.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end < 0 || end < start {
		return "[]"
	}
	return s[start : end+1]
}

func parseLLMCandidates(raw string) ([]Candidate, error) {
	var entries []llmEntry
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &entries); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "extraction: parse llm response")
	}
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" || !ontology.IsValidType(ontology.EntityType(strings.ToLower(e.Type))) {
			continue
		}
		c := Candidate{Type: strings.ToLower(e.Type), Name: name, Properties: e.Properties}
		if e.Edge != nil && e.Edge.Relation != "" {
			c.Edge = &EdgeHint{Relation: e.Edge.Relation, SourceRef: e.Edge.SourceRef}
		}
		out = append(out, c)
	}
	return out, nil
}

// llmExtract implements the LLM strategy (spec §4.10): a schema-constrained
// prompt augmented with temporal anchors, a profile digest, and the
// highest-mention-count existing entities.
func (p *Processor) llmExtract(ctx context.Context, tx *store.Tx, payload map[string]any) ([]Candidate, error) {
	if p.LLM == nil {
		return nil, nil
	}
	prof, err := p.Profile.GetLatest(ctx, tx)
	if err != nil {
		return nil, err
	}
	top, err := p.Graph.TopByMentionCount(ctx, tx, 50)
	if err != nil {
		return nil, err
	}
	anchors := resolveTemporalAnchors(time.Now())
	prompt := buildExtractionPrompt(anchors, profileDigest(prof), entityDigest(top), payload)

	raw, err := p.LLM.Complete(ctx, extractionSystemPrompt, prompt)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "extraction: llm call")
	}
	return parseLLMCandidates(raw)
}

type interEntityLink struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

const interEntitySystemPrompt = `Given a list of entities from a personal memory graph, suggest relations between the ones that are actually related, using only these relation names: category, similar_to, part_of, related_to. Favor precision over recall; skip anything you're not confident about.

Respond with a strict JSON array, nothing else, of {"source": name, "target": name, "relation": name}.`

func parseInterEntityLinks(raw string) ([]interEntityLink, error) {
	var links []interEntityLink
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &links); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "extraction: parse inter-entity response")
	}
	return links, nil
}

// createInterEntityEdgesLLM is fire-and-forget (spec §4.10 step 7): its
// failures are logged, never returned, so a flaky enrichment call can never
// turn a successful extraction pass into a retried/failed job.
func (p *Processor) createInterEntityEdgesLLM(ctx context.Context, tx *store.Tx, sourceRef string, entityIDs []string) {
	if p.LLM == nil || len(entityIDs) < 2 {
		return
	}
	entities := make([]*graph.Entity, 0, len(entityIDs))
	for _, id := range entityIDs {
		e, err := p.Graph.GetEntity(ctx, tx, id)
		if err == nil && e != nil {
			entities = append(entities, e)
		}
	}
	if len(entities) < 2 {
		return
	}

	digestJSON, _ := json.Marshal(entityDigest(entities))
	raw, err := p.LLM.Complete(ctx, interEntitySystemPrompt, string(digestJSON))
	if err != nil {
		log.Printf("extraction: inter-entity edge synthesis skipped: %v", err)
		return
	}
	links, err := parseInterEntityLinks(raw)
	if err != nil {
		log.Printf("extraction: inter-entity edge response unparseable: %v", err)
		return
	}

	byName := map[string]*graph.Entity{}
	for _, e := range entities {
		byName[strings.ToLower(e.Name)] = e
	}
	for _, link := range links {
		src, ok1 := byName[strings.ToLower(link.Source)]
		dst, ok2 := byName[strings.ToLower(link.Target)]
		if !ok1 || !ok2 || src.ID == dst.ID {
			continue
		}
		relation := ontology.NormalizeRelation(link.Relation)
		if _, err := p.Graph.CreateOrReinforceEdge(ctx, tx, graph.EdgeInput{
			SourceID: src.ID, TargetID: dst.ID, Relation: relation,
			SourceType: ontology.EntityType(src.Type), TargetType: ontology.EntityType(dst.Type),
			Origin: weakOrigin, SourceRef: sourceRef, Confidence: 0.4,
		}); err != nil {
			log.Printf("extraction: inter-entity edge create failed: %v", err)
		}
	}
}
