package extraction

import (
	"context"
	"log"
	"strings"

	"github.com/gunning4it/epitome/internal/dedup"
	"github.com/gunning4it/epitome/internal/graph"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/metastore"
	"github.com/gunning4it/epitome/internal/ontology"
	"github.com/gunning4it/epitome/internal/profile"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/tier"
)

// weakOrigin is the provenance every extraction-created entity/edge carries,
// since nothing extracted automatically is as trustworthy as something the
// user typed (spec §4.4's origin ladder).
const weakOrigin = memoryquality.OriginAIInferred

// sanitizeAndDedupe drops empty/low-signal names and collapses exact
// (type, name) duplicates within a single pass (spec §4.10 step 1).
func sanitizeAndDedupe(candidates []Candidate) []Candidate {
	seen := map[string]bool{}
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		name := strings.TrimSpace(c.Name)
		if name == "" || isLowSignal(name) {
			continue
		}
		if c.Type == "" || !ontology.IsValidType(ontology.EntityType(c.Type)) {
			c.Type = string(ontology.Custom)
		}
		c.Name = name
		key := strings.ToLower(c.Type) + "|" + strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// resolveOwner returns the tenant's owner entity, lazily materializing it as
// a person with properties.is_owner=true the first time extraction runs
// (spec §4.10 step 5), named from the profile or "user" if the profile is
// empty.
func (p *Processor) resolveOwner(ctx context.Context, tx *store.Tx) (*graph.Entity, error) {
	people, err := p.Graph.ListByType(ctx, tx, string(ontology.Person))
	if err != nil {
		return nil, err
	}
	for _, e := range people {
		if isOwner, _ := e.Properties["is_owner"].(bool); isOwner {
			return e, nil
		}
	}

	name := "user"
	if prof, err := p.Profile.GetLatest(ctx, tx); err == nil {
		if n, ok := prof.Data["name"].(string); ok && strings.TrimSpace(n) != "" {
			name = strings.TrimSpace(n)
		}
	}
	return p.Graph.CreateEntity(ctx, tx, string(ontology.Person), name,
		map[string]any{"is_owner": true}, memoryquality.InitialConfidence(memoryquality.OriginSystem))
}

// resolveOrCreate consults the dedup engine and either reuses an existing
// entity (bumping mention_count) or creates a new one under the tier
// advisory lock (spec §4.10 steps 2-4).
func (p *Processor) resolveOrCreate(ctx context.Context, tx *store.Tx, t tier.Tier, cand Candidate) (string, error) {
	match, err := p.Dedup.FindMatch(ctx, tx, dedup.Candidate{Type: cand.Type, Name: cand.Name, Properties: cand.Properties})
	if err != nil {
		return "", err
	}
	if match != nil {
		if err := p.Graph.TouchMention(ctx, tx, match.Entity.ID); err != nil {
			return "", err
		}
		return match.Entity.ID, nil
	}

	var id string
	err = tier.WithTierLimitLock(ctx, p.DB, tx, t, tier.ResourceGraphEntities, func() error {
		ent, err := p.Graph.CreateEntity(ctx, tx, cand.Type, cand.Name, cand.Properties,
			memoryquality.InitialConfidence(weakOrigin))
		if err != nil {
			return err
		}
		id = ent.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// resolveSourceRef resolves an edge's non-owner source against this pass's
// newly created entities first, then a fuzzy DB lookup by name/alias,
// falling back to the owner if neither has it (spec §4.10 step 5).
func (p *Processor) resolveSourceRef(ctx context.Context, tx *store.Tx, ref string, passByName map[string]string, owner *graph.Entity) (*graph.Entity, error) {
	key := strings.ToLower(strings.TrimSpace(ref))
	if key == "" {
		return owner, nil
	}
	if id, ok := passByName[key]; ok {
		return p.Graph.GetEntity(ctx, tx, id)
	}
	all, err := p.Graph.ListAll(ctx, tx)
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		if strings.ToLower(e.Name) == key {
			return e, nil
		}
		for _, a := range e.Aliases() {
			if strings.ToLower(a) == key {
				return e, nil
			}
		}
	}
	var best *graph.Entity
	bestScore := 0.0
	for _, e := range all {
		if sim := dedup.TrigramSimilarity(key, strings.ToLower(e.Name)); sim > 0.6 && sim > bestScore {
			best, bestScore = e, sim
		}
	}
	if best != nil {
		return best, nil
	}
	return owner, nil
}

// attachEdge creates the candidate's edge, resolving its source against the
// pass map / graph / owner in that order (spec §4.10 step 5). It reports
// whether an edge actually resulted, so the caller can fall back to a weak
// related_to edge when one didn't (step 6).
func (p *Processor) attachEdge(ctx context.Context, tx *store.Tx, cand Candidate, targetID string, owner *graph.Entity, passByName map[string]string) (bool, error) {
	if cand.Edge == nil || cand.Edge.Relation == "" {
		return false, nil
	}
	source := owner
	if cand.Edge.SourceRef != "" {
		resolved, err := p.resolveSourceRef(ctx, tx, cand.Edge.SourceRef, passByName, owner)
		if err != nil {
			return false, err
		}
		source = resolved
	}

	result, err := p.Graph.CreateOrReinforceEdge(ctx, tx, graph.EdgeInput{
		SourceID: source.ID, TargetID: targetID, Relation: cand.Edge.Relation,
		SourceType: ontology.EntityType(source.Type), TargetType: ontology.EntityType(cand.Type),
		Origin: weakOrigin, Confidence: 0.5,
	})
	if err != nil {
		return false, err
	}
	return !result.Rejected, nil
}

// profileSync patches profile.work.company / profile.education.institution
// when a works_at/attended owner edge is created, unless a higher-precedence
// origin already set that field (spec §4.10 step 8). Fire-and-forget: a
// failure here never fails the extraction job.
func (p *Processor) profileSync(ctx context.Context, tx *store.Tx, sourceRef string, candidates []Candidate) {
	for _, cand := range candidates {
		if cand.Edge == nil || cand.Edge.SourceRef != "" {
			continue
		}
		var path string
		switch cand.Edge.Relation {
		case "works_at":
			path = "work.company"
		case "attended":
			path = "education.institution"
		default:
			continue
		}
		if err := p.applyProfileFieldIfOutranked(ctx, tx, path, cand.Name); err != nil {
			log.Printf("extraction: profile sync skipped for %s (source_ref=%s): %v", path, sourceRef, err)
		}
	}
}

func (p *Processor) applyProfileFieldIfOutranked(ctx context.Context, tx *store.Tx, path, value string) error {
	prev, err := p.Profile.GetLatest(ctx, tx)
	if err != nil {
		return err
	}
	if existing := profileFieldValue(prev.Data, path); existing != "" && prev.MetaID != "" {
		m, err := metastore.Get(ctx, tx, prev.MetaID)
		if err == nil && m != nil && !ontology.Outranks(string(weakOrigin), string(m.Origin)) {
			return nil
		}
	}
	_, err = p.Profile.ApplyPatch(ctx, tx, nestedPatch(path, value), "extraction", weakOrigin, profile.IdentityCheck{}, false)
	return err
}

func nestedPatch(dottedPath, value string) map[string]any {
	parts := strings.Split(dottedPath, ".")
	var node map[string]any = map[string]any{parts[len(parts)-1]: value}
	for i := len(parts) - 2; i >= 0; i-- {
		node = map[string]any{parts[i]: node}
	}
	return node
}

func profileFieldValue(data map[string]any, dottedPath string) string {
	cur := data
	parts := strings.Split(dottedPath, ".")
	for i, part := range parts {
		v, ok := cur[part]
		if !ok {
			return ""
		}
		if i == len(parts)-1 {
			s, _ := v.(string)
			return s
		}
		next, ok := v.(map[string]any)
		if !ok {
			return ""
		}
		cur = next
	}
	return ""
}
