// Package extraction implements Entity Extraction (C10, spec §4.10): three
// selectable extraction strategies (rule-based, LLM, and the
// llm_first/batch hybrids that fall back between them) feeding one shared
// post-processing pipeline that sanitizes, tier-gates, dedupes-or-creates,
// wires the owner edge, and fires off inter-entity synthesis and profile
// sync.
//
// Grounded on the teacher's multi-stage request handling (cmd/gateway) for
// the overall shape of "resolve input, run a strategy, persist a graph of
// side effects" and on internal/graph + internal/dedup + internal/ontology
// for the entities/edges this produces.
package extraction

import (
	"context"
	"strings"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/config"
	"github.com/gunning4it/epitome/internal/consent"
	"github.com/gunning4it/epitome/internal/dedup"
	"github.com/gunning4it/epitome/internal/graph"
	"github.com/gunning4it/epitome/internal/llm"
	"github.com/gunning4it/epitome/internal/ontology"
	"github.com/gunning4it/epitome/internal/profile"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/tables"
	"github.com/gunning4it/epitome/internal/tier"
	"github.com/gunning4it/epitome/internal/vectorstore"
	"github.com/gunning4it/epitome/internal/worker"
)

// Method selects which extraction strategy a job runs with (spec §4.10).
type Method string

const (
	MethodRules    Method = "rules"
	MethodLLM      Method = "llm"
	MethodLLMFirst Method = "llm_first"
	MethodBatch    Method = "batch"
)

// EdgeHint carries the edge an extracted candidate wants attached.
// SourceRef non-empty means the edge originates from a non-owner entity
// already named in the same pass or the graph ("Sarah likes sushi" -> the
// sushi edge's source is Sarah, not the owner).
type EdgeHint struct {
	Relation  string
	SourceRef string
}

// Candidate is one unresolved extracted entity, from either strategy.
type Candidate struct {
	Type       string
	Name       string
	Properties map[string]any
	Edge       *EdgeHint
}

// Processor runs the full spec §4.10 pipeline and implements
// worker.JobHandler so the C9 pool can dispatch enrichment_jobs rows here.
type Processor struct {
	Graph   *graph.Engine
	Dedup   *dedup.Engine
	Profile *profile.Engine
	Tables  *tables.Engine
	Vectors *vectorstore.Engine
	LLM     llm.Provider
	DB      *store.DB
	Method  Method
}

// New builds a Processor sharing the callers' store/vector engines so
// extraction sees the same entity/edge state the rest of the pipeline does.
func New(db *store.DB, vectors *vectorstore.Engine, cfg config.Config, llmProvider llm.Provider, method Method) *Processor {
	g := graph.New(ontology.Mode(cfg.OntologyMode))
	return &Processor{
		Graph:   g,
		Dedup:   dedup.New(g, cfg),
		Profile: profile.New(),
		Tables:  tables.New(),
		Vectors: vectors,
		LLM:     llmProvider,
		DB:      db,
		Method:  method,
	}
}

var _ worker.JobHandler = (*Processor)(nil)

// HandleJob re-reads the job's source content and runs it through the
// extraction pipeline. It implements worker.JobHandler directly so C9 never
// has to import this package.
func (p *Processor) HandleJob(ctx context.Context, tx *store.Tx, job worker.Job) error {
	payload, err := p.resolvePayload(ctx, tx, job.SourceType, job.SourceRef)
	if err != nil {
		return err
	}
	if payload == nil {
		return nil // source has since been deleted; nothing left to extract
	}
	return p.Run(ctx, tx, job.SourceType, job.SourceRef, payload)
}

// resolvePayload re-reads the content a write's source-ref points at, since
// enrichment_jobs only carries the pointer, not the data itself (spec §4.8:
// source-refs are stable pointers into the store).
func (p *Processor) resolvePayload(ctx context.Context, tx *store.Tx, sourceType, sourceRef string) (map[string]any, error) {
	switch sourceType {
	case "profile":
		v, err := p.Profile.GetLatest(ctx, tx)
		if err != nil {
			return nil, err
		}
		return v.Data, nil

	case "table":
		tableName, id, ok := splitRef(sourceRef)
		if !ok {
			return nil, apperr.Newf(apperr.Validation, "extraction: malformed table source_ref %q", sourceRef)
		}
		row, err := p.Tables.GetRecord(ctx, tx, tableName, id)
		if err != nil {
			if apperr.Is(err, apperr.NotFound) {
				return nil, nil
			}
			return nil, err
		}
		return map[string]any{tableName: row}, nil

	case "vector":
		collection, id, ok := splitRef(sourceRef)
		if !ok {
			return nil, apperr.Newf(apperr.Validation, "extraction: malformed vector source_ref %q", sourceRef)
		}
		row, err := p.Vectors.GetByID(ctx, tx, collection, id)
		if err != nil {
			if apperr.Is(err, apperr.NotFound) {
				return nil, nil
			}
			return nil, err
		}
		return map[string]any{"text": row.Text, "metadata": row.Metadata}, nil

	default:
		return nil, apperr.Newf(apperr.Validation, "extraction: unknown source_type %q", sourceType)
	}
}

func splitRef(ref string) (string, string, bool) {
	idx := strings.LastIndex(ref, ":")
	if idx < 0 {
		return "", "", false
	}
	return ref[:idx], ref[idx+1:], true
}

// extractCandidates runs the configured strategy, including the
// llm_first/batch fallback behavior (spec §4.10).
func (p *Processor) extractCandidates(ctx context.Context, tx *store.Tx, sourceType string, payload map[string]any) ([]Candidate, error) {
	switch p.Method {
	case MethodLLM:
		return p.llmExtract(ctx, tx, payload)
	case MethodLLMFirst:
		cands, err := p.llmExtract(ctx, tx, payload)
		if err != nil || len(cands) > 0 {
			return cands, err
		}
		return ruleBasedExtract(sourceType, payload), nil
	case MethodBatch:
		cands := ruleBasedExtract(sourceType, payload)
		if len(cands) > 0 {
			return cands, nil
		}
		return p.llmExtract(ctx, tx, payload)
	default:
		return ruleBasedExtract(sourceType, payload), nil
	}
}

// Run executes the full spec §4.10 post-processing pipeline for one
// resolved source payload.
func (p *Processor) Run(ctx context.Context, tx *store.Tx, sourceType, sourceRef string, payload map[string]any) error {
	candidates, err := p.extractCandidates(ctx, tx, sourceType, payload)
	if err != nil {
		return err
	}
	candidates = sanitizeAndDedupe(candidates)
	if len(candidates) == 0 {
		return nil
	}

	tenantTier, err := tier.ResolveTenantTier(ctx, p.DB, tx.TenantID)
	if err != nil {
		return err
	}
	atLimit, current, limit, err := tier.SoftCheck(ctx, p.DB, tx, tenantTier, tier.ResourceGraphEntities)
	if err != nil {
		return err
	}
	if atLimit {
		consent.WriteAudit(ctx, tx, store.NewWriteID(), consent.StageEnrichmentFailed, sourceRef, 0, map[string]any{
			"reason": "graph_entity_tier_limit", "current": current, "limit": limit,
		})
		return nil
	}

	owner, err := p.resolveOwner(ctx, tx)
	if err != nil {
		return err
	}

	passByName := map[string]string{} // lower(name) -> entity id, for edge.sourceRef resolution against this pass
	var createdIDs []string

	for _, cand := range candidates {
		id, err := p.resolveOrCreate(ctx, tx, tenantTier, cand)
		if err != nil {
			return err
		}
		passByName[strings.ToLower(cand.Name)] = id
		createdIDs = append(createdIDs, id)

		produced, err := p.attachEdge(ctx, tx, cand, id, owner, passByName)
		if err != nil {
			return err
		}
		if !produced {
			if _, err := p.Graph.CreateOrReinforceEdge(ctx, tx, graph.EdgeInput{
				SourceID: owner.ID, TargetID: id, Relation: "related_to",
				SourceType: ontology.EntityType(owner.Type), TargetType: ontology.EntityType(cand.Type),
				Origin: weakOrigin, SourceRef: sourceRef, Confidence: 0.3,
			}); err != nil {
				return err
			}
		}
	}

	p.createInterEntityEdgesLLM(ctx, tx, sourceRef, createdIDs)
	p.profileSync(ctx, tx, sourceRef, candidates)
	return nil
}
