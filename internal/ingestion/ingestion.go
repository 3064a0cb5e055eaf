// Package ingestion implements the Write-Ingestion Pipeline (C8, spec
// §4.8): the synchronous side of every write — consent check, persist,
// knowledge-claim ledger, audit, enrichment enqueue — shared by the
// profile, table, and vector stores.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/config"
	"github.com/gunning4it/epitome/internal/consent"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/profile"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/tables"
	"github.com/gunning4it/epitome/internal/vectorstore"
)

// ResourceKind selects which store a Write targets.
type ResourceKind string

const (
	KindProfile ResourceKind = "profile"
	KindTable   ResourceKind = "table"
	KindVector  ResourceKind = "vector"
)

// WriteRequest is the input to the pipeline's single entrypoint (spec
// §4.8: "Given (tenant, resource-kind, payload, changed-by, origin)").
type WriteRequest struct {
	AgentID   string
	Kind      ResourceKind
	TableName string // required for KindTable
	Collection string // required for KindVector; defaults to "memories"
	Text       string // required for KindVector
	Metadata   map[string]any
	Payload    map[string]any // profile patch (KindProfile) or table row (KindTable)
	ChangedBy  string
	Origin     memoryquality.Origin

	// IdentityKnown/OverrideIdentity thread through to profile.ApplyPatch's
	// identity invariant; zero value is fine when the caller has no
	// family-member context.
	IdentityKnown    profile.IdentityCheck
	OverrideIdentity bool
}

// WriteResult is returned to the caller (spec §4.8 step 7: "accepted" or
// "pending_enrichment").
type WriteResult struct {
	WriteID string
	Status  string
}

// Pipeline wires the three stores plus the ambient consent/knowledge-claim/
// audit/enqueue machinery every write passes through.
type Pipeline struct {
	Consent *consent.Engine
	Profile *profile.Engine
	Tables  *tables.Engine
	Vectors *vectorstore.Engine
	Config  config.Config

	queueWarnOnce sync.Once
}

func New(cfg config.Config, vectorEmbedder vectorstore.EmbeddingProvider) *Pipeline {
	return &Pipeline{
		Consent: consent.New(),
		Profile: profile.New(),
		Tables:  tables.New(),
		Vectors: vectorstore.New(vectorEmbedder),
		Config:  cfg,
	}
}

func resourcePath(req WriteRequest) string {
	switch req.Kind {
	case KindTable:
		return "tables/" + req.TableName
	case KindVector:
		return "vectors/" + req.Collection
	default:
		return "profile"
	}
}

func domainFor(req WriteRequest) string {
	switch req.Kind {
	case KindTable:
		return "tables"
	case KindVector:
		return "vectors"
	default:
		return "profile"
	}
}

// Write runs the full synchronous pipeline (spec §4.8).
func (p *Pipeline) Write(ctx context.Context, tx *store.Tx, req WriteRequest) (*WriteResult, error) {
	if err := p.Consent.CheckDomain(ctx, tx, req.AgentID, domainFor(req), resourcePath(req), consent.PermissionWrite); err != nil {
		return nil, err
	}

	writeID := store.NewWriteID()
	start := time.Now()

	sourceRef, stage, status, persistErr := p.persist(ctx, tx, req)
	if persistErr != nil {
		return nil, persistErr
	}

	if p.Config.LedgerWriteEnabled {
		if err := p.writeKnowledgeClaim(ctx, tx, req, writeID, sourceRef); err != nil {
			log.Printf("ingestion: knowledge-claim write failed write_id=%s: %v", writeID, err)
		}
	}

	consent.WriteAudit(ctx, tx, writeID, stage, sourceRef, time.Since(start), map[string]any{
		"kind": req.Kind, "status": status,
	})

	p.enqueueEnrichment(ctx, tx, writeID, req, sourceRef)

	return &WriteResult{WriteID: writeID, Status: status}, nil
}

func (p *Pipeline) persist(ctx context.Context, tx *store.Tx, req WriteRequest) (sourceRef string, stage consent.Stage, status string, err error) {
	switch req.Kind {
	case KindProfile:
		v, err := p.Profile.ApplyPatch(ctx, tx, req.Payload, req.ChangedBy, req.Origin, req.IdentityKnown, req.OverrideIdentity)
		if err != nil {
			return "", "", "", err
		}
		return fmt.Sprintf("profile:v%d", v.Version), consent.StageProfileWritten, "accepted", nil
	case KindTable:
		id, err := p.Tables.InsertRecord(ctx, tx, req.TableName, req.Payload, req.Origin)
		if err != nil {
			return "", "", "", err
		}
		return req.TableName + ":" + id, consent.StageTableWritten, "accepted", nil
	case KindVector:
		collection := req.Collection
		if collection == "" {
			collection = "memories"
		}
		row, status, err := p.Vectors.Upsert(ctx, tx, collection, req.Text, req.Metadata, req.Origin)
		if err != nil {
			return "", "", "", err
		}
		stage := consent.StageVectorWritten
		ref := collection
		if status == "pending_enrichment" {
			stage = consent.StageVectorPending
		} else if row != nil {
			ref = collection + ":" + row.ID
		}
		return ref, stage, status, nil
	default:
		return "", "", "", apperr.Newf(apperr.Validation, "ingestion: unknown resource kind %q", req.Kind)
	}
}

// writeKnowledgeClaim records the write as a claim row (spec §4.8 step 4),
// feature-flag gated; failure never blocks the write itself.
func (p *Pipeline) writeKnowledgeClaim(ctx context.Context, tx *store.Tx, req WriteRequest, writeID, sourceRef string) error {
	object, _ := json.Marshal(req.Payload)
	if req.Kind == KindVector {
		object, _ = json.Marshal(map[string]any{"text": req.Text, "metadata": req.Metadata})
	}
	id := store.NewWriteID()
	_, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, claim_type, subject_kind, subject_ref, predicate, object,
		confidence, status, method, origin, source_ref, write_id, agent_id, evidence, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, "knowledge_claims"),
		id, "write", string(req.Kind), sourceRef, "written", string(object),
		1.0, "recorded", "ingestion", string(req.Origin), sourceRef, writeID, req.AgentID, "[]", time.Now().Unix())
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "ingestion: write knowledge claim")
	}
	return nil
}

// enqueueEnrichment adds a follow-up job to enrichment_jobs (spec §4.8
// step 6). If the queue table is missing it logs a warning once and
// degrades to a no-op rather than failing the write.
func (p *Pipeline) enqueueEnrichment(ctx context.Context, tx *store.Tx, writeID string, req WriteRequest, sourceRef string) {
	payload, _ := json.Marshal(map[string]any{"write_id": writeID, "kind": req.Kind, "source_ref": sourceRef})
	id := store.NewWriteID()
	_, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, source_type, source_ref, payload, status,
		attempt_count, next_run_at, last_error, created_at) VALUES (?,?,?,?,'pending',0,0,'',?)`,
		"enrichment_jobs"), id, string(req.Kind), sourceRef, string(payload), time.Now().Unix())
	if err != nil {
		p.queueWarnOnce.Do(func() {
			log.Printf("ingestion: enrichment queue unavailable, running in degraded mode: %v", err)
		})
		return
	}
	consent.WriteAudit(ctx, tx, writeID, consent.StageEnrichmentQueued, sourceRef, 0, nil)
}
