package consent

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gunning4it/epitome/internal/store"
)

// Stage is one of the pipeline audit stages named in spec §4.11.
type Stage string

const (
	StageProfileWritten    Stage = "profile_written"
	StageTableWritten      Stage = "table_written"
	StageVectorWritten     Stage = "vector_written"
	StageVectorPending     Stage = "vector_pending"
	StageEnrichmentQueued  Stage = "enrichment_queued"
	StageEnrichmentDone    Stage = "enrichment_done"
	StageEnrichmentFailed  Stage = "enrichment_failed"
	StageSandboxQuery      Stage = "sandbox_query"
)

// WriteAudit appends one audit_log row. Audit writes are non-fatal (spec
// §4.11): failure never blocks the primary operation, it only logs a
// warning, so this returns nothing for the caller to check.
func WriteAudit(ctx context.Context, tx *store.Tx, writeID string, stage Stage, sourceRef string, latency time.Duration, detail map[string]any) {
	detailJSON, _ := json.Marshal(detail)
	id := store.NewWriteID()
	_, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, write_id, stage, source_ref, latency_ms, detail, created_at)
		VALUES (?,?,?,?,?,?,?)`, "audit_log"),
		id, writeID, string(stage), sourceRef, latency.Milliseconds(), string(detailJSON), time.Now().Unix())
	if err != nil {
		log.Printf("consent: audit write failed stage=%s write_id=%s: %v", stage, writeID, err)
	}
}
