package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/testutil"
	"github.com/gunning4it/epitome/internal/vectorstore"
	"github.com/gunning4it/epitome/internal/worker"
)

type fakeEmbedder struct{ fail bool }

func (f *fakeEmbedder) Dimensions() int { return 4 }
func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, apperr.New(apperr.Transient, "embedding provider: unavailable")
	}
	return []float32{1, 2, 3, 4}, nil
}

func insertPendingVector(t *testing.T, ctx context.Context, tx *store.Tx, id string) {
	t.Helper()
	meta, _ := json.Marshal(map[string]any{})
	_, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, collection, text, metadata, meta_id, status,
		attempt_count, next_run_at, last_error, created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`, "pending_vectors"),
		id, "memories", "Alice likes jazz", string(meta), "meta-"+id, "pending", 0, 0, "", time.Now().Unix())
	if err != nil {
		t.Fatalf("insert pending_vectors: %v", err)
	}
}

func countRows(t *testing.T, ctx context.Context, tx *store.Tx, table, where string) int {
	t.Helper()
	var n int
	row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT COUNT(*) FROM %s WHERE `+where, table))
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestBackoffSecondsFormula(t *testing.T) {
	cases := map[int]int{0: 5, 1: 10, 2: 20, 3: 40, 7: 600, 10: 600}
	for attempt, want := range cases {
		got := worker.ExportedBackoffSeconds(attempt)
		if got != want {
			t.Errorf("backoffSeconds(%d) = %d, want %d", attempt, got, want)
		}
	}
}

func TestPendingVectorPromotesAndDeletesRow(t *testing.T) {
	tenantID := "worker-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	vectors := vectorstore.New(&fakeEmbedder{})
	pool := worker.New(db, vectors, nil, worker.Config{})

	ctx := context.Background()
	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		insertPendingVector(t, ctx, tx, "pv1")
		return nil
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	pool.ProcessTenantForTest(ctx, tenantID)

	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if n := countRows(t, ctx, tx, "pending_vectors", "id='pv1'"); n != 0 {
			t.Errorf("expected pending_vectors row removed, got %d", n)
		}
		if n := countRows(t, ctx, tx, "vectors", "collection='memories'"); n != 1 {
			t.Errorf("expected one promoted vector row, got %d", n)
		}
		return nil
	}); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestPendingVectorFailureSchedulesRetry(t *testing.T) {
	tenantID := "worker-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	vectors := vectorstore.New(&fakeEmbedder{fail: true})
	pool := worker.New(db, vectors, nil, worker.Config{})

	ctx := context.Background()
	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		insertPendingVector(t, ctx, tx, "pv2")
		return nil
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	pool.ProcessTenantForTest(ctx, tenantID)

	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		var status string
		var attempts int
		var nextRunAt int64
		row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT status, attempt_count, next_run_at FROM %s WHERE id='pv2'`, "pending_vectors"))
		if err := row.Scan(&status, &attempts, &nextRunAt); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if status != "retry" || attempts != 1 {
			t.Errorf("expected retry/1, got %s/%d", status, attempts)
		}
		if nextRunAt <= time.Now().Unix() {
			t.Errorf("expected next_run_at pushed into the future, got %d", nextRunAt)
		}
		return nil
	}); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

type fakeHandler struct {
	err error
}

func (h *fakeHandler) HandleJob(ctx context.Context, tx *store.Tx, job worker.Job) error {
	return h.err
}

func insertJob(t *testing.T, ctx context.Context, tx *store.Tx, id string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{})
	_, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, source_type, source_ref, payload, status,
		attempt_count, next_run_at, last_error, created_at) VALUES (?,?,?,?,?,?,?,?,?)`, "enrichment_jobs"),
		id, "profile", "profile:v1", string(payload), "pending", 0, 0, "", time.Now().Unix())
	if err != nil {
		t.Fatalf("insert enrichment_jobs: %v", err)
	}
}

func TestEnrichmentJobNonRetryableFailsImmediately(t *testing.T) {
	tenantID := "worker-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	vectors := vectorstore.New(&fakeEmbedder{})
	handler := &fakeHandler{err: apperr.New(apperr.SQLSandboxError, "bad statement")}
	pool := worker.New(db, vectors, handler, worker.Config{})

	ctx := context.Background()
	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		insertJob(t, ctx, tx, "job1")
		return nil
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	pool.ProcessTenantForTest(ctx, tenantID)

	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		var status string
		row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT status FROM %s WHERE id='job1'`, "enrichment_jobs"))
		if err := row.Scan(&status); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if status != "failed" {
			t.Errorf("expected failed status for a non-retryable error, got %s", status)
		}
		return nil
	}); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// TestEnrichmentJobRetryWritesAuditPerAttempt covers spec §8 scenario 6:
// a job that fails transiently must get one audit row per attempt, not
// just a single row at the end.
func TestEnrichmentJobRetryWritesAuditPerAttempt(t *testing.T) {
	tenantID := "worker-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	vectors := vectorstore.New(&fakeEmbedder{})
	handler := &fakeHandler{err: apperr.New(apperr.Transient, "downstream unavailable")}
	pool := worker.New(db, vectors, handler, worker.Config{})

	ctx := context.Background()
	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		insertJob(t, ctx, tx, "job-retry")
		return nil
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	pool.ProcessTenantForTest(ctx, tenantID)

	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		var status string
		row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT status FROM %s WHERE id='job-retry'`, "enrichment_jobs"))
		if err := row.Scan(&status); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if status != "retry" {
			t.Errorf("expected retry status for a transient error, got %s", status)
		}
		n := countRows(t, ctx, tx, "audit_log", `write_id='job-retry'`)
		if n != 1 {
			t.Errorf("expected exactly one audit row for the first retry attempt, got %d", n)
		}
		return nil
	}); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestEnrichmentJobSucceedsMarksDone(t *testing.T) {
	tenantID := "worker-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	vectors := vectorstore.New(&fakeEmbedder{})
	handler := &fakeHandler{}
	pool := worker.New(db, vectors, handler, worker.Config{})

	ctx := context.Background()
	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		insertJob(t, ctx, tx, "job2")
		return nil
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	pool.ProcessTenantForTest(ctx, tenantID)

	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		var status string
		row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT status FROM %s WHERE id='job2'`, "enrichment_jobs"))
		if err := row.Scan(&status); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if status != "done" {
			t.Errorf("expected done status, got %s", status)
		}
		return nil
	}); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
