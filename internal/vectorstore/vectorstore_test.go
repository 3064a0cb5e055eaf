package vectorstore_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/testutil"
	"github.com/gunning4it/epitome/internal/vectorstore"
)

// fakeEmbedder returns a deterministic, unnormalized vector: each rune's
// value mod 7 is added to bucket i%dims, plus 1 in bucket 0, so similar
// inputs land close together in cosine space and dissimilar ones don't.
type fakeEmbedder struct {
	dims    int
	failOn  string
	calls   int
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return nil, errors.New("embedding provider: api key rejected")
	}
	vec := make([]float32, f.dims)
	for i, r := range text {
		vec[i%f.dims] += float32(r % 7)
	}
	vec[0] += 1 // avoid an all-zero vector for empty text
	return vec, nil
}

func setupTenant(t *testing.T) (*store.DB, string) {
	t.Helper()
	tenantID := "vectorstore-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	return db, tenantID
}

func TestUpsertCreatesCollectionAndRow(t *testing.T) {
	db, tenantID := setupTenant(t)
	ctx := context.Background()
	embedder := &fakeEmbedder{dims: 8}
	eng := vectorstore.New(embedder)

	var status string
	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		row, st, err := eng.Upsert(ctx, tx, "memories", "Alice likes jazz", map[string]any{"source": "chat"}, memoryquality.OriginUserStated)
		if err != nil {
			return err
		}
		if row == nil || row.ID == "" {
			t.Fatalf("expected a row with an id")
		}
		status = st
		return nil
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if status != "accepted" {
		t.Fatalf("expected accepted, got %s", status)
	}
}

func TestUpsertDuplicateTextBecomesMention(t *testing.T) {
	db, tenantID := setupTenant(t)
	ctx := context.Background()
	embedder := &fakeEmbedder{dims: 8}
	eng := vectorstore.New(embedder)

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if _, _, err := eng.Upsert(ctx, tx, "memories", "Alice likes jazz", map[string]any{"source": "chat"}, memoryquality.OriginUserStated); err != nil {
			return err
		}
		// Same text, case-insensitive, same metadata: a mention, not a new row.
		row, _, err := eng.Upsert(ctx, tx, "memories", "ALICE LIKES JAZZ", map[string]any{"source": "chat"}, memoryquality.OriginUserStated)
		if err != nil {
			return err
		}
		if row == nil {
			t.Fatalf("expected existing row back")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if embedder.calls != 1 {
		t.Fatalf("expected embedder called once (second write is a mention), got %d calls", embedder.calls)
	}
}

func TestUpsertDuplicateTextDifferentMetadataBecomesContradiction(t *testing.T) {
	db, tenantID := setupTenant(t)
	ctx := context.Background()
	embedder := &fakeEmbedder{dims: 8}
	eng := vectorstore.New(embedder)

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		row1, _, err := eng.Upsert(ctx, tx, "memories", "Alice likes jazz", map[string]any{"source": "chat"}, memoryquality.OriginUserStated)
		if err != nil {
			return err
		}
		row2, _, err := eng.Upsert(ctx, tx, "memories", "Alice likes jazz", map[string]any{"source": "email"}, memoryquality.OriginUserStated)
		if err != nil {
			return err
		}
		if row1.ID != row2.ID {
			t.Fatalf("expected same logical row, different metadata just updates it")
		}
		if row2.Metadata["source"] != "email" {
			t.Fatalf("expected metadata overwritten with latest, got %v", row2.Metadata)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestUpsertEmbeddingFailureFallsBackToPendingVectors(t *testing.T) {
	db, tenantID := setupTenant(t)
	ctx := context.Background()
	embedder := &fakeEmbedder{dims: 8, failOn: "fail-me"}
	eng := vectorstore.New(embedder)

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		_, status, err := eng.Upsert(ctx, tx, "memories", "please fail-me now", nil, memoryquality.OriginUserStated)
		if err != nil {
			return err
		}
		if status != "pending_enrichment" {
			t.Fatalf("expected pending_enrichment, got %s", status)
		}
		var count int
		row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT COUNT(*) FROM %s WHERE text = ?`, "pending_vectors"), "please fail-me now")
		if err := row.Scan(&count); err != nil {
			return err
		}
		if count != 1 {
			t.Fatalf("expected one pending_vectors row, got %d", count)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestSearchReturnsAboveThresholdAndEmitsAccess(t *testing.T) {
	db, tenantID := setupTenant(t)
	ctx := context.Background()
	embedder := &fakeEmbedder{dims: 8}
	eng := vectorstore.New(embedder)

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if _, _, err := eng.Upsert(ctx, tx, "memories", "Alice likes jazz music", nil, memoryquality.OriginUserStated); err != nil {
			return err
		}
		if _, _, err := eng.Upsert(ctx, tx, "memories", "quarterly tax filing deadline", nil, memoryquality.OriginUserStated); err != nil {
			return err
		}

		results, err := eng.Search(ctx, tx, "memories", "Alice likes jazz music", 0, 0)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			t.Fatalf("expected at least one match for an exact-text query")
		}
		if results[0].Row.Text != "Alice likes jazz music" {
			t.Fatalf("expected the closest match first, got %q", results[0].Row.Text)
		}
		if results[0].Similarity < 0.99 {
			t.Fatalf("expected near-1.0 self-similarity, got %f", results[0].Similarity)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
}
