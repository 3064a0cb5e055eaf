package ingestion_test

import (
	"context"
	"testing"

	"github.com/gunning4it/epitome/internal/config"
	"github.com/gunning4it/epitome/internal/consent"
	"github.com/gunning4it/epitome/internal/ingestion"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/testutil"
)

type fakeEmbedder struct{ dims int }

func (f *fakeEmbedder) Dimensions() int { return f.dims }
func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dims)
	for i, r := range text {
		vec[i%f.dims] += float32(r % 7)
	}
	vec[0] += 1
	return vec, nil
}

func setupTenant(t *testing.T) (*store.DB, string, *ingestion.Pipeline) {
	t.Helper()
	tenantID := "ingestion-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	cfg := config.Config{LedgerWriteEnabled: true}
	p := ingestion.New(cfg, &fakeEmbedder{dims: 8})
	return db, tenantID, p
}

func grantWrite(t *testing.T, ctx context.Context, tx *store.Tx, p *ingestion.Pipeline, agentID, pattern string) {
	t.Helper()
	if _, err := p.Consent.Grant(ctx, tx, agentID, pattern, consent.PermissionWrite); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func TestWriteDeniedWithoutConsent(t *testing.T) {
	db, tenantID, p := setupTenant(t)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		_, err := p.Write(ctx, tx, ingestion.WriteRequest{
			AgentID: "agent1", Kind: ingestion.KindProfile,
			Payload: map[string]any{"name": "Alice"}, Origin: memoryquality.OriginUserStated,
		})
		return err
	})
	if err == nil {
		t.Fatalf("expected consent denied")
	}
}

func TestWriteProfilePersistsAndQueuesEnrichment(t *testing.T) {
	db, tenantID, p := setupTenant(t)
	ctx := context.Background()

	var writeID, status string
	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		grantWrite(t, ctx, tx, p, "agent1", "profile")
		res, err := p.Write(ctx, tx, ingestion.WriteRequest{
			AgentID: "agent1", Kind: ingestion.KindProfile,
			Payload: map[string]any{"name": "Alice"}, ChangedBy: "agent1",
			Origin: memoryquality.OriginUserStated,
		})
		if err != nil {
			return err
		}
		writeID, status = res.WriteID, res.Status
		var jobCount int
		row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT COUNT(*) FROM %s WHERE source_ref LIKE 'profile:%%'`, "enrichment_jobs"))
		if err := row.Scan(&jobCount); err != nil {
			return err
		}
		if jobCount != 1 {
			t.Fatalf("expected one enrichment job enqueued, got %d", jobCount)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if writeID == "" || status != "accepted" {
		t.Fatalf("expected an accepted write, got id=%q status=%q", writeID, status)
	}
}

func TestWriteTablePersistsRow(t *testing.T) {
	db, tenantID, p := setupTenant(t)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		grantWrite(t, ctx, tx, p, "agent1", "tables/*")
		res, err := p.Write(ctx, tx, ingestion.WriteRequest{
			AgentID: "agent1", Kind: ingestion.KindTable, TableName: "meals",
			Payload: map[string]any{"item": "oatmeal", "calories": 300.0},
			ChangedBy: "agent1", Origin: memoryquality.OriginUserStated,
		})
		if err != nil {
			return err
		}
		if res.Status != "accepted" {
			t.Fatalf("expected accepted, got %s", res.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWriteVectorPersistsAndStatus(t *testing.T) {
	db, tenantID, p := setupTenant(t)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		grantWrite(t, ctx, tx, p, "agent1", "vectors/*")
		res, err := p.Write(ctx, tx, ingestion.WriteRequest{
			AgentID: "agent1", Kind: ingestion.KindVector, Collection: "memories",
			Text: "Alice likes jazz", Origin: memoryquality.OriginUserStated,
		})
		if err != nil {
			return err
		}
		if res.Status != "accepted" {
			t.Fatalf("expected accepted, got %s", res.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
}
