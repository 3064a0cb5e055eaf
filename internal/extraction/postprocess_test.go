package extraction

import (
	"context"
	"testing"

	"github.com/gunning4it/epitome/internal/config"
	"github.com/gunning4it/epitome/internal/llm"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/testutil"
	"github.com/gunning4it/epitome/internal/vectorstore"
)

type stubEmbedder struct{}

func (stubEmbedder) Dimensions() int { return 4 }
func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 2, 3, 4}, nil
}

func newTestProcessor(db *store.DB) *Processor {
	return New(db, vectorstore.New(stubEmbedder{}), config.Config{OntologyMode: "soft"}, llm.NullProvider{}, MethodRules)
}

func TestSanitizeAndDedupeDropsLowSignalAndDuplicates(t *testing.T) {
	in := []Candidate{
		{Type: "food", Name: "Tacos"},
		{Type: "food", Name: "tacos"}, // duplicate, case-insensitive
		{Type: "food", Name: "unknown"},
		{Type: "", Name: "Mystery Thing"}, // falls back to custom type
	}
	out := sanitizeAndDedupe(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 candidates after sanitize/dedupe, got %d: %+v", len(out), out)
	}
	if out[1].Type != "custom" {
		t.Errorf("expected empty type to fall back to custom, got %q", out[1].Type)
	}
}

func TestResolveOwnerCreatesOnceAndReuses(t *testing.T) {
	tenantID := "extract-postproc-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	p := newTestProcessor(db)
	ctx := context.Background()

	var firstID string
	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		owner, err := p.resolveOwner(ctx, tx)
		if err != nil {
			return err
		}
		firstID = owner.ID
		return nil
	}); err != nil {
		t.Fatalf("first resolveOwner: %v", err)
	}

	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		owner, err := p.resolveOwner(ctx, tx)
		if err != nil {
			return err
		}
		if owner.ID != firstID {
			t.Errorf("expected resolveOwner to reuse existing owner, got new id %s vs %s", owner.ID, firstID)
		}
		return nil
	}); err != nil {
		t.Fatalf("second resolveOwner: %v", err)
	}
}

func TestResolveOrCreateReusesMatchedEntity(t *testing.T) {
	tenantID := "extract-postproc-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	p := newTestProcessor(db)
	ctx := context.Background()

	cand := Candidate{Type: "person", Name: "Sarah Chen"}

	var firstID string
	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		id, err := p.resolveOrCreate(ctx, tx, "free", cand)
		if err != nil {
			return err
		}
		firstID = id
		return nil
	}); err != nil {
		t.Fatalf("first resolveOrCreate: %v", err)
	}

	if err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		id, err := p.resolveOrCreate(ctx, tx, "free", cand)
		if err != nil {
			return err
		}
		if id != firstID {
			t.Errorf("expected dedup to reuse entity, got %s vs %s", id, firstID)
		}
		ent, err := p.Graph.GetEntity(ctx, tx, id)
		if err != nil {
			return err
		}
		if ent.MentionCount < 2 {
			t.Errorf("expected mention_count bumped on reuse, got %d", ent.MentionCount)
		}
		return nil
	}); err != nil {
		t.Fatalf("second resolveOrCreate: %v", err)
	}
}

func TestNestedPatchAndProfileFieldValueRoundTrip(t *testing.T) {
	patch := nestedPatch("work.company", "Acme Corp")
	got := profileFieldValue(patch, "work.company")
	if got != "Acme Corp" {
		t.Errorf("profileFieldValue(nestedPatch(...)) = %q, want %q", got, "Acme Corp")
	}
	if profileFieldValue(patch, "work.missing") != "" {
		t.Error("expected empty string for a missing nested path")
	}
	if profileFieldValue(map[string]any{}, "a.b.c") != "" {
		t.Error("expected empty string for an entirely absent path")
	}
}
