package dedup_test

import (
	"context"
	"testing"

	"github.com/gunning4it/epitome/internal/config"
	"github.com/gunning4it/epitome/internal/dedup"
	"github.com/gunning4it/epitome/internal/graph"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/ontology"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/testutil"
)

func setupTenant(t *testing.T) (*store.DB, string, *graph.Engine, *dedup.Engine) {
	t.Helper()
	tenantID := "dedup-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	gEng := graph.New(ontology.Soft)
	dEng := dedup.New(gEng, config.Config{})
	return db, tenantID, gEng, dEng
}

func TestFindMatchExactStage(t *testing.T) {
	db, tenantID, gEng, dEng := setupTenant(t)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if _, err := gEng.CreateEntity(ctx, tx, "person", "Sarah Chen", nil, 0.8); err != nil {
			return err
		}
		match, err := dEng.FindMatch(ctx, tx, dedup.Candidate{Type: "person", Name: "sarah chen"})
		if err != nil {
			return err
		}
		if match == nil || match.Stage != dedup.StageExact {
			t.Fatalf("expected exact match, got %+v", match)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
}

func TestFindMatchNormalizedStageStripsCorporateSuffix(t *testing.T) {
	db, tenantID, gEng, dEng := setupTenant(t)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if _, err := gEng.CreateEntity(ctx, tx, "organization", "Acme Corp.", nil, 0.8); err != nil {
			return err
		}
		match, err := dEng.FindMatch(ctx, tx, dedup.Candidate{Type: "organization", Name: "Acme"})
		if err != nil {
			return err
		}
		if match == nil || match.Stage != dedup.StageNormalized {
			t.Fatalf("expected normalized match, got %+v", match)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("normalized: %v", err)
	}
}

func TestFindMatchFuzzyStage(t *testing.T) {
	db, tenantID, gEng, dEng := setupTenant(t)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if _, err := gEng.CreateEntity(ctx, tx, "place", "Crest Cafe", nil, 0.8); err != nil {
			return err
		}
		match, err := dEng.FindMatch(ctx, tx, dedup.Candidate{Type: "place", Name: "Crest Kafe"})
		if err != nil {
			return err
		}
		if match == nil || match.Stage != dedup.StageFuzzy {
			t.Fatalf("expected fuzzy match, got %+v", match)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("fuzzy: %v", err)
	}
}

func TestFindMatchAliasStage(t *testing.T) {
	db, tenantID, gEng, dEng := setupTenant(t)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		ent, err := gEng.CreateEntity(ctx, tx, "person", "Sarah Chen", nil, 0.8)
		if err != nil {
			return err
		}
		ent.AddAlias("Sarah")
		if err := gEng.UpdateEntityProperties(ctx, tx, ent.ID, ent.Properties, ent.Confidence, ent.MentionCount, ent.FirstSeen); err != nil {
			return err
		}
		match, err := dEng.FindMatch(ctx, tx, dedup.Candidate{Type: "person", Name: "Sarah"})
		if err != nil {
			return err
		}
		if match == nil || match.Stage != dedup.StageAlias {
			t.Fatalf("expected alias match, got %+v", match)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("alias: %v", err)
	}
}

func TestFindMatchReturnsNilForNovelCandidate(t *testing.T) {
	db, tenantID, gEng, dEng := setupTenant(t)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if _, err := gEng.CreateEntity(ctx, tx, "person", "Sarah Chen", nil, 0.8); err != nil {
			return err
		}
		match, err := dEng.FindMatch(ctx, tx, dedup.Candidate{Type: "person", Name: "Bob Jones"})
		if err != nil {
			return err
		}
		if match != nil {
			t.Fatalf("expected no match, got %+v", match)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("novel: %v", err)
	}
}

func TestMergeEntitiesRetargetsAndCollapsesEdges(t *testing.T) {
	db, tenantID, gEng, dEng := setupTenant(t)
	ctx := context.Background()

	var sarah1, sarah2, cafe string
	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		e1, err := gEng.CreateEntity(ctx, tx, "person", "Sarah", nil, 0.8)
		if err != nil {
			return err
		}
		e2, err := gEng.CreateEntity(ctx, tx, "person", "Sarah Chen", nil, 0.9)
		if err != nil {
			return err
		}
		c, err := gEng.CreateEntity(ctx, tx, "place", "Crest Cafe", nil, 0.8)
		if err != nil {
			return err
		}
		sarah1, sarah2, cafe = e1.ID, e2.ID, c.ID

		if _, err := gEng.CreateOrReinforceEdge(ctx, tx, graph.EdgeInput{
			SourceID: sarah1, TargetID: cafe, Relation: "visited",
			SourceType: ontology.Person, TargetType: ontology.Place,
			Origin: memoryquality.OriginUserStated, Confidence: 0.8,
		}); err != nil {
			return err
		}
		if _, err := gEng.CreateOrReinforceEdge(ctx, tx, graph.EdgeInput{
			SourceID: sarah2, TargetID: cafe, Relation: "visited",
			SourceType: ontology.Person, TargetType: ontology.Place,
			Origin: memoryquality.OriginUserStated, Confidence: 0.9,
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	err = db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		return dEng.MergeEntities(ctx, tx, sarah1, sarah2)
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	err = db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		target, err := gEng.GetEntity(ctx, tx, sarah2)
		if err != nil {
			return err
		}
		aliases := target.Aliases()
		found := false
		for _, a := range aliases {
			if a == "Sarah" {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected target aliases to contain source name, got %v", aliases)
		}

		edges, err := gEng.Neighbors(ctx, tx, sarah2, graph.NeighborFilter{Direction: graph.Outbound})
		if err != nil {
			return err
		}
		if len(edges) != 1 {
			t.Fatalf("expected duplicate visited edges collapsed to 1, got %d", len(edges))
		}
		if edges[0].Weight != 2 {
			t.Fatalf("expected collapsed weight 2, got %v", edges[0].Weight)
		}

		source, err := gEng.GetEntity(ctx, tx, sarah1)
		if err != nil {
			return err
		}
		if source.DeletedAt == nil {
			t.Fatal("expected source entity to be soft-deleted")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestFindMatchCrossTypeExactStage(t *testing.T) {
	db, tenantID, gEng, _ := setupTenant(t)
	dEng := dedup.New(gEng, config.Config{CrossTypeDedupEnabled: true})
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if _, err := gEng.CreateEntity(ctx, tx, "place", "Crest Cafe", nil, 0.8); err != nil {
			return err
		}
		match, err := dEng.FindMatch(ctx, tx, dedup.Candidate{Type: "organization", Name: "Crest Cafe"})
		if err != nil {
			return err
		}
		if match == nil || match.Stage != dedup.StageCrossTypeExact {
			t.Fatalf("expected cross-type-exact match, got %+v", match)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("cross-type-exact: %v", err)
	}
}

// TestFindMatchCrossTypeFuzzyQuarantinesButStillCreates covers spec §4.5
// step 6: a cross-type-fuzzy hit must never be returned as a Match to
// reuse (the caller would otherwise merge the candidate into the wrong
// entity) — it writes a quarantine row and lets the candidate fall
// through to creation.
func TestFindMatchCrossTypeFuzzyQuarantinesButStillCreates(t *testing.T) {
	db, tenantID, gEng, _ := setupTenant(t)
	dEng := dedup.New(gEng, config.Config{CrossTypeDedupEnabled: true})
	ctx := context.Background()

	var cafeID string
	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		ent, err := gEng.CreateEntity(ctx, tx, "place", "Crest Cafe", nil, 0.8)
		cafeID = ent.ID
		return err
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	err = db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		match, err := dEng.FindMatch(ctx, tx, dedup.Candidate{Type: "organization", Name: "Crest Cafes"})
		if err != nil {
			return err
		}
		if match != nil {
			t.Fatalf("expected stage 6 to never return a reusable match, got %+v", match)
		}

		rows, err := tx.Query(ctx, store.Fmt(tx, `SELECT stage, matched_entity_id FROM %s`, "dedup_quarantine"))
		if err != nil {
			return err
		}
		defer rows.Close()
		count := 0
		for rows.Next() {
			var stage, matchedID string
			if err := rows.Scan(&stage, &matchedID); err != nil {
				return err
			}
			if stage != string(dedup.StageCrossTypeFuzzy) || matchedID != cafeID {
				t.Fatalf("unexpected quarantine row: stage=%s matched=%s", stage, matchedID)
			}
			count++
		}
		if count != 1 {
			t.Fatalf("expected exactly one quarantine row, got %d", count)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("cross-type-fuzzy: %v", err)
	}
}

func TestMergeSelfIsError(t *testing.T) {
	db, tenantID, gEng, dEng := setupTenant(t)
	ctx := context.Background()

	var id string
	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		e, err := gEng.CreateEntity(ctx, tx, "person", "Alice", nil, 0.8)
		id = e.ID
		return err
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	err = db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		return dEng.MergeEntities(ctx, tx, id, id)
	})
	if err == nil {
		t.Fatal("expected error merging an entity with itself")
	}
}
