package graph_test

import (
	"context"
	"testing"

	"github.com/gunning4it/epitome/internal/graph"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/ontology"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/testutil"
)

func setupTenant(t *testing.T) (*store.DB, string) {
	t.Helper()
	tenantID := "graph-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	return db, tenantID
}

func TestEdgeReinforcementCapsWeightAndAccumulatesEvidence(t *testing.T) {
	db, tenantID := setupTenant(t)
	ctx := context.Background()
	eng := graph.New(ontology.Soft)

	var sourceID, targetID string
	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		src, err := eng.CreateEntity(ctx, tx, "person", "Alice", nil, 0.9)
		if err != nil {
			return err
		}
		dst, err := eng.CreateEntity(ctx, tx, "place", "Crest Cafe", nil, 0.8)
		if err != nil {
			return err
		}
		sourceID, targetID = src.ID, dst.ID
		return nil
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	err = db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		for i := 0; i < 15; i++ {
			in := graph.EdgeInput{
				SourceID: sourceID, TargetID: targetID, Relation: "visited",
				SourceType: ontology.Person, TargetType: ontology.Place,
				Evidence: "ev", Origin: memoryquality.OriginUserStated, Confidence: 0.8,
			}
			if _, err := eng.CreateOrReinforceEdge(ctx, tx, in); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reinforce: %v", err)
	}

	err = db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		edges, err := eng.Neighbors(ctx, tx, sourceID, graph.NeighborFilter{Direction: graph.Outbound})
		if err != nil {
			return err
		}
		if len(edges) != 1 {
			t.Fatalf("expected exactly one edge after reinforcement, got %d", len(edges))
		}
		if edges[0].Weight != graph.MaxEdgeWeight {
			t.Fatalf("expected weight capped at %v, got %v", graph.MaxEdgeWeight, edges[0].Weight)
		}
		if len(edges[0].Evidence) != 15 {
			t.Fatalf("expected 15 evidence entries, got %d", len(edges[0].Evidence))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestTemporalTransitionFlipsIsCurrent(t *testing.T) {
	db, tenantID := setupTenant(t)
	ctx := context.Background()
	eng := graph.New(ontology.Soft)

	var alice, orgA, orgB string
	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		a, err := eng.CreateEntity(ctx, tx, "person", "Alice", nil, 0.9)
		if err != nil {
			return err
		}
		oa, err := eng.CreateEntity(ctx, tx, "organization", "Org A", nil, 0.8)
		if err != nil {
			return err
		}
		ob, err := eng.CreateEntity(ctx, tx, "organization", "Org B", nil, 0.8)
		if err != nil {
			return err
		}
		alice, orgA, orgB = a.ID, oa.ID, ob.ID
		return nil
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	err = db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if _, err := eng.CreateOrReinforceEdge(ctx, tx, graph.EdgeInput{
			SourceID: alice, TargetID: orgA, Relation: "works_at",
			SourceType: ontology.Person, TargetType: ontology.Organization,
			Origin: memoryquality.OriginUserStated, Confidence: 0.9,
		}); err != nil {
			return err
		}
		if _, err := eng.CreateOrReinforceEdge(ctx, tx, graph.EdgeInput{
			SourceID: alice, TargetID: orgB, Relation: "works_at",
			SourceType: ontology.Person, TargetType: ontology.Organization,
			Origin: memoryquality.OriginUserStated, Confidence: 0.9,
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create edges: %v", err)
	}

	err = db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		edges, err := eng.Neighbors(ctx, tx, alice, graph.NeighborFilter{Direction: graph.Outbound, Relation: "works_at"})
		if err != nil {
			return err
		}
		if len(edges) != 2 {
			t.Fatalf("expected 2 works_at edges, got %d", len(edges))
		}
		currentCount := 0
		for _, ed := range edges {
			if ed.TargetID == orgA && ed.IsCurrent {
				t.Fatal("expected Org A edge to be flipped non-current")
			}
			if ed.IsCurrent {
				currentCount++
			}
		}
		if currentCount != 1 {
			t.Fatalf("expected exactly one current works_at edge, got %d", currentCount)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestOntologyStrictRejectsUnknownRelation(t *testing.T) {
	db, tenantID := setupTenant(t)
	ctx := context.Background()
	eng := graph.New(ontology.Strict)

	var a, b string
	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		ea, err := eng.CreateEntity(ctx, tx, "person", "Alice", nil, 0.9)
		if err != nil {
			return err
		}
		eb, err := eng.CreateEntity(ctx, tx, "topic", "quantum computing", nil, 0.9)
		if err != nil {
			return err
		}
		a, b = ea.ID, eb.ID
		return nil
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	err = db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		res, err := eng.CreateOrReinforceEdge(ctx, tx, graph.EdgeInput{
			SourceID: a, TargetID: b, Relation: "ponders_deeply",
			SourceType: ontology.Person, TargetType: ontology.Topic,
			Origin: memoryquality.OriginAIInferred, Confidence: 0.5,
		})
		if err != nil {
			return err
		}
		if !res.Rejected {
			t.Fatal("expected strict mode to reject an unknown relation")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}
