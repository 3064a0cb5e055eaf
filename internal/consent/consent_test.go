package consent_test

import (
	"context"
	"testing"

	"github.com/gunning4it/epitome/internal/consent"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/testutil"
)

func setupTenant(t *testing.T) (*store.DB, string) {
	t.Helper()
	tenantID := "consent-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	return db, tenantID
}

func TestCheckDeniesWithNoRule(t *testing.T) {
	db, tenantID := setupTenant(t)
	ctx := context.Background()
	eng := consent.New()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		return eng.Check(ctx, tx, "agent1", "profile", consent.PermissionRead)
	})
	if err == nil {
		t.Fatalf("expected consent denied with no rule")
	}
}

func TestCheckLongestPatternWins(t *testing.T) {
	db, tenantID := setupTenant(t)
	ctx := context.Background()
	eng := consent.New()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if _, err := eng.Grant(ctx, tx, "agent1", "tables/*", consent.PermissionRead); err != nil {
			return err
		}
		if _, err := eng.Grant(ctx, tx, "agent1", "tables/meals", consent.PermissionWrite); err != nil {
			return err
		}
		// The more specific rule (tables/meals, write) should win over the
		// broader wildcard (tables/*, read).
		if err := eng.Check(ctx, tx, "agent1", "tables/meals", consent.PermissionWrite); err != nil {
			t.Fatalf("expected write allowed via the more specific rule: %v", err)
		}
		// A sibling resource only matches the wildcard, which only grants read.
		if err := eng.Check(ctx, tx, "agent1", "tables/workouts", consent.PermissionWrite); err == nil {
			t.Fatalf("expected write denied on tables/workouts (wildcard only grants read)")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRevokeAgentCascades(t *testing.T) {
	db, tenantID := setupTenant(t)
	ctx := context.Background()
	eng := consent.New()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if _, err := eng.Grant(ctx, tx, "agent1", "profile", consent.PermissionWrite); err != nil {
			return err
		}
		if err := eng.RevokeAgent(ctx, db, tx, "agent1"); err != nil {
			return err
		}
		err := eng.Check(ctx, tx, "agent1", "profile", consent.PermissionRead)
		if err == nil {
			t.Fatalf("expected consent denied after revocation")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckDomainAcceptsDomainWildcard(t *testing.T) {
	db, tenantID := setupTenant(t)
	ctx := context.Background()
	eng := consent.New()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if _, err := eng.Grant(ctx, tx, "agent1", "tables/*", consent.PermissionRead); err != nil {
			return err
		}
		return eng.CheckDomain(ctx, tx, "agent1", "tables", "tables/meals", consent.PermissionRead)
	})
	if err != nil {
		t.Fatalf("expected domain wildcard to grant access: %v", err)
	}
}
