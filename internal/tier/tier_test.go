package tier_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/testutil"
	"github.com/gunning4it/epitome/internal/tier"
)

func TestWithTierLimitLockRejectsAtCap(t *testing.T) {
	tenantID := "tier-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		// Free tier allows 3 agents; insert 3 consent rows directly to
		// simulate the resource already being at cap.
		for i := 0; i < 3; i++ {
			if _, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, agent_id, resource_pattern, permission, granted_at)
				VALUES (?,?,?,?,0)`, "consent_rules"), "rule"+string(rune('a'+i)), "agent1", "profile", "read"); err != nil {
				return err
			}
		}
		return tier.WithTierLimitLock(ctx, db, tx, tier.Free, tier.ResourceAgents, func() error {
			t.Fatalf("fn should not run once at cap")
			return nil
		})
	})
	if err == nil {
		t.Fatalf("expected a TIER_LIMIT error")
	}
}

func TestWithTierLimitLockRunsUnderCap(t *testing.T) {
	tenantID := "tier-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	ctx := context.Background()

	ran := false
	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		return tier.WithTierLimitLock(ctx, db, tx, tier.Free, tier.ResourceAgents, func() error {
			ran = true
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatalf("expected fn to run under cap")
	}
}

func TestEnterpriseTierIsUnlimited(t *testing.T) {
	tenantID := "tier-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		atLimit, _, limit, err := tier.SoftCheck(ctx, db, tx, tier.Enterprise, tier.ResourceGraphEntities)
		if err != nil {
			return err
		}
		if atLimit || limit != tier.Unlimited {
			t.Fatalf("expected enterprise tier unlimited, got atLimit=%v limit=%d", atLimit, limit)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("softcheck: %v", err)
	}
}

// TestWithTierLimitLockRejectsAtCapForTables covers spec §8 scenario 5: free
// tier with its built-in tables cap of 2, rejecting a third sequential
// insert with a TIER_LIMIT{resource:"tables",...} error.
func TestWithTierLimitLockRejectsAtCapForTables(t *testing.T) {
	tenantID := "tier-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		for i := 0; i < 2; i++ {
			if _, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (table_name) VALUES (?)`,
				"table_registry"), "table"+string(rune('a'+i))); err != nil {
				return err
			}
		}
		return tier.WithTierLimitLock(ctx, db, tx, tier.Free, tier.ResourceTables, func() error {
			t.Fatalf("fn should not run once at cap")
			return nil
		})
	})
	if err == nil {
		t.Fatalf("expected a TIER_LIMIT error")
	}
}

// TestConfiguredTierLimitOverridesBuiltinCap covers spec §4.12's
// system_config override: a tier_limits_<tier> row takes precedence over
// the built-in fallback cap.
func TestConfiguredTierLimitOverridesBuiltinCap(t *testing.T) {
	tenantID := "tier-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	ctx := context.Background()

	overrides, _ := json.Marshal(map[string]int{"agents": 1})
	_, err := db.SQL.ExecContext(ctx, store.FmtShared(db, `INSERT INTO system_config (key, value) VALUES (?,?)`),
		"tier_limits_free", string(overrides))
	if err != nil {
		t.Fatalf("seed override: %v", err)
	}

	err = db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, agent_id, resource_pattern, permission, granted_at)
			VALUES (?,?,?,?,0)`, "consent_rules"), "rule-a", "agent1", "profile", "read"); err != nil {
			return err
		}
		return tier.WithTierLimitLock(ctx, db, tx, tier.Free, tier.ResourceAgents, func() error {
			t.Fatalf("fn should not run once at the overridden cap of 1")
			return nil
		})
	})
	if err == nil {
		t.Fatalf("expected a TIER_LIMIT error under the overridden cap")
	}
}
