// Package testutil provides shared test fixtures for packages that need a
// provisioned tenant database (spec §4.1) without pulling in a real Postgres
// instance.
package testutil

import (
	"context"
	"testing"

	"github.com/gunning4it/epitome/internal/store"

	_ "modernc.org/sqlite"
)

// OpenTenant opens an in-memory SQLite-backed DB, provisions tenantID, and
// registers cleanup. Each call gets its own isolated in-memory database.
func OpenTenant(t *testing.T, tenantID string) *store.DB {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite", "file:"+tenantID+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("testutil: open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.ProvisionTenant(ctx, tenantID); err != nil {
		t.Fatalf("testutil: provision tenant: %v", err)
	}
	return db
}
