package store

import "fmt"

// templateDDL returns the fixed per-tenant table template (spec §4.1). On
// Postgres each tenant gets its own schema; on SQLite (dev/test) tables are
// physically prefixed since SQLite has no schema-level isolation.
func templateDDL(pg bool, ns string) []string {
	if pg {
		return postgresTenantDDL(ns)
	}
	return sqliteTenantDDL(ns)
}

func postgresTenantDDL(ns string) []string {
	q := pgIdent(ns)
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.profile_versions (
			version INTEGER PRIMARY KEY,
			data JSONB NOT NULL,
			changed_fields JSONB NOT NULL,
			changed_by TEXT NOT NULL,
			meta_id TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.memory_meta (
			id TEXT PRIMARY KEY,
			source_type TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			origin TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed BIGINT,
			last_reinforced BIGINT,
			contradictions JSONB NOT NULL DEFAULT '[]',
			promote_history JSONB NOT NULL DEFAULT '[]',
			created_at BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.table_registry (
			table_name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			columns JSONB NOT NULL DEFAULT '{}',
			record_count BIGINT NOT NULL DEFAULT 0,
			protected BOOLEAN NOT NULL DEFAULT FALSE
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.audit_log (
			id TEXT PRIMARY KEY,
			write_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			source_ref TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			detail JSONB NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.consent_rules (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			resource_pattern TEXT NOT NULL,
			permission TEXT NOT NULL,
			granted_at BIGINT NOT NULL,
			revoked_at BIGINT
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.vector_collections (
			name TEXT PRIMARY KEY,
			dimensions INTEGER NOT NULL,
			created_at BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.vectors (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding JSONB NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			meta_id TEXT NOT NULL,
			deleted_at BIGINT,
			created_at BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.entities (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			properties JSONB NOT NULL DEFAULT '{}',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			mention_count INTEGER NOT NULL DEFAULT 1,
			first_seen BIGINT NOT NULL,
			last_seen BIGINT NOT NULL,
			deleted_at BIGINT
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.edges (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			relation TEXT NOT NULL,
			weight DOUBLE PRECISION NOT NULL DEFAULT 1,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			is_current BOOLEAN NOT NULL DEFAULT TRUE,
			evidence JSONB NOT NULL DEFAULT '[]',
			properties JSONB NOT NULL DEFAULT '{}',
			deleted_at BIGINT,
			created_at BIGINT NOT NULL,
			last_seen BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.edge_quarantine (
			id TEXT PRIMARY KEY,
			relation TEXT NOT NULL,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.dedup_quarantine (
			id TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			candidate_type TEXT NOT NULL,
			candidate_name TEXT NOT NULL,
			matched_entity_id TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			created_at BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.knowledge_claims (
			id TEXT PRIMARY KEY,
			claim_type TEXT NOT NULL,
			subject_kind TEXT NOT NULL,
			subject_ref TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			method TEXT NOT NULL,
			origin TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			write_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			evidence JSONB NOT NULL DEFAULT '[]',
			created_at BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.knowledge_claim_events (
			id TEXT PRIMARY KEY,
			claim_id TEXT NOT NULL,
			event TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.pending_vectors (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			meta_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_run_at BIGINT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.enrichment_jobs (
			id TEXT PRIMARY KEY,
			source_type TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_run_at BIGINT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.memory_backlog (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			meta_id TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`, q),
	}
	return stmts
}

func sqliteTenantDDL(ns string) []string {
	p := ns + "_"
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sprofile_versions (
			version INTEGER PRIMARY KEY,
			data TEXT NOT NULL,
			changed_fields TEXT NOT NULL,
			changed_by TEXT NOT NULL,
			meta_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %smemory_meta (
			id TEXT PRIMARY KEY,
			source_type TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			origin TEXT NOT NULL,
			confidence REAL NOT NULL,
			status TEXT NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed INTEGER,
			last_reinforced INTEGER,
			contradictions TEXT NOT NULL DEFAULT '[]',
			promote_history TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %stable_registry (
			table_name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			columns TEXT NOT NULL DEFAULT '{}',
			record_count INTEGER NOT NULL DEFAULT 0,
			protected INTEGER NOT NULL DEFAULT 0
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %saudit_log (
			id TEXT PRIMARY KEY,
			write_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			source_ref TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sconsent_rules (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			resource_pattern TEXT NOT NULL,
			permission TEXT NOT NULL,
			granted_at INTEGER NOT NULL,
			revoked_at INTEGER
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %svector_collections (
			name TEXT PRIMARY KEY,
			dimensions INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %svectors (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			meta_id TEXT NOT NULL,
			deleted_at INTEGER,
			created_at INTEGER NOT NULL
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sentities (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			properties TEXT NOT NULL DEFAULT '{}',
			confidence REAL NOT NULL DEFAULT 0.5,
			mention_count INTEGER NOT NULL DEFAULT 1,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			deleted_at INTEGER
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sedges (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			relation TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 1,
			confidence REAL NOT NULL DEFAULT 0.5,
			is_current INTEGER NOT NULL DEFAULT 1,
			evidence TEXT NOT NULL DEFAULT '[]',
			properties TEXT NOT NULL DEFAULT '{}',
			deleted_at INTEGER,
			created_at INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sedge_quarantine (
			id TEXT PRIMARY KEY,
			relation TEXT NOT NULL,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sdedup_quarantine (
			id TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			candidate_type TEXT NOT NULL,
			candidate_name TEXT NOT NULL,
			matched_entity_id TEXT NOT NULL,
			score REAL NOT NULL,
			created_at INTEGER NOT NULL
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sknowledge_claims (
			id TEXT PRIMARY KEY,
			claim_type TEXT NOT NULL,
			subject_kind TEXT NOT NULL,
			subject_ref TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			confidence REAL NOT NULL,
			status TEXT NOT NULL,
			method TEXT NOT NULL,
			origin TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			write_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			evidence TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sknowledge_claim_events (
			id TEXT PRIMARY KEY,
			claim_id TEXT NOT NULL,
			event TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %spending_vectors (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			meta_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_run_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %senrichment_jobs (
			id TEXT PRIMARY KEY,
			source_type TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_run_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`, p),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %smemory_backlog (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			meta_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`, p),
	}
}

// protectedTables are write-protected per spec §3 (Table Row).
var protectedTables = map[string]bool{
	"audit_log":          true,
	"table_registry":     true,
	"memory_meta":        true,
	"consent_rules":      true,
	"vector_collections": true,
}

func IsProtectedTable(name string) bool { return protectedTables[name] }
