package store

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/gunning4it/epitome/internal/apperr"
)

// Tx is a tenant-scoped handle: every other component accepts *Tx rather
// than touching *sql.DB directly, so isolation is structural (spec §4.1).
type Tx struct {
	tx         *sql.Tx
	db         *DB
	TenantID   string
	ns         string // postgres schema name / sqlite table prefix
	finalizers []func()
}

// onFinalize registers fn to run once, after the transaction commits or
// rolls back (in either order). Used by AdvisoryLock to release in-process
// locks taken to stand in for pg_advisory_xact_lock under SQLite.
func (t *Tx) onFinalize(fn func()) { t.finalizers = append(t.finalizers, fn) }

func (t *Tx) runFinalizers() {
	for i := len(t.finalizers) - 1; i >= 0; i-- {
		t.finalizers[i]()
	}
}

var (
	advisoryMu    sync.Mutex
	advisoryLocks = map[string]*sync.Mutex{}
)

func advisoryMutexFor(key string) *sync.Mutex {
	advisoryMu.Lock()
	defer advisoryMu.Unlock()
	m, ok := advisoryLocks[key]
	if !ok {
		m = &sync.Mutex{}
		advisoryLocks[key] = m
	}
	return m
}

// AdvisoryLock takes a transactional advisory lock keyed by the given string
// (spec §4.12: hash(tenantId+resource)), released automatically on
// commit/abort. On Postgres this is `pg_advisory_xact_lock`; on SQLite,
// which has no advisory-lock primitive, an in-process mutex keyed the same
// way stands in, since the SQLite backend only ever serves a single process.
func (t *Tx) AdvisoryLock(ctx context.Context, key string) error {
	if t.IsPostgres() {
		h := fnv.New64a()
		_, _ = h.Write([]byte(key))
		if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(h.Sum64())); err != nil {
			return apperr.Wrap(apperr.Transient, err, "store: advisory lock")
		}
		return nil
	}
	m := advisoryMutexFor(t.ns + ":" + key)
	m.Lock()
	t.onFinalize(m.Unlock)
	return nil
}

// Table returns the tenant-namespaced, unquoted identifier for a logical
// table name. On Postgres this is just the bare name (the search
// path does the scoping); on SQLite, which has no per-tenant schemas, it is
// a prefixed physical table name so two tenants never share storage.
func (t *Tx) Table(name string) string {
	if t.db.IsPostgres() {
		return name
	}
	return t.ns + "_" + name
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *Tx) IsPostgres() bool { return t.db.IsPostgres() }

var namespaceRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_]{0,61}$`)

// namespaceFor derives a tenant's namespace from its id. A namespace longer
// than 62 characters is cut to its first 45 and suffixed with "_" and a
// 64-bit FNV hash of the full id, so long ids stay distinct and valid.
func namespaceFor(tenantID string) string {
	n := strings.ToLower(strings.ReplaceAll(tenantID, "-", "_"))
	ns := "t_" + n
	if len(ns) > 62 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tenantID))
		ns = fmt.Sprintf("%s_%016x", ns[:45], h.Sum64())
	}
	return ns
}

// ProvisionTenant creates a tenant's namespace and standard tables from the
// fixed template (spec §4.1). Idempotent: safe to call on every sign-in.
func (d *DB) ProvisionTenant(ctx context.Context, tenantID string) error {
	ns := namespaceFor(tenantID)
	if !namespaceRE.MatchString(ns) {
		return apperr.Newf(apperr.Validation, "store: invalid tenant id %q", tenantID)
	}

	tx, err := d.SQL.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "store: begin provision tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenants (id, namespace, created_at) VALUES ($1,$2,0)
		 ON CONFLICT (namespace) DO NOTHING`, tenantID, ns); err != nil {
		// SQLite doesn't support $-placeholders or ON CONFLICT(col) uniformly
		// across every build; retry with the portable upsert-by-select form.
		if upsertErr := provisionTenantRowPortable(ctx, tx, tenantID, ns); upsertErr != nil {
			return apperr.Wrap(apperr.Transient, upsertErr, "store: insert tenant row")
		}
	}

	for _, stmt := range templateDDL(d.IsPostgres(), ns) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return apperr.Wrap(apperr.Fatal, err, "store: provision tenant schema")
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Transient, err, "store: commit provision tx")
	}
	return nil
}

func provisionTenantRowPortable(ctx context.Context, tx *sql.Tx, tenantID, ns string) error {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tenants WHERE namespace = ?`, ns).Scan(&exists)
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx, `INSERT INTO tenants (id, namespace, created_at) VALUES (?,?,0)`, tenantID, ns)
		return err
	}
	return err
}

// WithTenant acquires a session, pins the tenant's namespace, and runs fn
// inside a transaction — the single primitive every higher component is
// built on (spec §4.1). Nested calls must reuse the outer *Tx directly
// rather than calling WithTenant again.
func (d *DB) WithTenant(ctx context.Context, tenantID string, fn func(*Tx) error) (err error) {
	ns := namespaceFor(tenantID)

	sqlTx, err := d.SQL.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "store: begin tenant tx")
	}
	t := &Tx{tx: sqlTx, db: d, TenantID: tenantID, ns: ns}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			t.runFinalizers()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
			t.runFinalizers()
			return
		}
		if cerr := sqlTx.Commit(); cerr != nil {
			err = apperr.Wrap(apperr.Transient, cerr, "store: commit tenant tx")
		}
		t.runFinalizers()
	}()

	if d.IsPostgres() {
		var count int
		if qerr := sqlTx.QueryRowContext(ctx,
			`SELECT count(*) FROM tenants WHERE namespace = $1`, ns).Scan(&count); qerr != nil {
			err = apperr.Wrap(apperr.Transient, qerr, "store: check tenant")
			return err
		}
		if count == 0 {
			err = apperr.Wrap(apperr.NotFound, ErrTenantNotFound, fmt.Sprintf("tenant %q", tenantID))
			return err
		}
		if _, serr := sqlTx.ExecContext(ctx, fmt.Sprintf(`SET search_path = %s, public`, pgIdent(ns))); serr != nil {
			err = apperr.Wrap(apperr.Fatal, serr, "store: set search_path")
			return err
		}
	} else {
		var count int
		if qerr := sqlTx.QueryRowContext(ctx,
			`SELECT count(*) FROM tenants WHERE namespace = ?`, ns).Scan(&count); qerr != nil {
			err = apperr.Wrap(apperr.Transient, qerr, "store: check tenant")
			return err
		}
		if count == 0 {
			err = apperr.Wrap(apperr.NotFound, ErrTenantNotFound, fmt.Sprintf("tenant %q", tenantID))
			return err
		}
	}

	err = fn(t)
	return err
}

func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// NewWriteID mints the UUID every write is correlated by (spec §4.8 step 2).
func NewWriteID() string { return uuid.New().String() }

// Fmt substitutes the tenant-scoped table name for a single "%s" verb and
// rewrites "?" placeholders to "$N" on Postgres, so every component writes
// one portable SQL template instead of branching on driver.
func Fmt(tx *Tx, query, table string) string {
	q := fmt.Sprintf(query, tx.Table(table))
	if !tx.IsPostgres() {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// FmtShared rewrites "?" placeholders to "$N" on Postgres for queries
// against the global, cross-tenant tables in sharedSchema (users, api_keys,
// oauth_*, usage_counters) that have no per-tenant prefix or schema.
func FmtShared(d *DB, query string) string {
	if !d.IsPostgres() {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
