// Package sandbox implements the SQL Sandbox (C2, spec §4.2): AST-validated,
// read-only, timeout-bounded query execution against a tenant's own data.
// A submitted string must parse as exactly one SELECT statement with no
// schema qualifier, no system-catalog references, and no dangerous
// functions, before it is wrapped to clamp its row count and run under a
// clamped statement timeout.
//
// Grounded on github.com/dolthub/vitess's sqlparser (the teacher pack's one
// AST-validation dependency, promoted here from an indirect dolt-driver dep
// to a direct, exercised one) for statement-shape validation. The parser
// speaks MySQL dialect, not the Postgres/SQLite this module runs against;
// that's an acceptable mismatch for a shape/safety check (reject anything
// that isn't a single, unqualified SELECT) rather than full re-validation of
// every Postgres-specific construct — an agent whose valid Postgres SQL
// trips the MySQL-dialect parser just gets a SQL_SANDBOX_ERROR and rephrases.
package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dolthub/vitess/go/vt/sqlparser"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/consent"
	"github.com/gunning4it/epitome/internal/store"
)

const (
	maxQueryLen = 10000

	minTimeoutSeconds = 1
	maxTimeoutSeconds = 60

	minRowLimit     = 1
	maxRowLimit     = 10000
	defaultRowLimit = 1000
)

var identifierRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// reservedKeywords is a denylist of SQL keywords that are never legal table
// identifiers, checked in addition to the parser's own grammar so a quoted
// or bracket-escaped keyword can't sneak through as a table name.
var reservedKeywords = map[string]bool{
	"select": true, "from": true, "where": true, "insert": true, "update": true,
	"delete": true, "drop": true, "create": true, "alter": true, "table": true,
	"into": true, "values": true, "set": true, "join": true, "union": true,
	"grant": true, "revoke": true, "exec": true, "execute": true, "call": true,
}

// dangerousFunctions names the functions spec §4.2 calls out by example
// (file/process/config access and sleeps), plus their common cross-database
// equivalents.
var dangerousFunctions = map[string]bool{
	"pg_read_file": true, "pg_read_binary_file": true, "pg_ls_dir": true,
	"pg_sleep": true, "pg_sleep_for": true, "pg_sleep_until": true,
	"set_config": true, "pg_reload_conf": true, "pg_terminate_backend": true,
	"pg_cancel_backend": true, "lo_import": true, "lo_export": true,
	"dblink": true, "dblink_exec": true, "copy": true, "sleep": true,
	"load_extension": true, "randomblob": true,
}

// systemSchemas names catalog/metadata schemas a sandboxed query may never
// touch, on top of the blanket "no explicit schema qualifier" rule.
var systemSchemas = map[string]bool{
	"information_schema": true, "pg_catalog": true, "pg_toast": true,
	"sqlite_master": true, "sqlite_temp_master": true,
}

func isSystemTable(name string) bool {
	lower := strings.ToLower(name)
	return systemSchemas[lower] || strings.HasPrefix(lower, "pg_") || strings.HasPrefix(lower, "sqlite_")
}

// Options configures one sandboxed query (spec §4.2).
type Options struct {
	TimeoutSeconds    int
	RowLimit          int
	FilterSoftDeletes bool
}

func clampInt(v, min, max, def int) int {
	if v <= 0 {
		v = def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (o Options) normalized() Options {
	return Options{
		TimeoutSeconds:    clampInt(o.TimeoutSeconds, minTimeoutSeconds, maxTimeoutSeconds, maxTimeoutSeconds),
		RowLimit:          clampInt(o.RowLimit, minRowLimit, maxRowLimit, defaultRowLimit),
		FilterSoftDeletes: o.FilterSoftDeletes,
	}
}

// softDeleteColumns names the soft-delete column for each core table this
// system owns. A table absent from this map is assumed to be one of
// internal/tables' dynamically-created agent tables, which all carry the
// "_deleted_at" convention column instead. Core tables without a soft-delete
// column map to "" and are not filtered.
var softDeleteColumns = map[string]string{
	"vectors":          "deleted_at",
	"entities":         "deleted_at",
	"edges":            "deleted_at",
	"edge_quarantine":  "",
	"knowledge_claims": "",
	"memory_meta":      "",
}

func resolveSoftDeleteColumn(table string) string {
	if col, ok := softDeleteColumns[table]; ok {
		return col
	}
	return "_deleted_at"
}

// Engine validates and executes sandboxed queries.
type Engine struct{}

func New() *Engine { return &Engine{} }

// Result is one executed sandbox query's output.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Execute validates sql against every spec §4.2 guarantee, wraps it for the
// row/timeout clamps, runs it, and audits the attempt.
func (e *Engine) Execute(ctx context.Context, tx *store.Tx, sql string, opts Options) (*Result, error) {
	start := time.Now()
	opts = opts.normalized()

	wrapped, tables, err := e.validateAndRewrite(tx, sql, opts)
	if err != nil {
		consent.WriteAudit(ctx, tx, store.NewWriteID(), consent.StageSandboxQuery, "sandbox", time.Since(start),
			map[string]any{"ok": false, "error": err.Error()})
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
	defer cancel()

	if tx.IsPostgres() {
		if _, err := tx.Exec(queryCtx, fmt.Sprintf(`SET LOCAL statement_timeout = '%ds'`, opts.TimeoutSeconds)); err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "sandbox: set statement_timeout")
		}
	}

	rows, err := tx.Query(queryCtx, wrapped)
	if err != nil {
		werr := apperr.WithReason(apperr.SQLSandboxError, "sandbox: query execution failed", classifyExecError(err))
		consent.WriteAudit(ctx, tx, store.NewWriteID(), consent.StageSandboxQuery, "sandbox", time.Since(start),
			map[string]any{"ok": false, "error": werr.Error(), "tables": tables})
		return nil, werr
	}
	defer rows.Close()

	result, err := scanResult(rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "sandbox: scan result")
	}

	consent.WriteAudit(ctx, tx, store.NewWriteID(), consent.StageSandboxQuery, "sandbox", time.Since(start),
		map[string]any{"ok": true, "rows": len(result.Rows), "tables": tables})
	return result, nil
}

func classifyExecError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "canceling statement"):
		return "timeout"
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return "permission_denied"
	default:
		return "execution_error"
	}
}

// validateAndRewrite parses sql, enforces every spec §4.2 guarantee, and
// returns the final wrapped query text plus the base tables it references
// (for auditing), rewriting table names to their tenant-prefixed physical
// form on SQLite, where there is no search_path to scope them for us.
func (e *Engine) validateAndRewrite(tx *store.Tx, raw string, opts Options) (string, []string, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimSuffix(trimmed, ";")
	if trimmed == "" {
		return "", nil, apperr.WithReason(apperr.SQLSandboxError, "sandbox: empty query", "empty_query")
	}
	if len(trimmed) > maxQueryLen {
		return "", nil, apperr.WithReason(apperr.SQLSandboxError, "sandbox: query too long", "query_too_long")
	}

	stmt, err := sqlparser.Parse(trimmed)
	if err != nil {
		return "", nil, apperr.WithReason(apperr.SQLSandboxError, "sandbox: parse error", "parse_error")
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		return "", nil, apperr.WithReason(apperr.SQLSandboxError, "sandbox: only a single SELECT is allowed", "not_a_select")
	}

	tables, err := validateSelect(sel)
	if err != nil {
		return "", nil, err
	}

	base := trimmed
	if !tx.IsPostgres() {
		base = rewriteTableNames(base, tables, tx)
	}

	if opts.FilterSoftDeletes {
		if primary := primaryTable(tables); primary != "" {
			if col := resolveSoftDeleteColumn(primary); col != "" {
				base = fmt.Sprintf("SELECT * FROM (%s) AS _sandbox_filtered WHERE %s IS NULL", base, col)
			}
		}
	}

	wrapped := fmt.Sprintf("WITH _sandbox_query AS (%s) SELECT * FROM _sandbox_query LIMIT %d", base, opts.RowLimit)
	return wrapped, tables, nil
}

// primaryTable returns the first table the query's FROM clause names, used
// only to pick a soft-delete column to filter on; joins against multiple
// tables skip the filter rather than guess which side it applies to.
func primaryTable(tables []string) string {
	if len(tables) != 1 {
		return ""
	}
	return tables[0]
}

// validateSelect walks the parsed statement enforcing every AST-checkable
// guarantee in spec §4.2, and returns the distinct base table names it
// references.
func validateSelect(sel *sqlparser.Select) ([]string, error) {
	seen := map[string]bool{}
	var tables []string
	var walkErr *apperr.Error

	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if walkErr != nil {
			return false, nil
		}
		switch n := node.(type) {
		case sqlparser.TableName:
			name := n.Name.String()
			if !n.Qualifier.IsEmpty() {
				walkErr = apperr.WithReason(apperr.SQLSandboxError, "sandbox: explicit schema qualifier not allowed", "schema_qualifier")
				return false, nil
			}
			if isSystemTable(name) {
				walkErr = apperr.WithReason(apperr.SQLSandboxError, "sandbox: system catalog reference not allowed", "system_catalog")
				return false, nil
			}
			if !identifierRE.MatchString(name) || reservedKeywords[strings.ToLower(name)] {
				walkErr = apperr.WithReason(apperr.SQLSandboxError, "sandbox: invalid table identifier", "invalid_identifier")
				return false, nil
			}
			if !seen[name] {
				seen[name] = true
				tables = append(tables, name)
			}
		case *sqlparser.FuncExpr:
			if dangerousFunctions[n.Name.Lowered()] {
				walkErr = apperr.WithReason(apperr.SQLSandboxError, "sandbox: disallowed function call", "dangerous_function")
				return false, nil
			}
		}
		return true, nil
	}, sel)

	if walkErr != nil {
		return nil, walkErr
	}
	if len(tables) == 0 {
		return nil, apperr.WithReason(apperr.SQLSandboxError, "sandbox: query references no table", "no_table")
	}
	return tables, nil
}

// rewriteTableNames replaces each bare table identifier with its
// tenant-prefixed physical name, word-boundary matched so column/alias
// names that merely share a table's spelling are left alone.
func rewriteTableNames(sql string, tables []string, tx *store.Tx) string {
	for _, name := range tables {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
		sql = re.ReplaceAllString(sql, tx.Table(name))
	}
	return sql
}

func scanResult(rows interface {
	Next() bool
	Columns() ([]string, error)
	Scan(dest ...any) error
	Err() error
}) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := &Result{Columns: cols}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]any, len(cols))
		for i, v := range raw {
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			} else {
				row[i] = v
			}
		}
		result.Rows = append(result.Rows, row)
	}
	return result, rows.Err()
}
