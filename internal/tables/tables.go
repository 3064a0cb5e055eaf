// Package tables implements the dynamically-schema'd structured table store
// (C7, spec §4.7): tables are created on first insert from inferred column
// types and widened as new columns are sighted.
package tables

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/metastore"
	"github.com/gunning4it/epitome/internal/store"
)

var identifierRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// ColumnType is one of the inferred SQL column types (spec §4.7).
type ColumnType string

const (
	ColBool      ColumnType = "bool"
	ColInt       ColumnType = "int"
	ColReal      ColumnType = "real"
	ColText      ColumnType = "text"
	ColTimestamp ColumnType = "timestamp"
	ColJSON      ColumnType = "json"
)

// Registry mirrors one row of _table_registry.
type Registry struct {
	TableName   string
	Description string
	Columns     map[string]ColumnType
	RecordCount int64
	Protected   bool
}

// Engine is the C7 table store.
type Engine struct{}

func New() *Engine { return &Engine{} }

var timestampRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:?\d{2})?)?$`)

func inferType(v any) ColumnType {
	switch t := v.(type) {
	case bool:
		return ColBool
	case float64:
		if t == float64(int64(t)) {
			return ColInt
		}
		return ColReal
	case string:
		if timestampRE.MatchString(t) {
			return ColTimestamp
		}
		return ColText
	case map[string]any, []any:
		return ColJSON
	default:
		return ColText
	}
}

func sqlType(pg bool, c ColumnType) string {
	switch c {
	case ColBool:
		if pg {
			return "BOOLEAN"
		}
		return "INTEGER"
	case ColInt:
		if pg {
			return "BIGINT"
		}
		return "INTEGER"
	case ColReal:
		if pg {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case ColTimestamp:
		if pg {
			return "BIGINT"
		}
		return "INTEGER"
	case ColJSON:
		if pg {
			return "JSONB"
		}
		return "TEXT"
	default:
		return "TEXT"
	}
}

// ValidateTableName enforces the spec §4.2 identifier rule (reused here for
// table names, which share the same constraint).
func ValidateTableName(name string) error {
	if !identifierRE.MatchString(name) {
		return apperr.Newf(apperr.Validation, "tables: invalid table name %q", name)
	}
	return nil
}

// getRegistry loads the registry row for a table, or nil if not yet created.
func (e *Engine) getRegistry(ctx context.Context, tx *store.Tx, tableName string) (*Registry, error) {
	row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT table_name, description, columns, record_count, protected
		FROM %s WHERE table_name = ?`, "table_registry"), tableName)
	var r Registry
	var colsJSON string
	var protected int
	if err := row.Scan(&r.TableName, &r.Description, &colsJSON, &r.RecordCount, &protected); err != nil {
		return nil, nil
	}
	r.Protected = protected != 0
	r.Columns = map[string]ColumnType{}
	var raw map[string]string
	_ = json.Unmarshal([]byte(colsJSON), &raw)
	for k, v := range raw {
		r.Columns[k] = ColumnType(v)
	}
	return &r, nil
}

func (e *Engine) saveRegistry(ctx context.Context, tx *store.Tx, r *Registry) error {
	raw := map[string]string{}
	for k, v := range r.Columns {
		raw[k] = string(v)
	}
	colsJSON, _ := json.Marshal(raw)
	protected := 0
	if r.Protected {
		protected = 1
	}
	_, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (table_name, description, columns, record_count, protected)
		VALUES (?,?,?,?,?)`, "table_registry"), r.TableName, r.Description, string(colsJSON), r.RecordCount, protected)
	if err != nil {
		// already exists: update instead
		_, err = tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET description=?, columns=?, record_count=?, protected=?
			WHERE table_name=?`, "table_registry"), r.Description, string(colsJSON), r.RecordCount, protected, r.TableName)
	}
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "tables: save registry")
	}
	return nil
}

const standardColumnsDDL = `id TEXT PRIMARY KEY, created_at %s NOT NULL, updated_at %s NOT NULL,
	_deleted_at %s, _meta_id TEXT NOT NULL`

// ensureTable creates the physical table and registry row on first sight,
// or widens the schema with new columns (spec §4.7).
func (e *Engine) ensureTable(ctx context.Context, tx *store.Tx, tableName string, payload map[string]any) (*Registry, error) {
	if err := ValidateTableName(tableName); err != nil {
		return nil, err
	}
	if store.IsProtectedTable(tableName) {
		return nil, apperr.Newf(apperr.Validation, "tables: %q is a system table, not a dynamic one", tableName)
	}

	reg, err := e.getRegistry(ctx, tx, tableName)
	if err != nil {
		return nil, err
	}

	ts := "INTEGER"
	if tx.IsPostgres() {
		ts = "BIGINT"
	}

	if reg == nil {
		cols := map[string]ColumnType{}
		var ddl strings.Builder
		fmt.Fprintf(&ddl, `CREATE TABLE IF NOT EXISTS %s (`, tx.Table(tableName))
		fmt.Fprintf(&ddl, standardColumnsDDL, ts, ts, ts)
		for k, v := range payload {
			if err := ValidateTableName(k); err != nil {
				return nil, err
			}
			ct := inferType(v)
			cols[k] = ct
			fmt.Fprintf(&ddl, `, %s %s`, k, sqlType(tx.IsPostgres(), ct))
		}
		ddl.WriteString(")")
		if _, err := tx.Exec(ctx, ddl.String()); err != nil {
			return nil, apperr.Wrap(apperr.Fatal, err, "tables: create table")
		}
		reg = &Registry{TableName: tableName, Columns: cols}
		if err := e.saveRegistry(ctx, tx, reg); err != nil {
			return nil, err
		}
		return reg, nil
	}

	var added bool
	for k, v := range payload {
		if _, known := reg.Columns[k]; known {
			continue
		}
		if err := ValidateTableName(k); err != nil {
			return nil, err
		}
		ct := inferType(v)
		if _, err := tx.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`,
			tx.Table(tableName), k, sqlType(tx.IsPostgres(), ct))); err != nil {
			return nil, apperr.Wrap(apperr.Fatal, err, "tables: alter table")
		}
		reg.Columns[k] = ct
		added = true
	}
	if added {
		if err := e.saveRegistry(ctx, tx, reg); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// InsertRecord performs spec §4.7's table-row insert: schema-extend, write
// standard columns, create the memory-meta row.
func (e *Engine) InsertRecord(ctx context.Context, tx *store.Tx, tableName string, payload map[string]any,
	origin memoryquality.Origin) (string, error) {

	reg, err := e.ensureTable(ctx, tx, tableName, payload)
	if err != nil {
		return "", err
	}

	id := store.NewWriteID()
	m, err := metastore.Create(ctx, tx, "table", tableName+":"+id, origin)
	if err != nil {
		return "", err
	}

	now := time.Now().Unix()
	cols := []string{"id", "created_at", "updated_at", "_meta_id"}
	vals := []any{id, now, now, m.ID}
	for k, v := range payload {
		cols = append(cols, k)
		vals = append(vals, coerceForWrite(reg.Columns[k], v))
	}
	placeholders := strings.Repeat("?,", len(cols))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(`INSERT INTO %%s (%s) VALUES (%s)`, strings.Join(cols, ","), placeholders)
	if _, err := tx.Exec(ctx, store.Fmt(tx, query, tableName), vals...); err != nil {
		return "", apperr.Wrap(apperr.Transient, err, "tables: insert record")
	}

	reg.RecordCount++
	if err := e.saveRegistry(ctx, tx, reg); err != nil {
		return "", err
	}
	return id, nil
}

func coerceForWrite(ct ColumnType, v any) any {
	switch ct {
	case ColJSON:
		b, _ := json.Marshal(v)
		return string(b)
	case ColBool:
		if b, ok := v.(bool); ok {
			if b {
				return 1
			}
			return 0
		}
		return v
	default:
		return v
	}
}

// UpdateRecord applies a partial update to an existing row and registers a
// single contradiction against the row's previous meta whose reason lists
// every patched field. Old and new values are not compared: a field re-sent
// with its current value is listed like a changed one, and no mention is
// recorded for it. Rejected on protected tables.
func (e *Engine) UpdateRecord(ctx context.Context, tx *store.Tx, tableName, id string, patch map[string]any,
	origin memoryquality.Origin) error {
	if store.IsProtectedTable(tableName) {
		return apperr.Newf(apperr.Validation, "tables: %q is write-protected", tableName)
	}
	reg, err := e.getRegistry(ctx, tx, tableName)
	if err != nil {
		return err
	}
	if reg == nil {
		return apperr.Newf(apperr.NotFound, "tables: table %q not found", tableName)
	}

	row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT _meta_id FROM %s WHERE id = ? AND _deleted_at IS NULL`, tableName), id)
	var priorMetaID string
	if err := row.Scan(&priorMetaID); err != nil {
		return apperr.Wrap(apperr.NotFound, err, "tables: record not found")
	}

	reg, err = e.ensureTable(ctx, tx, tableName, patch)
	if err != nil {
		return err
	}

	m, err := metastore.Create(ctx, tx, "table", tableName+":"+id, origin)
	if err != nil {
		return err
	}

	cols := []string{"updated_at", "_meta_id"}
	vals := []any{time.Now().Unix(), m.ID}
	for k, v := range patch {
		cols = append(cols, k)
		vals = append(vals, coerceForWrite(reg.Columns[k], v))
	}
	setClause := make([]string, len(cols))
	for i, c := range cols {
		setClause[i] = c + "=?"
	}
	vals = append(vals, id)
	query := fmt.Sprintf(`UPDATE %%s SET %s WHERE id = ?`, strings.Join(setClause, ","))
	if _, err := tx.Exec(ctx, store.Fmt(tx, query, tableName), vals...); err != nil {
		return apperr.Wrap(apperr.Transient, err, "tables: update record")
	}

	if len(patch) > 0 {
		return metastore.Contradict(ctx, tx, priorMetaID, m.ID, strings.Join(sortedKeys(patch), ","))
	}
	return nil
}

// GetRecord fetches a single row by id as a generic map, decoding JSON
// columns, for callers (entity extraction) that only hold a source-ref.
func (e *Engine) GetRecord(ctx context.Context, tx *store.Tx, tableName, id string) (map[string]any, error) {
	reg, err := e.getRegistry(ctx, tx, tableName)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, apperr.Newf(apperr.NotFound, "tables: table %q not found", tableName)
	}
	cols := sortedKeys(reg.Columns)
	if len(cols) == 0 {
		return map[string]any{}, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %%s WHERE id = ? AND _deleted_at IS NULL`, strings.Join(cols, ","))
	row := tx.QueryRow(ctx, store.Fmt(tx, query, tableName), id)
	dest := make([]any, len(cols))
	vals := make([]any, len(cols))
	for i := range dest {
		dest[i] = &vals[i]
	}
	if err := row.Scan(dest...); err != nil {
		return nil, apperr.Wrap(apperr.NotFound, err, "tables: record not found")
	}
	out := map[string]any{}
	for i, c := range cols {
		out[c] = decodeColumnForRead(reg.Columns[c], vals[i])
	}
	return out, nil
}

func decodeColumnForRead(ct ColumnType, v any) any {
	if ct == ColJSON {
		if s, ok := v.(string); ok {
			var decoded any
			if json.Unmarshal([]byte(s), &decoded) == nil {
				return decoded
			}
		}
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SoftDelete marks a row deleted (spec §3, Table Row). Rejected on
// protected tables.
func (e *Engine) SoftDelete(ctx context.Context, tx *store.Tx, tableName, id string) error {
	if store.IsProtectedTable(tableName) {
		return apperr.Newf(apperr.Validation, "tables: %q is write-protected", tableName)
	}
	_, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET _deleted_at = ? WHERE id = ?`, tableName), time.Now().Unix(), id)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "tables: soft delete")
	}
	return nil
}
