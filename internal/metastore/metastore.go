// Package metastore persists memoryquality.Meta rows (spec §3, Memory-Meta)
// against a tenant-scoped *store.Tx, and is the shared dependency every
// store (profile, tables, vectors, graph) uses to record provenance.
package metastore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/store"
)

// Create persists a brand-new Meta row for (sourceType, sourceRef, origin)
// and returns it (spec §4.4 create event).
func Create(ctx context.Context, tx *store.Tx, sourceType, sourceRef string, origin memoryquality.Origin) (*memoryquality.Meta, error) {
	m := memoryquality.Create(uuid.New().String(), sourceType, sourceRef, origin)
	if err := insert(ctx, tx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func insert(ctx context.Context, tx *store.Tx, m *memoryquality.Meta) error {
	contrJSON, _ := json.Marshal(m.Contradictions)
	histJSON, _ := json.Marshal(m.PromoteHistory)
	_, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s
		(id, source_type, source_ref, origin, confidence, status, access_count,
		 last_accessed, last_reinforced, contradictions, promote_history, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`, "memory_meta"),
		m.ID, m.SourceType, m.SourceRef, string(m.Origin), m.Confidence, string(m.Status),
		m.AccessCount, toUnix(m.LastAccessed), toUnix(m.LastReinforced), string(contrJSON), string(histJSON),
		m.CreatedAt.Unix(),
	)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "metastore: insert")
	}
	return nil
}

// Get loads a Meta row by id.
func Get(ctx context.Context, tx *store.Tx, id string) (*memoryquality.Meta, error) {
	row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT id, source_type, source_ref, origin, confidence, status,
		access_count, last_accessed, last_reinforced, contradictions, promote_history, created_at
		FROM %s WHERE id = ?`, "memory_meta"), id)
	return scanMeta(row)
}

func scanMeta(row interface{ Scan(dest ...any) error }) (*memoryquality.Meta, error) {
	var m memoryquality.Meta
	var origin, status string
	var lastAccessed, lastReinforced, createdAt int64
	var contrJSON, histJSON string
	if err := row.Scan(&m.ID, &m.SourceType, &m.SourceRef, &origin, &m.Confidence, &status,
		&m.AccessCount, &lastAccessed, &lastReinforced, &contrJSON, &histJSON, &createdAt); err != nil {
		return nil, apperr.Wrap(apperr.NotFound, err, "metastore: meta not found")
	}
	m.Origin = memoryquality.Origin(origin)
	m.Status = memoryquality.Status(status)
	m.LastAccessed = fromUnix(lastAccessed)
	m.LastReinforced = fromUnix(lastReinforced)
	m.CreatedAt = fromUnix(createdAt)
	_ = json.Unmarshal([]byte(contrJSON), &m.Contradictions)
	_ = json.Unmarshal([]byte(histJSON), &m.PromoteHistory)
	return &m, nil
}

// Save writes the full mutated state of m back (spec: history is append-only,
// but we persist the whole slice each time for simplicity of the SQL layer).
func Save(ctx context.Context, tx *store.Tx, m *memoryquality.Meta) error {
	contrJSON, _ := json.Marshal(m.Contradictions)
	histJSON, _ := json.Marshal(m.PromoteHistory)
	_, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET confidence=?, status=?, access_count=?,
		last_accessed=?, last_reinforced=?, contradictions=?, promote_history=? WHERE id=?`, "memory_meta"),
		m.Confidence, string(m.Status), m.AccessCount, toUnix(m.LastAccessed), toUnix(m.LastReinforced),
		string(contrJSON), string(histJSON), m.ID,
	)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "metastore: save")
	}
	return nil
}

// Access loads, applies the access event, and saves.
func Access(ctx context.Context, tx *store.Tx, id string) (*memoryquality.Meta, error) {
	m, err := Get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	m.Access()
	return m, Save(ctx, tx, m)
}

// Mention loads, applies the mention (reaffirm) event, and saves.
func Mention(ctx context.Context, tx *store.Tx, id string) (*memoryquality.Meta, error) {
	m, err := Get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	m.Mention()
	return m, Save(ctx, tx, m)
}

// Contradict applies the contradict event symmetrically to both sides,
// choosing between "both review" and "demote older" per spec §4.4.
func Contradict(ctx context.Context, tx *store.Tx, aID, bID, field string) error {
	a, err := Get(ctx, tx, aID)
	if err != nil {
		return err
	}
	b, err := Get(ctx, tx, bID)
	if err != nil {
		return err
	}
	bothReview := memoryquality.ShouldBothReview(a, b)
	if bothReview {
		a.Contradict(bID, field, true)
		b.Contradict(aID, field, true)
	} else {
		older := memoryquality.Older(a, b)
		otherID := bID
		if older != a {
			otherID = aID
		}
		older.Contradict(otherID, field, false)
	}
	if err := Save(ctx, tx, a); err != nil {
		return err
	}
	return Save(ctx, tx, b)
}

// DecaySweepAll applies the decay event to every eligible row for the
// tenant pinned on tx, returning how many rows changed (spec §4.4).
func DecaySweepAll(ctx context.Context, tx *store.Tx, staleDays int, delta float64) (int, error) {
	rows, err := tx.Query(ctx, store.Fmt(tx, `SELECT id FROM %s`, "memory_meta"))
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, err, "metastore: list for decay")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, apperr.Wrap(apperr.Transient, err, "metastore: scan decay row")
		}
		ids = append(ids, id)
	}
	rows.Close()

	changed := 0
	for _, id := range ids {
		m, err := Get(ctx, tx, id)
		if err != nil {
			continue
		}
		if m.DecaySweep(staleDays, delta) {
			if err := Save(ctx, tx, m); err != nil {
				return changed, err
			}
			changed++
		}
	}
	return changed, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(u int64) time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0).UTC()
}
