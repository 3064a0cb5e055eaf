package graph

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/ontology"
	"github.com/gunning4it/epitome/internal/store"
)

// Engine is the C6 Graph Engine: entity/edge CRUD, reinforcement, traversal,
// pattern queries, and statistics, all scoped to a single tenant tx.
type Engine struct {
	Mode ontology.Mode
}

func New(mode ontology.Mode) *Engine { return &Engine{Mode: mode} }

// CreateEntity inserts a brand-new entity row (dedup is the caller's job —
// the engine itself never deduplicates).
func (e *Engine) CreateEntity(ctx context.Context, tx *store.Tx, entType, name string, props map[string]any, confidence float64) (*Entity, error) {
	propsJSON, _ := json.Marshal(props)
	now := time.Now()
	ent := &Entity{
		ID: uuid.New().String(), Type: entType, Name: name, Properties: props,
		Confidence: confidence, MentionCount: 1, FirstSeen: now, LastSeen: now,
	}
	_, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s
		(id, type, name, properties, confidence, mention_count, first_seen, last_seen, deleted_at)
		VALUES (?,?,?,?,?,?,?,?,NULL)`, "entities"),
		ent.ID, ent.Type, ent.Name, string(propsJSON), ent.Confidence, ent.MentionCount, now.Unix(), now.Unix())
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "graph: create entity")
	}
	return ent, nil
}

func (e *Engine) GetEntity(ctx context.Context, tx *store.Tx, id string) (*Entity, error) {
	row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT id,type,name,properties,confidence,mention_count,
		first_seen,last_seen,deleted_at FROM %s WHERE id=?`, "entities"), id)
	ent, err := scanEntity(row)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, err, "graph: entity not found")
	}
	return ent, nil
}

func scanEntity(row interface{ Scan(dest ...any) error }) (*Entity, error) {
	var ent Entity
	var propsJSON string
	var firstSeen, lastSeen int64
	var deletedAt *int64
	if err := row.Scan(&ent.ID, &ent.Type, &ent.Name, &propsJSON, &ent.Confidence,
		&ent.MentionCount, &firstSeen, &lastSeen, &deletedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(propsJSON), &ent.Properties)
	if ent.Properties == nil {
		ent.Properties = map[string]any{}
	}
	ent.FirstSeen = time.Unix(firstSeen, 0).UTC()
	ent.LastSeen = time.Unix(lastSeen, 0).UTC()
	if deletedAt != nil {
		t := time.Unix(*deletedAt, 0).UTC()
		ent.DeletedAt = &t
	}
	return &ent, nil
}

// ListByType returns all non-deleted entities of a type, for dedup stages
// and the LLM extraction prompt's "top existing entities" digest.
func (e *Engine) ListByType(ctx context.Context, tx *store.Tx, entType string) ([]*Entity, error) {
	return e.queryEntities(ctx, tx, store.Fmt(tx, `SELECT id,type,name,properties,confidence,
		mention_count,first_seen,last_seen,deleted_at FROM %s WHERE type=? AND deleted_at IS NULL`, "entities"), entType)
}

// ListAll returns every non-deleted entity (used by cross-type dedup stages).
func (e *Engine) ListAll(ctx context.Context, tx *store.Tx) ([]*Entity, error) {
	return e.queryEntities(ctx, tx, store.Fmt(tx, `SELECT id,type,name,properties,confidence,
		mention_count,first_seen,last_seen,deleted_at FROM %s WHERE deleted_at IS NULL`, "entities"))
}

func (e *Engine) queryEntities(ctx context.Context, tx *store.Tx, query string, args ...any) ([]*Entity, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "graph: list entities")
	}
	defer rows.Close()
	var out []*Entity
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "graph: scan entity")
		}
		out = append(out, ent)
	}
	return out, nil
}

// TopByMentionCount returns the top-N non-deleted entities ordered by
// mention_count, for the LLM extraction prompt digest (spec §4.10). It does
// not compute each entity's dominant outbound relation.
func (e *Engine) TopByMentionCount(ctx context.Context, tx *store.Tx, n int) ([]*Entity, error) {
	rows, err := tx.Query(ctx, store.Fmt(tx, `SELECT id,type,name,properties,confidence,
		mention_count,first_seen,last_seen,deleted_at FROM %s WHERE deleted_at IS NULL
		ORDER BY mention_count DESC LIMIT ?`, "entities"), n)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "graph: top entities")
	}
	defer rows.Close()
	var out []*Entity
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "graph: scan top entity")
		}
		out = append(out, ent)
	}
	return out, nil
}

// TouchMention bumps mention_count + last_seen on an existing entity
// (spec §4.10 step 3, dedup hit path).
func (e *Engine) TouchMention(ctx context.Context, tx *store.Tx, id string) error {
	_, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET mention_count = mention_count + 1,
		last_seen = ? WHERE id = ?`, "entities"), time.Now().Unix(), id)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "graph: touch mention")
	}
	return nil
}

// UpdateEntityProperties overwrites properties and optionally raises
// confidence (used by merge).
func (e *Engine) UpdateEntityProperties(ctx context.Context, tx *store.Tx, id string, props map[string]any, confidence float64, mentionCount int, firstSeen time.Time) error {
	propsJSON, _ := json.Marshal(props)
	_, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET properties=?, confidence=?,
		mention_count=?, first_seen=? WHERE id=?`, "entities"),
		string(propsJSON), confidence, mentionCount, firstSeen.Unix(), id)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "graph: update entity properties")
	}
	return nil
}

// SoftDeleteEntity marks an entity deleted (merge's source side).
func (e *Engine) SoftDeleteEntity(ctx context.Context, tx *store.Tx, id string) error {
	_, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET deleted_at=? WHERE id=?`, "entities"), time.Now().Unix(), id)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "graph: soft delete entity")
	}
	return nil
}
