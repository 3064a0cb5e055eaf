package graph

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/metastore"
	"github.com/gunning4it/epitome/internal/ontology"
	"github.com/gunning4it/epitome/internal/store"
)

// EdgeInput is the caller-supplied half of the edge-creation contract; the
// engine resolves the rest (spec §4.6).
type EdgeInput struct {
	SourceID   string
	TargetID   string
	Relation   string
	SourceType ontology.EntityType
	TargetType ontology.EntityType
	Evidence   string
	Origin     memoryquality.Origin
	SourceRef  string
	Confidence float64
}

// EdgeResult reports what the edge-creation contract actually did, so
// callers (extraction, profile sync) can react to quarantine/rejection.
type EdgeResult struct {
	Edge       *Edge
	Rejected   bool
	Quarantine bool
	Reason     string
}

// CreateOrReinforceEdge implements the full spec §4.6 edge-creation contract:
// normalize the relation, validate against the ontology, apply the works_at
// temporal transition, and upsert by (source, target, relation).
func (e *Engine) CreateOrReinforceEdge(ctx context.Context, tx *store.Tx, in EdgeInput) (*EdgeResult, error) {
	relation := ontology.NormalizeRelation(in.Relation)

	result := ontology.Validate(e.Mode, relation, in.SourceType, in.TargetType)
	if !result.Valid {
		if result.Quarantine {
			if err := e.writeQuarantine(ctx, tx, relation, in.SourceID, in.TargetID, result.Reason); err != nil {
				return nil, err
			}
		}
		return &EdgeResult{Rejected: true, Quarantine: result.Quarantine, Reason: result.Reason}, nil
	}
	if result.Quarantine {
		if err := e.writeQuarantine(ctx, tx, relation, in.SourceID, in.TargetID, result.Reason); err != nil {
			return nil, err
		}
	}

	if ontology.IsTemporal(relation) {
		if err := e.applyTemporalTransition(ctx, tx, in.SourceID, relation, in.TargetID); err != nil {
			return nil, err
		}
	}

	existing, err := e.findEdge(ctx, tx, in.SourceID, in.TargetID, relation)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if err := e.reinforceEdge(ctx, tx, existing, in); err != nil {
			return nil, err
		}
		if ontology.IsTemporal(relation) {
			metaID, _ := existing.Properties["meta_id"].(string)
			if err := e.finishTemporalContradiction(ctx, tx, in.SourceID, relation, existing.ID, metaID); err != nil {
				return nil, err
			}
		}
		return &EdgeResult{Edge: existing, Quarantine: result.Quarantine, Reason: result.Reason}, nil
	}

	edge, err := e.insertEdge(ctx, tx, in, relation)
	if err != nil {
		return nil, err
	}
	return &EdgeResult{Edge: edge, Quarantine: result.Quarantine, Reason: result.Reason}, nil
}

func (e *Engine) writeQuarantine(ctx context.Context, tx *store.Tx, relation, sourceID, targetID, reason string) error {
	_, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, relation, source_id, target_id, reason, created_at)
		VALUES (?,?,?,?,?,?)`, "edge_quarantine"),
		uuid.New().String(), relation, sourceID, targetID, reason, time.Now().Unix())
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "graph: write quarantine")
	}
	return nil
}

// applyTemporalTransition flips any pre-existing works_at-like edges from
// sourceID to a different target to is_current=false and registers a
// contradiction between their meta rows (spec §4.6 step 4, §8).
func (e *Engine) applyTemporalTransition(ctx context.Context, tx *store.Tx, sourceID, relation, newTargetID string) error {
	rows, err := tx.Query(ctx, store.Fmt(tx, `SELECT id, target_id, properties FROM %s
		WHERE source_id = ? AND relation = ? AND is_current = 1 AND target_id != ? AND deleted_at IS NULL`,
		"edges"), sourceID, relation, newTargetID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "graph: find prior temporal edges")
	}
	type priorEdge struct {
		id, propsJSON string
	}
	var priors []priorEdge
	for rows.Next() {
		var id, target, propsJSON string
		if serr := rows.Scan(&id, &target, &propsJSON); serr != nil {
			rows.Close()
			return apperr.Wrap(apperr.Transient, serr, "graph: scan prior temporal edge")
		}
		priors = append(priors, priorEdge{id: id, propsJSON: propsJSON})
	}
	rows.Close()

	for _, p := range priors {
		if _, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET is_current = 0 WHERE id = ?`, "edges"), p.id); err != nil {
			return apperr.Wrap(apperr.Transient, err, "graph: flip is_current")
		}
		var props map[string]any
		_ = json.Unmarshal([]byte(p.propsJSON), &props)
		if metaID, ok := props["meta_id"].(string); ok && metaID != "" {
			// newMetaID is attached by insertEdge/reinforceEdge after this
			// runs, so the contradiction link is registered there instead —
			// record the pending link on the prior edge's properties.
			props["superseded_pending"] = true
			propsJSON, _ := json.Marshal(props)
			if _, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET properties = ? WHERE id = ?`, "edges"),
				string(propsJSON), p.id); err != nil {
				return apperr.Wrap(apperr.Transient, err, "graph: mark superseded")
			}
		}
	}
	return nil
}

// finishTemporalContradiction links any edges marked superseded_pending for
// this (source, relation) to the newly created edge's meta row.
func (e *Engine) finishTemporalContradiction(ctx context.Context, tx *store.Tx, sourceID, relation, newEdgeID, newMetaID string) error {
	rows, err := tx.Query(ctx, store.Fmt(tx, `SELECT id, properties FROM %s
		WHERE source_id = ? AND relation = ? AND is_current = 0 AND id != ?`, "edges"), sourceID, relation, newEdgeID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "graph: find superseded edges")
	}
	type row struct{ id, propsJSON string }
	var pending []row
	for rows.Next() {
		var id, propsJSON string
		if serr := rows.Scan(&id, &propsJSON); serr != nil {
			rows.Close()
			return apperr.Wrap(apperr.Transient, serr, "graph: scan superseded edge")
		}
		pending = append(pending, row{id, propsJSON})
	}
	rows.Close()

	for _, p := range pending {
		var props map[string]any
		_ = json.Unmarshal([]byte(p.propsJSON), &props)
		pendingFlag, _ := props["superseded_pending"].(bool)
		if !pendingFlag {
			continue
		}
		oldMetaID, _ := props["meta_id"].(string)
		delete(props, "superseded_pending")
		propsJSON, _ := json.Marshal(props)
		if _, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET properties = ? WHERE id = ?`, "edges"),
			string(propsJSON), p.id); err != nil {
			return apperr.Wrap(apperr.Transient, err, "graph: clear superseded flag")
		}
		if oldMetaID != "" && newMetaID != "" {
			if err := metastore.Contradict(ctx, tx, oldMetaID, newMetaID, "works_at"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) findEdge(ctx context.Context, tx *store.Tx, sourceID, targetID, relation string) (*Edge, error) {
	row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT id,source_id,target_id,relation,weight,confidence,
		is_current,evidence,properties,created_at,last_seen FROM %s
		WHERE source_id=? AND target_id=? AND relation=? AND deleted_at IS NULL`, "edges"),
		sourceID, targetID, relation)
	edge, err := scanEdge(row)
	if err != nil {
		return nil, nil // not found is not an error here; caller inserts fresh
	}
	return edge, nil
}

func scanEdge(row interface{ Scan(dest ...any) error }) (*Edge, error) {
	var ed Edge
	var evJSON, propsJSON string
	var isCurrent int
	var createdAt, lastSeen int64
	if err := row.Scan(&ed.ID, &ed.SourceID, &ed.TargetID, &ed.Relation, &ed.Weight, &ed.Confidence,
		&isCurrent, &evJSON, &propsJSON, &createdAt, &lastSeen); err != nil {
		return nil, err
	}
	ed.IsCurrent = isCurrent != 0
	_ = json.Unmarshal([]byte(evJSON), &ed.Evidence)
	_ = json.Unmarshal([]byte(propsJSON), &ed.Properties)
	if ed.Properties == nil {
		ed.Properties = map[string]any{}
	}
	ed.CreatedAt = time.Unix(createdAt, 0).UTC()
	ed.LastSeen = time.Unix(lastSeen, 0).UTC()
	return &ed, nil
}

func (e *Engine) insertEdge(ctx context.Context, tx *store.Tx, in EdgeInput, relation string) (*Edge, error) {
	m, err := metastore.Create(ctx, tx, "edge", "", in.Origin)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	evidence := []string{}
	if in.Evidence != "" {
		evidence = append(evidence, in.Evidence)
	}
	evJSON, _ := json.Marshal(evidence)
	props := map[string]any{"meta_id": m.ID}
	propsJSON, _ := json.Marshal(props)

	ed := &Edge{
		ID: uuid.New().String(), SourceID: in.SourceID, TargetID: in.TargetID, Relation: relation,
		Weight: 1, Confidence: in.Confidence, IsCurrent: true, Evidence: evidence, Properties: props,
		CreatedAt: now, LastSeen: now,
	}
	_, err = tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s
		(id, source_id, target_id, relation, weight, confidence, is_current, evidence, properties,
		 deleted_at, created_at, last_seen) VALUES (?,?,?,?,?,?,?,?,?,NULL,?,?)`, "edges"),
		ed.ID, ed.SourceID, ed.TargetID, ed.Relation, ed.Weight, ed.Confidence, 1,
		string(evJSON), string(propsJSON), now.Unix(), now.Unix())
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "graph: insert edge")
	}

	if ontology.IsTemporal(relation) {
		if err := e.finishTemporalContradiction(ctx, tx, in.SourceID, relation, ed.ID, m.ID); err != nil {
			return nil, err
		}
	}
	return ed, nil
}

// reinforceEdge implements spec §8's reinforcement invariant: weight is
// capped at MaxEdgeWeight and evidence accumulates across calls.
func (e *Engine) reinforceEdge(ctx context.Context, tx *store.Tx, existing *Edge, in EdgeInput) error {
	newWeight := existing.Weight + 1
	if newWeight > MaxEdgeWeight {
		newWeight = MaxEdgeWeight
	}
	if in.Evidence != "" {
		existing.Evidence = append(existing.Evidence, in.Evidence)
	}
	if in.Confidence > existing.Confidence {
		existing.Confidence = in.Confidence
	}
	evJSON, _ := json.Marshal(existing.Evidence)
	now := time.Now()

	metaID, _ := existing.Properties["meta_id"].(string)
	if metaID != "" {
		if _, err := metastore.Mention(ctx, tx, metaID); err != nil {
			return err
		}
	}

	_, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET weight=?, confidence=?, evidence=?, last_seen=? WHERE id=?`,
		"edges"), newWeight, existing.Confidence, string(evJSON), now.Unix(), existing.ID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "graph: reinforce edge")
	}
	existing.Weight = newWeight
	existing.LastSeen = now
	return nil
}

// NeighborFilter narrows single-hop traversal (spec §4.6 traversal
// primitives).
type NeighborFilter struct {
	Direction      Direction
	Relation       string // empty = any
	ConfidenceFloor float64
}

func (e *Engine) Neighbors(ctx context.Context, tx *store.Tx, entityID string, f NeighborFilter) ([]*Edge, error) {
	var out []*Edge
	if f.Direction == Outbound || f.Direction == Both {
		edges, err := e.queryDirection(ctx, tx, "source_id", entityID, f)
		if err != nil {
			return nil, err
		}
		out = append(out, edges...)
	}
	if f.Direction == Inbound || f.Direction == Both {
		edges, err := e.queryDirection(ctx, tx, "target_id", entityID, f)
		if err != nil {
			return nil, err
		}
		out = append(out, edges...)
	}
	return out, nil
}

func (e *Engine) queryDirection(ctx context.Context, tx *store.Tx, col, entityID string, f NeighborFilter) ([]*Edge, error) {
	query := `SELECT id,source_id,target_id,relation,weight,confidence,is_current,evidence,properties,
		created_at,last_seen FROM %s WHERE ` + col + ` = ? AND deleted_at IS NULL AND confidence >= ?`
	args := []any{entityID, f.ConfidenceFloor}
	if f.Relation != "" {
		query += ` AND relation = ?`
		args = append(args, f.Relation)
	}
	rows, err := tx.Query(ctx, store.Fmt(tx, query, "edges"), args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "graph: query neighbors")
	}
	defer rows.Close()
	var out []*Edge
	for rows.Next() {
		ed, err := scanEdge(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "graph: scan neighbor")
		}
		out = append(out, ed)
	}
	return out, nil
}

// AllEdges loads every non-deleted edge for the tenant, used by path search,
// BFS, and statistics (graphs here are small enough per-tenant to load whole).
func (e *Engine) AllEdges(ctx context.Context, tx *store.Tx) ([]*Edge, error) {
	rows, err := tx.Query(ctx, store.Fmt(tx, `SELECT id,source_id,target_id,relation,weight,confidence,
		is_current,evidence,properties,created_at,last_seen FROM %s WHERE deleted_at IS NULL`, "edges"))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "graph: list all edges")
	}
	defer rows.Close()
	var out []*Edge
	for rows.Next() {
		ed, err := scanEdge(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "graph: scan edge")
		}
		out = append(out, ed)
	}
	return out, nil
}

// RetargetEdges points every edge touching fromID at toID (merge support,
// spec §4.5 Merge). Duplicate (target, relation) pairs are left for the
// caller to collapse.
func (e *Engine) RetargetEdges(ctx context.Context, tx *store.Tx, fromID, toID string) error {
	if _, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET source_id=? WHERE source_id=? AND deleted_at IS NULL`,
		"edges"), toID, fromID); err != nil {
		return apperr.Wrap(apperr.Transient, err, "graph: retarget source edges")
	}
	if _, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET target_id=? WHERE target_id=? AND deleted_at IS NULL`,
		"edges"), toID, fromID); err != nil {
		return apperr.Wrap(apperr.Transient, err, "graph: retarget target edges")
	}
	return nil
}

// SoftDeleteEdge marks an edge deleted (merge's duplicate-collapse path).
func (e *Engine) SoftDeleteEdge(ctx context.Context, tx *store.Tx, id string) error {
	_, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET deleted_at=? WHERE id=?`, "edges"), time.Now().Unix(), id)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "graph: soft delete edge")
	}
	return nil
}

// MergeWeight implements the collapse rule for duplicate (target, relation)
// edges discovered during a merge: sum weight capped at MaxEdgeWeight, union
// evidence, max confidence.
func (e *Engine) MergeWeight(ctx context.Context, tx *store.Tx, keep, drop *Edge) error {
	newWeight := keep.Weight + drop.Weight
	if newWeight > MaxEdgeWeight {
		newWeight = MaxEdgeWeight
	}
	confidence := keep.Confidence
	if drop.Confidence > confidence {
		confidence = drop.Confidence
	}
	seen := map[string]bool{}
	var evidence []string
	for _, ev := range append(keep.Evidence, drop.Evidence...) {
		if !seen[ev] {
			seen[ev] = true
			evidence = append(evidence, ev)
		}
	}
	evJSON, _ := json.Marshal(evidence)
	if _, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET weight=?, confidence=?, evidence=? WHERE id=?`, "edges"),
		newWeight, confidence, string(evJSON), keep.ID); err != nil {
		return apperr.Wrap(apperr.Transient, err, "graph: merge edge weight")
	}
	return e.SoftDeleteEdge(ctx, tx, drop.ID)
}
