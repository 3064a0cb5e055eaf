// Package vectorstore implements the semantic vector store (C7, spec §4.7):
// collections auto-created on first write, duplicate-text-as-mention /
// differing-metadata-as-contradiction dedup, and cosine-threshold search.
package vectorstore

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/metastore"
	"github.com/gunning4it/epitome/internal/store"
)

const (
	defaultSearchThreshold = 0.7
	defaultSearchLimit     = 10
)

// Row is one stored vector (spec §3, Vector Row).
type Row struct {
	ID         string
	Collection string
	Text       string
	Embedding  []float32
	Metadata   map[string]any
	MetaID     string
	DeletedAt  *time.Time
	CreatedAt  time.Time
}

// Engine is the C7 vector store, parameterized by an embedding provider.
type Engine struct {
	Embedder EmbeddingProvider
}

func New(embedder EmbeddingProvider) *Engine { return &Engine{Embedder: embedder} }

// ensureCollection records a collection's dimensionality on first write.
func (e *Engine) ensureCollection(ctx context.Context, tx *store.Tx, collection string, dims int) error {
	var existing int
	row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT dimensions FROM %s WHERE name = ?`, "vector_collections"), collection)
	if err := row.Scan(&existing); err == nil {
		return nil
	}
	_, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (name, dimensions, created_at) VALUES (?,?,?)`,
		"vector_collections"), collection, dims, time.Now().Unix())
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "vectorstore: ensure collection")
	}
	return nil
}

// Upsert writes text into a collection, computing its embedding via the
// configured provider. Duplicate text (case-insensitive exact, within the
// same collection) becomes a mention of the existing row's meta; differing
// metadata on the same text becomes a contradiction (spec §4.7).
func (e *Engine) Upsert(ctx context.Context, tx *store.Tx, collection, text string, metadata map[string]any,
	origin memoryquality.Origin) (*Row, string, error) {

	existing, err := e.findByText(ctx, tx, collection, text)
	if err != nil {
		return nil, "", err
	}
	if existing != nil {
		if metadataEqual(existing.Metadata, metadata) {
			if _, err := metastore.Mention(ctx, tx, existing.MetaID); err != nil {
				return nil, "", err
			}
		} else {
			m, err := metastore.Create(ctx, tx, "vector", existing.ID, origin)
			if err != nil {
				return nil, "", err
			}
			if err := metastore.Contradict(ctx, tx, existing.MetaID, m.ID, "metadata"); err != nil {
				return nil, "", err
			}
			metaJSON, _ := json.Marshal(metadata)
			if _, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET metadata=?, meta_id=? WHERE id=?`, "vectors"),
				string(metaJSON), m.ID, existing.ID); err != nil {
				return nil, "", apperr.Wrap(apperr.Transient, err, "vectorstore: update metadata")
			}
			existing.Metadata = metadata
			existing.MetaID = m.ID
		}
		return existing, "accepted", nil
	}

	embedding, err := e.Embedder.Embed(ctx, text)
	if err != nil {
		if writeErr := e.writeFallback(ctx, tx, collection, text, metadata, origin); writeErr != nil {
			return nil, "", writeErr
		}
		return nil, "pending_enrichment", nil
	}

	if err := e.ensureCollection(ctx, tx, collection, len(embedding)); err != nil {
		return nil, "", err
	}
	m, err := metastore.Create(ctx, tx, "vector", "", origin)
	if err != nil {
		return nil, "", err
	}

	id := store.NewWriteID()
	embJSON, _ := json.Marshal(embedding)
	metaJSON, _ := json.Marshal(metadata)
	now := time.Now()
	_, err = tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, collection, text, embedding, metadata, meta_id,
		deleted_at, created_at) VALUES (?,?,?,?,?,?,NULL,?)`, "vectors"),
		id, collection, text, string(embJSON), string(metaJSON), m.ID, now.Unix())
	if err != nil {
		return nil, "", apperr.Wrap(apperr.Transient, err, "vectorstore: insert")
	}
	return &Row{ID: id, Collection: collection, Text: text, Embedding: embedding, Metadata: metadata,
		MetaID: m.ID, CreatedAt: now}, "accepted", nil
}

// writeFallback implements spec §4.8 step 7: on embedding-provider failure,
// write to pending_vectors; if that table is missing fall back further to
// memory_backlog (auto-created), so nothing is ever lost.
func (e *Engine) writeFallback(ctx context.Context, tx *store.Tx, collection, text string, metadata map[string]any,
	origin memoryquality.Origin) error {
	m, err := metastore.Create(ctx, tx, "vector", "", origin)
	if err != nil {
		return err
	}
	metaJSON, _ := json.Marshal(metadata)
	id := store.NewWriteID()
	_, err = tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, collection, text, metadata, meta_id, status,
		attempt_count, next_run_at, last_error, created_at) VALUES (?,?,?,?,?,'pending',0,0,'',?)`,
		"pending_vectors"), id, collection, text, string(metaJSON), m.ID, time.Now().Unix())
	if err == nil {
		return nil
	}
	// queue table itself missing/broken: last-resort durable log.
	_, backlogErr := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, collection, text, metadata, meta_id,
		created_at) VALUES (?,?,?,?,?,?)`, "memory_backlog"),
		id, collection, text, string(metaJSON), m.ID, time.Now().Unix())
	if backlogErr != nil {
		return apperr.Wrap(apperr.Transient, backlogErr, "vectorstore: backlog write failed")
	}
	return nil
}

// PromotePending retries embedding for a row parked in pending_vectors by
// Upsert's fallback path, and on success writes it into vectors (spec §4.9:
// "on success of a pending-vector row, the now-real vector is also enqueued
// as a follow-up enrichment job" — the caller is responsible for deleting
// the pending row and for that follow-up enqueue, this only promotes the
// row itself).
func (e *Engine) PromotePending(ctx context.Context, tx *store.Tx, collection, text string, metadata map[string]any, metaID string) (*Row, error) {
	embedding, err := e.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "vectorstore: promote pending")
	}
	if err := e.ensureCollection(ctx, tx, collection, len(embedding)); err != nil {
		return nil, err
	}
	id := store.NewWriteID()
	embJSON, _ := json.Marshal(embedding)
	metaJSON, _ := json.Marshal(metadata)
	now := time.Now()
	_, err = tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, collection, text, embedding, metadata, meta_id,
		deleted_at, created_at) VALUES (?,?,?,?,?,?,NULL,?)`, "vectors"),
		id, collection, text, string(embJSON), string(metaJSON), metaID, now.Unix())
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "vectorstore: promote insert")
	}
	return &Row{ID: id, Collection: collection, Text: text, Embedding: embedding, Metadata: metadata,
		MetaID: metaID, CreatedAt: now}, nil
}

func (e *Engine) findByText(ctx context.Context, tx *store.Tx, collection, text string) (*Row, error) {
	rows, err := tx.Query(ctx, store.Fmt(tx, `SELECT id, collection, text, embedding, metadata, meta_id, created_at
		FROM %s WHERE collection = ? AND deleted_at IS NULL`, "vectors"), collection)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "vectorstore: find by text")
	}
	defer rows.Close()
	target := strings.ToLower(strings.TrimSpace(text))
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "vectorstore: scan row")
		}
		if strings.ToLower(strings.TrimSpace(r.Text)) == target {
			return r, nil
		}
	}
	return nil, nil
}

// GetByID fetches a single vector row by id, used by entity extraction to
// re-read a write's text/metadata from its source-ref.
func (e *Engine) GetByID(ctx context.Context, tx *store.Tx, collection, id string) (*Row, error) {
	row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT id, collection, text, embedding, metadata, meta_id, created_at
		FROM %s WHERE collection = ? AND id = ? AND deleted_at IS NULL`, "vectors"), collection, id)
	r, err := scanRow(row)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, err, "vectorstore: row not found")
	}
	return r, nil
}

func scanRow(row interface{ Scan(dest ...any) error }) (*Row, error) {
	var r Row
	var embJSON, metaJSON string
	var createdAt int64
	if err := row.Scan(&r.ID, &r.Collection, &r.Text, &embJSON, &metaJSON, &r.MetaID, &createdAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(embJSON), &r.Embedding)
	_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}

func metadataEqual(a, b map[string]any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

// SearchResult pairs a matched row with its cosine similarity and the
// provenance snapshot from its meta row.
type SearchResult struct {
	Row        *Row
	Similarity float64
	Confidence float64
	Status     memoryquality.Status
}

// Search embeds the query text and returns rows above threshold (default
// 0.7) up to limit (default 10), joined with their meta row, emitting an
// access event per result (spec §4.7).
func (e *Engine) Search(ctx context.Context, tx *store.Tx, collection, query string, threshold float64, limit int) ([]*SearchResult, error) {
	if threshold <= 0 {
		threshold = defaultSearchThreshold
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	queryVec, err := e.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "vectorstore: embed query")
	}
	return e.searchBruteForce(ctx, tx, collection, queryVec, threshold, limit)
}

// searchBruteForce loads the collection and scores every row in-process.
// Embeddings are stored as JSONB/TEXT (spec §8 keeps the row shape portable
// across the Postgres/SQLite backends store.Fmt templates over), so there is
// no indexed vector column to push a distance operator down to; this is fine
// at per-tenant collection sizes.
func (e *Engine) searchBruteForce(ctx context.Context, tx *store.Tx, collection string, queryVec []float32, threshold float64, limit int) ([]*SearchResult, error) {
	rows, err := tx.Query(ctx, store.Fmt(tx, `SELECT id, collection, text, embedding, metadata, meta_id, created_at
		FROM %s WHERE collection = ? AND deleted_at IS NULL`, "vectors"), collection)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "vectorstore: search")
	}
	var scored []*SearchResult
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			rows.Close()
			return nil, apperr.Wrap(apperr.Transient, err, "vectorstore: scan search row")
		}
		sim := cosineSimilarity(queryVec, r.Embedding)
		if sim >= threshold {
			scored = append(scored, &SearchResult{Row: r, Similarity: sim})
		}
	}
	rows.Close()

	sortBySimilarityDesc(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return e.joinMetaAndAccess(ctx, tx, scored)
}

func (e *Engine) joinMetaAndAccess(ctx context.Context, tx *store.Tx, results []*SearchResult) ([]*SearchResult, error) {
	for _, res := range results {
		m, err := metastore.Access(ctx, tx, res.Row.MetaID)
		if err != nil {
			continue // meta row missing shouldn't fail the whole search
		}
		res.Confidence = m.Confidence
		res.Status = m.Status
	}
	return results, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortBySimilarityDesc(results []*SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Similarity > results[j-1].Similarity; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}
