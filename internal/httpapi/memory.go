package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/consent"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/store"
)

const memoryCollection = "memories"

// handleRememberText is the narrow "just remember this" surface: spec §6's
// resource list carries "memory" as its own flat resource, distinct from
// "vectors"/"vectors/*"/"vectors/<name>", so an agent can be granted
// memory:write without also getting access to every named vector
// collection a tenant owns. It persists into the same "memories" collection
// vectors/* addresses, gated on the memory domain instead of vectors.
func (a *API) handleRememberText(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	var req struct {
		Text     string         `json:"text"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Text == "" {
		writeErr(w, apperr.WithReason(apperr.Validation, "httpapi: text is required", "bad_request"))
		return
	}
	var status string
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "memory", "memory", consentWrite); err != nil {
			return err
		}
		writeID := store.NewWriteID()
		start := time.Now()
		row, st, err := a.Vectors.Upsert(r.Context(), tx, memoryCollection, req.Text, req.Metadata, memoryquality.OriginAIStated)
		if err != nil {
			return err
		}
		status = st
		sourceRef := memoryCollection
		stage := consent.StageVectorWritten
		if st == "pending_enrichment" {
			stage = consent.StageVectorPending
		} else if row != nil {
			sourceRef = memoryCollection + ":" + row.ID
		}
		consent.WriteAudit(r.Context(), tx, writeID, stage, sourceRef, time.Since(start), map[string]any{
			"kind": "memory", "status": status,
		})
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

// handleRecallSearch is the read side of the memory domain: a semantic
// search over the "memories" collection, gated independently of the
// vectors:read scope for the same reason handleRememberText is gated
// independently of vectors:write.
func (a *API) handleRecallSearch(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	q := r.URL.Query()
	threshold, _ := strconv.ParseFloat(q.Get("threshold"), 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	var resp any
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "memory", "memory", consentRead); err != nil {
			return err
		}
		results, err := a.Vectors.Search(r.Context(), tx, memoryCollection, q.Get("q"), threshold, limit)
		if err != nil {
			return err
		}
		resp = results
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
