package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/ingestion"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/store"
)

func (a *API) handleUpsertVector(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	collection := chi.URLParam(r, "collection")
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
	var resp *ingestion.WriteResult
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		res, err := a.Pipeline.Write(r.Context(), tx, ingestion.WriteRequest{
			AgentID:    identity.AgentID,
			Kind:       ingestion.KindVector,
			Collection: collection,
			Text:       req.Text,
			Metadata:   req.Metadata,
			ChangedBy:  identity.AgentID,
			Origin:     memoryquality.OriginAIStated,
		})
		if err != nil {
			return err
		}
		resp = res
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handleGetVector(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")
	var resp any
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "vectors", "vectors/"+collection, consentRead); err != nil {
			return err
		}
		row, err := a.Vectors.GetByID(r.Context(), tx, collection, id)
		if err != nil {
			return err
		}
		resp = row
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSearchVectors(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	collection := chi.URLParam(r, "collection")
	q := r.URL.Query()
	threshold, _ := strconv.ParseFloat(q.Get("threshold"), 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	var resp any
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "vectors", "vectors/"+collection, consentRead); err != nil {
			return err
		}
		results, err := a.Vectors.Search(r.Context(), tx, collection, q.Get("q"), threshold, limit)
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
