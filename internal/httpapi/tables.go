package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/ingestion"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/store"
)

func (a *API) handleInsertRecord(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	table := chi.URLParam(r, "table")
	var req struct {
		Payload map[string]any `json:"payload"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	var resp *ingestion.WriteResult
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		res, err := a.Pipeline.Write(r.Context(), tx, ingestion.WriteRequest{
			AgentID:   identity.AgentID,
			Kind:      ingestion.KindTable,
			TableName: table,
			Payload:   req.Payload,
			ChangedBy: identity.AgentID,
			Origin:    memoryquality.OriginAIStated,
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

func (a *API) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")
	var resp map[string]any
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "tables", "tables/"+table, consentRead); err != nil {
			return err
		}
		row, err := a.Pipeline.Tables.GetRecord(r.Context(), tx, table, id)
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

func (a *API) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")
	var req struct {
		Patch map[string]any `json:"patch"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "tables", "tables/"+table, consentWrite); err != nil {
			return err
		}
		return a.Pipeline.Tables.UpdateRecord(r.Context(), tx, table, id, req.Patch, memoryquality.OriginAIStated)
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")
	if table == "" || id == "" {
		writeErr(w, apperr.WithReason(apperr.Validation, "httpapi: table and id required", "bad_request"))
		return
	}
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "tables", "tables/"+table, consentWrite); err != nil {
			return err
		}
		return a.Pipeline.Tables.SoftDelete(r.Context(), tx, table, id)
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
