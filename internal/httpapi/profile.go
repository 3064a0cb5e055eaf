package httpapi

import (
	"net/http"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/ingestion"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/store"
)

func (a *API) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	var resp any
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "profile", "profile", consentRead); err != nil {
			return err
		}
		v, err := a.Pipeline.Profile.GetLatest(r.Context(), tx)
		if err != nil {
			return err
		}
		resp = v
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProfileHistory(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	var resp any
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "profile", "profile", consentRead); err != nil {
			return err
		}
		versions, err := a.Pipeline.Profile.History(r.Context(), tx)
		if err != nil {
			return err
		}
		resp = versions
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePatchProfile(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	var req struct {
		Patch map[string]any `json:"patch"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Patch == nil {
		writeErr(w, apperr.WithReason(apperr.Validation, "httpapi: patch is required", "bad_request"))
		return
	}
	var resp *ingestion.WriteResult
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		res, err := a.Pipeline.Write(r.Context(), tx, ingestion.WriteRequest{
			AgentID:   identity.AgentID,
			Kind:      ingestion.KindProfile,
			Payload:   req.Patch,
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
