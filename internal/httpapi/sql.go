package httpapi

import (
	"net/http"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/sandbox"
	"github.com/gunning4it/epitome/internal/store"
)

// handleSQLQuery runs an agent-submitted SELECT through the AST-validated
// sandbox (spec §4.2), gated on tables:read since every sandboxed query
// ultimately reads the tenant's table rows.
func (a *API) handleSQLQuery(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	var req struct {
		SQL               string `json:"sql"`
		TimeoutSeconds    int    `json:"timeout_seconds"`
		RowLimit          int    `json:"row_limit"`
		FilterSoftDeletes bool   `json:"filter_soft_deletes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.SQL == "" {
		writeErr(w, apperr.WithReason(apperr.Validation, "httpapi: sql is required", "bad_request"))
		return
	}
	var resp *sandbox.Result
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "tables", "tables/*", consentRead); err != nil {
			return err
		}
		result, err := a.Sandbox.Execute(r.Context(), tx, req.SQL, sandbox.Options{
			TimeoutSeconds:    req.TimeoutSeconds,
			RowLimit:          req.RowLimit,
			FilterSoftDeletes: req.FilterSoftDeletes,
		})
		if err != nil {
			return err
		}
		resp = result
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
