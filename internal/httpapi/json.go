package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gunning4it/epitome/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	if ae, ok := err.(*apperr.Error); ok {
		code := ae.Reason
		if code == "" {
			code = string(ae.Kind)
		}
		body := map[string]any{"error": code, "message": ae.Message}
		if ae.Kind == apperr.TierLimit {
			body["detail"] = ae.Message
		}
		writeJSON(w, apperr.HTTPStatus(ae.Kind), body)
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.WithReason(apperr.Validation, "httpapi: malformed request body", "bad_request")
	}
	return nil
}
