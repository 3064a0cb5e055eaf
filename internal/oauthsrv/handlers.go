package oauthsrv

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gunning4it/epitome/internal/apperr"
)

// Mount wires the OAuth issuance surface onto r, following cmd/gateway's
// route-grouping style.
func Mount(r chi.Router, e *Engine) {
	r.Get("/.well-known/oauth-protected-resource", e.handleProtectedResourceMetadata)
	r.Get("/.well-known/oauth-authorization-server", e.handleAuthServerMetadata)
	r.Post("/register", e.handleRegister)
	r.Post("/login", e.handleLogin)
	r.Get("/authorize", e.handleAuthorizeGet)
	r.Post("/authorize", e.handleAuthorizePost)
	r.Post("/token", e.handleToken)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	if ae, ok := err.(*apperr.Error); ok {
		code := ae.Reason
		if code == "" {
			code = "server_error"
		}
		writeJSON(w, apperr.HTTPStatus(ae.Kind), map[string]string{"error": code, "error_description": ae.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error", "error_description": err.Error()})
}

func (e *Engine) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":              e.Config.ResourceAllowlist,
		"authorization_servers": []string{"/"},
	})
}

func (e *Engine) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                "epitome",
		"authorization_endpoint":                "/authorize",
		"token_endpoint":                        "/token",
		"registration_endpoint":                 "/register",
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"grant_types_supported":                 []string{"authorization_code"},
		"response_types_supported":              []string{"code"},
		"scopes_supported":                      ValidScopes(),
	})
}

func (e *Engine) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.WithReason(apperr.Validation, "oauthsrv: bad json", "invalid_request"))
		return
	}
	clientID, err := e.RegisterClient(r.Context(), req.RedirectURIs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  clientID,
		"redirect_uris":              req.RedirectURIs,
		"token_endpoint_auth_method": "none",
	})
}

func (e *Engine) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID   string `json:"tenant_id"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" || req.Passphrase == "" {
		writeErr(w, apperr.WithReason(apperr.Validation, "oauthsrv: tenant_id and passphrase required", "invalid_request"))
		return
	}
	session, err := e.Login(r.Context(), req.TenantID, req.Passphrase)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_token": session})
}

// handleAuthorizeGet validates the request and returns a consent
// descriptor for the caller to render and confirm — there is no HTML
// consent page here, only the JSON the thin contract promises.
func (e *Engine) handleAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("response_type") != "code" {
		writeErr(w, apperr.WithReason(apperr.Validation, "oauthsrv: response_type must be code", "unsupported_response_type"))
		return
	}
	params := AuthorizeParams{
		ClientID: q.Get("client_id"), RedirectURI: q.Get("redirect_uri"),
		CodeChallenge: q.Get("code_challenge"), CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope: q.Get("scope"), Resource: q.Get("resource"),
	}
	scopes, err := e.ValidateAuthorize(r.Context(), params)
	if err != nil {
		writeErr(w, err)
		return
	}
	claims, err := e.sessionFromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	csrfToken, err := randomURLSafe(16)
	if err != nil {
		writeErr(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name: csrfCookieName, Value: csrfToken, HttpOnly: true, Path: "/", SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": claims.TenantID, "client_id": params.ClientID, "redirect_uri": params.RedirectURI,
		"scopes": scopes, "resource": params.Resource, "state": q.Get("state"), "csrf_token": csrfToken,
	})
}

// handleAuthorizePost is the consent submission (spec §6: "CSRF via
// double-submit cookie").
func (e *Engine) handleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	claims, err := e.sessionFromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req struct {
		ClientID            string `json:"client_id"`
		RedirectURI         string `json:"redirect_uri"`
		CodeChallenge       string `json:"code_challenge"`
		CodeChallengeMethod string `json:"code_challenge_method"`
		Scope               string `json:"scope"`
		Resource            string `json:"resource"`
		State               string `json:"state"`
		Decision            string `json:"decision"`
		CSRFToken           string `json:"csrf_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.WithReason(apperr.Validation, "oauthsrv: bad json", "invalid_request"))
		return
	}
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" || cookie.Value != req.CSRFToken {
		writeErr(w, apperr.WithReason(apperr.Validation, "oauthsrv: csrf token mismatch", "invalid_request"))
		return
	}

	params := AuthorizeParams{
		ClientID: req.ClientID, RedirectURI: req.RedirectURI, CodeChallenge: req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod, Scope: req.Scope, Resource: req.Resource,
	}
	scopes, err := e.ValidateAuthorize(r.Context(), params)
	if err != nil {
		writeErr(w, err)
		return
	}
	if req.Decision != "approve" {
		writeJSON(w, http.StatusOK, map[string]string{"state": req.State, "decision": "denied"})
		return
	}
	code, err := e.ApproveAuthorization(r.Context(), claims.TenantID, params, scopes)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code, "state": req.State})
}

// handleToken implements POST /token (spec §6). Form-encoded, per RFC 6749,
// unlike the rest of this JSON surface.
func (e *Engine) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErr(w, apperr.WithReason(apperr.Validation, "oauthsrv: bad form body", "invalid_request"))
		return
	}
	if r.FormValue("grant_type") != "authorization_code" {
		writeErr(w, apperr.WithReason(apperr.Validation, "oauthsrv: unsupported grant_type", "unsupported_grant_type"))
		return
	}
	result, err := e.ExchangeToken(r.Context(), r.FormValue("client_id"), r.FormValue("redirect_uri"),
		r.FormValue("code"), r.FormValue("code_verifier"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": result.AccessToken,
		"token_type":   result.TokenType,
		"expires_in":   result.ExpiresIn,
		"scope":        result.Scope,
	})
}
