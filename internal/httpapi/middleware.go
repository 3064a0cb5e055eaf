// Package httpapi mounts the thin consent-gated REST surface spec §4.13
// names (/v1/profile, /v1/tables/*, /v1/vectors/*, /v1/graph/*,
// /v1/memory/*, /v1/sql) alongside internal/oauthsrv's issuance endpoints,
// following cmd/gateway's chi route-grouping style.
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/consent"
	"github.com/gunning4it/epitome/internal/oauthsrv"
)

// consentRead/consentWrite save every handler from importing the consent
// package just to spell out its read and write permission levels.
const (
	consentRead  = consent.PermissionRead
	consentWrite = consent.PermissionWrite
)

type identityKey struct{}

// IdentityFromContext returns the resolved API-key identity stashed by
// requireAuth, mirroring internal/rbac's WithRole/RoleFromContext pattern.
func IdentityFromContext(ctx context.Context) (*oauthsrv.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*oauthsrv.Identity)
	return id, ok
}

func withIdentity(ctx context.Context, id *oauthsrv.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// requireAuth resolves the epi_ bearer token on every request under /v1 and
// stashes the identity it resolves to in the request context. Handlers read
// it back via IdentityFromContext instead of re-parsing the header.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			writeErr(w, apperr.WithReason(apperr.ConsentDenied, "httpapi: missing bearer token", "unauthorized"))
			return
		}
		token := strings.TrimPrefix(h, "Bearer ")
		identity, err := a.OAuth.ResolveAPIKey(r.Context(), token)
		if err != nil {
			writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
	})
}

// requireScope rejects the request unless the resolved identity carries
// scope (spec §6's fixed {domain}:{read|write} vocabulary). Run after
// requireAuth, which is what populates the context identity it reads.
func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				writeErr(w, apperr.WithReason(apperr.ConsentDenied, "httpapi: no resolved identity", "unauthorized"))
				return
			}
			for _, s := range identity.Scopes {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeErr(w, apperr.WithReason(apperr.ConsentDenied, "httpapi: token lacks scope "+scope, "insufficient_scope"))
		})
	}
}
