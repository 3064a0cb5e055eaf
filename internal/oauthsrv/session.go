package oauthsrv

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/store"
)

const csrfCookieName = "epi_csrf"

// sessionClaims identifies the tenant owner authorizing a client, mirroring
// internal/auth/middleware.Claims's shape but carrying a tenant rather than
// a role.
type sessionClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

func ownerConfigKey(tenantID string) string { return "owner_auth:" + tenantID }

// Login is the consent step's credential check. It is deliberately minimal
// (trust-on-first-use, like an SSH known_hosts file): the first passphrase
// presented for a tenant_id is bcrypt-hashed and stored as that tenant's
// credential; every later login must match it. A real deployment sits a
// proper identity provider in front of this; the contract this package owns
// is the OAuth/PKCE exchange downstream of login, not login itself.
func (e *Engine) Login(ctx context.Context, tenantID, passphrase string) (string, error) {
	hash, found, err := e.ownerPassphraseHash(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if !found {
		newHash, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
		if err != nil {
			return "", apperr.Wrap(apperr.Fatal, err, "oauthsrv: hash passphrase")
		}
		if err := e.setOwnerPassphraseHash(ctx, tenantID, string(newHash)); err != nil {
			return "", err
		}
		if err := e.DB.ProvisionTenant(ctx, tenantID); err != nil {
			return "", err
		}
	} else if bcrypt.CompareHashAndPassword([]byte(hash), []byte(passphrase)) != nil {
		return "", apperr.WithReason(apperr.ConsentDenied, "oauthsrv: invalid credentials", "invalid_credentials")
	}
	return e.issueSession(tenantID)
}

func (e *Engine) ownerPassphraseHash(ctx context.Context, tenantID string) (string, bool, error) {
	var value string
	err := e.DB.SQL.QueryRowContext(ctx, store.FmtShared(e.DB, `SELECT value FROM system_config WHERE key = ?`),
		ownerConfigKey(tenantID)).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Wrap(apperr.Transient, err, "oauthsrv: load owner credential")
	}
	return value, true, nil
}

func (e *Engine) setOwnerPassphraseHash(ctx context.Context, tenantID, hash string) error {
	_, err := e.DB.SQL.ExecContext(ctx, store.FmtShared(e.DB, `INSERT INTO system_config (key, value) VALUES (?,?)`),
		ownerConfigKey(tenantID), hash)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "oauthsrv: store owner credential")
	}
	return nil
}

func (e *Engine) sessionSecret() []byte { return []byte(e.Config.JWTSigningSecret) }

func (e *Engine) issueSession(tenantID string) (string, error) {
	now := time.Now()
	days := e.Config.SessionTTLDays
	if days <= 0 {
		days = 7
	}
	claims := &sessionClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "epitome-oauthsrv",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(days) * 24 * time.Hour)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(e.sessionSecret())
}

func (e *Engine) parseSession(tok string) (*sessionClaims, error) {
	token, err := jwt.ParseWithClaims(tok, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		return e.sessionSecret(), nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.WithReason(apperr.ConsentDenied, "oauthsrv: invalid session token", "login_required")
	}
	c, _ := token.Claims.(*sessionClaims)
	return c, nil
}

// sessionFromRequest reads the session bearer token from the Authorization
// header, following internal/auth/middleware.JWTMiddleware's convention.
func (e *Engine) sessionFromRequest(r *http.Request) (*sessionClaims, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return nil, apperr.WithReason(apperr.ConsentDenied, "oauthsrv: missing bearer session token", "login_required")
	}
	return e.parseSession(strings.TrimPrefix(h, "Bearer "))
}
