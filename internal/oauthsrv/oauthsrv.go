// Package oauthsrv implements the OAuth/PKCE issuance surface (spec §6):
// dynamic client registration, an authorize/consent exchange, and a
// single-use authorization-code-for-bearer-token exchange. It is a thin
// contract layer, not a product surface — no HTML consent pages, no
// dashboards, no session cookies beyond the one CSRF double-submit cookie
// the spec calls for — but its PKCE and code-replay behavior must be
// bit-exact, since spec §8 tests it directly.
//
// Grounded on internal/auth/middleware (AuthService's JWT issue/parse shape,
// reused here for the authorize-step session instead of the teacher's
// role claim) and internal/db.Open's shared-schema tables, which already
// carry oauth_clients/oauth_codes/api_keys (internal/store/db.go).
package oauthsrv

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/config"
	"github.com/gunning4it/epitome/internal/consent"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/tier"
)

const (
	codeTTL      = 60 * time.Second
	accessKeyTTL = 365 * 24 * time.Hour
)

// Engine is the OAuth issuance surface, backed by the shared cross-tenant
// tables (oauth_clients, oauth_codes, api_keys, system_config).
type Engine struct {
	DB     *store.DB
	Config config.Config
}

func New(db *store.DB, cfg config.Config) *Engine {
	return &Engine{DB: db, Config: cfg}
}

var domains = []string{"profile", "tables", "vectors", "graph", "memory"}

// ValidScopes is the fixed scope vocabulary (spec §6): every domain gets
// `:read`; every domain but graph also gets `:write`.
func ValidScopes() []string {
	out := make([]string, 0, len(domains)*2)
	for _, d := range domains {
		out = append(out, d+":read")
		if d != "graph" {
			out = append(out, d+":write")
		}
	}
	return out
}

func IsValidScope(s string) bool {
	for _, v := range ValidScopes() {
		if v == s {
			return true
		}
	}
	return false
}

func splitScope(s string) (domain, perm string, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func splitScopes(raw string) []string {
	return strings.Fields(strings.ReplaceAll(raw, ",", " "))
}

// resourcePatternForDomain maps an OAuth scope domain onto the consent
// resource-path vocabulary (spec §4.11): profile has no sub-resources, the
// rest grant the domain-wide wildcard.
func resourcePatternForDomain(domain string) string {
	if domain == "profile" {
		return "profile"
	}
	return domain + "/*"
}

// VerifyPKCE checks a code_verifier against its S256 code_challenge (spec
// §6, §8 "PKCE + code-replay").
func VerifyPKCE(verifier, challenge string) bool {
	if len(verifier) < 43 || len(verifier) > 128 {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func hashToken(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", apperr.Wrap(apperr.Fatal, err, "oauthsrv: read random bytes")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apperr.WithReason(apperr.Validation, "oauthsrv: invalid redirect_uri", "invalid_request")
	}
	host := u.Hostname()
	isLocalhost := host == "localhost" || host == "127.0.0.1" || host == "::1"
	if u.Scheme == "https" || (u.Scheme == "http" && isLocalhost) {
		return nil
	}
	return apperr.WithReason(apperr.Validation, "oauthsrv: redirect_uri must be https or localhost", "invalid_request")
}

// validateResource enforces spec §6's "resource allowlist" (RFC 8707),
// trailing-slash tolerant. An empty configured allowlist accepts anything,
// since APP_ENV=development ships with none set.
func (e *Engine) validateResource(resource string) error {
	if resource == "" || len(e.Config.ResourceAllowlist) == 0 {
		return nil
	}
	trimmed := strings.TrimSuffix(resource, "/")
	for _, allowed := range e.Config.ResourceAllowlist {
		if strings.TrimSuffix(allowed, "/") == trimmed {
			return nil
		}
	}
	return apperr.WithReason(apperr.Validation, "oauthsrv: resource not in allowlist", "invalid_target")
}

// RegisterClient implements POST /register (spec §6): dynamic client
// registration, redirect_uris required and each HTTPS or localhost.
func (e *Engine) RegisterClient(ctx context.Context, redirectURIs []string) (string, error) {
	if len(redirectURIs) == 0 {
		return "", apperr.WithReason(apperr.Validation, "oauthsrv: redirect_uris required", "invalid_redirect_uri")
	}
	for _, u := range redirectURIs {
		if err := validateRedirectURI(u); err != nil {
			return "", err
		}
	}
	suffix, err := randomURLSafe(16)
	if err != nil {
		return "", err
	}
	clientID := "client_" + suffix
	_, err = e.DB.SQL.ExecContext(ctx, store.FmtShared(e.DB, `INSERT INTO oauth_clients (client_id, redirect_uris, created_at)
		VALUES (?,?,?)`), clientID, strings.Join(redirectURIs, ","), time.Now().Unix())
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, err, "oauthsrv: insert client")
	}
	return clientID, nil
}

func (e *Engine) clientRedirectURIs(ctx context.Context, clientID string) ([]string, error) {
	var joined string
	err := e.DB.SQL.QueryRowContext(ctx, store.FmtShared(e.DB, `SELECT redirect_uris FROM oauth_clients WHERE client_id = ?`),
		clientID).Scan(&joined)
	if err == sql.ErrNoRows {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: unknown client_id", "invalid_client")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "oauthsrv: load client")
	}
	return strings.Split(joined, ","), nil
}

// AuthorizeParams is the required+optional /authorize parameter set (spec
// §6).
type AuthorizeParams struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Resource            string
}

// ValidateAuthorize checks an /authorize request against the registered
// client, the resource allowlist, and the fixed scope vocabulary, and
// returns the parsed, validated scope list.
func (e *Engine) ValidateAuthorize(ctx context.Context, p AuthorizeParams) ([]string, error) {
	if p.ClientID == "" || p.RedirectURI == "" || p.CodeChallenge == "" {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: client_id, redirect_uri, code_challenge required", "invalid_request")
	}
	if p.CodeChallengeMethod != "S256" {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: code_challenge_method must be S256", "invalid_request")
	}
	uris, err := e.clientRedirectURIs(ctx, p.ClientID)
	if err != nil {
		return nil, err
	}
	if !containsString(uris, p.RedirectURI) {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: redirect_uri not registered for client", "invalid_request")
	}
	if err := e.validateResource(p.Resource); err != nil {
		return nil, err
	}
	scopes := splitScopes(p.Scope)
	for _, s := range scopes {
		if !IsValidScope(s) {
			return nil, apperr.WithReason(apperr.Validation, "oauthsrv: unknown scope "+s, "invalid_scope")
		}
	}
	return scopes, nil
}

// ApproveAuthorization persists a single-use authorization code, stored
// hashed per spec §6, TTL'd at codeTTL.
func (e *Engine) ApproveAuthorization(ctx context.Context, tenantID string, p AuthorizeParams, scopes []string) (string, error) {
	code, err := randomURLSafe(32)
	if err != nil {
		return "", err
	}
	now := time.Now()
	_, err = e.DB.SQL.ExecContext(ctx, store.FmtShared(e.DB, `INSERT INTO oauth_codes
		(code_hash, client_id, tenant_id, agent_id, redirect_uri, code_challenge, scope, resource, created_at, expires_at, used_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,NULL)`),
		hashToken(code), p.ClientID, tenantID, p.ClientID, p.RedirectURI, p.CodeChallenge,
		strings.Join(scopes, " "), p.Resource, now.Unix(), now.Add(codeTTL).Unix())
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, err, "oauthsrv: insert authorization code")
	}
	return code, nil
}

// TokenResult is the POST /token success response (spec §6).
type TokenResult struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	Scope       string
}

type authCodeRow struct {
	ClientID      string
	TenantID      string
	AgentID       string
	RedirectURI   string
	CodeChallenge string
	Scope         string
	Resource      string
	ExpiresAt     int64
	UsedAt        sql.NullInt64
}

// ExchangeToken implements POST /token (spec §6, §8 "PKCE + code-replay"):
// a valid (code, verifier) succeeds exactly once; a replay, an expired
// code, or a wrong verifier each fail with invalid_grant. The code is only
// marked used after every other check passes, so a wrong-verifier attempt
// does not burn a retry the caller could still get right.
func (e *Engine) ExchangeToken(ctx context.Context, clientID, redirectURI, code, verifier string) (*TokenResult, error) {
	if len(verifier) < 43 || len(verifier) > 128 {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: code_verifier must be 43-128 characters", "invalid_grant")
	}

	var row authCodeRow
	err := e.DB.SQL.QueryRowContext(ctx, store.FmtShared(e.DB, `SELECT client_id, tenant_id, agent_id, redirect_uri,
		code_challenge, scope, resource, expires_at, used_at FROM oauth_codes WHERE code_hash = ?`), hashToken(code)).
		Scan(&row.ClientID, &row.TenantID, &row.AgentID, &row.RedirectURI, &row.CodeChallenge, &row.Scope, &row.Resource,
			&row.ExpiresAt, &row.UsedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: unknown code", "invalid_grant")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "oauthsrv: load authorization code")
	}
	if row.UsedAt.Valid {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: code already used", "invalid_grant")
	}
	if time.Now().Unix() > row.ExpiresAt {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: code expired", "invalid_grant")
	}
	if row.ClientID != clientID || row.RedirectURI != redirectURI {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: client_id or redirect_uri mismatch", "invalid_grant")
	}
	if !VerifyPKCE(verifier, row.CodeChallenge) {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: code_verifier does not match", "invalid_grant")
	}

	res, err := e.DB.SQL.ExecContext(ctx, store.FmtShared(e.DB, `UPDATE oauth_codes SET used_at = ? WHERE code_hash = ? AND used_at IS NULL`),
		time.Now().Unix(), hashToken(code))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "oauthsrv: mark code used")
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: code already used", "invalid_grant")
	}

	scopes := splitScopes(row.Scope)
	if err := e.GrantScopes(ctx, row.TenantID, row.AgentID, scopes); err != nil {
		return nil, err
	}
	token, expiresAt, err := e.mintAPIKey(ctx, row.TenantID, row.AgentID, scopes)
	if err != nil {
		return nil, err
	}
	return &TokenResult{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
		Scope:       row.Scope,
	}, nil
}

// GrantScopes writes one consent_rules row per approved scope (spec §8
// scenario 4: "consent rows for each granted domain").
func (e *Engine) GrantScopes(ctx context.Context, tenantID, agentID string, scopes []string) error {
	return e.DB.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		grantor := consent.New()
		for _, s := range scopes {
			domain, perm, ok := splitScope(s)
			if !ok {
				continue
			}
			if _, err := grantor.Grant(ctx, tx, agentID, resourcePatternForDomain(domain), consent.Permission(perm)); err != nil {
				return err
			}
		}
		return nil
	})
}

// mintAPIKey issues the `epi_…` bearer token (spec §6: "1-year expiry").
// Freshly authorized agents start on the free tier; an operator upgrades a
// tenant's tier by updating its rows directly, which tier.ResolveTenantTier
// then reflects for background, agent-less callers.
func (e *Engine) mintAPIKey(ctx context.Context, tenantID, agentID string, scopes []string) (string, time.Time, error) {
	raw, err := randomURLSafe(32)
	if err != nil {
		return "", time.Time{}, err
	}
	token := "epi_" + raw
	expiresAt := time.Now().Add(accessKeyTTL)
	id := store.NewWriteID()
	_, err = e.DB.SQL.ExecContext(ctx, store.FmtShared(e.DB, `INSERT INTO api_keys
		(id, tenant_id, agent_id, key_hash, tier, scopes, created_at, expires_at, revoked_at)
		VALUES (?,?,?,?,?,?,?,?,NULL)`),
		id, tenantID, agentID, hashToken(token), string(tier.Free), strings.Join(scopes, ","), time.Now().Unix(), expiresAt.Unix())
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.Transient, err, "oauthsrv: insert api key")
	}
	return token, expiresAt, nil
}

// Identity is what a resolved `epi_…` bearer token carries (spec §6:
// "resolves to (tenantId, agentId, tier, scopes[])").
type Identity struct {
	TenantID string
	AgentID  string
	Tier     tier.Tier
	Scopes   []string
}

// ResolveAPIKey looks up a bearer token by its hash, the only place an
// incoming `epi_…` key is ever compared against stored state.
func (e *Engine) ResolveAPIKey(ctx context.Context, token string) (*Identity, error) {
	if !strings.HasPrefix(token, "epi_") {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: malformed api key", "invalid_token")
	}
	var tenantID, agentID, tierRaw, scopesRaw string
	var expiresAt int64
	var revokedAt sql.NullInt64
	err := e.DB.SQL.QueryRowContext(ctx, store.FmtShared(e.DB, `SELECT tenant_id, agent_id, tier, scopes, expires_at, revoked_at
		FROM api_keys WHERE key_hash = ?`), hashToken(token)).
		Scan(&tenantID, &agentID, &tierRaw, &scopesRaw, &expiresAt, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: unknown api key", "invalid_token")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "oauthsrv: resolve api key")
	}
	if revokedAt.Valid {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: api key revoked", "invalid_token")
	}
	if time.Now().Unix() > expiresAt {
		return nil, apperr.WithReason(apperr.Validation, "oauthsrv: api key expired", "invalid_token")
	}
	var scopes []string
	if scopesRaw != "" {
		scopes = strings.Split(scopesRaw, ",")
	}
	return &Identity{TenantID: tenantID, AgentID: agentID, Tier: tier.Tier(tierRaw), Scopes: scopes}, nil
}
