package oauthsrv_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/config"
	"github.com/gunning4it/epitome/internal/oauthsrv"
	"github.com/gunning4it/epitome/internal/testutil"
)

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func newEngine(t *testing.T) *oauthsrv.Engine {
	t.Helper()
	db := testutil.OpenTenant(t, "oauthsrv-test-"+t.Name())
	return oauthsrv.New(db, config.Config{SessionTTLDays: 7, JWTSigningSecret: "test-secret"})
}

// registerAndAuthorize runs register -> authorize -> approve for a single
// client against a fixed redirect URI, returning the values a real caller
// would already have in hand for the token exchange.
func registerAndAuthorize(t *testing.T, eng *oauthsrv.Engine, tenantID, verifier string) (code, clientID, redirectURI string) {
	t.Helper()
	ctx := context.Background()
	redirectURI = "https://agent.example/callback"
	clientID, err := eng.RegisterClient(ctx, []string{redirectURI})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	params := oauthsrv.AuthorizeParams{
		ClientID: clientID, RedirectURI: redirectURI,
		CodeChallenge: challengeFor(verifier), CodeChallengeMethod: "S256",
		Scope: "tables:write profile:read",
	}
	scopes, err := eng.ValidateAuthorize(ctx, params)
	if err != nil {
		t.Fatalf("ValidateAuthorize: %v", err)
	}
	code, err = eng.ApproveAuthorization(ctx, tenantID, params, scopes)
	if err != nil {
		t.Fatalf("ApproveAuthorization: %v", err)
	}
	return code, clientID, redirectURI
}

func TestOAuthHappyPath(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	tenantID := "tenant-happy"
	verifier := "a-verifier-that-is-long-enough-to-pass-the-43-char-floor"
	clientID, err := eng.RegisterClient(ctx, []string{"https://agent.example/callback"})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	params := oauthsrv.AuthorizeParams{
		ClientID: clientID, RedirectURI: "https://agent.example/callback",
		CodeChallenge: challengeFor(verifier), CodeChallengeMethod: "S256",
		Scope: "tables:write vectors:write profile:read",
	}
	scopes, err := eng.ValidateAuthorize(ctx, params)
	if err != nil {
		t.Fatalf("ValidateAuthorize: %v", err)
	}
	code, err := eng.ApproveAuthorization(ctx, tenantID, params, scopes)
	if err != nil {
		t.Fatalf("ApproveAuthorization: %v", err)
	}

	result, err := eng.ExchangeToken(ctx, clientID, params.RedirectURI, code, verifier)
	if err != nil {
		t.Fatalf("ExchangeToken: %v", err)
	}
	if result.AccessToken == "" || result.AccessToken[:4] != "epi_" {
		t.Errorf("expected an epi_ prefixed access token, got %q", result.AccessToken)
	}
	if result.ExpiresIn < 364*24*3600 {
		t.Errorf("expected ~1 year expiry, got %d seconds", result.ExpiresIn)
	}

	identity, err := eng.ResolveAPIKey(ctx, result.AccessToken)
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if identity.TenantID != tenantID || identity.AgentID != clientID {
		t.Errorf("unexpected identity: %+v", identity)
	}
	if len(identity.Scopes) != 3 {
		t.Errorf("expected 3 scopes tied to the key, got %+v", identity.Scopes)
	}
}

func TestExchangeTokenIsSingleUse(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	verifier := "a-verifier-that-is-long-enough-to-pass-the-43-char-floor"
	code, clientID, redirectURI := registerAndAuthorize(t, eng, "tenant-replay", verifier)

	if _, err := eng.ExchangeToken(ctx, clientID, redirectURI, code, verifier); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	_, err := eng.ExchangeToken(ctx, clientID, redirectURI, code, verifier)
	if !apperr.Is(err, apperr.Validation) {
		t.Fatalf("expected a replay to fail with invalid_grant, got %v", err)
	}
}

func TestExchangeTokenRejectsWrongVerifier(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	verifier := "a-verifier-that-is-long-enough-to-pass-the-43-char-floor"
	code, clientID, redirectURI := registerAndAuthorize(t, eng, "tenant-wrong-verifier", verifier)

	_, err := eng.ExchangeToken(ctx, clientID, redirectURI, code, "a-totally-different-verifier-of-correct-length-12345")
	if !apperr.Is(err, apperr.Validation) {
		t.Fatalf("expected wrong verifier to fail with invalid_grant, got %v", err)
	}

	// The wrong attempt must not have consumed the code: retrying with the
	// correct verifier still succeeds.
	if _, err := eng.ExchangeToken(ctx, clientID, redirectURI, code, verifier); err != nil {
		t.Fatalf("expected the correct verifier to still succeed after a wrong attempt: %v", err)
	}
}

func TestExchangeTokenRejectsExpiredCode(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	verifier := "a-verifier-that-is-long-enough-to-pass-the-43-char-floor"
	code, clientID, redirectURI := registerAndAuthorize(t, eng, "tenant-expired", verifier)

	backdateCode(t, eng, code)

	_, err := eng.ExchangeToken(ctx, clientID, redirectURI, code, verifier)
	if !apperr.Is(err, apperr.Validation) {
		t.Fatalf("expected an expired code to fail with invalid_grant, got %v", err)
	}
}

func TestVerifyPKCE(t *testing.T) {
	verifier := "a-verifier-that-is-long-enough-to-pass-the-43-char-floor"
	if !oauthsrv.VerifyPKCE(verifier, challengeFor(verifier)) {
		t.Error("expected matching verifier/challenge to pass")
	}
	if oauthsrv.VerifyPKCE(verifier, challengeFor("something-else-entirely-that-does-not-match-at-all")) {
		t.Error("expected mismatched challenge to fail")
	}
	if oauthsrv.VerifyPKCE("too-short", challengeFor("too-short")) {
		t.Error("expected a too-short verifier to fail the length floor")
	}
}

func TestValidateAuthorizeRejectsUnknownScope(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	clientID, err := eng.RegisterClient(ctx, []string{"https://agent.example/callback"})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	_, err = eng.ValidateAuthorize(ctx, oauthsrv.AuthorizeParams{
		ClientID: clientID, RedirectURI: "https://agent.example/callback",
		CodeChallenge: "x", CodeChallengeMethod: "S256", Scope: "graph:write",
	})
	if !apperr.Is(err, apperr.Validation) {
		t.Fatalf("expected graph:write (disallowed scope) to be rejected, got %v", err)
	}
}

func TestRegisterClientRejectsPlainHTTPRedirect(t *testing.T) {
	eng := newEngine(t)
	_, err := eng.RegisterClient(context.Background(), []string{"http://not-localhost.example/callback"})
	if !apperr.Is(err, apperr.Validation) {
		t.Fatalf("expected a non-localhost http redirect_uri to be rejected, got %v", err)
	}
}

func TestLoginBootstrapsThenRequiresMatchingPassphrase(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	if _, err := eng.Login(ctx, "tenant-login", "first-passphrase"); err != nil {
		t.Fatalf("bootstrap login: %v", err)
	}
	if _, err := eng.Login(ctx, "tenant-login", "first-passphrase"); err != nil {
		t.Fatalf("repeat login with correct passphrase: %v", err)
	}
	if _, err := eng.Login(ctx, "tenant-login", "wrong-passphrase"); err == nil {
		t.Fatal("expected a mismatched passphrase to be rejected")
	}
}

// backdateCode forces an authorization code's expiry into the past,
// reaching into the shared oauth_codes table directly since Engine has no
// test-only TTL override.
func backdateCode(t *testing.T, eng *oauthsrv.Engine, code string) {
	t.Helper()
	sum := sha256.Sum256([]byte(code))
	hash := hex.EncodeToString(sum[:])
	if _, err := eng.DB.SQL.Exec(`UPDATE oauth_codes SET expires_at = ? WHERE code_hash = ?`,
		time.Now().Add(-time.Minute).Unix(), hash); err != nil {
		t.Fatalf("backdateCode: %v", err)
	}
}
