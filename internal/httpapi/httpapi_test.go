package httpapi_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gunning4it/epitome/internal/config"
	"github.com/gunning4it/epitome/internal/graph"
	"github.com/gunning4it/epitome/internal/httpapi"
	"github.com/gunning4it/epitome/internal/ingestion"
	"github.com/gunning4it/epitome/internal/oauthsrv"
	"github.com/gunning4it/epitome/internal/ontology"
	"github.com/gunning4it/epitome/internal/sandbox"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/testutil"
)

// fakeEmbedder mirrors vectorstore_test's deterministic embedder so a
// memory write's downstream search actually has something to match.
type fakeEmbedder struct{ dims int }

func (f *fakeEmbedder) Dimensions() int { return f.dims }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dims)
	for i, r := range text {
		vec[i%f.dims] += float32(r % 7)
	}
	vec[0] += 1
	return vec, nil
}

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

const testVerifier = "a-verifier-that-is-long-enough-to-pass-the-43-char-floor"

func newHarness(t *testing.T, tenantID string) (http.Handler, *oauthsrv.Engine) {
	t.Helper()
	db := testutil.OpenTenant(t, tenantID)
	cfg := config.Config{SessionTTLDays: 7, JWTSigningSecret: "test-secret", LedgerWriteEnabled: false}
	pipeline := ingestion.New(cfg, &fakeEmbedder{dims: 8})
	graphEngine := graph.New(ontology.Soft)
	sandboxEngine := sandbox.New()
	oauthEngine := oauthsrv.New(db, cfg)
	api := httpapi.New(db, cfg, pipeline, graphEngine, sandboxEngine, oauthEngine)
	return api.Router(), oauthEngine
}

// issueKey drives the real register -> authorize -> approve -> exchange
// flow to mint a bearer token carrying exactly the requested scopes,
// instead of poking api_keys/consent_rules rows directly.
func issueKey(t *testing.T, oauthEngine *oauthsrv.Engine, tenantID string, scopes []string) string {
	t.Helper()
	ctx := context.Background()
	clientID, err := oauthEngine.RegisterClient(ctx, []string{"https://agent.example/callback"})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	params := oauthsrv.AuthorizeParams{
		ClientID: clientID, RedirectURI: "https://agent.example/callback",
		CodeChallenge: challengeFor(testVerifier), CodeChallengeMethod: "S256",
		Scope: strings.Join(scopes, " "),
	}
	validated, err := oauthEngine.ValidateAuthorize(ctx, params)
	if err != nil {
		t.Fatalf("ValidateAuthorize: %v", err)
	}
	code, err := oauthEngine.ApproveAuthorization(ctx, tenantID, params, validated)
	if err != nil {
		t.Fatalf("ApproveAuthorization: %v", err)
	}
	result, err := oauthEngine.ExchangeToken(ctx, clientID, params.RedirectURI, code, testVerifier)
	if err != nil {
		t.Fatalf("ExchangeToken: %v", err)
	}
	return result.AccessToken
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestProfilePatchAndGetRoundTrip(t *testing.T) {
	handler, oauthEngine := newHarness(t, "tenant-httpapi-profile")
	token := issueKey(t, oauthEngine, "tenant-httpapi-profile", oauthsrv.ValidScopes())

	rec := doJSON(t, handler, http.MethodPatch, "/v1/profile", token, map[string]any{
		"patch": map[string]any{"name": "Ada"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("PATCH /v1/profile: got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/profile", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/profile: got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Ada") {
		t.Errorf("expected the patched name in the profile response, got %s", rec.Body.String())
	}
}

func TestTableInsertReturnsWriteID(t *testing.T) {
	handler, oauthEngine := newHarness(t, "tenant-httpapi-tables")
	token := issueKey(t, oauthEngine, "tenant-httpapi-tables", oauthsrv.ValidScopes())

	rec := doJSON(t, handler, http.MethodPost, "/v1/tables/meals", token, map[string]any{
		"payload": map[string]any{"food": "oatmeal", "calories": 300},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /v1/tables/meals: got %d body=%s", rec.Code, rec.Body.String())
	}
	var result struct {
		WriteID string
		Status  string
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode write result: %v", err)
	}
	if result.WriteID == "" {
		t.Errorf("expected a non-empty write id, got %+v", result)
	}
}

func TestMemoryWriteAndSearchRoundTrip(t *testing.T) {
	handler, oauthEngine := newHarness(t, "tenant-httpapi-memory")
	token := issueKey(t, oauthEngine, "tenant-httpapi-memory", oauthsrv.ValidScopes())

	rec := doJSON(t, handler, http.MethodPost, "/v1/memory", token, map[string]any{
		"text": "I prefer window seats on flights",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /v1/memory: got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/memory/search?q=window+seats", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/memory/search: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestSQLSandboxRejectsNonSelect(t *testing.T) {
	handler, oauthEngine := newHarness(t, "tenant-httpapi-sql")
	token := issueKey(t, oauthEngine, "tenant-httpapi-sql", oauthsrv.ValidScopes())

	rec := doJSON(t, handler, http.MethodPost, "/v1/sql", token, map[string]any{
		"sql": "DELETE FROM entities",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected a non-SELECT statement to be rejected, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRequestWithoutBearerTokenIsRejected(t *testing.T) {
	handler, _ := newHarness(t, "tenant-httpapi-noauth")
	rec := doJSON(t, handler, http.MethodGet, "/v1/profile", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected a missing bearer token to be rejected with 403, got %d", rec.Code)
	}
}

func TestScopeMismatchIsRejected(t *testing.T) {
	handler, oauthEngine := newHarness(t, "tenant-httpapi-scope")
	token := issueKey(t, oauthEngine, "tenant-httpapi-scope", []string{"profile:read"})

	rec := doJSON(t, handler, http.MethodPatch, "/v1/profile", token, map[string]any{
		"patch": map[string]any{"name": "Ada"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected profile:write to be rejected for a profile:read-only token, got %d body=%s", rec.Code, rec.Body.String())
	}
}
