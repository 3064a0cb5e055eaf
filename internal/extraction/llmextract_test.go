package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/gunning4it/epitome/internal/config"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/testutil"
	"github.com/gunning4it/epitome/internal/vectorstore"
)

var errBoom = errors.New("boom")

type scriptedLLM struct {
	response string
	err      error
	calls    int
}

func (s *scriptedLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.calls++
	return s.response, s.err
}

func TestParseLLMCandidatesExtractsJSONArray(t *testing.T) {
	raw := `Here you go:
[{"name":"Sarah Chen","type":"person","properties":{},"edge":{"relation":"friend_of"}},
{"name":"unknown","type":"bogus_type"}]
Hope that helps!`
	cands, err := parseLLMCandidates(raw)
	if err != nil {
		t.Fatalf("parseLLMCandidates: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected 1 valid candidate (bogus type dropped), got %d: %+v", len(cands), cands)
	}
	if cands[0].Name != "Sarah Chen" || cands[0].Edge == nil || cands[0].Edge.Relation != "friend_of" {
		t.Errorf("unexpected candidate: %+v", cands[0])
	}
}

func TestParseLLMCandidatesRejectsGarbage(t *testing.T) {
	if _, err := parseLLMCandidates("not json at all"); err == nil {
		t.Error("expected an error for unparseable LLM output")
	}
}

func TestLLMExtractReturnsNilWhenNoProvider(t *testing.T) {
	tenantID := "llmextract-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	p := New(db, vectorstore.New(stubEmbedder{}), config.Config{OntologyMode: "soft"}, nil, MethodLLM)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		cands, err := p.llmExtract(ctx, tx, map[string]any{"text": "hi"})
		if err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
		if cands != nil {
			t.Errorf("expected nil candidates, got %+v", cands)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTenant: %v", err)
	}
}

func TestLLMExtractParsesProviderResponse(t *testing.T) {
	tenantID := "llmextract-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	fake := &scriptedLLM{response: `[{"name":"Jazz","type":"topic","properties":{},"edge":{"relation":"interested_in"}}]`}
	p := New(db, vectorstore.New(stubEmbedder{}), config.Config{OntologyMode: "soft"}, fake, MethodLLM)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		cands, err := p.llmExtract(ctx, tx, map[string]any{"text": "I love jazz"})
		if err != nil {
			return err
		}
		if len(cands) != 1 || cands[0].Name != "Jazz" {
			t.Errorf("expected one Jazz candidate, got %+v", cands)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTenant: %v", err)
	}
	if fake.calls != 1 {
		t.Errorf("expected exactly one LLM call, got %d", fake.calls)
	}
}

func TestCreateInterEntityEdgesLLMIsFireAndForgetOnError(t *testing.T) {
	tenantID := "llmextract-test-" + t.Name()
	db := testutil.OpenTenant(t, tenantID)
	fake := &scriptedLLM{err: errBoom}
	p := New(db, vectorstore.New(stubEmbedder{}), config.Config{OntologyMode: "soft"}, fake, MethodLLM)
	ctx := context.Background()

	err := db.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
		a, err := p.Graph.CreateEntity(ctx, tx, "person", "Alice", nil, 0.5)
		if err != nil {
			return err
		}
		b, err := p.Graph.CreateEntity(ctx, tx, "person", "Bob", nil, 0.5)
		if err != nil {
			return err
		}
		// Must not panic or return an error even though the provider fails.
		p.createInterEntityEdgesLLM(ctx, tx, "memories:abc", []string{a.ID, b.ID})
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error bubbling up from a failed inter-entity LLM call, got %v", err)
	}
}
