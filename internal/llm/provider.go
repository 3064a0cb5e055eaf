// Package llm implements the external LLM provider contract entity
// extraction calls through (spec §6): a single blocking
// extract(systemPrompt, userPrompt) -> raw JSON text operation, with
// failures surfaced so the caller can distinguish an API-key problem from a
// transient one.
package llm

import "context"

// Provider is the narrow interface internal/extraction depends on, so the
// concrete SDK client is swappable in tests.
type Provider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
