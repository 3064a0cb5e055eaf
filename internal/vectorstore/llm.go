package vectorstore

import "context"

// EmbeddingProvider is the narrow external-collaborator interface named in
// spec §6: embed(text) -> float vector of dimension D. Failures must be
// distinguishable by substring ("embedding" / "api key") so the ingestion
// pipeline can downgrade to pending_enrichment.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
