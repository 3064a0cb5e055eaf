package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/gunning4it/epitome/internal/apperr"
)

// HashingEmbedder is the default vectorstore.EmbeddingProvider: a
// hashing-trick bag-of-words vectorizer (each token's FNV-1a hash bucketed
// mod dimensions, L2-normalized). None of the pack's examples wire an
// external embeddings API — Alexandria's knowledge store only ever consumes
// an already-computed pgvector.Vector, and this module carries no OpenAI
// client in go.mod — so unlike Complete (Anthropic), there is no
// third-party embeddings client to call out to here. This keeps Embed
// deterministic, local, and dependency-free, which also makes it safe to
// run in tests without a network call or an API key.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder builds an embedder producing vectors of the given
// dimensionality (spec §6: "model id and endpoint are configuration" — here
// the "model" is just the bucket width).
func NewHashingEmbedder(dims int) (*HashingEmbedder, error) {
	if dims <= 0 {
		return nil, apperr.New(apperr.Fatal, "llm: embedding dimensions must be positive")
	}
	return &HashingEmbedder{dims: dims}, nil
}

func (e *HashingEmbedder) Dimensions() int { return e.dims }

func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%e.dims] += 1
	}
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}
