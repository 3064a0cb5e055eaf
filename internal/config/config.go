// Package config loads process configuration from the environment, following
// the flat FromEnv()-struct style used throughout the teacher repo.
package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr string

	DBDriver string
	DBDSN    string

	// Enrichment worker (C9)
	EnrichmentBatchSize   int
	EnrichmentPollMS      int
	EnrichmentMaxAttempts int
	EnrichmentEnabled     bool

	// Memory-quality decay (C4)
	MemoryDecayStaleDays       int
	MemoryDecayConfidenceDelta float64
	MemoryDecayIntervalMS      int
	EnableMemoryDecay          bool

	// Nightly batch extraction
	NightlyExtractionBatchSize int

	// Feature flags
	LedgerWriteEnabled            bool
	FeatureGraphEdgeVectorization bool
	CrossTypeDedupEnabled         bool

	// Ontology mode: "strict" or "soft"
	OntologyMode string

	// LLM / embedding provider
	AnthropicAPIKey     string
	AnthropicModel      string
	EmbeddingModel      string
	EmbeddingDimensions int

	// OAuth issuance surface
	AppEnv            string // production|staging|development
	SessionTTLDays    int
	ResourceAllowlist []string
	JWTSigningSecret  string
}

func FromEnv() Config {
	return Config{
		HTTPAddr: envOr("HTTP_ADDR", ":8080"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		EnrichmentBatchSize:   envInt("ENRICHMENT_BATCH_SIZE", 25),
		EnrichmentPollMS:      envInt("ENRICHMENT_POLL_MS", 5000),
		EnrichmentMaxAttempts: envInt("ENRICHMENT_MAX_ATTEMPTS", 10),
		EnrichmentEnabled:     envBool("ENRICHMENT_WORKER_ENABLED", true),

		MemoryDecayStaleDays:       envInt("MEMORY_DECAY_STALE_DAYS", 90),
		MemoryDecayConfidenceDelta: envFloat("MEMORY_DECAY_CONFIDENCE_DELTA", 0.10),
		MemoryDecayIntervalMS:      envInt("MEMORY_DECAY_INTERVAL_MS", 86_400_000),
		EnableMemoryDecay:          envBool("ENABLE_MEMORY_DECAY", false),

		NightlyExtractionBatchSize: clamp(envInt("NIGHTLY_EXTRACTION_BATCH_SIZE", 100), 1, 1000),

		LedgerWriteEnabled:            envBool("LEDGER_WRITE_ENABLED", true),
		FeatureGraphEdgeVectorization: envBool("FEATURE_GRAPH_EDGE_VECTORIZATION", false),
		CrossTypeDedupEnabled:         envBool("CROSS_TYPE_DEDUP_ENABLED", false),

		OntologyMode: envOr("ONTOLOGY_MODE", "soft"),

		AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:      envOr("OPENAI_MODEL", "gpt-5-mini"),
		EmbeddingModel:      envOr("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: envInt("EMBEDDING_DIMENSIONS", 1536),

		AppEnv:            envOr("APP_ENV", "development"),
		SessionTTLDays:    envInt("SESSION_TTL_DAYS", 7),
		ResourceAllowlist: csvOr("RESOURCE_ALLOWLIST", ""),
		JWTSigningSecret:  envOr("JWT_SIGNING_SECRET", "dev-secret-change-me"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch strings.ToLower(os.Getenv(k)) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
