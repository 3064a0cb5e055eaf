package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gunning4it/epitome/internal/config"
	"github.com/gunning4it/epitome/internal/extraction"
	"github.com/gunning4it/epitome/internal/graph"
	"github.com/gunning4it/epitome/internal/httpapi"
	"github.com/gunning4it/epitome/internal/ingestion"
	"github.com/gunning4it/epitome/internal/llm"
	"github.com/gunning4it/epitome/internal/oauthsrv"
	"github.com/gunning4it/epitome/internal/ontology"
	"github.com/gunning4it/epitome/internal/sandbox"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/worker"
)

func main() {
	cfg := config.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	openCtx, openCancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := store.Open(openCtx, cfg.DBDriver, cfg.DBDSN)
	openCancel()
	if err != nil {
		log.Fatalf("store open failed: %v", err)
	}

	embedder, err := llm.NewHashingEmbedder(cfg.EmbeddingDimensions)
	if err != nil {
		log.Fatalf("embedder init failed: %v", err)
	}

	pipeline := ingestion.New(cfg, embedder)
	graphEngine := graph.New(ontology.Mode(cfg.OntologyMode))
	sandboxEngine := sandbox.New()
	oauthEngine := oauthsrv.New(db, cfg)

	api := httpapi.New(db, cfg, pipeline, graphEngine, sandboxEngine, oauthEngine)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if cfg.EnrichmentEnabled {
		method := extraction.MethodRules
		var llmProvider llm.Provider = llm.NullProvider{}
		if cfg.AnthropicAPIKey != "" {
			anthropicProvider, err := llm.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel)
			if err != nil {
				log.Fatalf("llm provider init failed: %v", err)
			}
			llmProvider = anthropicProvider
			method = extraction.MethodLLMFirst
		}
		processor := extraction.New(db, pipeline.Vectors, cfg, llmProvider, method)
		pool := worker.New(db, pipeline.Vectors, processor, worker.Config{
			PollInterval: time.Duration(cfg.EnrichmentPollMS) * time.Millisecond,
			MaxAttempts:  cfg.EnrichmentMaxAttempts,
			BatchSize:    cfg.EnrichmentBatchSize,
		})
		go pool.Run(ctx)
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
	}()

	log.Printf("listening on %s (driver=%s, ontology=%s, enrichment=%v)",
		cfg.HTTPAddr, cfg.DBDriver, cfg.OntologyMode, cfg.EnrichmentEnabled)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("epitomed stopped")
}
