package httpapi

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gunning4it/epitome/internal/config"
	"github.com/gunning4it/epitome/internal/consent"
	"github.com/gunning4it/epitome/internal/graph"
	"github.com/gunning4it/epitome/internal/ingestion"
	"github.com/gunning4it/epitome/internal/oauthsrv"
	"github.com/gunning4it/epitome/internal/sandbox"
	"github.com/gunning4it/epitome/internal/store"
	"github.com/gunning4it/epitome/internal/vectorstore"
)

// API holds every engine the REST edge wires together — the pipeline and
// the component engines it doesn't itself expose (reads, the pattern-query
// recall surface, the sandbox) plus the OAuth issuer that authenticates
// every request under /v1.
type API struct {
	DB       *store.DB
	Config   config.Config
	Pipeline *ingestion.Pipeline
	Graph    *graph.Engine
	Vectors  *vectorstore.Engine
	Sandbox  *sandbox.Engine
	Consent  *consent.Engine
	OAuth    *oauthsrv.Engine
}

func New(db *store.DB, cfg config.Config, pipeline *ingestion.Pipeline, graphEngine *graph.Engine,
	sandboxEngine *sandbox.Engine, oauthEngine *oauthsrv.Engine) *API {
	return &API{
		DB:       db,
		Config:   cfg,
		Pipeline: pipeline,
		Graph:    graphEngine,
		Vectors:  pipeline.Vectors,
		Sandbox:  sandboxEngine,
		Consent:  pipeline.Consent,
		OAuth:    oauthEngine,
	}
}

// Router assembles the full HTTP edge: the OAuth issuance surface (unauthenticated,
// by construction) and the bearer-gated /v1 REST surface, following
// cmd/gateway's route-grouping and middleware-chaining style.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	oauthsrv.Mount(r, a.OAuth)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(a.requireAuth)

		v1.With(requireScope("profile:read")).Get("/profile", a.handleGetProfile)
		v1.With(requireScope("profile:read")).Get("/profile/history", a.handleProfileHistory)
		v1.With(requireScope("profile:write")).Patch("/profile", a.handlePatchProfile)

		v1.With(requireScope("tables:write")).Post("/tables/{table}", a.handleInsertRecord)
		v1.With(requireScope("tables:read")).Get("/tables/{table}/{id}", a.handleGetRecord)
		v1.With(requireScope("tables:write")).Patch("/tables/{table}/{id}", a.handleUpdateRecord)
		v1.With(requireScope("tables:write")).Delete("/tables/{table}/{id}", a.handleDeleteRecord)

		v1.With(requireScope("vectors:write")).Post("/vectors/{collection}", a.handleUpsertVector)
		v1.With(requireScope("vectors:read")).Get("/vectors/{collection}/{id}", a.handleGetVector)
		v1.With(requireScope("vectors:read")).Get("/vectors/{collection}", a.handleSearchVectors)

		v1.With(requireScope("graph:read")).Get("/graph/entities/{id}", a.handleGetEntity)
		v1.With(requireScope("graph:read")).Get("/graph/entities/{id}/neighbors", a.handleNeighbors)
		v1.With(requireScope("graph:read")).Get("/graph/path", a.handleFindPath)
		v1.With(requireScope("graph:read")).Get("/graph/query", a.handlePatternQuery)
		v1.With(requireScope("graph:read")).Get("/graph/stats", a.handleGraphStats)

		v1.With(requireScope("memory:write")).Post("/memory", a.handleRememberText)
		v1.With(requireScope("memory:read")).Get("/memory/search", a.handleRecallSearch)

		v1.With(requireScope("tables:read")).Post("/sql", a.handleSQLQuery)
	})

	return r
}
