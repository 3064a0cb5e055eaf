package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/graph"
	"github.com/gunning4it/epitome/internal/store"
)

func (a *API) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	id := chi.URLParam(r, "id")
	var resp any
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "graph", "graph", consentRead); err != nil {
			return err
		}
		ent, err := a.Graph.GetEntity(r.Context(), tx, id)
		if err != nil {
			return err
		}
		resp = ent
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	floor, _ := strconv.ParseFloat(q.Get("confidence_floor"), 64)
	direction := graph.Direction(q.Get("direction"))
	if direction == "" {
		direction = graph.Both
	}
	var resp any
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "graph", "graph", consentRead); err != nil {
			return err
		}
		edges, err := a.Graph.Neighbors(r.Context(), tx, id, graph.NeighborFilter{
			Direction: direction, Relation: q.Get("relation"), ConfidenceFloor: floor,
		})
		if err != nil {
			return err
		}
		resp = edges
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleFindPath(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	q := r.URL.Query()
	src, dst := q.Get("from"), q.Get("to")
	if src == "" || dst == "" {
		writeErr(w, apperr.WithReason(apperr.Validation, "httpapi: from and to are required", "bad_request"))
		return
	}
	maxDepth, _ := strconv.Atoi(q.Get("max_depth"))
	var resp any
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "graph", "graph", consentRead); err != nil {
			return err
		}
		path, err := a.Graph.FindPath(r.Context(), tx, src, dst, maxDepth)
		if err != nil {
			return err
		}
		resp = path
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	var resp any
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "graph", "graph", consentRead); err != nil {
			return err
		}
		stats, err := a.Graph.ComputeStats(r.Context(), tx)
		if err != nil {
			return err
		}
		resp = stats
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePatternQuery resolves one of the small set of supported
// natural-language shapes ("who do I X with", "what T do I X", "where do I
// X") against the tenant's whole graph, rather than anchoring on a single
// owner entity — the entity/edge matching graph.ParsePatternQuery describes
// is direction+relation+type shaped, which a plain edge scan already
// answers without needing extraction's owner-materialization step.
func (a *API) handlePatternQuery(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	query := r.URL.Query().Get("q")
	parsed, ok := graph.ParsePatternQuery(query)
	if !ok {
		writeErr(w, apperr.WithReason(apperr.Validation, "httpapi: unrecognized pattern query", "bad_request"))
		return
	}
	var resp any
	err := a.DB.WithTenant(r.Context(), identity.TenantID, func(tx *store.Tx) error {
		if err := a.Consent.CheckDomain(r.Context(), tx, identity.AgentID, "graph", "graph", consentRead); err != nil {
			return err
		}
		edges, err := a.Graph.AllEdges(r.Context(), tx)
		if err != nil {
			return err
		}
		matched := make([]*graph.Edge, 0, len(edges))
		for _, ed := range edges {
			if parsed.Relation != "" && ed.Relation != parsed.Relation {
				continue
			}
			if parsed.EntityType != "" {
				target, err := a.Graph.GetEntity(r.Context(), tx, ed.TargetID)
				if err != nil || target == nil || target.Type != string(parsed.EntityType) {
					continue
				}
			}
			matched = append(matched, ed)
		}
		resp = matched
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
