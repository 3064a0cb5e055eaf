package graph

import (
	"context"

	"github.com/gunning4it/epitome/internal/store"
)

// Path is one weighted route through the graph, in traversal order.
type Path struct {
	EntityIDs []string
	Edges     []*Edge
	Weight    float64
}

type adjacency map[string][]*Edge

func buildAdjacency(edges []*Edge, directed bool) adjacency {
	adj := adjacency{}
	for _, ed := range edges {
		adj[ed.SourceID] = append(adj[ed.SourceID], ed)
		if !directed {
			rev := &Edge{ID: ed.ID, SourceID: ed.TargetID, TargetID: ed.SourceID, Relation: ed.Relation,
				Weight: ed.Weight, Confidence: ed.Confidence, IsCurrent: ed.IsCurrent, Evidence: ed.Evidence}
			adj[ed.TargetID] = append(adj[ed.TargetID], rev)
		}
	}
	return adj
}

const DefaultPathDepth = 3
const MaxPathDepth = 6

// FindPath performs a depth-bounded weighted search from src to dst — small
// per-tenant graphs make exhaustive DFS cheaper than true bidirectional BFS
// — returning the path with maximum total edge weight, tie-broken by
// shortest hop count (spec §4.6 traversal primitives). A maxDepth <= 0
// selects DefaultPathDepth; one above MaxPathDepth is clamped to it.
func (e *Engine) FindPath(ctx context.Context, tx *store.Tx, src, dst string, maxDepth int) (*Path, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultPathDepth
	}
	if maxDepth > MaxPathDepth {
		maxDepth = MaxPathDepth
	}
	edges, err := e.AllEdges(ctx, tx)
	if err != nil {
		return nil, err
	}
	adj := buildAdjacency(edges, false)

	var best *Path
	visited := map[string]bool{src: true}
	var walk func(cur string, depth int, path []string, pathEdges []*Edge, weight float64)
	walk = func(cur string, depth int, path []string, pathEdges []*Edge, weight float64) {
		if cur == dst && len(path) > 1 {
			candidate := &Path{EntityIDs: append([]string{}, path...), Edges: append([]*Edge{}, pathEdges...), Weight: weight}
			if best == nil || candidate.Weight > best.Weight ||
				(candidate.Weight == best.Weight && len(candidate.EntityIDs) < len(best.EntityIDs)) {
				best = candidate
			}
			return
		}
		if depth >= maxDepth {
			return
		}
		for _, ed := range adj[cur] {
			if visited[ed.TargetID] {
				continue
			}
			visited[ed.TargetID] = true
			walk(ed.TargetID, depth+1, append(path, ed.TargetID), append(pathEdges, ed), weight+ed.Weight)
			visited[ed.TargetID] = false
		}
	}
	walk(src, 0, []string{src}, nil, 0)
	return best, nil
}

// BFSFilter bounds a breadth-first exploration (spec §4.6 traversal
// primitives): max hops, optional relation allowlist, and a confidence
// floor applied per traversed edge.
type BFSFilter struct {
	MaxHops         int
	Relations       map[string]bool // nil/empty = any
	ConfidenceFloor float64
}

// BFSResult is one reached entity and the hop distance it was found at.
type BFSResult struct {
	EntityID string
	Hops     int
	Via      *Edge
}

// BoundedBFS explores outward from start respecting per-hop filters,
// returning every entity reached (first-seen hop distance only).
func (e *Engine) BoundedBFS(ctx context.Context, tx *store.Tx, start string, f BFSFilter) ([]BFSResult, error) {
	maxHops := f.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultPathDepth
	}
	edges, err := e.AllEdges(ctx, tx)
	if err != nil {
		return nil, err
	}
	adj := buildAdjacency(edges, true)

	visited := map[string]bool{start: true}
	queue := []string{start}
	hop := 0
	var out []BFSResult
	for len(queue) > 0 && hop < maxHops {
		var next []string
		for _, cur := range queue {
			for _, ed := range adj[cur] {
				if ed.Confidence < f.ConfidenceFloor {
					continue
				}
				if len(f.Relations) > 0 && !f.Relations[ed.Relation] {
					continue
				}
				if visited[ed.TargetID] {
					continue
				}
				visited[ed.TargetID] = true
				out = append(out, BFSResult{EntityID: ed.TargetID, Hops: hop + 1, Via: ed})
				next = append(next, ed.TargetID)
			}
		}
		queue = next
		hop++
	}
	return out, nil
}
