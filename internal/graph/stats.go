package graph

import (
	"context"

	"github.com/gunning4it/epitome/internal/store"
)

// Stats is the spec §4.6 statistics & centrality report.
type Stats struct {
	TotalEntities      int
	ByType             map[string]int
	TotalEdges         int
	ByRelation         map[string]int
	AverageConfidence   float64
	AverageDegree       float64
	Degree              map[string]int
	WeightedDegree      map[string]float64
	Betweenness         map[string]int
	ClusteringCoeff     map[string]float64
}

// ComputeStats builds the full statistics report over the tenant's current
// graph (spec §4.6). Betweenness is approximated as the count of distinct
// (src, dst) neighbor pairs bridged through each entity — a local measure
// cheap enough to compute per-tenant without a shortest-path-all-pairs pass.
func (e *Engine) ComputeStats(ctx context.Context, tx *store.Tx) (*Stats, error) {
	entities, err := e.ListAll(ctx, tx)
	if err != nil {
		return nil, err
	}
	edges, err := e.AllEdges(ctx, tx)
	if err != nil {
		return nil, err
	}

	s := &Stats{
		ByType: map[string]int{}, ByRelation: map[string]int{},
		Degree: map[string]int{}, WeightedDegree: map[string]float64{},
		Betweenness: map[string]int{}, ClusteringCoeff: map[string]float64{},
	}
	s.TotalEntities = len(entities)
	for _, ent := range entities {
		s.ByType[ent.Type]++
	}
	s.TotalEdges = len(edges)

	neighborSets := map[string]map[string]bool{}
	addNeighbor := func(a, b string) {
		if neighborSets[a] == nil {
			neighborSets[a] = map[string]bool{}
		}
		neighborSets[a][b] = true
	}

	var confSum float64
	for _, ed := range edges {
		s.ByRelation[ed.Relation]++
		confSum += ed.Confidence
		s.Degree[ed.SourceID]++
		s.Degree[ed.TargetID]++
		s.WeightedDegree[ed.SourceID] += ed.Weight
		s.WeightedDegree[ed.TargetID] += ed.Weight
		addNeighbor(ed.SourceID, ed.TargetID)
		addNeighbor(ed.TargetID, ed.SourceID)
	}
	if len(edges) > 0 {
		s.AverageConfidence = confSum / float64(len(edges))
	}
	if len(entities) > 0 {
		totalDegree := 0
		for _, d := range s.Degree {
			totalDegree += d
		}
		s.AverageDegree = float64(totalDegree) / float64(len(entities))
	}

	// Betweenness approximation: for each entity v, count pairs (a,b) among
	// v's neighbors that are not themselves directly connected — v "bridges"
	// them. Clustering coefficient is the complementary fraction of
	// neighbor pairs that ARE directly connected.
	for v, neighbors := range neighborSets {
		var ids []string
		for n := range neighbors {
			ids = append(ids, n)
		}
		bridged, connected, total := 0, 0, 0
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				total++
				if neighborSets[ids[i]] != nil && neighborSets[ids[i]][ids[j]] {
					connected++
				} else {
					bridged++
				}
			}
		}
		s.Betweenness[v] = bridged
		if total > 0 {
			s.ClusteringCoeff[v] = float64(connected) / float64(total)
		}
	}

	return s, nil
}
