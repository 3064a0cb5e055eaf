// Package graph implements the Graph Engine (C6): entity/edge CRUD, edge
// reinforcement, traversal, pattern queries, and statistics (spec §4.6).
package graph

import "time"

// Entity mirrors spec §3's Entity record.
type Entity struct {
	ID           string
	Type         string
	Name         string
	Properties   map[string]any
	Confidence   float64
	MentionCount int
	FirstSeen    time.Time
	LastSeen     time.Time
	DeletedAt    *time.Time
}

func (e *Entity) Aliases() []string {
	v, ok := e.Properties["aliases"]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, x := range raw {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (e *Entity) AddAlias(alias string) {
	for _, a := range e.Aliases() {
		if a == alias {
			return
		}
	}
	aliases := e.Aliases()
	aliases = append(aliases, alias)
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	out := make([]any, len(aliases))
	for i, a := range aliases {
		out[i] = a
	}
	e.Properties["aliases"] = out
}

// Edge mirrors spec §3's Edge record.
type Edge struct {
	ID         string
	SourceID   string
	TargetID   string
	Relation   string
	Weight     float64
	Confidence float64
	IsCurrent  bool
	Evidence   []string
	Properties map[string]any
	DeletedAt  *time.Time
	CreatedAt  time.Time
	LastSeen   time.Time
}

const MaxEdgeWeight = 10

// Direction selects neighbor traversal direction (spec §4.6).
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
	Both     Direction = "both"
)

// QuarantineRow is written when ontology validation flags an edge for
// review without rejecting it (spec §3, Edge Quarantine).
type QuarantineRow struct {
	ID       string
	Relation string
	SourceID string
	TargetID string
	Reason   string
}
