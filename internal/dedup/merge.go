package dedup

import (
	"context"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/graph"
	"github.com/gunning4it/epitome/internal/store"
)

// MergeEntities retargets source's edges onto target, collapses duplicate
// (target, relation) edges, unions properties/aliases, and soft-deletes
// source (spec §4.5 Merge). Merging an entity with itself is an error.
func (e *Engine) MergeEntities(ctx context.Context, tx *store.Tx, sourceID, targetID string) error {
	if sourceID == targetID {
		return apperr.New(apperr.Validation, "dedup: cannot merge an entity with itself")
	}
	source, err := e.graph.GetEntity(ctx, tx, sourceID)
	if err != nil {
		return err
	}
	target, err := e.graph.GetEntity(ctx, tx, targetID)
	if err != nil {
		return err
	}

	if err := e.graph.RetargetEdges(ctx, tx, sourceID, targetID); err != nil {
		return err
	}
	if err := e.collapseDuplicateEdges(ctx, tx, targetID); err != nil {
		return err
	}

	mergedProps := map[string]any{}
	for k, v := range source.Properties {
		mergedProps[k] = v
	}
	for k, v := range target.Properties {
		mergedProps[k] = v // target wins on conflict
	}
	target.Properties = mergedProps
	target.AddAlias(source.Name)

	confidence := target.Confidence
	if source.Confidence > confidence {
		confidence = source.Confidence
	}
	mentionCount := target.MentionCount + source.MentionCount
	firstSeen := target.FirstSeen
	if source.FirstSeen.Before(firstSeen) {
		firstSeen = source.FirstSeen
	}

	if err := e.graph.UpdateEntityProperties(ctx, tx, targetID, target.Properties, confidence, mentionCount, firstSeen); err != nil {
		return err
	}
	return e.graph.SoftDeleteEntity(ctx, tx, sourceID)
}

// collapseDuplicateEdges merges edges that now share (source=entityID,
// target, relation) or (target=entityID, source, relation) after a retarget,
// since RetargetEdges can create two rows where previously there was one on
// each side and one on the other.
func (e *Engine) collapseDuplicateEdges(ctx context.Context, tx *store.Tx, entityID string) error {
	edges, err := e.graph.AllEdges(ctx, tx)
	if err != nil {
		return err
	}
	type key struct{ endpoint, other, relation string }
	seen := map[key]*graph.Edge{}
	for _, ed := range edges {
		if ed.SourceID == entityID {
			k := key{entityID, ed.TargetID, ed.Relation}
			if prior, ok := seen[k]; ok {
				if err := e.graph.MergeWeight(ctx, tx, prior, ed); err != nil {
					return err
				}
				continue
			}
			seen[k] = ed
		} else if ed.TargetID == entityID {
			k := key{entityID, ed.SourceID, ed.Relation}
			if prior, ok := seen[k]; ok {
				if err := e.graph.MergeWeight(ctx, tx, prior, ed); err != nil {
					return err
				}
				continue
			}
			seen[k] = ed
		}
	}
	return nil
}
