package profile

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/memoryquality"
	"github.com/gunning4it/epitome/internal/metastore"
	"github.com/gunning4it/epitome/internal/store"
)

// Version is one immutable row of the profile history (spec §3, Profile
// Version): version numbers are contiguous 1..N per tenant.
type Version struct {
	Version       int
	Data          map[string]any
	ChangedFields []string
	ChangedBy     string
	MetaID        string
	CreatedAt     time.Time
}

// Engine is the C7 profile store.
type Engine struct{}

func New() *Engine { return &Engine{} }

// GetLatest returns the highest-versioned row, or an empty v0 profile if
// none exists yet.
func (e *Engine) GetLatest(ctx context.Context, tx *store.Tx) (*Version, error) {
	row := tx.QueryRow(ctx, store.Fmt(tx, `SELECT version, data, changed_fields, changed_by, meta_id,
		created_at FROM %s ORDER BY version DESC LIMIT 1`, "profile_versions"))
	v, err := scanVersion(row)
	if err != nil {
		return &Version{Version: 0, Data: map[string]any{}}, nil
	}
	return v, nil
}

// History returns every version in reverse chronological order (spec §8).
func (e *Engine) History(ctx context.Context, tx *store.Tx) ([]*Version, error) {
	rows, err := tx.Query(ctx, store.Fmt(tx, `SELECT version, data, changed_fields, changed_by, meta_id,
		created_at FROM %s ORDER BY version DESC`, "profile_versions"))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "profile: history")
	}
	defer rows.Close()
	var out []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "profile: scan history row")
		}
		out = append(out, v)
	}
	return out, nil
}

func scanVersion(row interface{ Scan(dest ...any) error }) (*Version, error) {
	var v Version
	var dataJSON, changedJSON string
	var createdAt int64
	if err := row.Scan(&v.Version, &dataJSON, &changedJSON, &v.ChangedBy, &v.MetaID, &createdAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(dataJSON), &v.Data)
	_ = json.Unmarshal([]byte(changedJSON), &v.ChangedFields)
	v.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &v, nil
}

// FamilyRelations are the edge relations the identity invariant checks for
// known-family-member names (spec §4.7).
var FamilyRelations = map[string]bool{
	"married_to": true, "parent_of": true, "friend_of": true,
}

// IdentityCheck reports whether newName collides with a known family
// member's name (or any of its aliases) among entities connected to the
// owner by a family-shaped relation.
type IdentityCheck struct {
	Names []string // lower-cased known family member names/aliases
}

// checkIdentityInvariant blocks setting profile.name to a known family
// member's name unless override is set (spec §4.7).
func checkIdentityInvariant(newName string, known IdentityCheck, override bool) error {
	if override || newName == "" {
		return nil
	}
	lower := strings.ToLower(strings.TrimSpace(newName))
	for _, n := range known.Names {
		if n == lower {
			return apperr.New(apperr.IdentityViolation,
				"profile: cannot set profile.name to a known family member's name without an override reason")
		}
	}
	return nil
}

// ApplyPatch implements the full spec §4.7 profile update: merge, version,
// meta create, and mention/contradiction dispatch against the previous
// version's field-level meta. known/override feed the identity invariant;
// pass a zero IdentityCheck{} and override=false when the caller has no
// family-member context to check.
func (e *Engine) ApplyPatch(ctx context.Context, tx *store.Tx, patch map[string]any, changedBy string,
	origin memoryquality.Origin, known IdentityCheck, overrideIdentity bool) (*Version, error) {

	if newName, ok := patch["name"].(string); ok {
		if err := checkIdentityInvariant(newName, known, overrideIdentity); err != nil {
			return nil, err
		}
	}

	prev, err := e.GetLatest(ctx, tx)
	if err != nil {
		return nil, err
	}

	merged, changed, err := MergePatch(prev.Data, patch)
	if err != nil {
		return nil, err
	}

	m, err := metastore.Create(ctx, tx, "profile", "profile", origin)
	if err != nil {
		return nil, err
	}

	if len(changed) == 0 && prev.MetaID != "" {
		if _, err := metastore.Mention(ctx, tx, prev.MetaID); err != nil {
			return nil, err
		}
	} else if prev.MetaID != "" {
		isNewKey := map[string]bool{}
		for _, path := range changed {
			if isNewPathAddition(prev.Data, path) {
				isNewKey[path] = true
			}
		}
		hasContradiction := false
		for _, path := range changed {
			if !isNewKey[path] {
				hasContradiction = true
				break
			}
		}
		if hasContradiction {
			if err := metastore.Contradict(ctx, tx, prev.MetaID, m.ID, strings.Join(changed, ",")); err != nil {
				return nil, err
			}
		}
	}

	newVersion := prev.Version + 1
	dataJSON, _ := json.Marshal(merged)
	changedJSON, _ := json.Marshal(changed)
	now := time.Now()
	_, err = tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (version, data, changed_fields, changed_by, meta_id, created_at)
		VALUES (?,?,?,?,?,?)`, "profile_versions"),
		newVersion, string(dataJSON), string(changedJSON), changedBy, m.ID, now.Unix())
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "profile: insert version")
	}

	return &Version{Version: newVersion, Data: merged, ChangedFields: changed, ChangedBy: changedBy,
		MetaID: m.ID, CreatedAt: now}, nil
}

// isNewPathAddition reports whether the dotted path did not exist in prior
// data (so the change is an addition, not a contradiction of a stated value).
func isNewPathAddition(prior map[string]any, path string) bool {
	parts := strings.Split(path, ".")
	cur := any(prior)
	for _, p := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return true
		}
		v, exists := obj[p]
		if !exists {
			return true
		}
		cur = v
	}
	return false
}
