// Package consent implements the Consent & Audit Gate (C11, spec §4.11):
// per-agent resource permissions with longest-pattern-wins resolution, agent
// revocation cascading through the auth layer, and non-fatal pipeline audit
// writes.
package consent

import (
	"context"
	"strings"
	"time"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/store"
)

// Permission is one of the three consent levels, ordered none < read < write
// (spec §3, Consent Rule).
type Permission string

const (
	PermissionNone  Permission = "none"
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

var permissionRank = map[Permission]int{
	PermissionNone:  0,
	PermissionRead:  1,
	PermissionWrite: 2,
}

// atLeast reports whether p grants at least required.
func (p Permission) atLeast(required Permission) bool {
	return permissionRank[p] >= permissionRank[required]
}

// Rule mirrors one row of consent_rules.
type Rule struct {
	ID              string
	AgentID         string
	ResourcePattern string
	Permission      Permission
	GrantedAt       time.Time
	RevokedAt       *time.Time
}

// Engine is the C11 consent gate.
type Engine struct{}

func New() *Engine { return &Engine{} }

// Check resolves (agent, resource, required) to a grant/deny decision
// (spec §4.11): among surviving rules whose pattern matches the resource,
// the longest pattern wins; no matching rule is a deny.
func (e *Engine) Check(ctx context.Context, tx *store.Tx, agentID, resource string, required Permission) error {
	rules, err := e.loadRules(ctx, tx, agentID)
	if err != nil {
		return err
	}
	best, ok := bestMatch(rules, resource)
	if !ok {
		return apperr.Newf(apperr.ConsentDenied, "consent: no rule grants %s on %s", required, resource)
	}
	if !best.Permission.atLeast(required) {
		return apperr.Newf(apperr.ConsentDenied, "consent: %s only grants %s, %s required", best.ResourcePattern, best.Permission, required)
	}
	return nil
}

// CheckDomain is the domain-level helper (spec §4.11): accepts either the
// bare resource path or the domain's `*/*`-shaped wildcard, for the fixed
// domain vocabulary {profile, tables, vectors, graph, memory}.
func (e *Engine) CheckDomain(ctx context.Context, tx *store.Tx, agentID, domain, resource string, required Permission) error {
	rules, err := e.loadRules(ctx, tx, agentID)
	if err != nil {
		return err
	}
	domainWildcard := domain + "/*"
	var best *Rule
	for _, r := range rules {
		applies := matches(r.ResourcePattern, resource) ||
			r.ResourcePattern == domainWildcard || r.ResourcePattern == domain
		if !applies {
			continue
		}
		if best == nil || len(r.ResourcePattern) > len(best.ResourcePattern) {
			best = r
		}
	}
	if best == nil {
		return apperr.Newf(apperr.ConsentDenied, "consent: no rule grants %s on %s", required, resource)
	}
	if !best.Permission.atLeast(required) {
		return apperr.Newf(apperr.ConsentDenied, "consent: %s only grants %s, %s required", best.ResourcePattern, best.Permission, required)
	}
	return nil
}

func (e *Engine) loadRules(ctx context.Context, tx *store.Tx, agentID string) ([]*Rule, error) {
	rows, err := tx.Query(ctx, store.Fmt(tx, `SELECT id, agent_id, resource_pattern, permission, granted_at, revoked_at
		FROM %s WHERE agent_id = ? AND revoked_at IS NULL`, "consent_rules"), agentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "consent: load rules")
	}
	defer rows.Close()
	var out []*Rule
	for rows.Next() {
		var r Rule
		var granted int64
		var revoked *int64
		if err := rows.Scan(&r.ID, &r.AgentID, &r.ResourcePattern, &r.Permission, &granted, &revoked); err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "consent: scan rule")
		}
		r.GrantedAt = time.Unix(granted, 0).UTC()
		if revoked != nil {
			t := time.Unix(*revoked, 0).UTC()
			r.RevokedAt = &t
		}
		out = append(out, &r)
	}
	return out, nil
}

// bestMatch finds the longest-pattern surviving rule whose pattern matches
// resource (spec §4.11: exact or `*`-suffix wildcard).
func bestMatch(rules []*Rule, resource string) (*Rule, bool) {
	var best *Rule
	for _, r := range rules {
		if !matches(r.ResourcePattern, resource) {
			continue
		}
		if best == nil || len(r.ResourcePattern) > len(best.ResourcePattern) {
			best = r
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// matches reports whether pattern matches resource: exact equality, or a
// `prefix*` wildcard matching any resource sharing that prefix. The pattern
// itself is a trusted, operator-authored consent rule (not untrusted input),
// but the match is still literal — no LIKE injection surface exists because
// this never touches SQL's LIKE operator; matching happens in Go.
func matches(pattern, resource string) bool {
	if pattern == resource {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(resource, prefix)
	}
	return false
}

// EscapeLikePattern escapes SQL LIKE metacharacters (%, _, \) in a
// wildcard-pattern fragment, for callers that do push consent-rule matching
// down into a SQL LIKE clause instead of filtering in Go (spec §4.11:
// "wildcard expansion escapes LIKE metacharacters to avoid pattern
// injection").
func EscapeLikePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Grant inserts a new consent rule.
func (e *Engine) Grant(ctx context.Context, tx *store.Tx, agentID, resourcePattern string, permission Permission) (*Rule, error) {
	id := store.NewWriteID()
	now := time.Now()
	_, err := tx.Exec(ctx, store.Fmt(tx, `INSERT INTO %s (id, agent_id, resource_pattern, permission, granted_at, revoked_at)
		VALUES (?,?,?,?,?,NULL)`, "consent_rules"), id, agentID, resourcePattern, string(permission), now.Unix())
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "consent: grant")
	}
	return &Rule{ID: id, AgentID: agentID, ResourcePattern: resourcePattern, Permission: permission, GrantedAt: now}, nil
}

// RevokeAgent revokes an agent's access entirely (spec §4.11): API keys
// first (immediate auth-layer lockout), then every surviving consent row.
// db is the shared, cross-tenant handle api_keys lives in; tx is the
// tenant's transaction consent_rules lives in.
func (e *Engine) RevokeAgent(ctx context.Context, db *store.DB, tx *store.Tx, agentID string) error {
	now := time.Now().Unix()
	if _, err := db.SQL.ExecContext(ctx, store.FmtShared(db, `UPDATE api_keys SET revoked_at = ?
		WHERE agent_id = ? AND revoked_at IS NULL`), now, agentID); err != nil {
		return apperr.Wrap(apperr.Transient, err, "consent: revoke api keys")
	}
	if _, err := tx.Exec(ctx, store.Fmt(tx, `UPDATE %s SET revoked_at = ? WHERE agent_id = ? AND revoked_at IS NULL`,
		"consent_rules"), now, agentID); err != nil {
		return apperr.Wrap(apperr.Transient, err, "consent: revoke consent rules")
	}
	return nil
}
