// Package tier implements per-tenant usage limits (C12, spec §4.12): live
// counts against configurable per-tier caps, enforced under an advisory lock
// so concurrent writers never overshoot, plus a buffered analytics counter.
package tier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gunning4it/epitome/internal/apperr"
	"github.com/gunning4it/epitome/internal/store"
)

// Tier is one of the three subscription levels named in spec §4.12.
type Tier string

const (
	Free       Tier = "free"
	Pro        Tier = "pro"
	Enterprise Tier = "enterprise"
)

// Resource is one of the metered resource kinds.
type Resource string

const (
	ResourceTables        Resource = "tables"
	ResourceAgents        Resource = "agents"
	ResourceGraphEntities Resource = "graphEntities"
)

// Unlimited is the sentinel cap value meaning "no limit" (spec §4.12).
const Unlimited = -1

// caps is the built-in fallback per-tier, per-resource limit table (spec
// §4.12's "built-in fallbacks {free: 2/3/100, pro: unlimited, enterprise:
// unlimited}"), used whenever no system_config override exists for a tier.
var caps = map[Tier]map[Resource]int{
	Free: {
		ResourceTables:        2,
		ResourceAgents:        3,
		ResourceGraphEntities: 100,
	},
	Pro: {
		ResourceTables:        Unlimited,
		ResourceAgents:        Unlimited,
		ResourceGraphEntities: Unlimited,
	},
	Enterprise: {
		ResourceTables:        Unlimited,
		ResourceAgents:        Unlimited,
		ResourceGraphEntities: Unlimited,
	},
}

// tierLimitsConfigKey names the system_config row that can override a
// tier's built-in caps (spec §4.12: "loaded from a system_config key
// (tier_limits_<tier>)").
func tierLimitsConfigKey(t Tier) string { return "tier_limits_" + string(t) }

// configuredLimit looks up a system_config override for one resource,
// mirroring oauthsrv's ownerPassphraseHash lookup: a missing row is not an
// error, just "no override configured". The stored value is a JSON object
// keyed by resource name, e.g. {"tables":5,"agents":10,"graphEntities":1000};
// resources the object omits fall back to the built-in caps.
func configuredLimit(ctx context.Context, db *store.DB, t Tier, resource Resource) (int, bool, error) {
	var value string
	err := db.SQL.QueryRowContext(ctx, store.FmtShared(db, `SELECT value FROM system_config WHERE key = ?`),
		tierLimitsConfigKey(t)).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperr.Wrap(apperr.Transient, err, "tier: load tier limit override")
	}
	var overrides map[string]int
	if err := json.Unmarshal([]byte(value), &overrides); err != nil {
		return 0, false, apperr.Wrap(apperr.Validation, err, "tier: decode tier limit override")
	}
	limit, ok := overrides[string(resource)]
	return limit, ok, nil
}

func limitFor(ctx context.Context, db *store.DB, tier Tier, resource Resource) (int, error) {
	if override, ok, err := configuredLimit(ctx, db, tier, resource); err != nil {
		return 0, err
	} else if ok {
		return override, nil
	}
	t, ok := caps[tier]
	if !ok {
		t = caps[Free]
	}
	return t[resource], nil
}

var countQueries = map[Resource]string{
	ResourceTables:        `SELECT COUNT(*) FROM %s`,
	ResourceAgents:        `SELECT COUNT(*) FROM %s WHERE revoked_at IS NULL`,
	ResourceGraphEntities: `SELECT COUNT(*) FROM %s WHERE deleted_at IS NULL`,
}

var countTables = map[Resource]string{
	ResourceTables:        "table_registry",
	ResourceAgents:        "consent_rules",
	ResourceGraphEntities: "entities",
}

func currentCount(ctx context.Context, tx *store.Tx, resource Resource) (int, error) {
	q, ok := countQueries[resource]
	if !ok {
		return 0, apperr.Newf(apperr.Validation, "tier: unknown resource %q", resource)
	}
	var n int
	row := tx.QueryRow(ctx, store.Fmt(tx, q, countTables[resource]))
	if err := row.Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.Transient, err, "tier: count resource")
	}
	return n, nil
}

// WithTierLimitLock acquires the tenant+resource advisory lock, recounts the
// live usage, and either rejects with TierLimitError or runs fn within the
// same transaction (spec §4.12). tx must already be inside a WithTenant
// call; the lock is released automatically on commit/abort. db is needed
// alongside tx because the limit itself may come from the shared
// system_config table, not the tenant's own schema.
func WithTierLimitLock(ctx context.Context, db *store.DB, tx *store.Tx, tier Tier, resource Resource, fn func() error) error {
	key := fmt.Sprintf("%s:%s", tx.TenantID, resource)
	if err := tx.AdvisoryLock(ctx, key); err != nil {
		return err
	}
	limit, err := limitFor(ctx, db, tier, resource)
	if err != nil {
		return err
	}
	if limit != Unlimited {
		current, err := currentCount(ctx, tx, resource)
		if err != nil {
			return err
		}
		if current >= limit {
			return apperr.NewTierLimit(apperr.TierLimitDetail{
				Resource: string(resource), Current: current, Limit: limit,
			})
		}
	}
	return fn()
}

// SoftCheck is the non-locking variant for background tasks (spec §4.12
// step 2 of entity extraction): reports whether resource is already at cap,
// without taking the advisory lock or guaranteeing no other writer races in
// behind it.
func SoftCheck(ctx context.Context, db *store.DB, tx *store.Tx, tier Tier, resource Resource) (atLimit bool, current, limit int, err error) {
	limit, err = limitFor(ctx, db, tier, resource)
	if err != nil {
		return false, 0, 0, err
	}
	if limit == Unlimited {
		return false, 0, Unlimited, nil
	}
	current, err = currentCount(ctx, tx, resource)
	if err != nil {
		return false, 0, limit, err
	}
	return current >= limit, current, limit, nil
}

// UsageKey identifies one buffered counter bucket (spec §4.12: "keyed by
// tenant+resource+date+agent"). Usage counters live in the shared,
// cross-tenant `usage_counters` table (see internal/store/db.go) rather than
// per-tenant storage, since the dashboard this feeds aggregates across
// tenants.
type UsageKey struct {
	TenantID string
	Resource Resource
	Date     string // YYYY-MM-DD
	AgentID  string
}

// Counter buffers usage increments in memory and flushes them to the
// analytics table on a fixed interval, never blocking the caller that
// incremented it. It is never authoritative — WithTierLimitLock always
// recounts from the live tables.
type Counter struct {
	db       *store.DB
	interval time.Duration
	mu       sync.Mutex
	buf      map[UsageKey]int64
	stop     chan struct{}
}

// NewCounter starts a Counter flushing every interval (spec §4.12: 10s).
func NewCounter(db *store.DB, interval time.Duration) *Counter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	c := &Counter{db: db, interval: interval, buf: map[UsageKey]int64{}, stop: make(chan struct{})}
	go c.loop()
	return c
}

func (c *Counter) Add(key UsageKey, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf[key] += delta
}

func (c *Counter) Stop() { close(c.stop) }

func (c *Counter) loop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stop:
			c.flush()
			return
		}
	}
}

func (c *Counter) flush() {
	c.mu.Lock()
	snapshot := c.buf
	c.buf = map[UsageKey]int64{}
	c.mu.Unlock()

	ctx := context.Background()
	for key, delta := range snapshot {
		_ = upsertUsage(ctx, c.db, key, delta)
	}
}

// upsertUsage writes against the shared, cross-tenant usage_counters table
// (not a per-tenant store.Tx) since this counter is dashboard analytics, not
// tenant-isolated state.
func upsertUsage(ctx context.Context, db *store.DB, key UsageKey, delta int64) error {
	res, err := db.SQL.ExecContext(ctx, store.FmtShared(db, `UPDATE usage_counters SET count = count + ?
		WHERE tenant_id = ? AND resource = ? AND agent_id = ? AND day = ?`),
		delta, key.TenantID, string(key.Resource), key.AgentID, key.Date)
	if err == nil {
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	_, err = db.SQL.ExecContext(ctx, store.FmtShared(db, `INSERT INTO usage_counters (tenant_id, resource, agent_id, day, count)
		VALUES (?,?,?,?,?)`), key.TenantID, string(key.Resource), key.AgentID, key.Date, delta)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "tier: upsert usage counter")
	}
	return nil
}

var tierRank = map[Tier]int{Free: 0, Pro: 1, Enterprise: 2}

// ResolveTenantTier reads the shared api_keys table and returns the highest
// tier among the tenant's non-revoked keys, defaulting to Free when it has
// none. Background components (entity extraction's tier soft-check) have no
// per-request agent to resolve a tier from, so they call this against the
// tenant as a whole instead.
func ResolveTenantTier(ctx context.Context, db *store.DB, tenantID string) (Tier, error) {
	rows, err := db.SQL.QueryContext(ctx, store.FmtShared(db, `SELECT tier FROM api_keys
		WHERE tenant_id = ? AND revoked_at IS NULL`), tenantID)
	if err != nil {
		return Free, apperr.Wrap(apperr.Transient, err, "tier: resolve tenant tier")
	}
	defer rows.Close()
	best := Free
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return Free, apperr.Wrap(apperr.Transient, err, "tier: scan tenant tier")
		}
		t := Tier(raw)
		if tierRank[t] > tierRank[best] {
			best = t
		}
	}
	return best, nil
}
