package worker

import "context"

// ExportedBackoffSeconds exposes backoffSeconds to the external test
// package; kept in its own _test.go file rather than widening the public API.
var ExportedBackoffSeconds = backoffSeconds

// ProcessTenantForTest exposes processTenant for single-cycle, single-tenant
// tests that don't want to depend on the tenants table / ticker loop.
func (p *Pool) ProcessTenantForTest(ctx context.Context, tenantID string) {
	p.processTenant(ctx, tenantID)
}
