/**
 * @description
 * Request-scoped tenant identity. The active tenant travels in the context.Context of
 * one logical operation and is never stored in shared mutable state, so concurrent
 * requests cannot observe each other's tenant.
 *
 * Unscoped is the only way to run data access without a tenant. It requires a reason
 * and every call is written to the audit log together with the calling function.
 */

package tenancy

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strings"
)

// ErrNoTenantContext is returned when tenant-owned data is touched without a tenant
// or an explicit bypass in the context.
var ErrNoTenantContext = errors.New("no tenant context")

type scopeKey struct{}

// Scope is the data-access scope of one operation. A bypass scope never carries a
// tenant id.
type Scope struct {
	TenantID string
	Bypass   bool
	Reason   string
	Caller   string
}

// WithTenant returns a child context scoped to tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, scopeKey{}, Scope{TenantID: strings.TrimSpace(tenantID)})
}

// Unscoped returns a child context that bypasses tenant scoping. It is reserved for
// system jobs and webhook routing; reason must say why the bypass is needed.
func Unscoped(ctx context.Context, reason string) context.Context {
	caller := "unknown"
	if pc, _, _, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}

	parent, _ := ctx.Value(scopeKey{}).(Scope)
	slog.Default().Warn("tenant scoping bypassed",
		"component", "tenancy",
		"reason", reason,
		"caller", caller,
		"parent_tenant_id", parent.TenantID,
	)
	return context.WithValue(ctx, scopeKey{}, Scope{
		Bypass: true,
		Reason: reason,
		Caller: caller,
	})
}

// TenantFrom returns the tenant id of a tenant-scoped context.
func TenantFrom(ctx context.Context) (string, bool) {
	scope, ok := ctx.Value(scopeKey{}).(Scope)
	if !ok || scope.Bypass || scope.TenantID == "" {
		return "", false
	}
	return scope.TenantID, true
}

// Resolve returns the active scope or ErrNoTenantContext.
func Resolve(ctx context.Context) (Scope, error) {
	scope, ok := ctx.Value(scopeKey{}).(Scope)
	if !ok {
		return Scope{}, ErrNoTenantContext
	}
	if !scope.Bypass && scope.TenantID == "" {
		return Scope{}, ErrNoTenantContext
	}
	return scope, nil
}
