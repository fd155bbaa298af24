package tenancy

import "context"

type tenantCtxKey struct{}

// WithTenantID scopes ctx to one resolved tenant. Everything downstream of
// tenant resolution (sends, archive writes, calendar calls) reads it back
// with TenantIDFromContext.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantCtxKey{}, tenantID)
}

// TenantIDFromContext reports the tenant ctx was scoped to.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantCtxKey{}).(string)
	return tenantID, ok && tenantID != ""
}
