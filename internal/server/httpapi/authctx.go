package httpapi

import (
	"context"

	"github.com/and161185/notikeeper/internal/tenant"
)

type ctxKey string

const tenantKey ctxKey = "notify.tenant"

// WithTenant stores the resolved tenant in context.
func WithTenant(ctx context.Context, tc *tenant.Context) context.Context {
	return context.WithValue(ctx, tenantKey, tc)
}

// TenantFromCtx fetches the resolved tenant from context.
func TenantFromCtx(ctx context.Context) (*tenant.Context, bool) {
	tc, ok := ctx.Value(tenantKey).(*tenant.Context)
	return tc, ok && tc != nil
}
