package eventing

import "context"

type metaKey struct{}

func metaOf(ctx context.Context) Meta {
	meta, _ := ctx.Value(metaKey{}).(Meta)
	return meta
}

// WithTenantID scopes events written under ctx to a tenant.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	meta := metaOf(ctx)
	meta.TenantID = tenantID
	return context.WithValue(ctx, metaKey{}, meta)
}

// WithCorrelationID makes every event written under ctx share one
// correlation id, so the events of a plan run can be joined.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	meta := metaOf(ctx)
	meta.CorrelationID = correlationID
	return context.WithValue(ctx, metaKey{}, meta)
}

// MetaFromContext returns the metadata set on ctx, falling back to
// defaultTenantID when no tenant was set.
func MetaFromContext(ctx context.Context, defaultTenantID string) Meta {
	meta := metaOf(ctx)
	if meta.TenantID == "" {
		meta.TenantID = defaultTenantID
	}
	return meta
}
