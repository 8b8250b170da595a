package middleware

import (
	"context"
	"net/http"
	"strings"
)

type tenantKey struct{}

// WithTenant stamps the authenticated tenant id on ctx.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFrom returns the tenant id stamped by TenantMiddleware, or "".
func TenantFrom(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}

// KeyValidator resolves a bearer API key to its tenant.
type KeyValidator interface {
	ValidateKey(ctx context.Context, key string) (tenantID string, err error)
}

// TenantMiddleware establishes the tenant context for a request. An API
// key in the Authorization header is authoritative; the X-Tenant-ID header
// is a trusted-network fallback and must sit behind a gateway in
// production. Requests with neither are rejected.
func TenantMiddleware(keys KeyValidator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var tenantID string

		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")
			id, err := keys.ValidateKey(ctx, apiKey)
			if err != nil {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}
			tenantID = id
		}

		if tenantID == "" {
			tenantID = r.Header.Get("X-Tenant-ID")
		}

		if tenantID == "" {
			http.Error(w, "missing tenant context (API key or X-Tenant-ID)", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTenant(ctx, tenantID)))
	})
}
