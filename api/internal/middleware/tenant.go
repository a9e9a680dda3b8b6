package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"multitenant-template/shared/authx"
	"multitenant-template/shared/httpx"
	"multitenant-template/shared/tenantx"
)

// TenantMiddleware takes the acting tenant from X-Tenant-ID and checks it
// against the token's tenant claims.
type TenantMiddleware struct {
	Skip func(*http.Request) bool
}

func (m TenantMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if tenantID == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant header", nil)
			return
		}
		if strings.ContainsAny(tenantID, ":*%") {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid tenant id", nil)
			return
		}
		if auth, ok := authx.FromContext(r.Context()); ok && !auth.AllowsTenant(tenantID) {
			httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "tenant not allowed", nil)
			return
		}

		httpx.Annotate(r.Context(), slog.String("tenant_id", tenantID))
		tenant := tenantx.TenantContext{ID: tenantID, Slug: strings.TrimSpace(r.Header.Get("X-Tenant-Slug"))}
		next.ServeHTTP(w, r.WithContext(tenantx.WithTenant(r.Context(), tenant)))
	})
}
