package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"multitenant-template/api/internal/authz"
	"multitenant-template/shared/authx"
	"multitenant-template/shared/httpx"
	"multitenant-template/shared/logx"
	"multitenant-template/shared/tenantx"
)

// ActivityAuthorizer is the part of the authorization evaluator the HTTP
// layer needs.
type ActivityAuthorizer interface {
	IsAuthorized(ctx context.Context, s authz.Subject, activity string, resourceID string) (bool, error)
}

// RequireActivity lets a request through only when the caller may perform
// Activity in the request's tenant. Resource, when set, extracts the resource
// id checked against the activity's resource types.
type RequireActivity struct {
	Authorizer ActivityAuthorizer
	Activity   string
	Resource   func(*http.Request) string
	Logger     logx.Logger
}

func (m RequireActivity) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return
		}
		tenantID := tenantx.TenantIDFromContext(r.Context())
		if tenantID == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
			return
		}
		resourceID := ""
		if m.Resource != nil {
			resourceID = m.Resource(r)
		}

		subject := authz.Subject{UserID: auth.Subject, TenantID: tenantID}
		allowed, err := m.Authorizer.IsAuthorized(r.Context(), subject, m.Activity, resourceID)
		if err != nil {
			m.Logger.Error(r.Context(), "authz_evaluation_failed", "authorization data unavailable",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("activity", m.Activity),
				slog.String("user_id", auth.Subject),
				slog.String("error", err.Error()),
			)
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "authorization unavailable", nil)
			return
		}
		httpx.Annotate(r.Context(), slog.String("activity", m.Activity), slog.Bool("authorized", allowed))
		if !allowed {
			httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "not authorized for "+m.Activity, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandlerFunc wraps a plain handler function.
func (m RequireActivity) HandlerFunc(fn http.HandlerFunc) http.Handler {
	return m.Wrap(fn)
}
