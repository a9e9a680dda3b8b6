package middleware

import (
	"net/http"

	"multitenant-template/shared/httpx"
)

// RequireDependencies answers 503 while Missing reports an unavailable backend.
type RequireDependencies struct {
	Missing func() []string
	Skip    func(*http.Request) bool
}

func (m RequireDependencies) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Missing != nil {
			if missing := m.Missing(); len(missing) > 0 {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "required backend not configured",
					map[string]any{"missing": missing})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
