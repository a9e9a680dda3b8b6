package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"multitenant-template/shared/authx"
	"multitenant-template/shared/httpx"
)

// AuthMiddleware verifies the bearer token and stores the caller in the
// request context.
type AuthMiddleware struct {
	Verifier *authx.JWTVerifier
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		auth, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, authx.ErrUnknownKID) {
				msg = "unknown signing key"
			}
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", msg, nil)
			return
		}
		httpx.Annotate(r.Context(), slog.String("user_id", auth.Subject))
		next.ServeHTTP(w, r.WithContext(authx.WithAuth(r.Context(), auth)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}
