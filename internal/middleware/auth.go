package middleware

import (
	"net/http"
	"strings"

	"github.com/duskline/e2ee/internal/authn"
)

// AuthMiddleware validates bearer tokens via an authn.Authenticator, with an
// optional bypass for public paths such as health checks.
func AuthMiddleware(authenticator *authn.Authenticator, skipAuth func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := authenticator.Middleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipAuth != nil && skipAuth(r) {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

// SkipHealthChecks is a ready-made skipAuth predicate for /health paths.
func SkipHealthChecks(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/health")
}

// GetUserID re-exports authn.UserID so existing handler code can keep
// calling middleware.GetUserID without importing authn directly.
var GetUserID = authn.UserID
