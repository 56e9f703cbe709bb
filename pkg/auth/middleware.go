package auth

import (
	"net/http"
)

// Middleware resolves the request token through a and stores the identity
// in the request context. Requests without a valid token pass through
// unauthenticated; use Require to enforce access.
func Middleware(a Authenticator, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := TokenFromRequest(r, cookieName); token != "" {
				if id, err := a.Identify(r.Context(), token); err == nil {
					r = r.WithContext(WithIdentity(r.Context(), id))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Require answers 401 when no identity is present and 403 when the identity
// is below level or lacks a capability.
//
//	r.With(auth.Require(5, "files.write")).Post("/upload", handler)
func Require(level int, capabilities ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !id.Satisfies(level, capabilities) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
