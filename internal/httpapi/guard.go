package httpapi

import (
	"net/http"

	"cinetenant.org/internal/auth"
)

// RequireAuthenticated rejects requests without a bound principal with 401.
func (a *API) RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok || !p.Active() {
			writeUnauthenticated(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermission guards next with an authority check: no principal is 401,
// a principal lacking the active permission code is 403.
func (a *API) RequirePermission(code string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return a.RequireAuthenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := auth.PrincipalFromContext(r.Context())
			if !p.HasPermission(code) {
				a.record(r.Context(), "authz.denied", map[string]any{
					"permission": code,
					"path":       r.URL.Path,
				})
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func writeUnauthenticated(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="cinetenant"`)
	writeError(w, r, http.StatusUnauthorized, "unauthenticated")
}
