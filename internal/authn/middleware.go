package authn

import (
	"net/http"

	"cinetenant.org/internal/auth"
)

// Middleware binds the resolved principal to the request context. Requests
// without a usable credential continue unauthenticated.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if !res.Authenticated() {
			next.ServeHTTP(w, r)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), res.Principal)
		ctx = auth.ContextWithToken(ctx, res.Token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
