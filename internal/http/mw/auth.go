// Package mw contains HTTP middleware for the broker API.
package mw

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jmylchreest/brokerd/internal/apperr"
	"github.com/jmylchreest/brokerd/internal/auth"
)

// ContextKey is a type for context keys.
type ContextKey string

// PrincipalKey is the context key holding the authenticated principal.
const PrincipalKey ContextKey = "principal"

// Auth resolves the x-api-key header to a principal and stores it on the
// request context. Unresolvable keys terminate the request with the error
// envelope.
func Auth(resolver *auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := resolver.Resolve(r.Context(), r.Header.Get("x-api-key"))
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), PrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal retrieves the authenticated principal from context. Nil when
// the auth middleware did not run.
func GetPrincipal(ctx context.Context) *auth.Principal {
	principal, ok := ctx.Value(PrincipalKey).(*auth.Principal)
	if !ok {
		return nil
	}
	return principal
}

func writeError(w http.ResponseWriter, err error) {
	ae, ok := err.(*apperr.Error)
	if !ok {
		ae = apperr.Internal("Internal server error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.GetStatus())
	_ = json.NewEncoder(w).Encode(ae)
}
