package middleware

import (
	"context"
	"net/http"

	"github.com/bec-project/bec-atlas/pkg/auth"
	"github.com/bec-project/bec-atlas/pkg/contextkeys"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/httputil"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
)

// PrincipalResolver resolves a bearer token to a user
type PrincipalResolver interface {
	Resolve(ctx context.Context, token string) (*models.User, error)
}

// Principal resolves the caller of every request once and stores the user
// in the request context. Requests without a resolvable principal are
// rejected with 401.
func Principal(resolver PrincipalResolver, logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := resolver.Resolve(r.Context(), auth.TokenFromRequest(r))
			if err != nil {
				if errdefs.IsForbidden(err) {
					httputil.WriteUnauthorized(w, errdefs.Message(err))
					return
				}
				logger.WithError(err).Error("failed to resolve principal")
				httputil.WriteErrorFrom(w, err)
				return
			}

			ctx := contextkeys.WithUser(r.Context(), user)
			ctx = observability.WithUserID(ctx, user.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireGroup rejects principals outside every one of groups with 403
func RequireGroup(groups ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := contextkeys.User(r.Context())
			if user == nil {
				httputil.WriteForbidden(w, "authentication required")
				return
			}
			for _, g := range groups {
				if user.InGroup(g) {
					next.ServeHTTP(w, r)
					return
				}
			}
			httputil.WriteForbidden(w, "insufficient permissions")
		})
	}
}
