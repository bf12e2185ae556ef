// Package contextkeys provides centralized context key definitions
//
// All request-scoped values shared between middleware and handlers are keyed
// here. Request ids, user ids and loggers live in pkg/observability.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithUser(ctx, user)
//	user := contextkeys.User(ctx)
package contextkeys

import (
	"context"

	"github.com/bec-project/bec-atlas/pkg/models"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// UserKey contains *models.User
	// Set by: middleware.Principal (pkg/middleware/principal.go)
	// Required by: every /api/v1 handler
	// Type: *models.User
	UserKey Key = "user"
)

// WithUser adds the resolved principal to the context
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// User returns the principal of a request, or nil when none was resolved
func User(ctx context.Context) *models.User {
	if u, ok := ctx.Value(UserKey).(*models.User); ok {
		return u
	}
	return nil
}
