package auth

import (
	"context"
	"fmt"

	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
)

// Resolver resolves bearer tokens to user records
type Resolver struct {
	verifier Verifier
	docs     docstore.Store
	logger   *observability.Logger
}

// NewResolver creates a Resolver
func NewResolver(verifier Verifier, docs docstore.Store, logger *observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Resolver{verifier: verifier, docs: docs, logger: logger.WithField("component", "auth")}
}

// Resolve verifies token and loads the user it was issued to
func (r *Resolver) Resolve(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, errdefs.Forbidden("auth.resolve", "missing access token")
	}
	claims, err := r.verifier.Verify(ctx, token)
	if err != nil {
		r.logger.WithError(err).Debug("rejected token")
		return nil, errdefs.Forbidden("auth.resolve", "invalid access token")
	}
	if claims.Email == "" {
		return nil, errdefs.Forbidden("auth.resolve", "token carries no email")
	}

	var user models.User
	err = r.docs.FindOne(ctx, models.CollectionUsers, docstore.Filter{"email": claims.Email}, &user)
	if errdefs.IsNotFound(err) {
		return nil, errdefs.Forbidden("auth.resolve", "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}
