package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Claims are the identity claims Atlas uses from a token
type Claims struct {
	Subject  string   `json:"sub"`
	Email    string   `json:"email"`
	Username string   `json:"preferred_username"`
	Groups   []string `json:"groups"`
}

// Verifier checks a raw token and returns its claims
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// OIDCConfig configures token verification against an OpenID Connect issuer
type OIDCConfig struct {
	IssuerURL         string
	ClientID          string
	SkipClientIDCheck bool
}

// OIDCVerifier verifies ID tokens of one issuer
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer's keys and returns a verifier for its tokens
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*OIDCVerifier, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("OIDC issuer URL is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(oidcConfig(cfg))}, nil
}

// NewOIDCVerifierWithKeySet returns a verifier that checks signatures
// against keys instead of the issuer's discovery document
func NewOIDCVerifierWithKeySet(cfg OIDCConfig, keys oidc.KeySet) *OIDCVerifier {
	return &OIDCVerifier{verifier: oidc.NewVerifier(cfg.IssuerURL, keys, oidcConfig(cfg))}
}

func oidcConfig(cfg OIDCConfig) *oidc.Config {
	return &oidc.Config{
		ClientID:          cfg.ClientID,
		SkipClientIDCheck: cfg.SkipClientIDCheck || cfg.ClientID == "",
	}
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}
	var claims Claims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if claims.Subject == "" {
		claims.Subject = token.Subject
	}
	return &claims, nil
}
