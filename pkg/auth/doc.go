// Package auth turns bearer tokens into users.
//
// # Overview
//
// Clients authenticate with an OpenID Connect token issued by the
// facility's identity provider, sent either as "Authorization: Bearer" or
// in the access_token cookie. A Verifier checks the token's signature,
// issuer and audience and extracts its claims; a Resolver then loads the
// user record the claims refer to, whose groups drive every access check.
//
// # Usage
//
//	verifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
//		IssuerURL: "https://login.example.org/realms/facility",
//		ClientID:  "atlas",
//	})
//	resolver := auth.NewResolver(verifier, docs, logger)
//
//	user, err := resolver.Resolve(ctx, auth.TokenFromRequest(r))
//
// Resolve fails with errdefs.Forbidden when the token is missing, invalid,
// or names a user without a record.
package auth
