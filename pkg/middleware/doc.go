// Package middleware provides HTTP middleware for principal resolution,
// group checks and rate limiting.
//
// # Middleware Components
//
// Principal: resolves the bearer token (header or access_token cookie) to a
// user once per request and stores it in the context
//
//	router.Use(middleware.Principal(resolver, logger))
//	user := contextkeys.User(r.Context())
//
// RequireGroup: restricts a route to members of any of the given groups
//
//	sub.Use(middleware.RequireGroup("admin", "bec_group"))
//
// RateLimit: per-principal limit on shared counters, so that every replica
// enforces the same budget
//
//	limiter := middleware.NewDistributedRateLimiter(storeClient, cfg, "ratelimit")
//	sub.Use(middleware.RateLimit(limiter, logger))
//
// # Related Packages
//
//   - pkg/auth: Token verification
//   - pkg/store: Windowed counters
package middleware
