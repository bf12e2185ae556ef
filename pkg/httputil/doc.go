// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteRawJSON(w, value)
//	httputil.WriteErrorFrom(w, err) // status from errdefs kind
//
// # Request Parsing
//
//	deploymentID, ok := httputil.RequireQuery(w, r, "deployment")
//	if !ok {
//		return // Error response already written
//	}
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(10*1024*1024), // 10MB
//	)
//
// # Related Packages
//
//   - pkg/middleware: Principal resolution and rate limiting
package httputil
