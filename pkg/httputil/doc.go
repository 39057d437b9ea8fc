// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, snapshot)
//	httputil.WriteBadRequest(w, "invalid user type")
//	httputil.WriteForbiddenPermission(w, "ADMIN_MANAGE_ACCESS")
//
// Denials carry the missing code:
//
//	{"error":"permission denied","requiredPermission":"ADMIN_MANAGE_ACCESS"}
//
// # Request Parsing
//
//	var req SetOverrideRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	limit, err := httputil.ParseQueryInt(r, "limit", 100)
//	since, err := httputil.ParseQueryTime(r, "since")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
