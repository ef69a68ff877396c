// Package shield provides the HTTP middleware for the admin surface:
// security headers, body limits, request tracing and HEAD handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack() {
//		r.Use(mw)
//	}
package shield

import "net/http"

// DefaultStack returns the standard middleware stack for the admin server.
// Ordered: HeadToGet, SecurityHeaders, MaxBody, RequestID.
func DefaultStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(64 * 1024),
		RequestID,
	}
}
