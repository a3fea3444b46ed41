// Package middleware provides HTTP middleware for the marketpipe API server.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/jmylchreest/marketpipe/internal/observability"
)

// RequestIDHeader is the header used to propagate request IDs.
const RequestIDHeader = "X-Request-ID"

// RequestID ensures every request carries a request ID. An incoming
// X-Request-ID is trusted and reused, otherwise a new one is generated.
// The ID is stored on the request context and echoed on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := observability.ContextWithRequestID(r.Context(), requestID)
		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request ID stored by RequestID, or an empty
// string when the middleware did not run.
func GetRequestID(r *http.Request) string {
	return observability.RequestIDFromContext(r.Context())
}
