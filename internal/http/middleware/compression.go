package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForSSE bypasses response compression for event stream
// endpoints. Compressed SSE responses get buffered by the compressor and
// events stop flowing in real time.
func SkipCompressionForSSE(compressor func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compressor(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isEventStream(r) {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}

func isEventStream(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	switch r.URL.Path {
	case "/api/v1/events/progress", "/api/v1/logs/stream":
		return true
	}
	return false
}
