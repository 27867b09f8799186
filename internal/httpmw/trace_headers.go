package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

const (
	TraceIDHeader = "X-Trace-Id"
	SpanIDHeader  = "X-Span-Id"
)

// TraceHeaders echoes the server span's IDs on the response so a client
// reporting a rejected upload can hand over something we can search for.
// With sampledOnly set, IDs of unsampled traces are withheld since no trace
// will exist for them in the backend.
func TraceHeaders(sampledOnly bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := trace.SpanContextFromContext(r.Context())
			if sc.IsValid() && (!sampledOnly || sc.IsSampled()) {
				h := w.Header()
				h.Set(TraceIDHeader, sc.TraceID().String())
				h.Set(SpanIDHeader, sc.SpanID().String())
			}
			next.ServeHTTP(w, r)
		})
	}
}
