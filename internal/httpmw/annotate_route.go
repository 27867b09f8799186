package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// UnmatchedRoute names spans for requests no route matched. The raw path is
// never used because it carries client supplied file names.
const UnmatchedRoute = "unmatched"

// AnnotateHTTPRoute renames the server span to "METHOD pattern" once chi has
// resolved the route, and tags it with http.route and the request ID.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		ctx := r.Context()
		span := trace.SpanFromContext(ctx)
		if !span.IsRecording() {
			return
		}

		pattern := routePattern(r)
		attrs := []attribute.KeyValue{attribute.String("http.route", pattern)}
		if id := RequestIDFromContext(ctx); id != "" {
			attrs = append(attrs, attribute.String("http.request_id", id))
		}
		span.SetAttributes(attrs...)
		span.SetName(r.Method + " " + pattern)
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return UnmatchedRoute
}
