package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AnnotateHTTPRoute sets the OTel http.route attribute and span name from
// chi's resolved route pattern. Runs after the handler, when the pattern
// is known.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		ctx := r.Context()
		routePat := ""
		if rc := chi.RouteContext(ctx); rc != nil {
			routePat = rc.RoutePattern()
		}
		if routePat == "" {
			routePat = r.URL.Path
		}

		span := trace.SpanFromContext(ctx)
		if span == nil || !span.IsRecording() {
			return
		}
		span.SetAttributes(attribute.String("http.route", routePat))
		span.SetName(r.Method + " " + routePat)
	})
}
