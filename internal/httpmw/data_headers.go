package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DataInfo reports which spreadsheet file and format currently back the
// message log
type DataInfo interface {
	DataFormat() string
	DataFile() string
}

// DataHeaders middleware adds X-Data-Format and X-Data-File headers to all
// responses so an operator can see at a glance whether the store has fallen
// back to CSV
func DataHeaders(info DataInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				format := info.DataFormat()
				file := info.DataFile()
				if format != "" {
					w.Header().Set("X-Data-Format", format)
				}
				if file != "" {
					w.Header().Set("X-Data-File", file)
				}
				if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
					if format != "" {
						span.SetAttributes(attribute.String("data.format", format))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
