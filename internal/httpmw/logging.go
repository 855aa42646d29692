package httpmw

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hefzhail/botops/internal/log"
)

// responseWriter wraps http.ResponseWriter to capture status and bytes written
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WithLogger attaches a request-scoped logger to the context, pre-loaded
// with request identity fields so every handler log line carries them.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// peer addr normalized to IP only (no port)
			peerAddr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peerAddr); err == nil {
				peerAddr = host
			}

			clientAddr := ClientIPFromContext(ctx)
			if clientAddr == "" {
				clientAddr = peerAddr
			}

			L := base.With(
				"request_id", RequestIDFromContext(ctx),
				"client.address", clientAddr,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
			)
			ctx = log.WithContext(ctx, L)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessLog emits one line per request after the handler completes.
// Health endpoints are skipped to keep the log readable.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r)

			if r.URL.Path == "/-/ready" || r.URL.Path == "/-/healthy" {
				return
			}

			ctx := r.Context()
			L := log.FromContext(ctx)

			status := rw.status
			if status == 0 {
				status = http.StatusOK
			}

			routePat := ""
			if rc := chi.RouteContext(ctx); rc != nil {
				routePat = rc.RoutePattern()
			}
			if routePat == "" {
				routePat = r.URL.Path
			}

			L.Info(ctx, "http request",
				"http.response.status_code", status,
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", rw.bytes,
				"http.route", routePat,
			)
		})
	}
}
