package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hefzhail/botops/internal/httpmw"
)

// Middleware returns middleware that runs CheckAndRecord keyed on the
// resolved client IP and rejects over-budget requests with 429.
// The triggering window and a retry estimate are included so the operator
// UI can show why a request was turned away.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// client IP mw resolves x-forwarded-for before we run
		identity := httpmw.ClientIPFromContext(r.Context())

		d := l.CheckAndRecord(identity, time.Now())
		if !d.Allowed {
			retry := int(d.RetryAfter.Round(time.Second) / time.Second)
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"too many requests","window":%q,"retry_after_seconds":%d}`, d.Window, retry)
			return
		}

		next.ServeHTTP(w, r)
	})
}
