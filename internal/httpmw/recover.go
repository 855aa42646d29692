package httpmw

import (
	"net/http"

	"github.com/hefzhail/botops/internal/log"
	"github.com/hefzhail/botops/internal/xerrors"
)

// Recover catches handler panics, logs them with a stack, optionally calls
// onPanic (metrics hook), and serves a plain 500. The connection survives
// so the server keeps running.
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// http.ErrAbortHandler is the sanctioned way to abort a
				// response; let it propagate
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.EnsureTrace(e)
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				L := base
				if L == nil {
					L = log.Nop()
				}
				L.With(
					"http.method", r.Method,
					"url.path", r.URL.Path,
				).Error(r.Context(), err, "httpserver panic recovered")
				if onPanic != nil {
					onPanic()
				}

				http.Error(w, "internal server error", http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
