package httpmw

import "net/http"

// MaxBody caps request body size. Only the simulate endpoint accepts a
// body at all, so the cap can be small. Reads past the limit surface as
// 413 Request Entity Too Large.
func MaxBody(bytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, bytes)
			next.ServeHTTP(w, r)
		})
	}
}
