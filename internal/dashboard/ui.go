package dashboard

import (
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterUI mounts the single-page dashboard: index at the root and the
// static assets under /assets/.
func RegisterUI(r chi.Router, fsys fs.FS) {
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		data, err := fs.ReadFile(fsys, "index.html")
		if err != nil {
			http.Error(w, "dashboard assets missing", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	})
	r.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServerFS(fsys)))
}
