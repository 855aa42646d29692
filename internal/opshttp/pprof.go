package opshttp

import (
	"net/http"
	"net/http/pprof"
)

// RegisterPprof mounts the standard pprof handlers on the admin mux. The
// admin listener is never exposed publicly, so no auth gate here.
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
