package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hefzhail/botops/internal/httpmw"
	"github.com/hefzhail/botops/internal/log"
	"github.com/hefzhail/botops/internal/probe"
)

type Options struct {
	Logger log.Logger
	Port   int

	UseRecoverMW bool
	OnPanic      func()

	MetricsMW   func(http.Handler) http.Handler
	RateLimitMW func(http.Handler) http.Handler

	ClientIPOpts httpmw.ClientIPOptions

	Health    probe.Probe
	Readiness probe.Probe

	// DataInfo feeds the X-Data-Format and X-Data-File response headers.
	DataInfo httpmw.DataInfo

	// RegisterRoutes attaches the application's API and UI routes.
	RegisterRoutes func(chi.Router)
}
