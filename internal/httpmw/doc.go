// Package httpmw provides HTTP middleware for the dashboard server.
//
// Middleware is composed in a specific order in httpserver.NewHandler:
// security headers, panic recovery, request ID, client IP extraction,
// rate limiting, OTEL tracing, storage format headers, metrics,
// structured logging, and chi router.
//
// Each middleware is an independent function that can be tested, reordered,
// or removed individually. Message bodies and other user-supplied data are
// intentionally excluded from logs to prevent PII leaks and log injection.
package httpmw
