// Package middleware provides net/http middleware for serving a webengine
// Server in production.
//
// This package includes:
//   - Prometheus request metrics
//   - OpenTelemetry server spans
//   - brotli/gzip response compression
//
// Each constructor returns a func(http.Handler) http.Handler, so the
// middleware stacks with chi or any other router:
//
//	r := chi.NewRouter()
//	r.Use(
//	    middleware.OpenTelemetry(middleware.WithTracerName("my-app")),
//	    middleware.Prometheus(middleware.WithRegistry(reg)),
//	    middleware.Compress(),
//	)
//	r.Mount("/", engine)
//
// # Hijacking
//
// The response writer wrappers implement http.Hijacker and http.Flusher
// when the underlying writer does, so WebSocket upgrades performed by the
// engine pass through every middleware here. Compress leaves upgrade
// requests untouched.
package middleware
