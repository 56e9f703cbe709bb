package server

import (
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/webengine/pkg/auth"
)

// hooks are notification sinks and extension points around the pipeline.
// They are set before serving and read without locks.
type hooks struct {
	onRequest       HandlerFunc
	onRequestPost   HandlerFunc
	onPreController func(*Request, *Operation)
	onDefault       HandlerFunc
	onException     func(location string, err error)
	onLog           func(location, message string)
}

// OnRequest runs for every request after identity resolution and before
// any route. Closing the request stops the pipeline.
func (s *Server) OnRequest(fn HandlerFunc) { s.hooks.onRequest = fn }

// OnRequestPost runs right after OnRequest.
func (s *Server) OnRequestPost(fn HandlerFunc) { s.hooks.onRequestPost = fn }

// OnPreController runs before a controller operation is authorized and
// invoked. Closing the request aborts the operation.
func (s *Server) OnPreController(fn func(*Request, *Operation)) { s.hooks.onPreController = fn }

// OnDefaultRequest handles requests no route matched. Without it the
// engine answers 404.
func (s *Server) OnDefaultRequest(fn HandlerFunc) { s.hooks.onDefault = fn }

// OnException receives every error the engine catches.
func (s *Server) OnException(fn func(location string, err error)) { s.hooks.onException = fn }

// OnLog receives engine log messages.
func (s *Server) OnLog(fn func(location, message string)) { s.hooks.onLog = fn }

func (s *Server) reportException(location string, err error) {
	s.metrics.exceptions.WithLabelValues(location).Inc()
	s.logger.Error("exception", "location", location, "error", err)
	if fn := s.hooks.onException; fn != nil {
		fn(location, err)
	}
}

func (s *Server) logEvent(location, message string, args ...any) {
	s.logger.Info(message, append([]any{"location", location}, args...)...)
	if fn := s.hooks.onLog; fn != nil {
		fn(location, message)
	}
}

// Resolve runs req through the pipeline and reports whether a route
// handled it. A false result means the default handler answered.
func (s *Server) Resolve(req *Request) bool {
	ctx, span := s.tracer.Start(req.Context(), "webengine.resolve",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", req.HTTP.Method),
			attribute.String("http.target", req.HTTP.URL.Path),
			attribute.String("webengine.request_id", req.ID),
		))
	defer span.End()
	req.HTTP = req.HTTP.WithContext(ctx)

	start := time.Now()
	stage, handled := s.resolve(req)
	s.metrics.observe(stage, time.Since(start))

	span.SetAttributes(
		attribute.String("webengine.stage", stage),
		attribute.Int("http.status_code", req.Status()),
	)
	if req.Status() >= 500 {
		span.SetStatus(codes.Error, "server error")
	}
	if req.stage == "" {
		req.stage = stage
	}
	return handled
}

func (s *Server) resolve(req *Request) (string, bool) {
	t := s.routes.Load()

	for _, p := range t.passthroughs {
		if p.match(req) {
			return stagePassthrough, p.target.Resolve(req)
		}
	}

	s.identify(req)

	for _, hook := range []HandlerFunc{s.hooks.onRequest, s.hooks.onRequestPost} {
		if hook == nil {
			continue
		}
		hook(req)
		if req.IsClosed() {
			return stageHook, true
		}
	}

	for _, c := range t.conditional {
		if c.match(req) {
			c.handle(req)
			return stageConditional, true
		}
	}

	path := req.Path()
	if h, ok := t.exact[path]; ok {
		h(req)
		return stageExact, true
	}

	if s.dispatch(t, req, path) {
		return stageController, true
	}

	if s.serveFile(t, req, path) {
		return stageStatic, true
	}

	if len(t.sockets) > 0 && s.upgrade(t, req, path) {
		return stageWebSocket, true
	}

	s.handleDefault(req)
	return stageDefault, false
}

// identify resolves the request identity from an upstream middleware or
// from the request token.
func (s *Server) identify(req *Request) {
	if req.Identity != nil {
		return
	}
	if id, ok := auth.FromContext(req.Context()); ok {
		req.Identity = id
		return
	}
	a := s.cfg.Authenticator
	if a == nil {
		return
	}
	token := auth.TokenFromRequest(req.HTTP, s.cfg.TokenCookie)
	if token == "" {
		return
	}
	id, err := a.Identify(req.Context(), token)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) {
			s.reportException("identify", err)
		}
		return
	}
	req.Identity = id
	req.Token = token
	req.HTTP = req.HTTP.WithContext(auth.WithIdentity(req.Context(), id))
}

func (s *Server) handleDefault(req *Request) {
	if fn := s.hooks.onDefault; fn != nil {
		fn(req)
		return
	}
	req.WriteStatus(404, "")
}

// handle is the worker body for one request.
func (s *Server) handle(req *Request) {
	defer func() {
		if r := recover(); r != nil {
			err := recoveredError("pipeline", r)
			s.reportException("pipeline", err)
			if !req.HeaderWritten() {
				req.WriteStatus(500, "")
			}
			req.Close()
			return
		}
		if !req.AutoCloseDisabled() {
			req.Close()
		}
		s.logger.Debug("request resolved",
			"request_id", req.ID,
			"path", req.HTTP.URL.Path,
			"stage", req.stage,
			"status", req.Status(),
			"duration", time.Since(req.start))
	}()
	s.Resolve(req)
}
