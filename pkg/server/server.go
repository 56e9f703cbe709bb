package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/webengine/pkg/filecache"
	"github.com/vango-dev/webengine/pkg/templates"
	"github.com/vango-dev/webengine/pkg/workerpool"
)

// Server is the request-processing engine. It implements http.Handler:
// every request is queued on the worker pool and resolved by a worker
// while the connection goroutine waits for it to close.
type Server struct {
	cfg      *ServerConfig
	logger   *slog.Logger
	pool     *workerpool.Pool[*Request]
	files    *filecache.Cache
	views    *templates.Cache
	upgrader websocket.Upgrader
	metrics  *engineMetrics
	tracer   trace.Tracer

	routes  atomic.Pointer[routeTable]
	regMu   sync.Mutex
	hooks   hooks
	scripts syncCache

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
	stopped    bool
}

// New creates a server and starts its worker pool. A nil config uses
// DefaultServerConfig; unset fields are filled from it.
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	} else {
		config = config.Clone()
		config.applyDefaults()
	}

	logger := slog.Default().With("component", "server")
	if err := config.ValidateConfig(); err != nil {
		logger.Error("config validation failed", "error", err)
	}

	files := filecache.New(config.FileCheckInterval)
	s := &Server{
		cfg:    config,
		logger: logger,
		pool:   workerpool.New[*Request](config.QueueSize, logger),
		files:  files,
		views:  templates.New(files),
		tracer: otel.Tracer(config.TracerName),
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  config.WebSocket.HandshakeTimeout,
			ReadBufferSize:    config.WebSocket.ReadBufferSize,
			WriteBufferSize:   config.WebSocket.WriteBufferSize,
			EnableCompression: config.WebSocket.EnableCompression,
			CheckOrigin:       config.CheckOrigin,
		},
	}
	s.routes.Store(newRouteTable())
	s.metrics = newEngineMetrics(config.MetricsRegisterer, config.MetricsNamespace, s)
	s.upgrader.Error = func(w http.ResponseWriter, r *http.Request, status int, reason error) {
		s.logger.Warn("websocket upgrade failed", "path", r.URL.Path, "status", status, "error", reason)
		http.Error(w, http.StatusText(status), status)
	}
	s.pool.OnPanic(func(req *Request, recovered any) {
		s.reportException("worker", recoveredError("worker", recovered))
		req.Close()
	})
	s.pool.Start(config.WorkerCount)
	return s
}

// ServeHTTP queues the request and blocks until a worker closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := newRequest(s, w, r)
	w.Header().Set("X-Request-Id", req.ID)

	if err := s.pool.Submit(r.Context(), req, s.handle); err != nil {
		s.metrics.rejected.Inc()
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("request rejected", "request_id", req.ID, "error", err)
		}
		req.WriteStatus(http.StatusServiceUnavailable, "")
		return
	}

	select {
	case <-req.Done():
	case <-r.Context().Done():
		req.abandon()
		s.logger.Debug("request abandoned", "request_id", req.ID, "error", r.Context().Err())
	}
}

// Handler returns the server as an http.Handler for mounting in an
// external router.
func (s *Server) Handler() http.Handler {
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	if err := s.cfg.ValidateConfig(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServerStopped
	}
	if s.httpServer != nil {
		return ErrServerRunning
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.serveErr = make(chan error, 1)

	srv, errCh := s.httpServer, s.serveErr
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	s.logEvent("start", "server started", "address", ln.Addr().String(), "workers", s.cfg.WorkerCount)
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the listener down, disconnects every WebSocket session and
// drains the worker pool. It is bounded by ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	srv := s.httpServer
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
		if err != nil {
			s.logger.Error("shutdown error", "error", err)
		}
	}

	for _, m := range s.routes.Load().sockets {
		m.registry.DisconnectAll(websocket.CloseGoingAway, "server shutdown")
	}
	s.pool.Stop()

	s.logEvent("stop", "server stopped")
	return err
}

// Run starts the server and blocks until SIGINT or SIGTERM, then stops it.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-s.serveErr:
		if err != nil {
			return err
		}
		return nil
	case <-shutdown:
		s.logger.Info("shutting down...")
		return s.Stop(context.Background())
	}
}

// SetWorkerCount resizes the worker pool. Zero stops it.
func (s *Server) SetWorkerCount(n int) {
	s.pool.SetWorkerCount(n)
}

// PoolStats returns worker pool counters.
func (s *Server) PoolStats() workerpool.Stats {
	return s.pool.Stats()
}

// Config returns the server configuration.
func (s *Server) Config() *ServerConfig {
	return s.cfg
}

// Files returns the static file cache.
func (s *Server) Files() *filecache.Cache {
	return s.files
}

// Views returns the view template cache.
func (s *Server) Views() *templates.Cache {
	return s.views
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// SetLogger sets the server logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger
}
