package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/webengine/internal/config"
	"github.com/vango-dev/webengine/internal/demo"
	"github.com/vango-dev/webengine/pkg/auth"
	"github.com/vango-dev/webengine/pkg/middleware"
	"github.com/vango-dev/webengine/pkg/server"
	"github.com/vango-dev/webengine/pkg/upload"
)

type serveOptions struct {
	configPath string
	addr       string
	workers    int
	debug      bool
	demo       bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		Long: `Start the HTTP server and block until SIGINT or SIGTERM.

Flags override the matching configuration file settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts.demo, nil)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file (default: webengine.yaml in the working directory)")
	cmd.Flags().StringVarP(&opts.addr, "addr", "a", "", "Listen address")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "Worker pool size")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Include stack traces in error responses")
	cmd.Flags().BoolVar(&opts.demo, "demo", true, "Mount the demo notes API and chat socket")

	return cmd
}

func loadConfig(opts serveOptions) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		found, err := config.Find(".")
		switch {
		case errors.Is(err, config.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			path = found
		}
	}

	cfg := config.New()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if opts.addr != "" {
		cfg.Server.Address = opts.addr
	}
	if opts.workers > 0 {
		cfg.Server.Workers = opts.workers
		cfg.Server.QueueSize = opts.workers * 10
	}
	if opts.debug {
		cfg.Server.Debug = true
	}
	return cfg, cfg.Validate()
}

// app is everything serve builds from a configuration.
type app struct {
	cfg      *config.Config
	engine   *server.Server
	authn    *auth.Service
	store    upload.Store
	registry *prometheus.Registry
	logger   *slog.Logger
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, withDemo bool) (*app, error) {
	a := &app{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		logger:   slog.Default().With("component", "cli"),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	authn, closeAuth, err := cfg.OpenAuth(ctx)
	if err != nil {
		return nil, err
	}
	a.authn = authn
	a.closers = append(a.closers, closeAuth)

	if a.store, err = cfg.OpenUploadStore(); err != nil {
		a.close()
		return nil, err
	}

	sc := cfg.ServerConfig()
	sc.MetricsRegisterer = a.registry
	if authn != nil {
		sc.Authenticator = authn
	}
	a.engine = server.New(sc)
	a.closers = append(a.closers, func() { _ = a.engine.Stop(context.Background()) })

	for _, dir := range cfg.Static {
		if err := a.engine.RegisterDirectory(dir.URL, cfg.Resolve(dir.Dir)); err != nil {
			a.close()
			return nil, fmt.Errorf("static %s: %w", dir.Dir, err)
		}
	}
	if authn != nil {
		if err := a.engine.RegisterController("/api/security", a.engine.SecurityOperations(authn)); err != nil {
			a.close()
			return nil, err
		}
	}
	if withDemo {
		if _, err := demo.Register(a.engine, a.store, cfg.UploadSettings()); err != nil {
			a.close()
			return nil, err
		}
	}
	if err := a.engine.RegisterSyncScript(server.DefaultSyncPath); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// routes builds the outer router: operational endpoints first, the engine
// for everything else.
func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		propagateRequestID,
		middleware.OpenTelemetry(),
		middleware.Prometheus(middleware.WithRegistry(a.registry), middleware.WithNamespace(a.cfg.Metrics.Namespace)),
	)
	if a.cfg.Server.Compress {
		r.Use(middleware.Compress())
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		stats := a.engine.PoolStats()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok workers=%d queued=%d\n", stats.Workers, stats.Queued)
	})
	if !a.cfg.Metrics.Disabled {
		r.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}
	if a.store != nil {
		h := upload.Handler(a.store, a.cfg.UploadSettings())
		if a.authn != nil {
			r.With(auth.Middleware(a.authn, a.engine.Config().TokenCookie), auth.Require(0)).
				Method(http.MethodPost, a.cfg.Upload.Path, h)
		} else {
			r.Method(http.MethodPost, a.cfg.Upload.Path, h)
		}
	}

	r.Handle("/*", a.engine.Handler())
	return r
}

// propagateRequestID hands chi's request ID to the engine, which uses the
// X-Request-Id header as the work item ID.
func propagateRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			if id := chimw.GetReqID(r.Context()); id != "" {
				r.Header.Set("X-Request-Id", id)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// serve runs until ctx ends. ready, when set, receives the bound address.
func serve(ctx context.Context, cfg *config.Config, withDemo bool, ready chan<- net.Addr) error {
	a, err := newApp(ctx, cfg, withDemo)
	if err != nil {
		return err
	}
	defer a.close()

	sc := a.engine.Config()
	httpServer := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: sc.ReadHeaderTimeout,
		ReadTimeout:       sc.ReadTimeout,
		WriteTimeout:      sc.WriteTimeout,
		IdleTimeout:       sc.IdleTimeout,
	}
	ln, err := net.Listen("tcp", sc.Address)
	if err != nil {
		return err
	}
	a.logger.Info("listening", "address", ln.Addr().String(), "workers", sc.WorkerCount)
	if ready != nil {
		ready <- ln.Addr()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if stopErr := a.engine.Stop(shutdownCtx); err == nil {
			err = stopErr
		}
		return err
	})
	if a.store != nil {
		g.Go(func() error {
			expiry := cfg.Upload.TempExpiry.Std()
			upload.StartCleanup(gctx, a.store, expiry/4+time.Second, expiry, func(err error) {
				a.logger.Warn("upload cleanup failed", "error", err)
			})
			return nil
		})
	}
	return g.Wait()
}
