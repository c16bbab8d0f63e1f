package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bcombuddy/sessionbridge/pkg/config"
	"github.com/bcombuddy/sessionbridge/pkg/httputil"
	"github.com/bcombuddy/sessionbridge/pkg/middleware"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
	"github.com/bcombuddy/sessionbridge/pkg/page"
	"github.com/bcombuddy/sessionbridge/pkg/popup"
	"github.com/bcombuddy/sessionbridge/pkg/sso"
	"github.com/bcombuddy/sessionbridge/pkg/storage"
)

// Options wires a Server
type Options struct {
	Server config.ServerConfig
	SSO    config.SSOConfig

	// Backend holds every client's session record and provider grant
	Backend storage.Backend

	// Providers builds provider clients; nil serves SSO sessions only
	Providers page.ProviderFactory

	// Broker completes federated sign-ins from callback requests
	Broker *popup.Broker

	// Limiter guards the sign-in endpoints; nil disables rate limiting
	Limiter middleware.Limiter

	Logger   *observability.Logger
	Registry *prometheus.Registry
	Health   *observability.HealthChecker

	// Recorders receive auth events next to the Prometheus metrics
	Recorders []observability.AuthRecorder

	// MetricsEnabled exposes /metrics
	MetricsEnabled bool
}

// Server is the HTTP front of the identity flow
type Server struct {
	cfg       config.ServerConfig
	publicURL *url.URL
	router    *mux.Router
	logger    *observability.Logger
	metrics   *observability.Metrics
	broker    *popup.Broker
	limiter   middleware.Limiter
	clients   *registry
	pages     *page.Factory
	scheduler *cron.Cron
	closers   []func() error
}

// New creates a server. It does not start listening.
func New(opts Options) (*Server, error) {
	if opts.Backend == nil {
		return nil, errors.New("storage backend is required")
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Health == nil {
		opts.Health = observability.NewHealthChecker("dev")
	}
	if opts.Broker == nil {
		opts.Broker = popup.NewBroker(opts.Server.FederatedTimeout)
	}
	if opts.Server.MaxClients <= 0 {
		opts.Server.MaxClients = config.Default().Server.MaxClients
	}
	if opts.Server.ClientTTL <= 0 {
		opts.Server.ClientTTL = config.Default().Server.ClientTTL
	}

	var publicURL *url.URL
	if opts.Server.PublicURL != "" {
		u, err := url.Parse(opts.Server.PublicURL)
		if err != nil {
			return nil, fmt.Errorf("public url: %w", err)
		}
		publicURL = u
	}

	var parserOpts []sso.Option
	if opts.SSO.Secret != "" {
		parserOpts = append(parserOpts, sso.WithSecret([]byte(opts.SSO.Secret)))
	}

	metrics := observability.NewMetrics(opts.Registry)
	recorders := append(observability.Recorders{metrics}, opts.Recorders...)

	s := &Server{
		cfg:       opts.Server,
		publicURL: publicURL,
		router:    mux.NewRouter(),
		logger:    opts.Logger,
		metrics:   metrics,
		broker:    opts.Broker,
		limiter:   opts.Limiter,
		clients:   newRegistry(opts.Server.MaxClients, opts.Server.ClientTTL, metrics),
		pages: &page.Factory{
			Backend:         opts.Backend,
			Parser:          sso.NewParser(parserOpts...),
			Providers:       opts.Providers,
			Recorder:        recorders,
			DefaultShellURL: opts.SSO.DefaultShellURL,
			Logger:          opts.Logger,
		},
		scheduler: cron.New(),
	}

	schedule := opts.Server.SweepSchedule
	if schedule == "" {
		schedule = config.Default().Server.SweepSchedule
	}
	if _, err := s.scheduler.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}

	s.setupRoutes(opts.Health, opts.Registry, opts.MetricsEnabled)
	return s, nil
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(health *observability.HealthChecker, gatherer prometheus.Gatherer, metricsEnabled bool) {
	s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))

	s.router.Handle("/app", s.withClient(http.HandlerFunc(s.loadApp))).Methods(http.MethodGet)

	// Session routes
	s.router.Handle("/api/session", s.withClient(http.HandlerFunc(s.getSession))).Methods(http.MethodGet)
	s.router.Handle("/api/session/login", s.withClient(s.limited(s.login))).Methods(http.MethodPost)
	s.router.Handle("/api/session/signup", s.withClient(s.limited(s.signup))).Methods(http.MethodPost)
	s.router.Handle("/api/session/password-reset", s.withClient(s.limited(s.passwordReset))).Methods(http.MethodPost)
	s.router.Handle("/api/session/federated", s.withClient(s.limited(s.federated))).Methods(http.MethodPost)
	s.router.Handle("/api/session/logout", s.withClient(http.HandlerFunc(s.logout))).Methods(http.MethodPost)

	// Federated callback routes
	s.router.HandleFunc("/auth/federated/callback", s.federatedCallback).Methods(http.MethodGet, http.MethodPost)
	s.router.HandleFunc("/auth/federated/cancel", s.federatedCancel).Methods(http.MethodPost)

	observability.RegisterHealthRoutes(s.router, health)
	if metricsEnabled {
		observability.RegisterMetricsEndpoint(s.router, gatherer)
	}
}

func (s *Server) limited(fn http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return fn
	}
	return middleware.RateLimit(s.limiter, middleware.ByClientIP, s.logger)(fn)
}

// ServeHTTP implements http.Handler without the outer middleware
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped in tracing, request ids, logging,
// panic recovery and CORS
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
		httputil.CORSMiddleware(s.cfg.AllowedOrigins),
		httputil.MaxBytesMiddleware(1<<20),
	)
	return otelhttp.NewHandler(chain(s.router), "sessionbridge")
}

// OnClose registers fn to run when the server closes
func (s *Server) OnClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Infof("listening on %s", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	return errors.Join(err, s.Close())
}

// Close stops the sweep, closes every page and runs the
// registered closers in reverse order
func (s *Server) Close() error {
	<-s.scheduler.Stop().Done()
	s.clients.closeAll()

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// sweep refreshes or ends provider grants that are about to expire
func (s *Server) sweep() {
	defer observability.RecoverPanic(s.logger, "grant sweep")

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, p := range s.clients.values() {
		if p.Provider == nil {
			continue
		}
		if err := p.Provider.CheckExpiry(ctx); err != nil {
			s.logger.WithError(err).WithField("client_id", p.ID).Debug("grant refresh failed")
		}
	}
	if rl, ok := s.limiter.(*middleware.RateLimiter); ok {
		if n := rl.Cleanup(); n > 0 {
			s.logger.Debugf("dropped %d idle rate limit buckets", n)
		}
	}
	s.metrics.RecordSweep(time.Since(start))
}
