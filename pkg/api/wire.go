package api

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bcombuddy/sessionbridge/pkg/audit"
	"github.com/bcombuddy/sessionbridge/pkg/config"
	"github.com/bcombuddy/sessionbridge/pkg/middleware"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
	"github.com/bcombuddy/sessionbridge/pkg/page"
	"github.com/bcombuddy/sessionbridge/pkg/popup"
	"github.com/bcombuddy/sessionbridge/pkg/storage"
)

// NewFromConfig opens the storage backend, rate limiter and identity
// provider described by cfg and assembles a Server over them. The server
// owns what it opened and releases it on Close.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *observability.Logger, version string) (*Server, error) {
	backend, err := storage.Open(ctx, cfg.Storage.Backend())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	closers := []func() error{backend.Close}
	fail := func(err error) (*Server, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	health := observability.NewHealthChecker(version)
	if p, ok := backend.(storage.Pinger); ok {
		health.AddCheck("storage", true, observability.PingCheck(p))
	}

	var limiter middleware.Limiter
	if cfg.RateLimit.Enabled {
		rlCfg := middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit.Requests,
			WindowDuration:    cfg.RateLimit.Window,
			BurstSize:         cfg.RateLimit.Burst,
		}
		switch cfg.RateLimit.Backend {
		case config.LimiterRedis:
			opts, err := redis.ParseURL(cfg.RateLimit.RedisURL)
			if err != nil {
				return fail(fmt.Errorf("rate limit redis url: %w", err))
			}
			client := redis.NewClient(opts)
			closers = append(closers, client.Close)
			health.AddCheck("rate_limit_redis", false, observability.RedisCheck(client))
			limiter = middleware.NewDistributedRateLimiter(client, rlCfg, "")
		default:
			limiter = middleware.NewRateLimiter(rlCfg)
		}
	}

	broker := popup.NewBroker(cfg.Server.FederatedTimeout)
	providers, err := page.NewProviderFactory(ctx, cfg.Provider, broker)
	if err != nil {
		return fail(err)
	}
	if providers == nil {
		logger.Info("no identity provider configured; serving SSO sessions only")
	}

	var recorders []observability.AuthRecorder
	if cfg.Observability.OTelEnabled {
		om, err := observability.NewOTelMetrics()
		if err != nil {
			return fail(fmt.Errorf("otel metrics: %w", err))
		}
		recorders = append(recorders, om)
	}
	if cfg.Observability.AuditDir != "" {
		trail, err := audit.NewTrail(audit.Config{Dir: cfg.Observability.AuditDir}, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, trail.Close)
		recorders = append(recorders, trail)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := New(Options{
		Server:         cfg.Server,
		SSO:            cfg.SSO,
		Backend:        backend,
		Providers:      providers,
		Broker:         broker,
		Limiter:        limiter,
		Logger:         logger,
		Registry:       registry,
		Health:         health,
		Recorders:      recorders,
		MetricsEnabled: cfg.Observability.MetricsEnabled,
	})
	if err != nil {
		return fail(err)
	}
	for _, fn := range closers {
		s.OnClose(fn)
	}
	return s, nil
}
