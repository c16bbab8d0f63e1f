package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcombuddy/sessionbridge/pkg/config"
	"github.com/bcombuddy/sessionbridge/pkg/middleware"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
)

func TestNewFromConfig_Defaults(t *testing.T) {
	s, err := NewFromConfig(context.Background(), config.Default(), observability.NewNopLogger(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Nil(t, s.pages.Providers)
	assert.IsType(t, &middleware.RateLimiter{}, s.limiter)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/app", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestNewFromConfig_RedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.RateLimit.Backend = config.LimiterRedis
	cfg.RateLimit.RedisURL = "redis://" + mr.Addr()
	cfg.Storage.Kind = "redis"
	cfg.Storage.RedisURL = "redis://" + mr.Addr()

	s, err := NewFromConfig(context.Background(), cfg, observability.NewNopLogger(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.IsType(t, &middleware.DistributedRateLimiter{}, s.limiter)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limit_redis")
	assert.Contains(t, w.Body.String(), "storage")
}

func TestNewFromConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"unknown storage", func(c *config.Config) { c.Storage.Kind = "tape" }, "open storage"},
		{"bad limiter url", func(c *config.Config) {
			c.RateLimit.Backend = config.LimiterRedis
			c.RateLimit.RedisURL = "http://not-redis"
		}, "rate limit redis url"},
		{"unknown provider", func(c *config.Config) { c.Provider.Kind = "ldap" }, "unknown provider kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			_, err := NewFromConfig(context.Background(), cfg, observability.NewNopLogger(), "test")
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestNewFromConfig_AuditTrail(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Observability.AuditDir = dir

	s, err := NewFromConfig(context.Background(), cfg, observability.NewNopLogger(), "test")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/app", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"session.resolution"`)
	assert.Contains(t, string(data), `"phase":"unauthenticated"`)
}
