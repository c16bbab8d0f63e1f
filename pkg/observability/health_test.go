package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(msg string) CheckFunc {
	return func(ctx context.Context) error { return errors.New(msg) }
}

func passing(ctx context.Context) error { return nil }

func TestHealthChecker_Check(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *HealthChecker)
		wantStatus string
	}{
		{
			name:       "no dependencies",
			setup:      func(h *HealthChecker) {},
			wantStatus: StatusHealthy,
		},
		{
			name: "all passing",
			setup: func(h *HealthChecker) {
				h.AddCheck("storage", true, passing)
				h.AddCheck("ratelimit", false, passing)
			},
			wantStatus: StatusHealthy,
		},
		{
			name: "optional failing",
			setup: func(h *HealthChecker) {
				h.AddCheck("storage", true, passing)
				h.AddCheck("ratelimit", false, failing("connection refused"))
			},
			wantStatus: StatusDegraded,
		},
		{
			name: "critical failing",
			setup: func(h *HealthChecker) {
				h.AddCheck("storage", true, failing("connection refused"))
				h.AddCheck("ratelimit", false, failing("connection refused"))
			},
			wantStatus: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("1.2.3")
			tt.setup(h)

			status := h.Check(context.Background())
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Equal(t, "1.2.3", status.Version)
		})
	}
}

func TestHealthChecker_DependencyDetail(t *testing.T) {
	h := NewHealthChecker("dev")
	h.AddCheck("storage", true, failing("dial tcp: refused"))

	dep := h.Check(context.Background()).Dependencies["storage"]
	assert.Equal(t, StatusUnhealthy, dep.Status)
	assert.Equal(t, "dial tcp: refused", dep.Message)
}

func TestSQLCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	assert.NoError(t, SQLCheck(db)(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("database is down"))
	assert.EqualError(t, SQLCheck(db)(context.Background()), "database is down")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCheck(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	check := RedisCheck(client)
	assert.NoError(t, check(context.Background()))

	mr.Close()
	assert.Error(t, check(context.Background()))
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	assert.NoError(t, PingCheck(pinger{})(context.Background()))
	assert.Error(t, PingCheck(pinger{err: errors.New("gone")})(context.Background()))
}

func TestHealthRoutes(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		critical   CheckFunc
		wantCode   int
		wantStatus string
	}{
		{name: "liveness ignores dependencies", path: "/healthz", critical: failing("down"), wantCode: http.StatusOK, wantStatus: StatusHealthy},
		{name: "ready", path: "/readyz", critical: passing, wantCode: http.StatusOK, wantStatus: StatusHealthy},
		{name: "not ready", path: "/readyz", critical: failing("down"), wantCode: http.StatusServiceUnavailable, wantStatus: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("dev")
			h.AddCheck("storage", true, tt.critical)

			router := mux.NewRouter()
			RegisterHealthRoutes(router, h)

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantCode, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			var body HealthStatus
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			assert.Equal(t, tt.wantStatus, body.Status)
		})
	}
}
