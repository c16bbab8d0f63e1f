package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnce(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.RecordLogout("sso")
	families, err := registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "sessionbridge_logouts_total")
	assert.Contains(t, names, "sessionbridge_active_clients")

	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetrics_RecordResolution(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordResolution("authenticated_sso", 3*time.Millisecond)
	m.RecordResolution("authenticated_sso", 5*time.Millisecond)
	m.RecordResolution("unauthenticated", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues("authenticated_sso")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues("unauthenticated")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.ResolutionDuration))
}

func TestMetrics_RecordSignIn(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		wantStatus  string
		wantErrors  float64
	}{
		{name: "success", code: "", wantStatus: "success"},
		{name: "failure", code: "invalid_credentials", wantStatus: "failure", wantErrors: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics(prometheus.NewRegistry())
			m.RecordSignIn("sign_in", tt.code)

			assert.Equal(t, 1.0, testutil.ToFloat64(m.SignInsTotal.WithLabelValues("sign_in", tt.wantStatus)))
			assert.Equal(t, tt.wantErrors, testutil.ToFloat64(m.ProviderErrorsTotal.WithLabelValues("sign_in", "invalid_credentials")))
		})
	}
}

func TestMetrics_ClientsAndSweeps(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ActiveClients.Inc()
	m.ActiveClients.Inc()
	m.ActiveClients.Dec()
	m.ClientEvictionsTotal.Inc()
	m.RecordSweep(20 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveClients))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientEvictionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GrantSweepsTotal))
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusCreated)
	n, err := rw.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = rw.Write([]byte(" world"))
	require.NoError(t, err)

	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusCreated, rw.statusCode)
	assert.Equal(t, 11, rw.bytesWritten)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/api/session/{op}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"invalid_credentials"}`))
	}).Methods(http.MethodPost)

	for _, op := range []string{"login", "signup"} {
		req := httptest.NewRequest(http.MethodPost, "/api/session/"+op, nil)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/api/session/{op}", "401")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HTTPRequestDuration))
}

func TestHTTPMetricsMiddleware_Unmatched(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	handler := HTTPMetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/anything/abc123", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "200")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordLogout("provider")

	router := mux.NewRouter()
	RegisterMetricsEndpoint(router, registry)

	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `sessionbridge_logouts_total{method="provider"} 1`))
}
