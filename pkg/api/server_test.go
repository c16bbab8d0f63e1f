package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcombuddy/sessionbridge/pkg/config"
	"github.com/bcombuddy/sessionbridge/pkg/middleware"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
	"github.com/bcombuddy/sessionbridge/pkg/popup"
	"github.com/bcombuddy/sessionbridge/pkg/provider"
	"github.com/bcombuddy/sessionbridge/pkg/provider/providertest"
	"github.com/bcombuddy/sessionbridge/pkg/storage"
)

type harness struct {
	server  *Server
	http    *httptest.Server
	client  *http.Client
	backend *providertest.Backend
	store   *storage.Memory
}

type harnessOption func(*Options)

func withoutProvider() harnessOption {
	return func(o *Options) { o.Providers = nil }
}

func withLimiter(l middleware.Limiter) harnessOption {
	return func(o *Options) { o.Limiter = l }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	backend := providertest.NewBackend(providertest.Account{
		UID:         "u-1",
		Email:       "student@example.com",
		Secret:      "hunter22",
		DisplayName: "Sam Student",
	})
	broker := popup.NewBroker(time.Minute)
	store := storage.NewMemory()

	cfg := config.Default()
	o := Options{
		Server:  cfg.Server,
		SSO:     cfg.SSO,
		Backend: store,
		Providers: func(b storage.Backend, logger *observability.Logger) *provider.Client {
			return provider.NewClient("test",
				provider.WithBackend(backend),
				provider.WithOpener(broker),
				provider.WithTokenCache(provider.NewTokenCache(b)),
				provider.WithLogger(logger),
			)
		},
		Broker:         broker,
		Registry:       prometheus.NewRegistry(),
		MetricsEnabled: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s, err := New(o)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &harness{server: s, http: ts, client: client, backend: backend, store: store}
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := h.client.Get(h.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *harness) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := h.client.Post(h.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (h *harness) state(t *testing.T) StateResponse {
	t.Helper()
	resp := h.get(t, "/api/session")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[StateResponse](t, resp)
}

func (h *harness) phase(t *testing.T) string {
	t.Helper()
	resp, err := h.client.Get(h.http.URL + "/api/session")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	phase, _ := body["phase"].(string)
	return phase
}

func ssoQuery(t *testing.T) string {
	t.Helper()
	return ssoQueryFor(t, "portal.example.edu")
}

// ssoQueryFor builds SSO parameters whose identity names hostDomain, or no
// host domain when it is empty
func ssoQueryFor(t *testing.T, hostDomain string) string {
	t.Helper()
	claims := map[string]interface{}{
		"id":          "s-42",
		"email":       "s-42@example.edu",
		"displayName": "Student 42",
		"exp":         time.Now().Add(time.Hour).Unix(),
	}
	if hostDomain != "" {
		claims["hostDomain"] = hostDomain
	}
	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	q := url.Values{}
	q.Set("lesson", "gst-1")
	q.Set("token", base64.StdEncoding.EncodeToString(payload))
	q.Set("sso", "true")
	q.Set("shell", "https://shell.example.edu")
	return q.Encode()
}

func TestLoadApp_SSO(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/app?"+ssoQuery(t))
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/app?lesson=gst-1", resp.Header.Get("Location"))

	st := h.state(t)
	assert.Equal(t, "authenticated_sso", st.Phase.String())
	assert.False(t, st.Loading)
	require.NotNil(t, st.Identity)
	assert.Equal(t, "s-42@example.edu", st.Identity.Email)

	// a reload without the token restores the persisted SSO session
	resp = h.get(t, "/app?lesson=gst-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authenticated_sso", decode[map[string]interface{}](t, resp)["phase"])
}

func TestLoadApp_SetsClientCookie(t *testing.T) {
	h := newHarness(t, withoutProvider())

	resp := h.get(t, "/app")
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == ClientCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Len(t, cookie.Value, 36)

	// the cookie is reused
	resp = h.get(t, "/app")
	assert.Empty(t, resp.Cookies())
	assert.Equal(t, 1, h.server.clients.len())
}

func TestLogout_SSOReturnsToShell(t *testing.T) {
	h := newHarness(t)
	h.get(t, "/app?"+ssoQuery(t))

	resp := h.post(t, "/api/session/logout", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[LogoutResponse](t, resp)
	assert.Equal(t, "sso", string(body.Method))
	assert.Equal(t, "https://portal.example.edu", body.Redirect)

	assert.Equal(t, "unauthenticated", h.phase(t))
}

func TestLogout_SSOShellHintSurvivesRedirect(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/app?"+ssoQueryFor(t, ""))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	// following the redirect opens a new page without the shell parameter
	resp = h.get(t, resp.Header.Get("Location"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authenticated_sso", h.phase(t))

	resp = h.post(t, "/api/session/logout", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[LogoutResponse](t, resp)
	assert.Equal(t, "sso", string(body.Method))
	assert.Equal(t, "https://shell.example.edu", body.Redirect)
}

func TestLoadApp_WithoutProvider(t *testing.T) {
	h := newHarness(t, withoutProvider())

	resp := h.get(t, "/app")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unauthenticated", decode[map[string]interface{}](t, resp)["phase"])

	resp = h.post(t, "/api/session/login", `{"email":"student@example.com","password":"hunter22"}`)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	assert.Equal(t, "no_provider", decode[map[string]string](t, resp)["code"])
}

func TestLogin(t *testing.T) {
	h := newHarness(t)
	h.get(t, "/app")
	assert.Equal(t, "unauthenticated", h.phase(t))

	resp := h.post(t, "/api/session/login", `{"email":"student@example.com","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errBody := decode[map[string]string](t, resp)
	assert.Equal(t, "invalid_credentials", errBody["code"])
	assert.Equal(t, "Invalid email or password.", errBody["error"])

	resp = h.post(t, "/api/session/login", `{"email":"student@example.com","password":"hunter22"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[StateResponse](t, resp)
	assert.Equal(t, "authenticated_provider", st.Phase.String())
	assert.Equal(t, "provider", string(st.Method))
	assert.Equal(t, "student@example.com", st.Identity.Email)

	// a reload restores the provider session from the cached grant
	resp = h.get(t, "/app")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authenticated_provider", decode[map[string]interface{}](t, resp)["phase"])
}

func TestLogin_MalformedBody(t *testing.T) {
	h := newHarness(t)

	resp := h.post(t, "/api/session/login", `{"email":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogout_Provider(t *testing.T) {
	h := newHarness(t)
	h.get(t, "/app")
	h.post(t, "/api/session/login", `{"email":"student@example.com","password":"hunter22"}`)

	resp := h.post(t, "/api/session/logout", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[LogoutResponse](t, resp)
	assert.Equal(t, "provider", string(body.Method))
	assert.Empty(t, body.Redirect)

	assert.Eventually(t, func() bool {
		return h.phase(t) == "unauthenticated"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.backend.Revoked, "u-1")
}

func TestSignupAndPasswordReset(t *testing.T) {
	h := newHarness(t)
	h.get(t, "/app")

	resp := h.post(t, "/api/session/signup", `{"email":"new@example.com","password":"123"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "weak_secret", decode[map[string]string](t, resp)["code"])

	resp = h.post(t, "/api/session/signup", `{"email":"new@example.com","password":"longenough"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "new@example.com", decode[StateResponse](t, resp).Identity.Email)

	resp = h.post(t, "/api/session/password-reset", `{"email":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.post(t, "/api/session/password-reset", `{"email":"student@example.com"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"student@example.com"}, h.backend.Resets)
}

func startFederated(t *testing.T, h *harness) string {
	t.Helper()
	resp := h.post(t, "/api/session/federated", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	authURL := decode[map[string]string](t, resp)["auth_url"]
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestFederated(t *testing.T) {
	h := newHarness(t)
	h.get(t, "/app")

	state := startFederated(t, h)

	resp, err := http.Get(h.http.URL + "/auth/federated/callback?code=abc&state=" + url.QueryEscape(state))
	require.NoError(t, err)
	page, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(page), "Sign-in complete")

	assert.Eventually(t, func() bool {
		return h.phase(t) == "authenticated_provider"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "fed@example.com", h.state(t).Identity.Email)
}

func TestFederated_Cancel(t *testing.T) {
	h := newHarness(t)
	h.get(t, "/app")

	state := startFederated(t, h)

	resp := h.post(t, "/auth/federated/cancel", `{"state":"`+state+`","blocked":true}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.post(t, "/auth/federated/cancel", `{"state":"`+state+`"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Eventually(t, func() bool {
		return h.server.broker.Pending() == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "unauthenticated", h.phase(t))
}

func TestFederatedCallback_UnknownState(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/auth/federated/callback?code=abc&state=nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLogin_RateLimited(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	h := newHarness(t, withLimiter(limiter))
	h.get(t, "/app")

	resp := h.post(t, "/api/session/login", `{"email":"student@example.com","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.post(t, "/api/session/login", `{"email":"student@example.com","password":"hunter22"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", decode[map[string]string](t, resp)["code"])

	// reads are not limited
	assert.Equal(t, "unauthenticated", h.phase(t))
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	h.get(t, "/app")

	resp := h.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sessionbridge_resolutions_total")
	assert.Contains(t, string(body), `route="/app"`)
	assert.Contains(t, string(body), "sessionbridge_active_clients 1")
}

func TestSweep_RefreshesExpiringGrants(t *testing.T) {
	h := newHarness(t)
	h.backend.TokenLifetime = 30 * time.Second
	h.get(t, "/app")
	h.post(t, "/api/session/login", `{"email":"student@example.com","password":"hunter22"}`)

	h.server.sweep()

	assert.Equal(t, 1, h.backend.Refreshes)
	assert.Equal(t, "authenticated_provider", h.phase(t))
}

func TestNew_RequiresBackend(t *testing.T) {
	_, err := New(Options{})
	assert.EqualError(t, err, "storage backend is required")
}

func TestNew_BadSweepSchedule(t *testing.T) {
	cfg := config.Default()
	cfg.Server.SweepSchedule = "every tuesday"
	_, err := New(Options{Server: cfg.Server, Backend: storage.NewMemory()})
	assert.ErrorContains(t, err, "sweep schedule")
}
