// Package identitytoolkit talks to an Identity Toolkit style REST API for
// password accounts, with refresh through the secure token endpoint.
package identitytoolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/bcombuddy/sessionbridge/pkg/provider"
)

const (
	DefaultBaseURL  = "https://identitytoolkit.googleapis.com/v1"
	DefaultTokenURL = "https://securetoken.googleapis.com/v1/token"

	passwordProviderID = "password"
)

// Config holds the project settings
type Config struct {
	APIKey   string `yaml:"api_key" env:"API_KEY"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL"`
	TokenURL string `yaml:"token_url" env:"TOKEN_URL"`

	// ContinueURL is where password reset emails send the user afterwards
	ContinueURL string `yaml:"continue_url" env:"CONTINUE_URL"`
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("identity toolkit API key is required")
	}
	return nil
}

// Backend implements provider.PasswordBackend, provider.AccountBackend and
// provider.Refresher
type Backend struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

// Option configures a Backend
type Option func(*Backend)

// WithHTTPClient replaces the instrumented default client
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		b.client = c
	}
}

// WithClock overrides the time source used for token expiry
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// New creates a backend
func New(cfg Config, opts ...Option) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	b := &Backend{
		cfg: cfg,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

type authResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

type lookupResponse struct {
	Users []struct {
		LocalID          string `json:"localId"`
		Email            string `json:"email"`
		DisplayName      string `json:"displayName"`
		EmailVerified    bool   `json:"emailVerified"`
		Disabled         bool   `json:"disabled"`
		ProviderUserInfo []struct {
			ProviderID string `json:"providerId"`
		} `json:"providerUserInfo"`
	} `json:"users"`
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SignInWithPassword implements provider.PasswordBackend
func (b *Backend) SignInWithPassword(ctx context.Context, email, secret string) (*provider.Grant, error) {
	var resp authResponse
	err := b.call(ctx, "accounts:signInWithPassword", map[string]interface{}{
		"email":             email,
		"password":          secret,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return b.grant(ctx, &resp)
}

// SignUp implements provider.AccountBackend
func (b *Backend) SignUp(ctx context.Context, email, secret string) (*provider.Grant, error) {
	var resp authResponse
	err := b.call(ctx, "accounts:signUp", map[string]interface{}{
		"email":             email,
		"password":          secret,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return b.grant(ctx, &resp)
}

// SendPasswordReset implements provider.AccountBackend
func (b *Backend) SendPasswordReset(ctx context.Context, email string) error {
	body := map[string]interface{}{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}
	if b.cfg.ContinueURL != "" {
		body["continueUrl"] = b.cfg.ContinueURL
	}
	return b.call(ctx, "accounts:sendOobCode", body, nil)
}

// Lookup fetches the account behind an ID token
func (b *Backend) Lookup(ctx context.Context, idToken string) (*provider.Session, error) {
	var resp lookupResponse
	if err := b.call(ctx, "accounts:lookup", map[string]interface{}{"idToken": idToken}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, &provider.NativeError{Code: "USER_NOT_FOUND", Status: http.StatusBadRequest}
	}

	u := resp.Users[0]
	if u.Disabled {
		return nil, &provider.NativeError{Code: "USER_DISABLED", Status: http.StatusBadRequest}
	}
	s := &provider.Session{
		UID:           u.LocalID,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		EmailVerified: u.EmailVerified,
		ProviderID:    passwordProviderID,
	}
	if len(u.ProviderUserInfo) > 0 && u.ProviderUserInfo[0].ProviderID != "" {
		s.ProviderID = u.ProviderUserInfo[0].ProviderID
	}
	return s, nil
}

// Refresh implements provider.Refresher
func (b *Backend) Refresh(ctx context.Context, g *provider.Grant) (*provider.Grant, error) {
	if !g.Refreshable() {
		return nil, &provider.NativeError{Code: "INVALID_REFRESH_TOKEN", Status: http.StatusBadRequest}
	}

	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  b.cfg.TokenURL + "?key=" + url.QueryEscape(b.cfg.APIKey),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.client)

	// an already-expired token forces the source to hit the endpoint
	stale := &oauth2.Token{RefreshToken: g.Token.RefreshToken, Expiry: time.Unix(1, 0)}
	tok, err := conf.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, b.refreshError(err)
	}

	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		tok.AccessToken = idToken
	}
	next := &provider.Grant{Token: tok}
	if g.Session != nil {
		s := *g.Session
		next.Session = &s
	}
	return next, nil
}

// secure token errors use the same envelope as the REST API, which
// oauth2 does not understand
func (b *Backend) refreshError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	var env errorEnvelope
	if jerr := json.Unmarshal(re.Body, &env); jerr == nil && env.Error.Message != "" {
		status := env.Error.Code
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &provider.NativeError{Code: env.Error.Message, Status: status, Err: err}
	}
	return err
}

func (b *Backend) grant(ctx context.Context, resp *authResponse) (*provider.Grant, error) {
	if resp.LocalID == "" || resp.IDToken == "" {
		return nil, fmt.Errorf("identity toolkit returned no account")
	}

	expiresIn, err := strconv.Atoi(resp.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 3600
	}
	tok := &oauth2.Token{
		AccessToken:  resp.IDToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       b.now().Add(time.Duration(expiresIn) * time.Second),
	}

	session, err := b.Lookup(ctx, resp.IDToken)
	if err != nil {
		return nil, err
	}
	if session.Email == "" {
		session.Email = resp.Email
	}
	if session.DisplayName == "" {
		session.DisplayName = resp.DisplayName
	}
	return &provider.Grant{Session: session, Token: tok}, nil
}

func (b *Backend) call(ctx context.Context, method string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	endpoint := b.cfg.BaseURL + "/" + method + "?key=" + url.QueryEscape(b.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK {
		var env errorEnvelope
		if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
			return &provider.NativeError{Code: env.Error.Message, Status: resp.StatusCode}
		}
		return &provider.NativeError{Status: resp.StatusCode, Err: fmt.Errorf("%s: %s", method, strings.TrimSpace(string(raw)))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}
