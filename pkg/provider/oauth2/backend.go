// Package oauth2 is a provider backend for plain OAuth 2.0 authorization
// servers. Sessions come from the userinfo endpoint.
package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	xoauth2 "golang.org/x/oauth2"

	"github.com/bcombuddy/sessionbridge/pkg/provider"
)

// Config describes an authorization server and client registration
type Config struct {
	Name          string                `yaml:"name" env:"NAME"`
	ClientID      string                `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret  string                `yaml:"client_secret" env:"CLIENT_SECRET"`
	AuthURL       string                `yaml:"auth_url" env:"AUTH_URL"`
	TokenURL      string                `yaml:"token_url" env:"TOKEN_URL"`
	UserInfoURL   string                `yaml:"userinfo_url" env:"USERINFO_URL"`
	RevocationURL string                `yaml:"revocation_url" env:"REVOCATION_URL"`
	RedirectURL   string                `yaml:"redirect_url" env:"REDIRECT_URL"`
	Scopes        []string              `yaml:"scopes" env:"SCOPES" envSeparator:","`
	Attributes    provider.AttributeMap `yaml:"attributes"`
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("token_url is required")
	}
	return nil
}

// SessionFunc derives the session for a freshly issued token. previous is
// the session being refreshed, or nil on first sign-in.
type SessionFunc func(ctx context.Context, tok *xoauth2.Token, previous *provider.Session) (*provider.Session, error)

// Backend implements provider.FederatedBackend, provider.Refresher and
// provider.Revoker
type Backend struct {
	name          string
	conf          *xoauth2.Config
	userInfoURL   string
	revocationURL string
	attrs         provider.AttributeMap
	client        *http.Client
	session       SessionFunc
}

// Option configures a Backend
type Option func(*Backend)

// WithHTTPClient sets the client for token, userinfo and revocation calls
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		if c != nil {
			b.client = c
		}
	}
}

// WithSessionFunc replaces the userinfo lookup
func WithSessionFunc(fn SessionFunc) Option {
	return func(b *Backend) {
		b.session = fn
	}
}

// DefaultHTTPClient is an instrumented client with a request timeout
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   15 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// New creates a backend
func New(cfg Config, opts ...Option) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = "oauth2"
	}

	b := &Backend{
		name: name,
		conf: &xoauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: xoauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		userInfoURL:   cfg.UserInfoURL,
		revocationURL: cfg.RevocationURL,
		attrs:         cfg.Attributes.WithDefaults(),
		client:        DefaultHTTPClient(),
	}
	b.session = b.userInfoSession
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name returns the provider name used as the session's ProviderID
func (b *Backend) Name() string {
	return b.name
}

// Attributes returns the effective attribute mapping
func (b *Backend) Attributes() provider.AttributeMap {
	return b.attrs
}

func (b *Backend) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, xoauth2.HTTPClient, b.client)
}

// AuthCodeURL implements provider.FederatedBackend
func (b *Backend) AuthCodeURL(state, verifier string) (string, error) {
	if b.conf.Endpoint.AuthURL == "" {
		return "", fmt.Errorf("auth_url is not configured")
	}
	opts := []xoauth2.AuthCodeOption{xoauth2.AccessTypeOffline}
	if verifier != "" {
		opts = append(opts, xoauth2.S256ChallengeOption(verifier))
	}
	return b.conf.AuthCodeURL(state, opts...), nil
}

// CompleteFederated implements provider.FederatedBackend
func (b *Backend) CompleteFederated(ctx context.Context, params url.Values, verifier string) (*provider.Grant, error) {
	code := params.Get("code")
	if code == "" {
		return nil, &provider.NativeError{Code: "invalid_request", Err: errors.New("missing authorization code")}
	}

	var opts []xoauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, xoauth2.VerifierOption(verifier))
	}
	tok, err := b.conf.Exchange(b.withClient(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return b.grant(ctx, tok, nil)
}

// PasswordGrant returns a password backend using the resource owner
// password credentials grant. Only enable it for servers that allow it.
func (b *Backend) PasswordGrant() provider.PasswordBackend {
	return passwordGrant{b}
}

type passwordGrant struct {
	b *Backend
}

func (p passwordGrant) SignInWithPassword(ctx context.Context, email, secret string) (*provider.Grant, error) {
	tok, err := p.b.conf.PasswordCredentialsToken(p.b.withClient(ctx), email, secret)
	if err != nil {
		return nil, fmt.Errorf("password grant failed: %w", err)
	}
	return p.b.grant(ctx, tok, nil)
}

// Refresh implements provider.Refresher
func (b *Backend) Refresh(ctx context.Context, g *provider.Grant) (*provider.Grant, error) {
	if !g.Refreshable() {
		return nil, &provider.NativeError{Code: "invalid_grant", Err: errors.New("no refresh token")}
	}

	stale := &xoauth2.Token{RefreshToken: g.Token.RefreshToken}
	tok, err := b.conf.TokenSource(b.withClient(ctx), stale).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return b.grant(ctx, tok, g.Session)
}

// Revoke implements provider.Revoker using RFC 7009. Servers without a
// revocation endpoint only lose the local grant.
func (b *Backend) Revoke(ctx context.Context, g *provider.Grant) error {
	if b.revocationURL == "" || g.Token == nil {
		return nil
	}

	token, hint := g.Token.RefreshToken, "refresh_token"
	if token == "" {
		token, hint = g.Token.AccessToken, "access_token"
	}
	if token == "" {
		return nil
	}

	form := url.Values{"token": {token}, "token_type_hint": {hint}}
	if b.conf.ClientSecret == "" {
		form.Set("client_id", b.conf.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if b.conf.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(b.conf.ClientID), url.QueryEscape(b.conf.ClientSecret))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return nativeError(resp)
}

// UserInfo fetches the userinfo document for tok
func (b *Backend) UserInfo(ctx context.Context, tok *xoauth2.Token) (map[string]interface{}, error) {
	if b.userInfoURL == "" {
		return nil, fmt.Errorf("userinfo_url is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	tok.SetAuthHeader(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nativeError(resp)
	}

	var info map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	return info, nil
}

func (b *Backend) userInfoSession(ctx context.Context, tok *xoauth2.Token, previous *provider.Session) (*provider.Session, error) {
	if previous != nil {
		return previous, nil
	}
	info, err := b.UserInfo(ctx, tok)
	if err != nil {
		return nil, err
	}
	return b.attrs.SessionFromClaims(info, b.name)
}

func (b *Backend) grant(ctx context.Context, tok *xoauth2.Token, previous *provider.Session) (*provider.Grant, error) {
	s, err := b.session(ctx, tok, previous)
	if err != nil {
		return nil, err
	}
	c := *s
	return &provider.Grant{Session: &c, Token: tok}, nil
}

func nativeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &payload)

	var cause error
	if payload.ErrorDescription != "" {
		cause = errors.New(payload.ErrorDescription)
	} else if payload.Error == "" && len(body) > 0 {
		cause = errors.New(strings.TrimSpace(string(body)))
	}
	return &provider.NativeError{Code: payload.Error, Status: resp.StatusCode, Err: cause}
}
