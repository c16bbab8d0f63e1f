// Package oidc is a provider backend for OpenID Connect identity providers.
// Endpoints are discovered from the issuer and sessions come from verified
// ID tokens.
package oidc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	xoauth2 "golang.org/x/oauth2"

	"github.com/bcombuddy/sessionbridge/pkg/provider"
	"github.com/bcombuddy/sessionbridge/pkg/provider/oauth2"
)

// Config holds the OpenID Connect client settings
type Config struct {
	Name            string                `yaml:"name" env:"NAME"`
	IssuerURL       string                `yaml:"issuer_url" env:"ISSUER_URL"`
	ClientID        string                `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret    string                `yaml:"client_secret" env:"CLIENT_SECRET"`
	RedirectURL     string                `yaml:"redirect_url" env:"REDIRECT_URL"`
	Scopes          []string              `yaml:"scopes" env:"SCOPES" envSeparator:","`
	SkipIssuerCheck bool                  `yaml:"skip_issuer_check" env:"SKIP_ISSUER_CHECK"`
	PasswordGrant   bool                  `yaml:"password_grant" env:"PASSWORD_GRANT"`
	Attributes      provider.AttributeMap `yaml:"attributes"`

	// RevocationURL overrides the discovered revocation endpoint
	RevocationURL string `yaml:"revocation_url" env:"REVOCATION_URL"`
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.IssuerURL == "" {
		return fmt.Errorf("issuer_url is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	return nil
}

// Backend wraps the OAuth 2.0 flows with ID token verification
type Backend struct {
	*oauth2.Backend

	provider *gooidc.Provider
	verifier *gooidc.IDTokenVerifier
	client   *http.Client
	attrs    provider.AttributeMap
	name     string
	password bool
}

type options struct {
	client *http.Client
	now    func() time.Time
}

// Option configures a Backend
type Option func(*options)

// WithHTTPClient sets the client for discovery and token calls
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithClock sets the time used to check token expiry
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New discovers the issuer and creates a backend
func New(ctx context.Context, cfg Config, opts ...Option) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{client: oauth2.DefaultHTTPClient()}
	for _, opt := range opts {
		opt(&o)
	}

	p, err := gooidc.NewProvider(gooidc.ClientContext(ctx, o.client), cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	var meta struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
		UserInfoEndpoint   string `json:"userinfo_endpoint"`
	}
	if err := p.Claims(&meta); err != nil {
		return nil, fmt.Errorf("failed to read provider metadata: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "email", "profile", gooidc.ScopeOfflineAccess}
	}
	revocation := cfg.RevocationURL
	if revocation == "" {
		revocation = meta.RevocationEndpoint
	}
	name := cfg.Name
	if name == "" {
		name = "oidc"
	}

	b := &Backend{
		provider: p,
		verifier: p.Verifier(&gooidc.Config{
			ClientID:        cfg.ClientID,
			SkipIssuerCheck: cfg.SkipIssuerCheck,
			Now:             o.now,
		}),
		client:   o.client,
		attrs:    cfg.Attributes.WithDefaults(),
		name:     name,
		password: cfg.PasswordGrant,
	}

	endpoint := p.Endpoint()
	b.Backend, err = oauth2.New(oauth2.Config{
		Name:          name,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		AuthURL:       endpoint.AuthURL,
		TokenURL:      endpoint.TokenURL,
		UserInfoURL:   meta.UserInfoEndpoint,
		RevocationURL: revocation,
		RedirectURL:   cfg.RedirectURL,
		Scopes:        scopes,
		Attributes:    b.attrs,
	}, oauth2.WithHTTPClient(o.client), oauth2.WithSessionFunc(b.session))
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Options returns the client options that register every flow this
// backend was configured for
func (b *Backend) Options() []provider.ClientOption {
	opts := []provider.ClientOption{provider.WithBackend(b)}
	if b.password {
		opts = append(opts, provider.WithBackend(b.PasswordGrant()))
	}
	return opts
}

func (b *Backend) session(ctx context.Context, tok *xoauth2.Token, previous *provider.Session) (*provider.Session, error) {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		// refresh responses may omit the ID token
		if previous != nil {
			return previous, nil
		}
		return nil, fmt.Errorf("missing id_token in response")
	}

	ctx = gooidc.ClientContext(ctx, b.client)
	idToken, err := b.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}

	// some providers only put the address in userinfo
	if _, ok := claims[b.attrs.Email].(string); !ok {
		if info, err := b.provider.UserInfo(ctx, xoauth2.StaticTokenSource(tok)); err == nil {
			var extra map[string]interface{}
			if info.Claims(&extra) == nil {
				for k, v := range extra {
					if _, exists := claims[k]; !exists {
						claims[k] = v
					}
				}
			}
		}
	}

	if _, ok := claims[b.attrs.UserID]; !ok {
		claims[b.attrs.UserID] = idToken.Subject
	}
	return b.attrs.SessionFromClaims(claims, b.name)
}
