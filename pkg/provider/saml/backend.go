// Package saml is a federated provider backend for SAML 2.0 identity
// providers using the HTTP-POST binding.
package saml

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/bcombuddy/sessionbridge/pkg/provider"
)

// nameIDKey holds the subject NameID among the mapped attributes
const nameIDKey = "NameID"

// Config holds the identity provider and service provider settings
type Config struct {
	Name string `yaml:"name" env:"NAME"`

	// IdP
	EntityID    string `yaml:"entity_id" env:"ENTITY_ID"`
	SSOURL      string `yaml:"sso_url" env:"SSO_URL"`
	Certificate string `yaml:"certificate" env:"CERTIFICATE"`

	// SP
	Issuer       string `yaml:"issuer" env:"ISSUER"`
	ACSURL       string `yaml:"acs_url" env:"ACS_URL"`
	AudienceURI  string `yaml:"audience_uri" env:"AUDIENCE_URI"`
	PrivateKey   string `yaml:"private_key" env:"PRIVATE_KEY"`
	SPCert       string `yaml:"sp_certificate" env:"SP_CERTIFICATE"`
	SignRequests bool   `yaml:"sign_requests" env:"SIGN_REQUESTS"`
	NameIDFormat string `yaml:"name_id_format" env:"NAME_ID_FORMAT"`

	// SessionLifetime bounds sessions whose assertion carries no
	// SessionNotOnOrAfter
	SessionLifetime time.Duration         `yaml:"session_lifetime" env:"SESSION_LIFETIME"`
	Attributes      provider.AttributeMap `yaml:"attributes"`
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if c.SSOURL == "" {
		return fmt.Errorf("sso_url is required")
	}
	if c.Certificate == "" {
		return fmt.Errorf("certificate is required")
	}
	if c.ACSURL == "" {
		return fmt.Errorf("acs_url is required")
	}
	if c.SignRequests && c.PrivateKey == "" {
		return fmt.Errorf("private_key is required to sign requests")
	}
	return nil
}

// Backend implements provider.FederatedBackend
type Backend struct {
	name     string
	sp       *saml2.SAMLServiceProvider
	attrs    provider.AttributeMap
	lifetime time.Duration
	now      func() time.Time
}

// Option configures a Backend
type Option func(*Backend)

// WithClock overrides the time used for session expiry
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

	idpCert, err := parseCertificate(cfg.Certificate)
	if err != nil {
		return nil, err
	}

	var keyStore dsig.X509KeyStore
	if cfg.PrivateKey != "" {
		key, err := parsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		spCert := idpCert
		if cfg.SPCert != "" {
			if spCert, err = parseCertificate(cfg.SPCert); err != nil {
				return nil, err
			}
		}
		keyStore = &dsig.TLSCertKeyStore{
			PrivateKey:  key,
			Certificate: [][]byte{spCert.Raw},
		}
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = cfg.ACSURL
	}
	audience := cfg.AudienceURI
	if audience == "" {
		audience = issuer
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.SSOURL,
		IdentityProviderIssuer:      cfg.EntityID,
		ServiceProviderIssuer:       issuer,
		AssertionConsumerServiceURL: cfg.ACSURL,
		SignAuthnRequests:           cfg.SignRequests,
		AudienceURI:                 audience,
		IDPCertificateStore:         &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{idpCert}},
		SPKeyStore:                  keyStore,
	}
	if cfg.NameIDFormat != "" {
		sp.NameIdFormat = cfg.NameIDFormat
	}

	name := cfg.Name
	if name == "" {
		name = "saml"
	}
	lifetime := cfg.SessionLifetime
	if lifetime <= 0 {
		lifetime = 8 * time.Hour
	}

	attrs := cfg.Attributes
	if attrs.UserID == "" {
		attrs.UserID = nameIDKey
	}
	if attrs.Email == "" {
		attrs.Email = "email"
	}

	b := &Backend{name: name, sp: sp, attrs: attrs, lifetime: lifetime, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// AuthCodeURL implements provider.FederatedBackend. The state travels as
// RelayState; SAML has no PKCE so verifier is ignored.
func (b *Backend) AuthCodeURL(state, verifier string) (string, error) {
	u, err := b.sp.BuildAuthURL(state)
	if err != nil {
		return "", fmt.Errorf("failed to build auth URL: %w", err)
	}
	return u, nil
}

// CompleteFederated implements provider.FederatedBackend
func (b *Backend) CompleteFederated(ctx context.Context, params url.Values, verifier string) (*provider.Grant, error) {
	encoded := params.Get("SAMLResponse")
	if encoded == "" {
		return nil, &provider.NativeError{Code: "invalid_request", Err: errors.New("missing SAMLResponse parameter")}
	}

	info, err := b.sp.RetrieveAssertionInfo(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to validate assertion: %w", err)
	}
	return b.grant(info)
}

func (b *Backend) grant(info *saml2.AssertionInfo) (*provider.Grant, error) {
	if info.WarningInfo != nil {
		if info.WarningInfo.InvalidTime {
			return nil, fmt.Errorf("assertion has invalid time")
		}
		if info.WarningInfo.NotInAudience {
			return nil, fmt.Errorf("assertion not in expected audience")
		}
	}

	attrs := make(map[string][]string, len(info.Values)+1)
	for name, attr := range info.Values {
		for _, v := range attr.Values {
			attrs[name] = append(attrs[name], v.Value)
		}
	}
	if _, ok := attrs[b.attrs.UserID]; !ok && info.NameID != "" {
		attrs[b.attrs.UserID] = []string{info.NameID}
	}

	session, err := b.attrs.SessionFromAttributes(attrs, b.name)
	if err != nil {
		return nil, err
	}
	// the IdP vouched for the address
	session.EmailVerified = true

	expiry := b.now().Add(b.lifetime)
	if info.SessionNotOnOrAfter != nil && info.SessionNotOnOrAfter.Before(expiry) {
		expiry = *info.SessionNotOnOrAfter
	}
	return &provider.Grant{Session: session, Expiry: expiry}, nil
}

// Metadata returns the service provider metadata document
func (b *Backend) Metadata() ([]byte, error) {
	md, err := b.sp.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to generate metadata: %w", err)
	}
	out, err := xml.MarshalIndent(md, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func parseCertificate(data string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func parsePrivateKey(data string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}
