package sso

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// URL parameters written by the shell application
const (
	ParamToken = "token"
	ParamSSO   = "sso"
	ParamShell = "shell"
)

var (
	errNoToken       = errors.New("no sso token on url")
	errMalformed     = errors.New("malformed sso token")
	errMissingID     = errors.New("sso token has no id")
	errMissingEmail  = errors.New("sso token has no email")
	errMissingExpiry = errors.New("sso token has no expiry")
	errExpired       = errors.New("sso token expired")
	errSignature     = errors.New("sso token signature rejected")
)

// RejectFunc observes why a token that was present on the URL was rejected
type RejectFunc func(reason error)

// Parser extracts SSO credentials from page URLs
type Parser struct {
	secret   []byte
	now      func() time.Time
	onReject RejectFunc
}

// Option configures a Parser
type Option func(*Parser)

// WithSecret requires tokens to be HS256 JWTs signed with secret
func WithSecret(secret []byte) Option {
	return func(p *Parser) {
		if len(secret) > 0 {
			p.secret = append([]byte(nil), secret...)
		}
	}
}

// WithClock overrides the time source used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRejectHook registers a callback for rejected tokens
func WithRejectHook(fn RejectFunc) Option {
	return func(p *Parser) {
		p.onReject = fn
	}
}

// NewParser creates a parser
func NewParser(opts ...Option) *Parser {
	p := &Parser{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Verifying reports whether tokens must carry a valid signature
func (p *Parser) Verifying() bool {
	return len(p.secret) > 0
}

// Parse returns the credential carried on u, or nil when there is none or it
// cannot be trusted.
func (p *Parser) Parse(u *url.URL) *Credential {
	cred, err := p.parse(u)
	if err != nil {
		if !errors.Is(err, errNoToken) && p.onReject != nil {
			p.onReject(err)
		}
		return nil
	}
	return cred
}

func (p *Parser) parse(u *url.URL) (*Credential, error) {
	if !Present(u) {
		return nil, errNoToken
	}
	raw := u.Query().Get(ParamToken)

	var (
		body []byte
		err  error
	)
	if p.Verifying() {
		body, err = p.verifiedClaims(unescape(raw))
	} else {
		body, err = decode(raw)
	}
	if err != nil {
		return nil, err
	}

	var pl payload
	if err := json.Unmarshal(body, &pl); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	cred, err := pl.credential()
	if err != nil {
		return nil, err
	}
	if !cred.ExpiresAt.After(p.now()) {
		return nil, errExpired
	}
	return cred, nil
}

func (p *Parser) verifiedClaims(token string) ([]byte, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return p.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, errExpired
		case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			return nil, errMissingExpiry
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
		return nil, fmt.Errorf("%w: %v", errSignature, err)
	}
	return json.Marshal(claims)
}

// decode turns an unsigned token into its JSON payload
func decode(raw string) ([]byte, error) {
	s := unescape(raw)
	if s == "" {
		return nil, errMalformed
	}
	if isJSON(s) {
		return []byte(s), nil
	}
	// Query decoding turns a literal '+' into a space, which base64 never contains.
	s = strings.ReplaceAll(s, " ", "+")

	// An unsigned JWT carries the credential in its middle segment.
	if parts := strings.Split(s, "."); len(parts) == 3 {
		s = parts[1]
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if isJSON(string(b)) {
			return b, nil
		}
		// The shell may percent-encode the JSON before base64 encoding it.
		if inner, err := url.QueryUnescape(string(b)); err == nil && isJSON(inner) {
			return []byte(inner), nil
		}
	}
	return nil, errMalformed
}

// unescape undoes one extra level of percent-encoding
func unescape(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.Contains(s, "%") {
		if u, err := url.PathUnescape(s); err == nil {
			s = u
		}
	}
	return s
}

func isJSON(s string) bool {
	b := bytes.TrimSpace([]byte(s))
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}
