package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/bcombuddy/sessionbridge/pkg/identity"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
)

var tracer = otel.Tracer("github.com/bcombuddy/sessionbridge/pkg/provider")

// PasswordBackend signs users in with an email and password
type PasswordBackend interface {
	SignInWithPassword(ctx context.Context, email, secret string) (*Grant, error)
}

// AccountBackend manages password accounts
type AccountBackend interface {
	SignUp(ctx context.Context, email, secret string) (*Grant, error)
	SendPasswordReset(ctx context.Context, email string) error
}

// FederatedBackend runs a redirect-based login at an external identity
// provider
type FederatedBackend interface {
	// AuthCodeURL returns where to send the user. verifier is a PKCE code
	// verifier that backends without PKCE may ignore.
	AuthCodeURL(state, verifier string) (string, error)

	// CompleteFederated turns the callback parameters into a grant
	CompleteFederated(ctx context.Context, params url.Values, verifier string) (*Grant, error)
}

// Refresher renews a grant before it expires
type Refresher interface {
	Refresh(ctx context.Context, grant *Grant) (*Grant, error)
}

// Revoker invalidates a grant at the provider
type Revoker interface {
	Revoke(ctx context.Context, grant *Grant) error
}

// Opener presents the federated login page and waits for its callback
// parameters. It fails with ErrPopupBlocked when nothing can be shown and
// ErrPopupClosed when the user abandons the flow.
type Opener interface {
	Open(ctx context.Context, authURL, state string) (url.Values, error)
}

var _ Adapter = (*Client)(nil)

// Client is the concrete Adapter
type Client struct {
	name      string
	password  PasswordBackend
	accounts  AccountBackend
	federated FederatedBackend
	opener    Opener
	refresher Refresher
	revoker   Revoker
	cache     *TokenCache

	notifier      *Notifier
	logger        *observability.Logger
	now           func() time.Time
	refreshWindow time.Duration
	onError       func(op string, err *Error)

	mu    sync.Mutex
	grant *Grant
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithBackend registers every capability b implements
func WithBackend(b interface{}) ClientOption {
	return func(c *Client) {
		if p, ok := b.(PasswordBackend); ok {
			c.password = p
		}
		if a, ok := b.(AccountBackend); ok {
			c.accounts = a
		}
		if f, ok := b.(FederatedBackend); ok {
			c.federated = f
		}
		if r, ok := b.(Refresher); ok {
			c.refresher = r
		}
		if r, ok := b.(Revoker); ok {
			c.revoker = r
		}
	}
}

// WithOpener sets how federated login pages are presented
func WithOpener(o Opener) ClientOption {
	return func(c *Client) {
		c.opener = o
	}
}

// WithTokenCache persists grants between page loads
func WithTokenCache(cache *TokenCache) ClientOption {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRefreshWindow refreshes grants this long before they expire
func WithRefreshWindow(d time.Duration) ClientOption {
	return func(c *Client) {
		c.refreshWindow = d
	}
}

// WithErrorHook observes every failure returned to callers
func WithErrorHook(fn func(op string, err *Error)) ClientOption {
	return func(c *Client) {
		c.onError = fn
	}
}

// NewClient creates a client. name identifies the provider in logs and is
// used as the session's ProviderID when a backend leaves it empty.
func NewClient(name string, opts ...ClientOption) *Client {
	c := &Client{
		name:          name,
		notifier:      NewNotifier(),
		logger:        observability.NewNopLogger(),
		now:           time.Now,
		refreshWindow: time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("provider", name)
	return c
}

// Name returns the provider name
func (c *Client) Name() string {
	return c.name
}

// Capabilities lists the operations this client can perform
func (c *Client) Capabilities() []string {
	var caps []string
	if c.password != nil {
		caps = append(caps, "password")
	}
	if c.accounts != nil {
		caps = append(caps, "signup", "password-reset")
	}
	if c.federated != nil && c.opener != nil {
		caps = append(caps, "federated")
	}
	return caps
}

// Start restores a cached grant and publishes the initial session
func (c *Client) Start(ctx context.Context) error {
	if c.cache == nil {
		c.notifier.Publish(nil)
		return nil
	}

	grant, err := c.cache.Load(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("discarding unreadable provider grant")
		c.clearCache(ctx)
		c.notifier.Publish(nil)
		return nil
	}
	if grant == nil {
		c.notifier.Publish(nil)
		return nil
	}

	c.mu.Lock()
	c.grant = grant
	c.mu.Unlock()

	exp := grant.ExpiresAt()
	if !exp.IsZero() && !c.now().Before(exp) {
		return c.refresh(ctx, grant, true)
	}
	c.notifier.Publish(grant.Session)
	return nil
}

// SignInWithCredentials implements Adapter
func (c *Client) SignInWithCredentials(ctx context.Context, email, secret string) (*identity.Identity, error) {
	ctx, span := c.startSpan(ctx, "provider.SignInWithCredentials")
	defer span.End()

	if err := ValidateCredentials(email, secret); err != nil {
		return nil, c.fail(span, "sign_in", err)
	}
	if c.password == nil {
		return nil, c.fail(span, "sign_in", errors.New("password sign-in is not configured"))
	}

	grant, err := c.password.SignInWithPassword(ctx, strings.TrimSpace(email), secret)
	if err != nil {
		return nil, c.fail(span, "sign_in", err)
	}
	id, err := c.establish(ctx, grant)
	if err != nil {
		return nil, c.fail(span, "sign_in", err)
	}
	return id, nil
}

// CreateAccount implements Adapter
func (c *Client) CreateAccount(ctx context.Context, email, secret string) (*identity.Identity, error) {
	ctx, span := c.startSpan(ctx, "provider.CreateAccount")
	defer span.End()

	if err := ValidateNewAccount(email, secret); err != nil {
		return nil, c.fail(span, "create_account", err)
	}
	if c.accounts == nil {
		return nil, c.fail(span, "create_account", errors.New("account creation is not configured"))
	}

	grant, err := c.accounts.SignUp(ctx, strings.TrimSpace(email), secret)
	if err != nil {
		return nil, c.fail(span, "create_account", err)
	}
	id, err := c.establish(ctx, grant)
	if err != nil {
		return nil, c.fail(span, "create_account", err)
	}
	return id, nil
}

// SendPasswordResetEmail implements Adapter
func (c *Client) SendPasswordResetEmail(ctx context.Context, email string) error {
	ctx, span := c.startSpan(ctx, "provider.SendPasswordResetEmail")
	defer span.End()

	if !ValidEmail(strings.TrimSpace(email)) {
		return c.fail(span, "password_reset", ErrInvalidCredentials)
	}
	if c.accounts == nil {
		return c.fail(span, "password_reset", errors.New("password reset is not configured"))
	}
	if err := c.accounts.SendPasswordReset(ctx, strings.TrimSpace(email)); err != nil {
		return c.fail(span, "password_reset", err)
	}
	return nil
}

// SignInWithFederatedPopup implements Adapter
func (c *Client) SignInWithFederatedPopup(ctx context.Context) (*identity.Identity, error) {
	ctx, span := c.startSpan(ctx, "provider.SignInWithFederatedPopup")
	defer span.End()

	if c.federated == nil || c.opener == nil {
		return nil, c.fail(span, "federated", errors.New("federated sign-in is not configured"))
	}

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	authURL, err := c.federated.AuthCodeURL(state, verifier)
	if err != nil {
		return nil, c.fail(span, "federated", err)
	}

	params, err := c.opener.Open(ctx, authURL, state)
	if err != nil {
		return nil, c.fail(span, "federated", err)
	}
	if code := params.Get("error"); code != "" {
		return nil, c.fail(span, "federated", &NativeError{Code: code, Err: errors.New(params.Get("error_description"))})
	}
	if got := firstNonEmpty(params.Get("state"), params.Get("RelayState")); got != state {
		return nil, c.fail(span, "federated", fmt.Errorf("federated callback state mismatch"))
	}

	grant, err := c.federated.CompleteFederated(ctx, params, verifier)
	if err != nil {
		return nil, c.fail(span, "federated", err)
	}
	id, err := c.establish(ctx, grant)
	if err != nil {
		return nil, c.fail(span, "federated", err)
	}
	return id, nil
}

// SignOut implements Adapter. The local grant is always discarded; a
// revocation failure is returned after subscribers have seen the sign-out.
func (c *Client) SignOut(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "provider.SignOut")
	defer span.End()

	c.mu.Lock()
	grant := c.grant
	c.grant = nil
	c.mu.Unlock()

	var revokeErr error
	if grant != nil && c.revoker != nil {
		revokeErr = c.revoker.Revoke(ctx, grant)
	}
	c.clearCache(ctx)
	c.notifier.Publish(nil)

	if revokeErr != nil {
		return c.fail(span, "sign_out", revokeErr)
	}
	return nil
}

// Subscribe implements Adapter
func (c *Client) Subscribe(fn func(*Session)) (unsubscribe func()) {
	return c.notifier.Subscribe(fn)
}

// CurrentSession implements Adapter
func (c *Client) CurrentSession() *Session {
	s, _ := c.notifier.Current()
	return s
}

// CheckExpiry refreshes the grant when it is about to expire. When the
// provider rejects the refresh the session has ended remotely and
// subscribers are told so.
func (c *Client) CheckExpiry(ctx context.Context) error {
	c.mu.Lock()
	grant := c.grant
	c.mu.Unlock()
	if grant == nil {
		return nil
	}

	exp := grant.ExpiresAt()
	if exp.IsZero() || c.now().Add(c.refreshWindow).Before(exp) {
		return nil
	}
	return c.refresh(ctx, grant, !c.now().Before(exp))
}

// refresh renews grant. expired tells whether the grant is already unusable,
// in which case it is dropped when it cannot be renewed.
func (c *Client) refresh(ctx context.Context, grant *Grant, expired bool) error {
	if c.refresher == nil || !grant.Refreshable() {
		if expired {
			c.logger.Info("provider session expired")
			c.endSession(ctx, grant)
		} else {
			c.notifier.Publish(grant.Session)
		}
		return nil
	}

	next, err := c.refresher.Refresh(ctx, grant)
	if err != nil {
		terr := Translate(err)
		switch CodeOf(terr) {
		case CodeNetworkUnavailable, CodeRateLimited:
			// transient; keep the session and try again later
			c.logger.WithError(err).Warn("provider refresh failed")
			c.notifier.Publish(grant.Session)
			return terr
		}
		c.logger.WithError(err).Info("provider rejected refresh, ending session")
		c.endSession(ctx, grant)
		return nil
	}

	if next.Session == nil {
		next.Session = grant.Session
	}
	c.adopt(ctx, grant, next)
	return nil
}

func (c *Client) endSession(ctx context.Context, expected *Grant) {
	c.mu.Lock()
	if c.grant != expected {
		c.mu.Unlock()
		return
	}
	c.grant = nil
	c.mu.Unlock()

	c.clearCache(ctx)
	c.notifier.Publish(nil)
}

// adopt replaces expected with next unless another sign-in won meanwhile
func (c *Client) adopt(ctx context.Context, expected, next *Grant) {
	c.mu.Lock()
	if c.grant != expected {
		c.mu.Unlock()
		return
	}
	c.grant = next
	c.mu.Unlock()

	c.saveCache(ctx, next)
	c.notifier.Publish(next.Session)
}

func (c *Client) establish(ctx context.Context, grant *Grant) (*identity.Identity, error) {
	if grant == nil || grant.Session == nil || grant.Session.UID == "" || grant.Session.Email == "" {
		return nil, errors.New("provider returned an incomplete session")
	}
	if grant.Session.ProviderID == "" {
		grant.Session.ProviderID = c.name
	}

	c.mu.Lock()
	c.grant = grant
	c.mu.Unlock()

	c.saveCache(ctx, grant)
	c.notifier.Publish(grant.Session)
	return grant.Session.Identity(), nil
}

func (c *Client) saveCache(ctx context.Context, grant *Grant) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Save(ctx, grant); err != nil {
		c.logger.WithError(err).Warn("failed to cache provider grant")
	}
}

func (c *Client) clearCache(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Clear(ctx); err != nil {
		c.logger.WithError(err).Warn("failed to clear provider grant")
	}
}

func (c *Client) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("provider.name", c.name)))
}

func (c *Client) fail(span trace.Span, op string, err error) error {
	terr := Translate(err)
	var te *Error
	errors.As(terr, &te)

	span.SetStatus(codes.Error, string(te.Code))
	span.SetAttributes(attribute.String("provider.error_code", string(te.Code)))

	if te.Err != nil {
		c.logger.WithError(te.Err).WithFields(map[string]interface{}{
			"operation": op,
			"code":      string(te.Code),
		}).Warn("provider operation failed")
	}
	if c.onError != nil {
		c.onError(op, te)
	}
	return terr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
