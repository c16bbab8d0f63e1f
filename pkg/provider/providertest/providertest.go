// Package providertest provides in-memory provider backends and adapters
// for tests.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/bcombuddy/sessionbridge/pkg/identity"
	"github.com/bcombuddy/sessionbridge/pkg/provider"
)

// Account is a user known to a Backend
type Account struct {
	UID         string
	Email       string
	Secret      string
	DisplayName string
	Disabled    bool
}

// Backend is an in-memory password, account, federated, refresh and revoke
// backend. Errors use Identity Toolkit native codes.
type Backend struct {
	mu       sync.Mutex
	accounts map[string]*Account
	nextUID  int

	// TokenLifetime sets the expiry of issued tokens (default one hour)
	TokenLifetime time.Duration
	Now           func() time.Time

	// Err, when set, fails every call
	Err error

	// RefreshErr, when set, fails Refresh
	RefreshErr error

	// FederatedSession is returned by CompleteFederated
	FederatedSession *provider.Session

	Calls     []string
	Resets    []string
	Revoked   []string
	AuthURLs  []string
	Verifiers []string
	Refreshes int
}

// NewBackend creates a backend holding accounts
func NewBackend(accounts ...Account) *Backend {
	b := &Backend{accounts: make(map[string]*Account), TokenLifetime: time.Hour, Now: time.Now}
	for i := range accounts {
		a := accounts[i]
		b.accounts[a.Email] = &a
	}
	return b
}

func (b *Backend) record(call string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, call)
	return b.Err
}

// CallCount returns how many backend calls were made
func (b *Backend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}

func (b *Backend) grant(s *provider.Session) *provider.Grant {
	return &provider.Grant{
		Session: s,
		Token: &oauth2.Token{
			AccessToken:  "access-" + s.UID,
			RefreshToken: "refresh-" + s.UID,
			TokenType:    "Bearer",
			Expiry:       b.Now().Add(b.TokenLifetime),
		},
	}
}

// SignInWithPassword implements provider.PasswordBackend
func (b *Backend) SignInWithPassword(ctx context.Context, email, secret string) (*provider.Grant, error) {
	if err := b.record("SignInWithPassword"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.accounts[email]
	if !ok || a.Secret != secret {
		return nil, &provider.NativeError{Code: "INVALID_LOGIN_CREDENTIALS", Status: 400}
	}
	if a.Disabled {
		return nil, &provider.NativeError{Code: "USER_DISABLED", Status: 400}
	}
	return b.grant(&provider.Session{UID: a.UID, Email: a.Email, DisplayName: a.DisplayName, ProviderID: "password"}), nil
}

// SignUp implements provider.AccountBackend
func (b *Backend) SignUp(ctx context.Context, email, secret string) (*provider.Grant, error) {
	if err := b.record("SignUp"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.accounts[email]; ok {
		return nil, &provider.NativeError{Code: "EMAIL_EXISTS", Status: 400}
	}
	b.nextUID++
	a := &Account{UID: fmt.Sprintf("new-%d", b.nextUID), Email: email, Secret: secret}
	b.accounts[email] = a
	return b.grant(&provider.Session{UID: a.UID, Email: a.Email, ProviderID: "password"}), nil
}

// SendPasswordReset implements provider.AccountBackend
func (b *Backend) SendPasswordReset(ctx context.Context, email string) error {
	if err := b.record("SendPasswordReset"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.accounts[email]; !ok {
		return &provider.NativeError{Code: "EMAIL_NOT_FOUND", Status: 400}
	}
	b.Resets = append(b.Resets, email)
	return nil
}

// AuthCodeURL implements provider.FederatedBackend
func (b *Backend) AuthCodeURL(state, verifier string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := "https://idp.test/authorize?state=" + url.QueryEscape(state)
	b.AuthURLs = append(b.AuthURLs, u)
	b.Verifiers = append(b.Verifiers, verifier)
	return u, nil
}

// CompleteFederated implements provider.FederatedBackend
func (b *Backend) CompleteFederated(ctx context.Context, params url.Values, verifier string) (*provider.Grant, error) {
	if err := b.record("CompleteFederated"); err != nil {
		return nil, err
	}
	if params.Get("code") == "" {
		return nil, &provider.NativeError{Code: "invalid_grant", Status: 400}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.FederatedSession
	if s == nil {
		s = &provider.Session{UID: "fed-1", Email: "fed@example.com", DisplayName: "Fed User", EmailVerified: true, ProviderID: "google.com"}
	}
	c := *s
	return b.grant(&c), nil
}

// Refresh implements provider.Refresher
func (b *Backend) Refresh(ctx context.Context, g *provider.Grant) (*provider.Grant, error) {
	if err := b.record("Refresh"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Refreshes++
	if b.RefreshErr != nil {
		return nil, b.RefreshErr
	}
	s := *g.Session
	return b.grant(&s), nil
}

// Revoke implements provider.Revoker
func (b *Backend) Revoke(ctx context.Context, g *provider.Grant) error {
	if err := b.record("Revoke"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Revoked = append(b.Revoked, g.Session.UID)
	return nil
}

// Opener completes federated logins without a browser
type Opener struct {
	mu sync.Mutex

	// Params builds the callback parameters; by default a code and the
	// request state are returned
	Params func(authURL, state string) url.Values

	Err    error
	Opened []string
}

// Open implements provider.Opener
func (o *Opener) Open(ctx context.Context, authURL, state string) (url.Values, error) {
	o.mu.Lock()
	o.Opened = append(o.Opened, authURL)
	params, err := o.Params, o.Err
	o.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if params != nil {
		return params(authURL, state), nil
	}
	return url.Values{"code": {"auth-code"}, "state": {state}}, nil
}

// Adapter is a scriptable provider.Adapter. Its session is unknown until
// Emit is called, which lets tests hold resolution in progress.
type Adapter struct {
	notifier *provider.Notifier

	mu           sync.Mutex
	SignInErr    error
	SignOutErr   error
	SignInDelay  time.Duration
	NextSession  *provider.Session
	SignIns      int
	SignOuts     int
	Resets       []string
	subscribes   int
	unsubscribes int
}

// NewAdapter creates an adapter with no known session
func NewAdapter() *Adapter {
	return &Adapter{notifier: provider.NewNotifier()}
}

var _ provider.Adapter = (*Adapter)(nil)

// Emit publishes a provider-side transition
func (a *Adapter) Emit(s *provider.Session) {
	a.notifier.Publish(s)
}

func (a *Adapter) signIn(ctx context.Context) (*identity.Identity, error) {
	a.mu.Lock()
	a.SignIns++
	delay, err, next := a.SignInDelay, a.SignInErr, a.NextSession
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, provider.Translate(ctx.Err())
		}
	}
	if err != nil {
		return nil, provider.Translate(err)
	}
	if next == nil {
		return nil, provider.ErrInvalidCredentials
	}
	a.notifier.Publish(next)
	return next.Identity(), nil
}

// SignInWithCredentials implements provider.Adapter
func (a *Adapter) SignInWithCredentials(ctx context.Context, email, secret string) (*identity.Identity, error) {
	return a.signIn(ctx)
}

// SignInWithFederatedPopup implements provider.Adapter
func (a *Adapter) SignInWithFederatedPopup(ctx context.Context) (*identity.Identity, error) {
	return a.signIn(ctx)
}

// CreateAccount implements provider.Adapter
func (a *Adapter) CreateAccount(ctx context.Context, email, secret string) (*identity.Identity, error) {
	return a.signIn(ctx)
}

// SendPasswordResetEmail implements provider.Adapter
func (a *Adapter) SendPasswordResetEmail(ctx context.Context, email string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Resets = append(a.Resets, email)
	return nil
}

// SignOut implements provider.Adapter
func (a *Adapter) SignOut(ctx context.Context) error {
	a.mu.Lock()
	a.SignOuts++
	err := a.SignOutErr
	a.mu.Unlock()

	a.notifier.Publish(nil)
	if err != nil {
		return provider.Translate(err)
	}
	return nil
}

// Subscribe implements provider.Adapter
func (a *Adapter) Subscribe(fn func(*provider.Session)) func() {
	a.mu.Lock()
	a.subscribes++
	a.mu.Unlock()

	unsubscribe := a.notifier.Subscribe(fn)
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.unsubscribes++
			a.mu.Unlock()
			unsubscribe()
		})
	}
}

// CurrentSession implements provider.Adapter
func (a *Adapter) CurrentSession() *provider.Session {
	s, _ := a.notifier.Current()
	return s
}

// Subscriptions returns how many subscriptions were opened and released
func (a *Adapter) Subscriptions() (opened, released int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subscribes, a.unsubscribes
}

// ActiveSubscribers returns the number of live subscriptions
func (a *Adapter) ActiveSubscribers() int {
	return a.notifier.Subscribers()
}

// SignInCount returns how many sign-in attempts reached the adapter
func (a *Adapter) SignInCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.SignIns
}

// ErrBoom is a generic failure for tests
var ErrBoom = errors.New("boom")
