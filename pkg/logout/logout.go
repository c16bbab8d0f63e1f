// Package logout ends the current session the way it was started: SSO
// sessions return to the shell application, provider sessions sign out of
// the identity provider.
package logout

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bcombuddy/sessionbridge/pkg/browser"
	"github.com/bcombuddy/sessionbridge/pkg/identity"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
	"github.com/bcombuddy/sessionbridge/pkg/provider"
	"github.com/bcombuddy/sessionbridge/pkg/session"
)

// DefaultShellURL is where SSO users go when nothing better is known
const DefaultShellURL = "https://bcombuddy.netlify.app"

var tracer = otel.Tracer("github.com/bcombuddy/sessionbridge/pkg/logout")

// Recorder counts logouts by method
type Recorder interface {
	RecordLogout(method string)
}

// Result describes what a logout did
type Result struct {
	// Method is empty when nobody was signed in
	Method identity.Method

	// Redirect is the shell address an SSO user was sent to
	Redirect string
}

// Options configures a Coordinator
type Options struct {
	Store    *session.Store
	Location browser.Location

	// Provider may be nil when only SSO is in use
	Provider provider.Adapter

	// ShellHint returns the shell address recovered from the page URL
	ShellHint func() string

	// DefaultShellURL defaults to DefaultShellURL
	DefaultShellURL string

	Logger   *observability.Logger
	Recorder Recorder
}

// Coordinator performs method-aware logout
type Coordinator struct {
	opts   Options
	logger *observability.Logger
}

// New creates a Coordinator
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Location == nil {
		return nil, fmt.Errorf("location is required")
	}
	if opts.ShellHint == nil {
		opts.ShellHint = func() string { return "" }
	}
	if opts.DefaultShellURL == "" {
		opts.DefaultShellURL = DefaultShellURL
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Coordinator{opts: opts, logger: opts.Logger.WithField("component", "logout")}, nil
}

// Logout ends the persisted session. The local record is always cleared;
// provider sign-out failures are logged and not returned.
func (c *Coordinator) Logout(ctx context.Context) (Result, error) {
	ctx, span := tracer.Start(ctx, "logout.Logout")
	defer span.End()

	rec := c.opts.Store.Load(ctx)
	if rec == nil {
		c.logger.Debug("logout requested without a session")
		return Result{}, nil
	}
	span.SetAttributes(attribute.String("auth.method", string(rec.Method)))
	storedHint := c.opts.Store.ShellHint(ctx)

	if err := c.opts.Store.Clear(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to clear session record: %w", err)
	}
	if c.opts.Recorder != nil {
		c.opts.Recorder.RecordLogout(string(rec.Method))
	}

	logger := c.logger.WithUser(rec.Identity.ID, rec.Identity.Email)
	switch rec.Method {
	case identity.MethodSSO:
		target := c.shellURL(rec.Identity, storedHint)
		logger.WithField("redirect", target).Info("sso session ended")
		if err := c.opts.Location.Assign(target); err != nil {
			return Result{Method: rec.Method}, fmt.Errorf("failed to return to shell: %w", err)
		}
		return Result{Method: rec.Method, Redirect: target}, nil

	default:
		if c.opts.Provider != nil {
			if err := c.opts.Provider.SignOut(ctx); err != nil {
				logger.WithError(err).Warn("provider sign-out failed; local session cleared")
			}
		}
		logger.Info("provider session ended")
		return Result{Method: rec.Method}, nil
	}
}

// shellURL prefers the identity's host domain, then the hint on the
// current page, then the hint stored with the credential
func (c *Coordinator) shellURL(id *identity.Identity, storedHint string) string {
	for _, candidate := range []string{id.HostDomain, c.opts.ShellHint(), storedHint} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return withScheme(candidate)
		}
	}
	return c.opts.DefaultShellURL
}

func withScheme(addr string) string {
	lower := strings.ToLower(addr)
	if strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://") {
		return addr
	}
	return "https://" + strings.TrimPrefix(addr, "//")
}
