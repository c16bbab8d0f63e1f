package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bcombuddy/sessionbridge/pkg/audit"
	"github.com/bcombuddy/sessionbridge/pkg/config"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
	"github.com/bcombuddy/sessionbridge/pkg/page"
	"github.com/bcombuddy/sessionbridge/pkg/popup"
	"github.com/bcombuddy/sessionbridge/pkg/provider"
	"github.com/bcombuddy/sessionbridge/pkg/sso"
	"github.com/bcombuddy/sessionbridge/pkg/storage"
)

// App holds what every command needs to simulate the browser
type App struct {
	Config *config.Config

	// StateDir keeps the simulated browser storage between runs when the
	// configured storage is in-memory
	StateDir string

	Out io.Writer
	Log *logrus.Logger

	// Backend overrides the storage selected by Config
	Backend storage.Backend

	// Providers overrides the provider selected by Config
	Providers page.ProviderFactory

	// Opener presents federated login pages; defaults to the system
	// browser with a loopback callback listener
	Opener provider.Opener
}

// DefaultStateDir is where the CLI keeps its simulated browser storage
func DefaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "sessionbridge")
}

func (a *App) logger() *logrus.Logger {
	if a.Log == nil {
		a.Log = logrus.New()
		a.Log.SetOutput(io.Discard)
	}
	return a.Log
}

// componentLogger forwards component logs when the CLI runs verbosely
func (a *App) componentLogger() *observability.Logger {
	if a.logger().IsLevelEnabled(logrus.DebugLevel) {
		return observability.NewLogger(observability.DebugLevel, a.logger().Out)
	}
	return observability.NewNopLogger()
}

func (a *App) backend(ctx context.Context) (storage.Backend, func(), error) {
	if a.Backend != nil {
		return a.Backend, func() {}, nil
	}

	cfg := a.Config.Storage.Backend()
	if cfg.Kind == "" || cfg.Kind == storage.KindMemory {
		cfg.Kind = storage.KindFile
		cfg.Dir = a.StateDir
		if cfg.Dir == "" {
			cfg.Dir = DefaultStateDir()
		}
	}
	a.logger().WithFields(logrus.Fields{"kind": cfg.Kind, "dir": cfg.Dir}).Debug("opening browser storage")

	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return backend, func() { _ = backend.Close() }, nil
}

func (a *App) providers(ctx context.Context) (page.ProviderFactory, error) {
	if a.Providers != nil {
		return a.Providers, nil
	}

	opener := a.Opener
	if opener == nil {
		opener = &popup.Loopback{
			Addr:    loopbackAddr(a.Config),
			Timeout: a.Config.Server.FederatedTimeout,
			Logger:  a.componentLogger(),
		}
	}
	return page.NewProviderFactory(ctx, a.Config.Provider, opener)
}

// loopbackAddr listens where the configured redirect URL points
func loopbackAddr(cfg *config.Config) string {
	for _, raw := range []string{cfg.Provider.OAuth2.RedirectURL, cfg.Provider.OIDC.RedirectURL} {
		if host := strings.TrimPrefix(raw, "http://"); host != raw {
			host, _, _ = strings.Cut(host, "/")
			return host
		}
	}
	return "127.0.0.1:8765"
}

// appURL is the page the app is served at
func (a *App) appURL() string {
	base := strings.TrimRight(a.Config.Server.PublicURL, "/")
	if base == "" {
		base = "http://localhost:8080"
	}
	return base + "/app"
}

// load opens the app at pageURL and waits for the identity to resolve
func (a *App) load(ctx context.Context, pageURL string) (*page.Page, func(), error) {
	backend, closeBackend, err := a.backend(ctx)
	if err != nil {
		return nil, nil, err
	}
	providers, err := a.providers(ctx)
	if err != nil {
		closeBackend()
		return nil, nil, err
	}

	var parserOpts []sso.Option
	if a.Config.SSO.Secret != "" {
		parserOpts = append(parserOpts, sso.WithSecret([]byte(a.Config.SSO.Secret)))
	}
	parserOpts = append(parserOpts, sso.WithRejectHook(func(reason error) {
		a.logger().WithError(reason).Warn("ignoring SSO token")
	}))

	factory := &page.Factory{
		Backend:         backend,
		Parser:          sso.NewParser(parserOpts...),
		Providers:       providers,
		DefaultShellURL: a.Config.SSO.DefaultShellURL,
		Logger:          a.componentLogger(),
	}
	if dir := a.Config.Observability.AuditDir; dir != "" {
		trail, err := audit.NewTrail(audit.Config{Dir: dir}, a.componentLogger())
		if err != nil {
			closeBackend()
			return nil, nil, err
		}
		factory.Recorder = trail
		inner := closeBackend
		closeBackend = func() {
			_ = trail.Close()
			inner()
		}
	}

	p, err := factory.Open("", pageURL)
	if err != nil {
		closeBackend()
		return nil, nil, err
	}
	release := func() {
		p.Close()
		closeBackend()
	}

	resolveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := p.Orchestrator.Start(resolveCtx); err != nil {
		release()
		return nil, nil, fmt.Errorf("resolve identity: %w", err)
	}
	return p, release, nil
}
