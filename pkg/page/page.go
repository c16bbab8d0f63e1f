// Package page assembles what one browser page holds while the app is
// loaded: its location, the session store, the orchestrator, the provider
// client and the logout coordinator.
package page

import (
	"context"
	"fmt"

	"github.com/bcombuddy/sessionbridge/pkg/browser"
	"github.com/bcombuddy/sessionbridge/pkg/logout"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
	"github.com/bcombuddy/sessionbridge/pkg/orchestrator"
	"github.com/bcombuddy/sessionbridge/pkg/provider"
	"github.com/bcombuddy/sessionbridge/pkg/session"
	"github.com/bcombuddy/sessionbridge/pkg/sso"
	"github.com/bcombuddy/sessionbridge/pkg/storage"
)

// Page is one loaded instance of the app
type Page struct {
	ID           string
	Location     *browser.Memory
	Store        *session.Store
	Orchestrator *orchestrator.Orchestrator
	Provider     *provider.Client
	Logout       *logout.Coordinator

	cancel context.CancelFunc
}

// Close disposes the orchestrator and stops the provider client
func (p *Page) Close() {
	p.Orchestrator.Dispose()
	p.cancel()
}

// Factory opens pages over a shared storage backend
type Factory struct {
	Backend storage.Backend
	Parser  *sso.Parser

	// Providers builds provider clients; nil serves SSO sessions only
	Providers ProviderFactory

	Recorder        observability.AuthRecorder
	DefaultShellURL string
	Logger          *observability.Logger
}

// Open loads the app at pageURL. A non-empty id confines the page's
// storage to that client's keys.
func (f *Factory) Open(id, pageURL string) (*Page, error) {
	loc, err := browser.NewMemory(pageURL)
	if err != nil {
		return nil, fmt.Errorf("page url: %w", err)
	}

	logger := f.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	backend := f.Backend
	if id != "" {
		logger = logger.WithField("client_id", id)
		backend = storage.NewScoped(f.Backend, id)
	}
	store := session.NewStore(backend, logger)

	var (
		pc      *provider.Client
		adapter provider.Adapter
	)
	if f.Providers != nil {
		pc = f.Providers(backend, logger)
		adapter = pc
	}

	var recorder observability.AuthRecorder = observability.Recorders{}
	if f.Recorder != nil {
		recorder = f.Recorder
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Location: loc,
		Store:    store,
		Parser:   f.Parser,
		Provider: adapter,
		Logger:   logger,
		Recorder: recorder,
	})
	if err != nil {
		return nil, err
	}

	lo, err := logout.New(logout.Options{
		Store:           store,
		Location:        loc,
		Provider:        adapter,
		ShellHint:       orch.ShellHint,
		DefaultShellURL: f.DefaultShellURL,
		Logger:          logger,
		Recorder:        recorder,
	})
	if err != nil {
		orch.Dispose()
		return nil, err
	}

	life, cancel := context.WithCancel(context.Background())
	p := &Page{
		ID:           id,
		Location:     loc,
		Store:        store,
		Orchestrator: orch,
		Provider:     pc,
		Logout:       lo,
		cancel:       cancel,
	}

	// the orchestrator waits for the client's first session report
	if pc != nil {
		go func() {
			defer observability.RecoverPanic(logger, "provider start")
			if err := pc.Start(life); err != nil {
				logger.WithError(err).Warn("provider client failed to start")
			}
		}()
	}
	return p, nil
}
