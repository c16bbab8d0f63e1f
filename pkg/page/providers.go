package page

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bcombuddy/sessionbridge/pkg/config"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
	"github.com/bcombuddy/sessionbridge/pkg/provider"
	"github.com/bcombuddy/sessionbridge/pkg/provider/identitytoolkit"
	"github.com/bcombuddy/sessionbridge/pkg/provider/oauth2"
	"github.com/bcombuddy/sessionbridge/pkg/provider/oidc"
	"github.com/bcombuddy/sessionbridge/pkg/provider/saml"
	"github.com/bcombuddy/sessionbridge/pkg/storage"
)

// ProviderFactory builds the provider client of one browser client. Its
// grants are cached in backend.
type ProviderFactory func(backend storage.Backend, logger *observability.Logger) *provider.Client

// NewProviderFactory creates the backend selected by cfg once and returns a
// factory sharing it between clients. It returns nil when no provider is
// configured.
func NewProviderFactory(ctx context.Context, cfg config.ProviderConfig, opener provider.Opener) (ProviderFactory, error) {
	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, nil
	}

	return func(store storage.Backend, logger *observability.Logger) *provider.Client {
		return provider.NewClient(cfg.Kind,
			provider.WithBackend(backend),
			provider.WithOpener(opener),
			provider.WithTokenCache(provider.NewTokenCache(store)),
			provider.WithRefreshWindow(cfg.RefreshWindow),
			provider.WithLogger(logger),
			provider.WithErrorHook(func(op string, perr *provider.Error) {
				logger.WithError(perr).WithField("operation", op).Debug("provider operation failed")
			}),
		)
	}, nil
}

func newBackend(ctx context.Context, cfg config.ProviderConfig) (interface{}, error) {
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	var (
		backend interface{}
		err     error
	)
	switch cfg.Kind {
	case config.ProviderNone, "":
		return nil, nil
	case config.ProviderIdentityToolkit:
		backend, err = identitytoolkit.New(cfg.IdentityToolkit, identitytoolkit.WithHTTPClient(httpClient))
	case config.ProviderOAuth2:
		backend, err = oauth2.New(cfg.OAuth2, oauth2.WithHTTPClient(httpClient))
	case config.ProviderOIDC:
		backend, err = oidc.New(ctx, cfg.OIDC, oidc.WithHTTPClient(httpClient))
	case config.ProviderSAML:
		backend, err = saml.New(cfg.SAML)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", cfg.Kind, err)
	}
	return backend, nil
}
