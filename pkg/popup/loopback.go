package popup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	sysbrowser "github.com/pkg/browser"

	"github.com/bcombuddy/sessionbridge/pkg/observability"
	"github.com/bcombuddy/sessionbridge/pkg/provider"
)

const donePage = `<!doctype html><html><body><p>Sign-in complete. You can close this window.</p></body></html>`

var errTimedOut = errors.New("timed out waiting for the identity provider")

// Loopback opens the system browser and waits for the redirect on a local
// listener
type Loopback struct {
	// Addr is the listen address, matching the registered redirect URL
	Addr string

	// Path is the callback path (default /callback)
	Path string

	// Timeout bounds the whole flow (default five minutes)
	Timeout time.Duration

	// Launch presents the page; defaults to the system browser
	Launch func(authURL string) error

	Logger *observability.Logger
}

var _ provider.Opener = (*Loopback)(nil)

// RedirectURL returns the URL the identity provider should redirect to
func (l *Loopback) RedirectURL() string {
	return "http://" + l.Addr + l.path()
}

func (l *Loopback) path() string {
	if l.Path == "" {
		return "/callback"
	}
	return l.Path
}

// Open implements provider.Opener
func (l *Loopback) Open(ctx context.Context, authURL, state string) (url.Values, error) {
	logger := l.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return nil, blocked(fmt.Errorf("failed to listen for callback: %w", err))
	}

	results := make(chan url.Values, 1)
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc(l.path(), func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if !isCallback(r.Form) {
			http.Error(w, "not a sign-in response", http.StatusBadRequest)
			return
		}
		if StateOf(r.Form) != state {
			logger.Warn("ignoring callback for another sign-in")
			http.Error(w, "unknown sign-in", http.StatusBadRequest)
			return
		}
		once.Do(func() { results <- r.Form })
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(donePage))
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("callback listener stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	launch := l.Launch
	if launch == nil {
		launch = sysbrowser.OpenURL
	}
	if err := launch(authURL); err != nil {
		return nil, blocked(fmt.Errorf("failed to open browser: %w", err))
	}
	logger.WithField("redirect_url", l.RedirectURL()).Info("waiting for sign-in to complete in the browser")

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case params := <-results:
		return params, nil
	case <-ctx.Done():
		return nil, closed(ctx.Err())
	case <-timer.C:
		return nil, closed(errTimedOut)
	}
}
