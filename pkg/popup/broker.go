package popup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bcombuddy/sessionbridge/pkg/provider"
)

// ErrUnknownFlow is returned when a callback names no pending sign-in
var ErrUnknownFlow = errors.New("no pending sign-in for this state")

type announcerKey struct{}

// WithAnnouncer returns a context whose federated sign-ins report their
// authorization URL to fn instead of opening anything
func WithAnnouncer(ctx context.Context, fn func(authURL string)) context.Context {
	return context.WithValue(ctx, announcerKey{}, fn)
}

func announcerFrom(ctx context.Context) func(string) {
	fn, _ := ctx.Value(announcerKey{}).(func(string))
	return fn
}

type flow struct {
	params chan url.Values
	failed chan error
}

// Broker pairs federated sign-ins with callbacks that arrive on other
// requests
type Broker struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*flow
}

var _ provider.Opener = (*Broker)(nil)

// NewBroker creates a broker. Flows not completed within timeout fail as
// closed popups.
func NewBroker(timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Broker{timeout: timeout, pending: make(map[string]*flow)}
}

// Open implements provider.Opener. Without an announcer in ctx there is
// nowhere to show the page, which is reported as a blocked popup.
func (b *Broker) Open(ctx context.Context, authURL, state string) (url.Values, error) {
	announce := announcerFrom(ctx)
	if announce == nil {
		return nil, blocked(errors.New("no page is waiting for the sign-in URL"))
	}

	f := &flow{params: make(chan url.Values, 1), failed: make(chan error, 1)}
	b.mu.Lock()
	b.pending[state] = f
	b.mu.Unlock()
	defer b.forget(state, f)

	announce(authURL)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case params := <-f.params:
		return params, nil
	case err := <-f.failed:
		return nil, err
	case <-ctx.Done():
		return nil, closed(ctx.Err())
	case <-timer.C:
		return nil, closed(errTimedOut)
	}
}

// Deliver hands callback parameters to the sign-in waiting for their state
func (b *Broker) Deliver(params url.Values) error {
	f, err := b.take(StateOf(params))
	if err != nil {
		return err
	}
	f.params <- params
	return nil
}

// Cancel fails the sign-in for state. blockedByBrowser distinguishes a page
// that could not open the popup from a user who closed it.
func (b *Broker) Cancel(state string, blockedByBrowser bool) error {
	f, err := b.take(state)
	if err != nil {
		return err
	}
	if blockedByBrowser {
		f.failed <- blocked(errors.New("popup blocked by browser"))
	} else {
		f.failed <- closed(errors.New("popup closed by user"))
	}
	return nil
}

// Pending returns the number of sign-ins waiting for a callback
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) take(state string) (*flow, error) {
	if state == "" {
		return nil, fmt.Errorf("callback carries no state: %w", ErrUnknownFlow)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.pending[state]
	if !ok {
		return nil, ErrUnknownFlow
	}
	delete(b.pending, state)
	return f, nil
}

func (b *Broker) forget(state string, f *flow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[state] == f {
		delete(b.pending, state)
	}
}
