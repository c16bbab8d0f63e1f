// Package orchestrator decides who the current user is. It reconciles an SSO
// credential on the page URL, the persisted session record and the identity
// provider's live session into one observable State.
//
// Precedence, first match wins:
//
//  1. a valid SSO credential on the URL
//  2. a persisted record with the sso method
//  3. the identity provider's session, followed through a subscription
//  4. nobody
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/bcombuddy/sessionbridge/pkg/browser"
	"github.com/bcombuddy/sessionbridge/pkg/identity"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
	"github.com/bcombuddy/sessionbridge/pkg/provider"
	"github.com/bcombuddy/sessionbridge/pkg/session"
	"github.com/bcombuddy/sessionbridge/pkg/sso"
	"github.com/bcombuddy/sessionbridge/pkg/storage"
)

var tracer = otel.Tracer("github.com/bcombuddy/sessionbridge/pkg/orchestrator")

var (
	// ErrDisposed is returned by operations on a disposed orchestrator
	ErrDisposed = errors.New("orchestrator disposed")

	// ErrNoProvider is returned by sign-in operations when no identity
	// provider is configured
	ErrNoProvider = errors.New("no identity provider configured")
)

// Recorder receives resolution and sign-in outcomes for metrics
type Recorder interface {
	RecordResolution(phase string, duration time.Duration)
	RecordSignIn(operation string, code string)
}

type nopRecorder struct{}

func (nopRecorder) RecordResolution(string, time.Duration) {}
func (nopRecorder) RecordSignIn(string, string)            {}

// Options configures an Orchestrator
type Options struct {
	Location browser.Location
	Store    *session.Store

	// Parser defaults to an unsigned-token parser
	Parser *sso.Parser

	// Provider may be nil when only SSO is in use
	Provider provider.Adapter

	Logger   *observability.Logger
	Recorder Recorder
}

// Orchestrator owns the unified identity state of one browser client
type Orchestrator struct {
	location browser.Location
	store    *session.Store
	parser   *sso.Parser
	provider provider.Adapter
	logger   *observability.Logger
	recorder Recorder

	life   context.Context
	cancel context.CancelFunc

	resolves singleflight.Group
	signIns  singleflight.Group

	// apply serializes state transitions so observers see them in order
	apply sync.Mutex

	mu        sync.Mutex
	state     State
	shellHint string
	gen       uint64
	unsub     func()
	observers map[uint64]func(State)
	nextObs   uint64
	watching  bool
	disposed  bool
}

// New creates an orchestrator in the resolving phase
func New(opts Options) (*Orchestrator, error) {
	if opts.Location == nil {
		return nil, fmt.Errorf("location is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Parser == nil {
		opts.Parser = sso.NewParser()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	life, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		location:  opts.Location,
		store:     opts.Store,
		parser:    opts.Parser,
		provider:  opts.Provider,
		logger:    opts.Logger.WithField("component", "orchestrator"),
		recorder:  opts.Recorder,
		life:      life,
		cancel:    cancel,
		state:     State{Phase: PhaseResolving},
		observers: make(map[uint64]func(State)),
	}, nil
}

// Start watches the session store for changes made elsewhere and runs the
// first resolution
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	startWatch := !o.watching
	o.watching = true
	o.mu.Unlock()

	if startWatch {
		err := o.store.Watch(o.life, o.reconcile)
		switch {
		case errors.Is(err, storage.ErrWatchUnsupported):
			o.logger.Debug("session storage cannot report changes; reconciliation disabled")
		case err != nil:
			return fmt.Errorf("failed to watch session store: %w", err)
		}
	}

	_, err := o.Resolve(ctx)
	return err
}

// State returns a snapshot of the current state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// ShellHint returns the shell address recovered from the page URL, if any
func (o *Orchestrator) ShellHint() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shellHint
}

// Observe calls fn with the current state and then on every transition, in
// order. fn must not call Observe.
func (o *Orchestrator) Observe(fn func(State)) (cancel func()) {
	o.apply.Lock()
	defer o.apply.Unlock()

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return func() {}
	}
	id := o.nextObs
	o.nextObs++
	o.observers[id] = fn
	current := o.state.clone()
	o.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.observers, id)
			o.mu.Unlock()
		})
	}
}

// Resolve runs the resolution algorithm. Concurrent calls share one run.
// It returns once the state is settled, or with ctx's error when the caller
// stops waiting; an identity provider that never answers leaves the state
// resolving.
func (o *Orchestrator) Resolve(ctx context.Context) (State, error) {
	if o.isDisposed() {
		return o.State(), ErrDisposed
	}

	// the shared run must not die with whichever caller started it
	runCtx := context.WithoutCancel(ctx)
	ch := o.resolves.DoChan("resolve", func() (interface{}, error) {
		return o.resolve(runCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return o.State(), res.Err
		}
		return res.Val.(State), nil
	case <-ctx.Done():
		return o.State(), ctx.Err()
	}
}

func (o *Orchestrator) resolve(ctx context.Context) (State, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Resolve")
	defer span.End()
	start := time.Now()

	finish := func(st State, err error) (State, error) {
		span.SetAttributes(attribute.String("auth.phase", st.Phase.String()))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		o.recorder.RecordResolution(st.Phase.String(), time.Since(start))
		return st, err
	}

	u := o.location.URL()
	if hint := sso.ShellHint(u); hint != "" {
		o.mu.Lock()
		o.shellHint = hint
		o.mu.Unlock()
	}

	// 1. credential on the URL
	if sso.Present(u) {
		cred := o.parser.Parse(u)
		o.location.Replace(sso.StripParams(u))
		if cred != nil {
			return finish(o.adoptSSO(ctx, cred.Identity(), "url"), nil)
		}
		o.logger.Warn("discarding invalid sso token and any persisted session")
		if err := o.store.Clear(ctx); err != nil {
			o.logger.WithError(err).Warn("failed to clear session record")
		}
	}

	// 2. persisted sso record
	rec := o.store.Load(ctx)
	if rec != nil && rec.Method == identity.MethodSSO {
		return finish(o.adoptSSO(ctx, rec.Identity, "record"), nil)
	}

	// 4. nothing to ask
	if o.provider == nil {
		o.apply.Lock()
		o.setState(State{Phase: PhaseUnauthenticated})
		o.apply.Unlock()
		return finish(o.State(), nil)
	}

	// 3. follow the provider
	ready := o.subscribe()
	select {
	case <-ready:
		return finish(o.State(), nil)
	case <-o.life.Done():
		return finish(o.State(), ErrDisposed)
	}
}

// adoptSSO makes id the signed-in SSO identity. The provider subscription is
// released so the provider cannot override it.
func (o *Orchestrator) adoptSSO(ctx context.Context, id *identity.Identity, source string) State {
	id = id.Clone()
	id.Method = identity.MethodSSO

	o.apply.Lock()
	defer o.apply.Unlock()

	o.release()
	if source == "url" {
		if err := o.store.Save(ctx, identity.NewRecord(id)); err != nil {
			o.logger.WithError(err).Warn("failed to persist sso session")
		}
		// the page URL loses the hint once it is rewritten
		if err := o.store.SaveShellHint(ctx, o.ShellHint()); err != nil {
			o.logger.WithError(err).Warn("failed to persist shell hint")
		}
	}
	o.logger.WithUser(id.ID, id.Email).WithField("source", source).Info("sso session established")
	o.setState(State{Phase: PhaseAuthenticatedSSO, Identity: id})
	return o.State()
}

// subscribe replaces any provider subscription and returns a channel closed
// by the new subscription's first callback
func (o *Orchestrator) subscribe() <-chan struct{} {
	o.mu.Lock()
	prev := o.unsub
	o.unsub = nil
	o.gen++
	gen := o.gen
	o.mu.Unlock()

	if prev != nil {
		prev()
	}

	ready := make(chan struct{})
	var once sync.Once
	unsub := o.provider.Subscribe(func(s *provider.Session) {
		o.onProvider(gen, s)
		once.Do(func() { close(ready) })
	})

	o.mu.Lock()
	if o.disposed || o.gen != gen {
		o.mu.Unlock()
		unsub()
		return ready
	}
	o.unsub = unsub
	o.mu.Unlock()
	return ready
}

// release drops the provider subscription. Callbacks already in flight are
// ignored through the generation check.
func (o *Orchestrator) release() {
	o.mu.Lock()
	unsub := o.unsub
	o.unsub = nil
	o.gen++
	o.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (o *Orchestrator) subscribed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unsub != nil
}

func (o *Orchestrator) onProvider(gen uint64, s *provider.Session) {
	o.apply.Lock()
	defer o.apply.Unlock()

	o.mu.Lock()
	stale := o.disposed || gen != o.gen
	o.mu.Unlock()
	if stale {
		return
	}

	ctx := o.life
	if s == nil {
		if err := o.store.Clear(ctx); err != nil {
			o.logger.WithError(err).Warn("failed to clear session record")
		}
		o.setState(State{Phase: PhaseUnauthenticated})
		return
	}

	id := s.Identity()
	if err := o.store.Save(ctx, identity.NewRecord(id)); err != nil {
		o.logger.WithError(err).Warn("failed to persist provider session")
	}
	o.setState(State{Phase: PhaseAuthenticatedProvider, Identity: id})
}

// reconcile reacts to session records written by someone else, such as a
// logout in another tab. Provider-method records are left to the provider.
func (o *Orchestrator) reconcile() {
	o.apply.Lock()
	defer o.apply.Unlock()

	o.mu.Lock()
	current := o.state
	skip := o.disposed || current.Phase == PhaseResolving
	o.mu.Unlock()
	if skip {
		return
	}

	ctx := o.life
	rec := o.store.Load(ctx)
	switch {
	case rec == nil:
		if current.Phase != PhaseAuthenticatedSSO {
			return
		}
		empty, err := o.store.Empty(ctx)
		if err != nil || !empty {
			// half written; the next event completes it
			return
		}
		o.logger.Info("sso session cleared elsewhere")
		o.setState(State{Phase: PhaseUnauthenticated})
	case rec.Method == identity.MethodSSO:
		if current.Phase == PhaseAuthenticatedSSO && current.Identity.Equal(rec.Identity) {
			return
		}
		o.logger.WithUser(rec.Identity.ID, rec.Identity.Email).Info("adopting sso session written elsewhere")
		o.release()
		o.setState(State{Phase: PhaseAuthenticatedSSO, Identity: rec.Identity})
	}
}

// setState must be called with apply held
func (o *Orchestrator) setState(next State) {
	o.mu.Lock()
	if o.disposed || o.state.equal(next) {
		o.mu.Unlock()
		return
	}
	prev := o.state.Phase
	o.state = next.clone()
	observers := make([]func(State), 0, len(o.observers))
	for id := uint64(0); id < o.nextObs; id++ {
		if fn, ok := o.observers[id]; ok {
			observers = append(observers, fn)
		}
	}
	o.mu.Unlock()

	if prev != next.Phase {
		o.logger.WithFields(map[string]interface{}{
			"from": prev.String(),
			"to":   next.Phase.String(),
		}).Debug("auth state changed")
	}
	for _, fn := range observers {
		fn(next.clone())
	}
}

// SignIn signs in with an email and password. Identical concurrent
// attempts share one provider call.
func (o *Orchestrator) SignIn(ctx context.Context, email, secret string) (*identity.Identity, error) {
	key := "credentials:" + normalizeEmail(email) + ":" + digest(secret)
	return o.signIn(ctx, "sign_in", key, func(ctx context.Context, p provider.Adapter) (*identity.Identity, error) {
		return p.SignInWithCredentials(ctx, email, secret)
	})
}

// SignInWithFederatedPopup signs in through the identity provider's login
// page. Only one federated flow runs at a time.
func (o *Orchestrator) SignInWithFederatedPopup(ctx context.Context) (*identity.Identity, error) {
	return o.signIn(ctx, "federated", "federated", func(ctx context.Context, p provider.Adapter) (*identity.Identity, error) {
		return p.SignInWithFederatedPopup(ctx)
	})
}

// CreateAccount registers a password account and signs it in
func (o *Orchestrator) CreateAccount(ctx context.Context, email, secret string) (*identity.Identity, error) {
	key := "create:" + normalizeEmail(email) + ":" + digest(secret)
	return o.signIn(ctx, "create_account", key, func(ctx context.Context, p provider.Adapter) (*identity.Identity, error) {
		return p.CreateAccount(ctx, email, secret)
	})
}

// SendPasswordReset asks the provider to email a reset link
func (o *Orchestrator) SendPasswordReset(ctx context.Context, email string) error {
	if o.isDisposed() {
		return ErrDisposed
	}
	if o.provider == nil {
		return ErrNoProvider
	}

	ctx, span := tracer.Start(ctx, "orchestrator.SendPasswordReset")
	defer span.End()

	_, err, _ := o.coalesce(ctx, "reset:"+normalizeEmail(email), func(ctx context.Context) (interface{}, error) {
		return nil, o.provider.SendPasswordResetEmail(ctx, email)
	})
	o.recorder.RecordSignIn("password_reset", string(provider.CodeOf(err)))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// coalesce runs fn once per key for all concurrent callers. The shared run
// is detached from the caller that started it; each caller stops waiting
// when its own ctx is done.
func (o *Orchestrator) coalesce(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error, bool) {
	runCtx := context.WithoutCancel(ctx)
	ch := o.signIns.DoChan(key, func() (interface{}, error) {
		return fn(runCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err, res.Shared
	case <-ctx.Done():
		return nil, ctx.Err(), false
	}
}

type signInFunc func(ctx context.Context, p provider.Adapter) (*identity.Identity, error)

func (o *Orchestrator) signIn(ctx context.Context, op, key string, fn signInFunc) (*identity.Identity, error) {
	if o.isDisposed() {
		return nil, ErrDisposed
	}
	if o.provider == nil {
		return nil, ErrNoProvider
	}

	ctx, span := tracer.Start(ctx, "orchestrator."+op, trace.WithAttributes(attribute.String("auth.operation", op)))
	defer span.End()

	v, err, shared := o.coalesce(ctx, key, func(ctx context.Context) (interface{}, error) {
		return fn(ctx, o.provider)
	})
	span.SetAttributes(attribute.Bool("auth.coalesced", shared))
	o.recorder.RecordSignIn(op, string(provider.CodeOf(err)))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// signing in from an SSO session hands control to the provider
	if !o.subscribed() && !o.isDisposed() {
		<-o.subscribe()
	}

	id := v.(*identity.Identity)
	return id.Clone(), nil
}

// Dispose releases the provider subscription and the store watch. Later
// callbacks are ignored and operations return ErrDisposed.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	unsub := o.unsub
	o.unsub = nil
	o.gen++
	o.observers = make(map[uint64]func(State))
	o.mu.Unlock()

	o.cancel()
	if unsub != nil {
		unsub()
	}
}

func (o *Orchestrator) isDisposed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disposed
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
