package storage

import (
	"context"
	"strings"
)

// Scoped confines a client to its own keys inside a shared backend
type Scoped struct {
	inner  Backend
	prefix string
}

// NewScoped returns a view of inner whose keys are prefixed with scope
func NewScoped(inner Backend, scope string) *Scoped {
	return &Scoped{inner: inner, prefix: "client:" + scope + ":"}
}

// Get implements Backend.Get
func (s *Scoped) Get(ctx context.Context, key string) (string, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

// Set implements Backend.Set
func (s *Scoped) Set(ctx context.Context, key, value string) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

// Delete implements Backend.Delete
func (s *Scoped) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.prefix+key)
}

// Watch implements Watcher, reporting only this scope's keys
func (s *Scoped) Watch(ctx context.Context, fn func(Event)) error {
	w, ok := s.inner.(Watcher)
	if !ok {
		return ErrWatchUnsupported
	}
	return w.Watch(ctx, func(ev Event) {
		if ev.Key == "" {
			fn(ev)
			return
		}
		if strings.HasPrefix(ev.Key, s.prefix) {
			fn(Event{Key: strings.TrimPrefix(ev.Key, s.prefix), Deleted: ev.Deleted})
		}
	})
}

// Close is a no-op; the shared backend outlives its scopes
func (s *Scoped) Close() error {
	return nil
}
