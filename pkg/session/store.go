// Package session persists the resolved identity and its method tag so a
// reload can restore who is logged in.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bcombuddy/sessionbridge/pkg/identity"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
	"github.com/bcombuddy/sessionbridge/pkg/storage"
)

// Storage keys shared with the web client
const (
	KeyUserData   = "user_data"
	KeyAuthMethod = "auth_method"

	// KeyShellHint holds the shell address that came with an SSO credential
	KeyShellHint = "shell_hint"
)

// legacyProviderTag is written by releases that named the provider directly
const legacyProviderTag = "firebase"

// Store reads and writes the persisted session record
type Store struct {
	backend storage.Backend
	logger  *observability.Logger
}

// NewStore creates a session store over backend
func NewStore(backend storage.Backend, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Store{backend: backend, logger: logger.WithField("component", "session_store")}
}

// Load returns the persisted record. Missing, unreadable or inconsistent
// data yields nil.
func (s *Store) Load(ctx context.Context) *identity.Record {
	rawMethod, err := s.backend.Get(ctx, KeyAuthMethod)
	methodMissing := errors.Is(err, storage.ErrNotFound)
	if err != nil && !methodMissing {
		s.logger.WithError(err).Warn("failed to read auth method")
		return nil
	}

	rawUser, err := s.backend.Get(ctx, KeyUserData)
	userMissing := errors.Is(err, storage.ErrNotFound)
	if err != nil && !userMissing {
		s.logger.WithError(err).Warn("failed to read user data")
		return nil
	}

	switch {
	case methodMissing && userMissing:
		return nil
	case methodMissing || userMissing:
		s.logger.WithFields(map[string]interface{}{
			"has_user_data":   !userMissing,
			"has_auth_method": !methodMissing,
		}).Warn("ignoring partially written session record")
		return nil
	}

	method, err := identity.ParseMethod(normalizeMethod(rawMethod))
	if err != nil {
		s.logger.WithError(err).Warn("ignoring session record")
		return nil
	}

	var id identity.Identity
	if err := json.Unmarshal([]byte(rawUser), &id); err != nil {
		s.logger.WithError(err).Warn("ignoring malformed user data")
		return nil
	}
	id.Method = identity.Method(normalizeMethod(string(id.Method)))
	if id.Method == "" {
		id.Method = method
	}

	rec := &identity.Record{Identity: &id, Method: method}
	if err := rec.Validate(); err != nil {
		s.logger.WithError(err).Warn("ignoring inconsistent session record")
		return nil
	}
	return rec
}

// Save persists rec, identity first and then the method tag
func (s *Store) Save(ctx context.Context, rec *identity.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refusing to save session: %w", err)
	}

	data, err := json.Marshal(rec.Identity)
	if err != nil {
		return fmt.Errorf("failed to encode user data: %w", err)
	}
	if err := s.backend.Set(ctx, KeyUserData, string(data)); err != nil {
		return fmt.Errorf("failed to save user data: %w", err)
	}
	if err := s.backend.Set(ctx, KeyAuthMethod, string(rec.Method)); err != nil {
		return fmt.Errorf("failed to save auth method: %w", err)
	}
	return nil
}

// Clear removes the record and any shell hint. Every key is attempted even
// if one fails.
func (s *Store) Clear(ctx context.Context) error {
	var errs []error
	if err := s.backend.Delete(ctx, KeyAuthMethod); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete auth method: %w", err))
	}
	if err := s.backend.Delete(ctx, KeyUserData); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete user data: %w", err))
	}
	if err := s.backend.Delete(ctx, KeyShellHint); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete shell hint: %w", err))
	}
	return errors.Join(errs...)
}

// SaveShellHint stores the shell address for a later logout. An empty hint
// removes the stored one.
func (s *Store) SaveShellHint(ctx context.Context, hint string) error {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return s.backend.Delete(ctx, KeyShellHint)
	}
	return s.backend.Set(ctx, KeyShellHint, hint)
}

// ShellHint returns the stored shell address, or "" when there is none
func (s *Store) ShellHint(ctx context.Context) string {
	hint, err := s.backend.Get(ctx, KeyShellHint)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.WithError(err).Warn("failed to read shell hint")
		}
		return ""
	}
	return strings.TrimSpace(hint)
}

// Empty reports whether neither key is present. A record that Load rejects
// is not necessarily empty: it may be half written.
func (s *Store) Empty(ctx context.Context) (bool, error) {
	for _, key := range []string{KeyAuthMethod, KeyUserData} {
		_, err := s.backend.Get(ctx, key)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return false, err
		}
	}
	return true, nil
}

// Watch calls fn whenever the record may have been changed, including by
// another process sharing the backend. It returns storage.ErrWatchUnsupported
// when the backend cannot report changes.
func (s *Store) Watch(ctx context.Context, fn func()) error {
	w, ok := s.backend.(storage.Watcher)
	if !ok {
		return storage.ErrWatchUnsupported
	}
	return w.Watch(ctx, func(ev storage.Event) {
		switch ev.Key {
		case "", KeyUserData, KeyAuthMethod:
			fn()
		}
	})
}

func normalizeMethod(tag string) string {
	tag = strings.TrimSpace(tag)
	if strings.EqualFold(tag, legacyProviderTag) {
		return string(identity.MethodProvider)
	}
	return tag
}
