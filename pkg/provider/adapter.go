package provider

import (
	"context"

	"github.com/bcombuddy/sessionbridge/pkg/identity"
)

// Adapter is the contract every identity provider integration satisfies
type Adapter interface {
	SignInWithCredentials(ctx context.Context, email, secret string) (*identity.Identity, error)
	SignInWithFederatedPopup(ctx context.Context) (*identity.Identity, error)
	CreateAccount(ctx context.Context, email, secret string) (*identity.Identity, error)
	SendPasswordResetEmail(ctx context.Context, email string) error
	SignOut(ctx context.Context) error

	// Subscribe registers fn for session transitions. fn is called once with
	// the current session (nil when signed out) as soon as it is known, then
	// once per transition. Callbacks must not call Subscribe.
	Subscribe(fn func(*Session)) (unsubscribe func())

	// CurrentSession is a best-effort synchronous snapshot
	CurrentSession() *Session
}

// Session is the provider's view of a signed-in user
type Session struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
	ProviderID    string `json:"providerId,omitempty"`
}

// Identity projects the session into a unified identity. SSO-only
// attributes are never set.
func (s *Session) Identity() *identity.Identity {
	if s == nil {
		return nil
	}
	return &identity.Identity{
		ID:          s.UID,
		Email:       s.Email,
		DisplayName: s.DisplayName,
		Method:      identity.MethodProvider,
	}
}

// Equal reports whether two sessions describe the same state. Two nil
// sessions are equal.
func (s *Session) Equal(other *Session) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	return *s == *other
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
