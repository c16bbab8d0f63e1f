package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/bcombuddy/sessionbridge/pkg/storage"
)

// GrantKey is the storage key owned by the provider for its grant
const GrantKey = "provider_grant"

// Grant is what a backend hands back after a successful sign-in
type Grant struct {
	Session *Session      `json:"session"`
	Token   *oauth2.Token `json:"token,omitempty"`

	// Expiry bounds grants that carry no token, such as SAML assertions
	Expiry time.Time `json:"expiry,omitempty"`
}

// ExpiresAt returns when the grant stops being valid. Zero means unknown.
func (g *Grant) ExpiresAt() time.Time {
	if g.Token != nil && !g.Token.Expiry.IsZero() {
		return g.Token.Expiry
	}
	return g.Expiry
}

// Refreshable reports whether the grant carries a refresh token
func (g *Grant) Refreshable() bool {
	return g.Token != nil && g.Token.RefreshToken != ""
}

// TokenCache persists the grant separately from the session record
type TokenCache struct {
	backend storage.Backend
}

// NewTokenCache creates a cache over backend
func NewTokenCache(backend storage.Backend) *TokenCache {
	return &TokenCache{backend: backend}
}

// Load returns the cached grant, or nil when there is none
func (c *TokenCache) Load(ctx context.Context) (*Grant, error) {
	raw, err := c.backend.Get(ctx, GrantKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read provider grant: %w", err)
	}

	var g Grant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("failed to decode provider grant: %w", err)
	}
	if g.Session == nil || g.Session.UID == "" {
		return nil, fmt.Errorf("provider grant has no session")
	}
	return &g, nil
}

// Save stores g
func (c *TokenCache) Save(ctx context.Context, g *Grant) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode provider grant: %w", err)
	}
	if err := c.backend.Set(ctx, GrantKey, string(data)); err != nil {
		return fmt.Errorf("failed to save provider grant: %w", err)
	}
	return nil
}

// Clear removes the cached grant
func (c *TokenCache) Clear(ctx context.Context) error {
	if err := c.backend.Delete(ctx, GrantKey); err != nil {
		return fmt.Errorf("failed to clear provider grant: %w", err)
	}
	return nil
}
