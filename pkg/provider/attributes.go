package provider

import (
	"fmt"
	"strconv"
	"strings"
)

// AttributeMap names the claims or assertion attributes that carry each
// session field
type AttributeMap struct {
	UserID        string `json:"user_id" yaml:"user_id"`
	Email         string `json:"email" yaml:"email"`
	DisplayName   string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	FirstName     string `json:"first_name,omitempty" yaml:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty" yaml:"last_name,omitempty"`
	EmailVerified string `json:"email_verified,omitempty" yaml:"email_verified,omitempty"`
}

// DefaultClaimAttributes is the mapping for standard OpenID Connect claims
func DefaultClaimAttributes() AttributeMap {
	return AttributeMap{
		UserID:        "sub",
		Email:         "email",
		DisplayName:   "name",
		FirstName:     "given_name",
		LastName:      "family_name",
		EmailVerified: "email_verified",
	}
}

// WithDefaults fills empty entries from DefaultClaimAttributes
func (m AttributeMap) WithDefaults() AttributeMap {
	d := DefaultClaimAttributes()
	if m.UserID == "" {
		m.UserID = d.UserID
	}
	if m.Email == "" {
		m.Email = d.Email
	}
	if m.DisplayName == "" {
		m.DisplayName = d.DisplayName
	}
	if m.FirstName == "" {
		m.FirstName = d.FirstName
	}
	if m.LastName == "" {
		m.LastName = d.LastName
	}
	if m.EmailVerified == "" {
		m.EmailVerified = d.EmailVerified
	}
	return m
}

// SessionFromClaims builds a session from decoded claims
func (m AttributeMap) SessionFromClaims(claims map[string]interface{}, providerID string) (*Session, error) {
	s := &Session{
		UID:           stringValue(claims, m.UserID),
		Email:         stringValue(claims, m.Email),
		DisplayName:   stringValue(claims, m.DisplayName),
		EmailVerified: boolValue(claims, m.EmailVerified),
		ProviderID:    providerID,
	}
	if s.DisplayName == "" {
		s.DisplayName = strings.TrimSpace(stringValue(claims, m.FirstName) + " " + stringValue(claims, m.LastName))
	}

	if s.UID == "" {
		return nil, fmt.Errorf("missing user ID in claims")
	}
	if s.Email == "" {
		return nil, fmt.Errorf("missing email in claims")
	}
	return s, nil
}

// SessionFromAttributes builds a session from multi-valued attributes,
// using the first value of each
func (m AttributeMap) SessionFromAttributes(attrs map[string][]string, providerID string) (*Session, error) {
	claims := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		if len(v) > 0 {
			claims[k] = v[0]
		}
	}
	return m.SessionFromClaims(claims, providerID)
}

func stringValue(data map[string]interface{}, key string) string {
	if key == "" {
		return ""
	}
	switch v := data[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func boolValue(data map[string]interface{}, key string) bool {
	if key == "" {
		return false
	}
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}
