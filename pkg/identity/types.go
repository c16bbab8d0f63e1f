package identity

import (
	"fmt"
	"strings"
)

// Method tags how an identity was established
type Method string

const (
	MethodSSO      Method = "sso"
	MethodProvider Method = "provider"
)

// Valid reports whether m is one of the known methods
func (m Method) Valid() bool {
	return m == MethodSSO || m == MethodProvider
}

// ParseMethod converts a stored tag into a Method
func ParseMethod(s string) (Method, error) {
	m := Method(strings.TrimSpace(s))
	if !m.Valid() {
		return "", fmt.Errorf("unknown auth method %q", s)
	}
	return m, nil
}

// Identity is the unified representation of who is logged in
type Identity struct {
	ID          string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"name,omitempty"`

	// SSO-only attributes
	Role         string `json:"role,omitempty"`
	IsAdmin      *bool  `json:"isAdmin,omitempty"`
	YearOfStudy  string `json:"yearOfStudy,omitempty"`
	OriginDomain string `json:"originDomain,omitempty"`
	HostDomain   string `json:"hostDomain,omitempty"`

	Method Method `json:"authMethod"`
}

// Validate checks the required fields and the method tag
func (i *Identity) Validate() error {
	if i == nil {
		return fmt.Errorf("identity is nil")
	}
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(i.Email) == "" {
		return fmt.Errorf("identity email is required")
	}
	if !i.Method.Valid() {
		return fmt.Errorf("identity has invalid method %q", i.Method)
	}
	return nil
}

// Clone returns a deep copy
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	if i.IsAdmin != nil {
		v := *i.IsAdmin
		c.IsAdmin = &v
	}
	return &c
}

// Equal compares two identities field by field
func (i *Identity) Equal(other *Identity) bool {
	if i == nil || other == nil {
		return i == other
	}
	if (i.IsAdmin == nil) != (other.IsAdmin == nil) {
		return false
	}
	if i.IsAdmin != nil && *i.IsAdmin != *other.IsAdmin {
		return false
	}
	return i.ID == other.ID &&
		i.Email == other.Email &&
		i.DisplayName == other.DisplayName &&
		i.Role == other.Role &&
		i.YearOfStudy == other.YearOfStudy &&
		i.OriginDomain == other.OriginDomain &&
		i.HostDomain == other.HostDomain &&
		i.Method == other.Method
}

// Label returns the name to show in the UI, falling back to the email
func (i *Identity) Label() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Email
}

// Record is the durable projection of the current session
type Record struct {
	Identity *Identity `json:"identity"`
	Method   Method    `json:"method"`
}

// NewRecord builds a record whose method mirrors the identity's
func NewRecord(id *Identity) *Record {
	return &Record{Identity: id.Clone(), Method: id.Method}
}

// Validate checks the record is self-consistent
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if err := r.Identity.Validate(); err != nil {
		return err
	}
	if r.Method != r.Identity.Method {
		return fmt.Errorf("record method %q disagrees with identity method %q", r.Method, r.Identity.Method)
	}
	return nil
}
