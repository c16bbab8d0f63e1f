package sso

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bcombuddy/sessionbridge/pkg/identity"
)

// Credential is the SSO payload minted by the shell application
type Credential struct {
	ID           string
	Email        string
	DisplayName  string
	Role         string
	IsAdmin      *bool
	YearOfStudy  string
	HostDomain   string
	OriginDomain string
	ExpiresAt    time.Time
}

// Identity projects the credential into a unified identity
func (c *Credential) Identity() *identity.Identity {
	id := &identity.Identity{
		ID:           c.ID,
		Email:        c.Email,
		DisplayName:  c.DisplayName,
		Role:         c.Role,
		YearOfStudy:  c.YearOfStudy,
		HostDomain:   c.HostDomain,
		OriginDomain: c.OriginDomain,
		Method:       identity.MethodSSO,
	}
	if c.IsAdmin != nil {
		v := *c.IsAdmin
		id.IsAdmin = &v
	}
	return id
}

// payload is the wire shape of a credential. Aliases cover the field names
// used by older shell releases.
type payload struct {
	ID           string       `json:"id"`
	UID          string       `json:"uid"`
	Email        string       `json:"email"`
	DisplayName  string       `json:"displayName"`
	Name         string       `json:"name"`
	Role         string       `json:"role"`
	IsAdmin      *bool        `json:"isAdmin"`
	YearOfStudy  flexString   `json:"yearOfStudy"`
	HostDomain   string       `json:"hostDomain"`
	OriginDomain string       `json:"originDomain"`
	Exp          *json.Number `json:"exp"`
	ExpiresAt    *json.Number `json:"expiresAt"`
}

func (p *payload) credential() (*Credential, error) {
	c := &Credential{
		ID:           firstNonEmpty(p.ID, p.UID),
		Email:        strings.TrimSpace(p.Email),
		DisplayName:  firstNonEmpty(p.DisplayName, p.Name),
		Role:         p.Role,
		IsAdmin:      p.IsAdmin,
		YearOfStudy:  string(p.YearOfStudy),
		HostDomain:   p.HostDomain,
		OriginDomain: p.OriginDomain,
	}
	if c.ID == "" {
		return nil, errMissingID
	}
	if c.Email == "" {
		return nil, errMissingEmail
	}

	exp := p.Exp
	if exp == nil {
		exp = p.ExpiresAt
	}
	if exp == nil {
		return nil, errMissingExpiry
	}
	secs, err := exp.Float64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	c.ExpiresAt = unixTime(secs)

	return c, nil
}

// maxExpiry bounds far-future expiries so the conversion cannot overflow
var maxExpiry = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

func unixTime(secs float64) time.Time {
	switch {
	case secs >= float64(maxExpiry.Unix()):
		return maxExpiry
	case secs <= 0:
		return time.Unix(0, 0).UTC()
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}

// flexString accepts a JSON string or number
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("yearOfStudy must be a string or number")
	}
	if i, err := n.Int64(); err == nil {
		*f = flexString(strconv.FormatInt(i, 10))
		return nil
	}
	*f = flexString(n.String())
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
