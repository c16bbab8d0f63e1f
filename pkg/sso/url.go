package sso

import (
	"net/url"
	"strings"
)

// Present reports whether u carries both the token and an enabled sso flag
func Present(u *url.URL) bool {
	if u == nil {
		return false
	}
	q := u.Query()
	return strings.TrimSpace(q.Get(ParamToken)) != "" && flagEnabled(q.Get(ParamSSO))
}

// ShellHint returns the shell address passed alongside the token, if any
func ShellHint(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(u.Query().Get(ParamShell))
}

// StripParams returns a copy of u without the SSO parameters
func StripParams(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	out := *u
	if u.User != nil {
		user := *u.User
		out.User = &user
	}
	q := u.Query()
	q.Del(ParamToken)
	q.Del(ParamSSO)
	q.Del(ParamShell)
	out.RawQuery = q.Encode()
	out.ForceQuery = false
	return &out
}

func flagEnabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
