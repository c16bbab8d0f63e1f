package popup

import (
	"net/url"

	"github.com/bcombuddy/sessionbridge/pkg/provider"
)

// StateOf returns the flow state carried by callback parameters. OAuth
// servers echo it as state, SAML identity providers as RelayState.
func StateOf(params url.Values) string {
	if s := params.Get("state"); s != "" {
		return s
	}
	return params.Get("RelayState")
}

// isCallback reports whether params look like an identity provider
// response rather than a stray request
func isCallback(params url.Values) bool {
	return params.Get("code") != "" || params.Get("error") != "" || params.Get("SAMLResponse") != ""
}

func blocked(err error) error {
	return &provider.Error{Code: provider.CodePopupBlocked, Err: err}
}

func closed(err error) error {
	return &provider.Error{Code: provider.CodePopupClosed, Err: err}
}
