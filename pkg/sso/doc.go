// Package sso reads the single sign-on credential that an embedding shell
// application hands over on the page URL.
//
// # Overview
//
// The shell appends three query parameters when it opens the application:
//
//	?token=<encoded credential>&sso=true&shell=https://bcombuddy.netlify.app
//
// The token is a JSON document, usually base64 encoded and sometimes wrapped
// as the payload segment of a JWT. When a verification secret is configured
// the token must be an HS256 JWT signed by the shell.
//
// # Usage Example
//
//	parser := sso.NewParser(sso.WithSecret(secret))
//	if cred := parser.Parse(pageURL); cred != nil {
//		id := cred.Identity()
//		location.Replace(sso.StripParams(pageURL))
//	}
//
// A missing, malformed or expired token is not an error: Parse returns nil
// and the caller falls through to the next way of establishing a session.
// The credential is consumed once; callers strip the parameters from the
// visible URL so a reload or a copied link does not replay it.
package sso
