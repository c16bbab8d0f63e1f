// Package identity defines the unified, UI-facing representation of the
// logged-in user and the record persisted between page loads.
//
// An Identity is produced by exactly one of two paths: an SSO credential
// handed over by the embedding shell application (MethodSSO), or a session
// held by the identity provider (MethodProvider). The Method tag decides how
// the session is refreshed and how logout behaves.
package identity
