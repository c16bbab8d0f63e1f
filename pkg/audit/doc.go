// Package audit keeps an append-only trail of session lifecycle events:
// identity resolutions, sign-in attempts and logouts. Events are written as
// newline-delimited JSON to audit.log, which is rotated by size.
//
// A Trail implements observability.AuthRecorder so it can sit next to the
// metrics recorders:
//
//	trail, err := audit.NewTrail(audit.Config{Dir: "/var/log/sessionbridge"})
//	recorders := observability.Recorders{metrics, trail}
package audit
