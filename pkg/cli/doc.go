// Package cli implements sessionbridge-cli, a terminal stand-in for the
// browser page. Each invocation loads the app, lets the orchestrator
// resolve who is signed in, runs one command and exits. Browser storage is
// kept in a directory between runs so sessions survive like they would
// across page loads.
//
// Federated sign-in opens the identity provider's page in the system
// browser and waits for its redirect on a loopback listener.
package cli
