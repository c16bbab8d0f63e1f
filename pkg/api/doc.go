// Package api serves the identity resolution flow over HTTP.
//
// Every browser is identified by the sb_client cookie and owns a client
// context: a simulated page location, a session store scoped to the client
// inside the shared storage backend, an orchestrator and, when a provider is
// configured, a provider client. Loading /app starts a fresh context, the
// way a page reload would in a browser. Contexts live in an expirable LRU;
// eviction disposes them.
//
// Routes:
//
//	GET  /app                           page load; resolves the identity
//	GET  /api/session                   current state
//	POST /api/session/login             email and password sign-in
//	POST /api/session/signup            account creation
//	POST /api/session/password-reset    reset email
//	POST /api/session/federated         federated sign-in, answers with the URL to open
//	POST /api/session/logout            ends the session
//	GET|POST /auth/federated/callback   identity provider callback
//	POST /auth/federated/cancel         popup closed or blocked
//	GET  /healthz, /readyz, /metrics
//
// Errors have the shape {"code": ..., "error": ...}.
package api
