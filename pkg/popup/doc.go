// Package popup presents federated login pages and collects the identity
// provider's callback parameters.
//
// Loopback runs the flow for a local process: it listens on a loopback
// address, opens the system browser and waits for the redirect. Broker runs
// it for a server: the authorization URL is announced to whoever started
// the flow and the callback is delivered later by another request.
package popup
