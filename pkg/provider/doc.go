// Package provider adapts external identity providers to the session
// lifecycle used by the orchestrator.
//
// # Overview
//
// An Adapter signs users in with a password or a federated popup, creates
// accounts, sends password reset mail, signs out and reports every session
// transition to its subscribers. Failures are always reported as *Error with
// one of a closed set of codes; native provider codes never escape.
//
// # Components
//
//   - Client: the concrete Adapter, composed from optional backends
//     (password, account, federated, refresh, revoke)
//   - Notifier: exactly-once, in-order delivery of session transitions
//   - TokenCache: persists the provider grant between page loads
//   - Translate: maps native errors into the taxonomy
//
// Backends live in subpackages: identitytoolkit, oidc, oauth2 and saml.
//
// # Usage Example
//
//	backend := identitytoolkit.New(identitytoolkit.Config{APIKey: key})
//	client := provider.NewClient("password",
//		provider.WithBackend(backend),
//		provider.WithTokenCache(provider.NewTokenCache(store)),
//	)
//	if err := client.Start(ctx); err != nil {
//		return err
//	}
//	unsubscribe := client.Subscribe(func(s *provider.Session) {
//		// s is nil when signed out
//	})
//	defer unsubscribe()
package provider
