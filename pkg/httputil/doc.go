// Package httputil holds the JSON helpers and generic middleware shared by
// the HTTP API.
//
// Errors always have the shape {"code": ..., "error": ...}. Provider
// failures go through WriteProviderError so clients only see taxonomy
// codes and messages:
//
//	if _, err := orch.SignIn(ctx, email, secret); err != nil {
//		httputil.WriteProviderError(w, err)
//		return
//	}
package httputil
