package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bcombuddy/sessionbridge/pkg/httputil"
	"github.com/bcombuddy/sessionbridge/pkg/identity"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
	"github.com/bcombuddy/sessionbridge/pkg/orchestrator"
	"github.com/bcombuddy/sessionbridge/pkg/page"
	"github.com/bcombuddy/sessionbridge/pkg/popup"
)

// ClientCookie identifies the browser across requests
const ClientCookie = "sb_client"

// StateResponse is the body of every state reply
type StateResponse struct {
	Phase    orchestrator.Phase `json:"phase"`
	Loading  bool               `json:"loading"`
	Method   identity.Method    `json:"method,omitempty"`
	Identity *identity.Identity `json:"identity"`
}

func newStateResponse(st orchestrator.State) StateResponse {
	return StateResponse{
		Phase:    st.Phase,
		Loading:  st.Loading(),
		Method:   st.Method(),
		Identity: st.Identity,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type federatedResponse struct {
	AuthURL string `json:"auth_url"`
}

type cancelRequest struct {
	State   string `json:"state"`
	Blocked bool   `json:"blocked"`
}

// LogoutResponse tells the page where to go after logging out
type LogoutResponse struct {
	Method   identity.Method `json:"method,omitempty"`
	Redirect string          `json:"redirect,omitempty"`
}

// loadApp handles GET /app. Each load opens a fresh page, so SSO
// parameters on the URL are consumed again and the previous page is
// closed.
func (s *Server) loadApp(w http.ResponseWriter, r *http.Request) {
	id := observability.ClientID(r.Context())
	pageURL := s.pageURL(r, r.URL.Path, r.URL.RawQuery)

	p, err := s.pages.Open(id, pageURL)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	s.clients.put(p)

	if err := p.Orchestrator.Start(r.Context()); err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.writeAuthError(w, r, err)
		return
	}

	// the URL was rewritten to drop consumed SSO parameters
	if len(p.Location.Replaced()) > 0 {
		http.Redirect(w, r, p.Location.URL().RequestURI(), http.StatusSeeOther)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, newStateResponse(p.Orchestrator.State()))
}

// getSession handles GET /api/session
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.client(w, r)
	if !ok {
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, newStateResponse(p.Orchestrator.State()))
}

// login handles POST /api/session/login
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	p, ok := s.client(w, r)
	if !ok {
		return
	}

	if _, err := p.Orchestrator.SignIn(r.Context(), req.Email, req.Password); err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, newStateResponse(p.Orchestrator.State()))
}

// signup handles POST /api/session/signup
func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	p, ok := s.client(w, r)
	if !ok {
		return
	}

	if _, err := p.Orchestrator.CreateAccount(r.Context(), req.Email, req.Password); err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusCreated, newStateResponse(p.Orchestrator.State()))
}

// passwordReset handles POST /api/session/password-reset
func (s *Server) passwordReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}
	p, ok := s.client(w, r)
	if !ok {
		return
	}

	if err := p.Orchestrator.SendPasswordReset(r.Context(), req.Email); err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// federated handles POST /api/session/federated. The sign-in outlives the
// request: once the provider's login URL is known it is returned with 202
// and the page opens it, while the sign-in waits for the callback.
func (s *Server) federated(w http.ResponseWriter, r *http.Request) {
	p, ok := s.client(w, r)
	if !ok {
		return
	}

	timeout := s.cfg.FederatedTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	announced := make(chan string, 1)
	done := make(chan error, 1)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	ctx = popup.WithAnnouncer(ctx, func(authURL string) {
		select {
		case announced <- authURL:
		default:
		}
	})

	logger := observability.FromContext(r.Context())
	go func() {
		defer cancel()
		defer observability.RecoverPanic(logger, "federated sign-in")
		_, err := p.Orchestrator.SignInWithFederatedPopup(ctx)
		if err != nil {
			logger.WithError(err).Debug("federated sign-in ended without a session")
		}
		done <- err
	}()

	select {
	case authURL := <-announced:
		_ = httputil.WriteJSON(w, http.StatusAccepted, federatedResponse{AuthURL: authURL})
	case err := <-done:
		if err != nil {
			s.writeAuthError(w, r, err)
			return
		}
		_ = httputil.WriteJSON(w, http.StatusOK, newStateResponse(p.Orchestrator.State()))
	case <-r.Context().Done():
	}
}

const callbackPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Signed in</title></head>
<body><p>Sign-in complete. You can close this window.</p>
<script>window.close()</script></body></html>
`

// federatedCallback handles the identity provider's redirect back
func (s *Server) federatedCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, "malformed callback")
		return
	}

	params := url.Values{}
	for k, v := range r.Form {
		params[k] = v
	}
	if err := s.broker.Deliver(params); err != nil {
		if errors.Is(err, popup.ErrUnknownFlow) {
			httputil.WriteNotFound(w, "no sign-in is waiting for this callback")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(callbackPage))
}

// federatedCancel handles POST /auth/federated/cancel, sent by the page
// when the popup was closed or could not be opened
func (s *Server) federatedCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.State, "state") {
		return
	}

	if err := s.broker.Cancel(req.State, req.Blocked); err != nil {
		httputil.WriteNotFound(w, "no sign-in is waiting for this state")
		return
	}
	httputil.WriteNoContent(w)
}

// logout handles POST /api/session/logout. An SSO logout sends the page
// back to the shell application, which ends the client context.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	p, ok := s.client(w, r)
	if !ok {
		return
	}

	res, err := p.Logout.Logout(r.Context())
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("logout failed")
		httputil.WriteInternalError(w, err)
		return
	}
	if res.Redirect != "" {
		s.clients.remove(p.ID)
	}
	_ = httputil.WriteJSON(w, http.StatusOK, LogoutResponse{Method: res.Method, Redirect: res.Redirect})
}

// client returns the caller's page, loading the app for callers
// without one
func (s *Server) client(w http.ResponseWriter, r *http.Request) (*page.Page, bool) {
	id := observability.ClientID(r.Context())
	if p, ok := s.clients.get(id); ok {
		return p, true
	}

	p, err := s.pages.Open(id, s.pageURL(r, "/app", ""))
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	s.clients.put(p)

	if err := p.Orchestrator.Start(r.Context()); err != nil {
		if r.Context().Err() == nil {
			s.writeAuthError(w, r, err)
		}
		return nil, false
	}
	return p, true
}

// withClient identifies the browser before next runs; the id is carried in
// the request context and on its logger
func (s *Server) withClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.clientID(w, r)
		next.ServeHTTP(w, r.WithContext(observability.WithClientID(r.Context(), id)))
	})
}

// clientID reads the client cookie, issuing a new id when it is missing
// or malformed
func (s *Server) clientID(w http.ResponseWriter, r *http.Request) string {
	if ck, err := r.Cookie(ClientCookie); err == nil {
		if id, err := uuid.Parse(ck.Value); err == nil {
			return id.String()
		}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// pageURL is the address the browser shows for path and query
func (s *Server) pageURL(r *http.Request, path, rawQuery string) string {
	var u url.URL
	if s.publicURL != nil {
		u = *s.publicURL
	} else {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
		u.Host = r.Host
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = rawQuery
	return u.String()
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNoProvider):
		httputil.WriteErrorCode(w, http.StatusNotImplemented, "no_provider", "No identity provider is configured.")
	case errors.Is(err, orchestrator.ErrDisposed):
		httputil.WriteErrorCode(w, http.StatusConflict, "page_closed", "This page was replaced. Please reload.")
	default:
		observability.FromContext(r.Context()).WithError(err).Debug("authentication failed")
		httputil.WriteProviderError(w, err)
	}
}
