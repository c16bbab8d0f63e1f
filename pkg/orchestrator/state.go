package orchestrator

import (
	"fmt"

	"github.com/bcombuddy/sessionbridge/pkg/identity"
)

// Phase is where the orchestrator is in its lifecycle
type Phase int

const (
	// PhaseResolving is the initial phase and is never re-entered
	PhaseResolving Phase = iota
	PhaseUnauthenticated
	PhaseAuthenticatedSSO
	PhaseAuthenticatedProvider
)

var phaseNames = map[Phase]string{
	PhaseResolving:             "resolving",
	PhaseUnauthenticated:       "unauthenticated",
	PhaseAuthenticatedSSO:      "authenticated_sso",
	PhaseAuthenticatedProvider: "authenticated_provider",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the phase by name
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name
func (p *Phase) UnmarshalText(text []byte) error {
	for phase, name := range phaseNames {
		if name == string(text) {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// State is the unified identity state consumers render from
type State struct {
	Phase    Phase
	Identity *identity.Identity
}

// Loading reports whether consumers should show a loading affordance
// rather than a signed-out view
func (s State) Loading() bool {
	return s.Phase == PhaseResolving
}

// Authenticated reports whether someone is signed in
func (s State) Authenticated() bool {
	return s.Phase == PhaseAuthenticatedSSO || s.Phase == PhaseAuthenticatedProvider
}

// Method returns the active method, or "" when signed out
func (s State) Method() identity.Method {
	switch s.Phase {
	case PhaseAuthenticatedSSO:
		return identity.MethodSSO
	case PhaseAuthenticatedProvider:
		return identity.MethodProvider
	}
	return ""
}

func (s State) equal(other State) bool {
	return s.Phase == other.Phase && s.Identity.Equal(other.Identity)
}

func (s State) clone() State {
	return State{Phase: s.Phase, Identity: s.Identity.Clone()}
}
