// Package provider defines the capability contract the registry requires from
// any identity-provider implementation, together with the session state the
// registry owns and the error taxonomy providers report through.
//
// Implementations live in subpackages (oidcprovider, ssoprovider); tests and
// embedders can use providertest.
package provider

import (
	"context"
	"sync"

	"github.com/authwire/authstate/authstate"
)

// Provider is the pluggable identity-provider capability. Multiple variants
// may coexist behind one registry; the registry is agnostic to which is
// active.
//
// CurrentState must be a synchronous read of cached session state and must
// not perform network I/O. All other operations may block and take a context.
type Provider interface {
	// CurrentState derives a snapshot from the session's cached credentials
	// and identity. It never mutates the session.
	CurrentState(sess *Session) authstate.AuthState

	// BeginLogin initiates an out-of-band interactive flow and returns an
	// opaque request artifact (typically an authorization URL). The eventual
	// side effect is an external callback into CompleteLogin.
	BeginLogin(ctx context.Context) (string, error)

	// CompleteLogin exchanges an authorization artifact for a credential
	// bundle and the identity it authenticates. It fails with *ExchangeError
	// on an invalid or expired artifact.
	CompleteLogin(ctx context.Context, code string) (authstate.Credentials, *authstate.UserIdentity, error)

	// Refresh exchanges the session's stored refresh credential for a new
	// access credential. It fails with *RefreshError, distinguishing
	// KindInvalidCredential (force re-login) from KindTransient (retryable).
	Refresh(ctx context.Context, sess *Session) (authstate.Credentials, *authstate.UserIdentity, error)

	// Clear invalidates and discards any provider-side cached credential
	// state. Best effort; it never fails.
	Clear(ctx context.Context, sess *Session)
}

// Session is the mutable per-registry provider session. Exactly one session
// is active per registry at a time and the registry owns it exclusively, but
// refresh operations read it outside the registry's structural lock, so the
// session guards its own fields.
type Session struct {
	mu          sync.RWMutex
	credentials authstate.Credentials
	user        *authstate.UserIdentity
}

// NewSession returns an empty, unauthenticated session.
func NewSession() *Session {
	return &Session{}
}

// Credentials returns the cached credential bundle.
func (s *Session) Credentials() authstate.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentials
}

// User returns the cached identity, or nil when unauthenticated.
func (s *Session) User() *authstate.UserIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Install replaces the cached credential bundle and identity.
func (s *Session) Install(creds authstate.Credentials, user *authstate.UserIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials = creds
	s.user = user
}

// Reset clears all cached credential and identity state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials = authstate.Credentials{}
	s.user = nil
}

// Authenticated reports whether the session holds a usable credential and an
// identity.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil && !s.credentials.Empty()
}
