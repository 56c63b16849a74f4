// Package providertest provides a scripted in-memory provider for tests and
// development environments where no real identity provider is available.
package providertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/authwire/authstate/authstate"
	"github.com/authwire/authstate/provider"
)

// Fake is a scripted provider.Provider. Zero value is usable: logins succeed
// for any code and produce the configured User (or a default), refreshes
// renew the current credentials.
type Fake struct {
	mu sync.Mutex

	// User is the identity produced by CompleteLogin and Refresh. Defaults to
	// a stable test identity when nil.
	User *authstate.UserIdentity

	// LoginURL is returned by BeginLogin. Defaults to a placeholder URL.
	LoginURL string

	// ExchangeErr, when set, makes CompleteLogin fail with an ExchangeError.
	ExchangeErr error

	// RefreshErr, when set, is returned verbatim from Refresh. Use a
	// *provider.RefreshError to exercise classification paths.
	RefreshErr error

	// RefreshBarrier, when non-nil, is received from inside Refresh before it
	// returns, letting tests hold a refresh in flight.
	RefreshBarrier chan struct{}

	refreshCalls atomic.Int64
	clearCalls   atomic.Int64
}

var _ provider.Provider = (*Fake)(nil)

func (f *Fake) defaultUser() *authstate.UserIdentity {
	if f.User != nil {
		u := *f.User
		return &u
	}
	return &authstate.UserIdentity{ID: "u1", DisplayName: "Test User", Email: "test@example.com"}
}

func (f *Fake) CurrentState(sess *provider.Session) authstate.AuthState {
	if !sess.Authenticated() {
		return authstate.Unauthenticated()
	}
	return authstate.Authenticated(sess.User())
}

func (f *Fake) BeginLogin(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LoginURL != "" {
		return f.LoginURL, nil
	}
	return "https://auth.example.com/authorize?state=fake", nil
}

func (f *Fake) CompleteLogin(ctx context.Context, code string) (authstate.Credentials, *authstate.UserIdentity, error) {
	f.mu.Lock()
	exchangeErr := f.ExchangeErr
	f.mu.Unlock()
	if exchangeErr != nil {
		return authstate.Credentials{}, nil, &provider.ExchangeError{Provider: "fake", Err: exchangeErr}
	}
	if code == "" {
		return authstate.Credentials{}, nil, &provider.ExchangeError{Provider: "fake", Err: errors.New("empty code")}
	}
	return authstate.Credentials{IDToken: "id-" + code, RefreshToken: "rt-" + code}, f.defaultUser(), nil
}

func (f *Fake) Refresh(ctx context.Context, sess *provider.Session) (authstate.Credentials, *authstate.UserIdentity, error) {
	f.refreshCalls.Add(1)

	f.mu.Lock()
	barrier := f.RefreshBarrier
	refreshErr := f.RefreshErr
	f.mu.Unlock()

	if barrier != nil {
		select {
		case <-barrier:
		case <-ctx.Done():
			return authstate.Credentials{}, nil, &provider.RefreshError{Kind: provider.KindTransient, Err: ctx.Err()}
		}
	}
	if refreshErr != nil {
		return authstate.Credentials{}, nil, refreshErr
	}

	creds := sess.Credentials()
	creds.IDToken = creds.IDToken + "+refreshed"
	return creds, f.defaultUser(), nil
}

func (f *Fake) Clear(ctx context.Context, sess *provider.Session) {
	f.clearCalls.Add(1)
	sess.Reset()
}

// RefreshCalls reports how many times Refresh was invoked.
func (f *Fake) RefreshCalls() int { return int(f.refreshCalls.Load()) }

// ClearCalls reports how many times Clear was invoked.
func (f *Fake) ClearCalls() int { return int(f.clearCalls.Load()) }

// SetRefreshErr scripts the next Refresh outcome.
func (f *Fake) SetRefreshErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefreshErr = err
}

// SetExchangeErr scripts the next CompleteLogin outcome.
func (f *Fake) SetExchangeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExchangeErr = err
}
