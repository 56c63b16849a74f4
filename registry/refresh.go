package registry

import (
	"context"

	"github.com/authwire/authstate/authstate"
	"github.com/authwire/authstate/provider"
)

// EnsureFreshState refreshes the session's credentials and returns the
// resulting snapshot. Concurrent callers share a single in-flight refresh
// and observe its one resolution; the in-flight slot clears on completion so
// the next call starts fresh.
//
// A rejected refresh credential clears the session and returns the
// unauthenticated snapshot without error; a transient failure leaves state
// untouched and surfaces the same error to every waiter, who may retry.
func (r *Registry) EnsureFreshState(ctx context.Context) (authstate.AuthState, error) {
	v, err, _ := r.refreshGroup.Do("refresh", func() (any, error) {
		return r.refreshOnce(ctx)
	})
	if err != nil {
		return authstate.Unauthenticated(), err
	}
	return v.(authstate.AuthState), nil
}

func (r *Registry) refreshOnce(ctx context.Context) (authstate.AuthState, error) {
	r.mu.Lock()
	if r.session == nil {
		r.mu.Unlock()
		return authstate.Unauthenticated(), ErrNotInitialized
	}
	p := r.providers[r.active]
	sess := r.session
	active := r.active
	creds := sess.Credentials()
	r.mu.Unlock()

	// Nothing to refresh; report the current (unauthenticated) state rather
	// than asking the provider to exchange a credential that does not exist.
	if creds.Empty() {
		return r.Snapshot(), nil
	}

	newCreds, user, err := p.Refresh(ctx, sess)
	if err != nil {
		if provider.IsInvalidCredential(err) {
			r.mu.Lock()
			sess.Reset()
			r.mu.Unlock()
			r.deleteCredentials(ctx, active)
			return authstate.Unauthenticated(), nil
		}
		return authstate.Unauthenticated(), err
	}

	r.mu.Lock()
	sess.Install(newCreds, user)
	snap := p.CurrentState(sess)
	r.mu.Unlock()

	r.persistCredentials(ctx, active, newCreds)
	return snap, nil
}

// NotifyStateMayHaveChanged refreshes the session state and broadcasts the
// result to all subscribers. The broadcast runs even when the refresh fails
// transiently, so subscribers still observe the (unchanged) current state;
// the refresh error is returned to the caller.
func (r *Registry) NotifyStateMayHaveChanged(ctx context.Context) error {
	_, err := r.EnsureFreshState(ctx)
	r.Broadcast(ctx)
	return err
}
