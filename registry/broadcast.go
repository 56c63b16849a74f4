package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/authwire/authstate/authstate"
)

// Broadcast runs one full broadcast cycle: compute a single snapshot, deliver
// it concurrently to every live subscriber, then run the per-cycle side
// effects. Delivery failures remove the offending subscription and are never
// surfaced to other subscribers or to the caller.
//
// Cycles are serialized against each other, so back-to-back broadcasts can
// never reorder snapshots as seen by any one subscriber. Unsubscribing during
// a cycle prevents future cycles only; a delivery already dispatched in the
// current cycle is not aborted.
func (r *Registry) Broadcast(ctx context.Context) {
	r.broadcastMu.Lock()
	defer r.broadcastMu.Unlock()

	r.mu.Lock()
	if r.session == nil {
		r.mu.Unlock()
		return
	}
	snap := r.providers[r.active].CurrentState(r.session)
	entries := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		entries = append(entries, sub)
	}
	identify := r.identify
	gates := r.gates

	// Identity-transition tracking: a transition into an authenticated state
	// (or to a different user) fires the identify side effect exactly once
	// per cycle. A same-user refresh does not re-fire it.
	newIdentity := snap.Authenticated && snap.User.ID != r.lastUser
	if snap.Authenticated {
		r.lastUser = snap.User.ID
	} else {
		r.lastUser = ""
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range entries {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			if err := sub.deliver(ctx, snap, false); err != nil {
				r.log.Error("auth status delivery failed, removing subscriber",
					slog.String("handle", string(sub.handle)),
					slog.String("owner", sub.owner.OwnerID()),
					slog.String("err", err.Error()))
				r.Unsubscribe(sub.handle)
			}
		}(sub)
	}
	wg.Wait()

	if newIdentity {
		if identify != nil {
			identify.Identify(ctx, *snap.User)
		}
		// Invalidate entitlements cached for the prior identity.
		if gates != nil {
			gates.Reset()
		}
	}
	if gates != nil {
		if err := gates.Poll(ctx); err != nil {
			r.log.Warn("feature gate poll failed", slog.String("err", err.Error()))
		}
	}

	r.materializeOwners(ctx, entries, snap)
}

// materializeOwners invokes the materialize hook once per distinct owner
// among the entries that existed at the start of the cycle, including owners
// whose entries were removed by a delivery failure during the cycle. Hook
// invocations are independent; one owner's failure does not block others.
func (r *Registry) materializeOwners(ctx context.Context, entries []*subscription, snap authstate.AuthState) {
	seen := make(map[string]Owner, len(entries))
	order := make([]string, 0, len(entries))
	for _, sub := range entries {
		id := sub.owner.OwnerID()
		if _, ok := seen[id]; !ok {
			seen[id] = sub.owner
			order = append(order, id)
		}
	}

	var wg sync.WaitGroup
	for _, id := range order {
		owner := seen[id]
		wg.Add(1)
		go func(owner Owner) {
			defer wg.Done()
			if err := owner.MaterializeState(ctx, snap); err != nil {
				r.log.Error("owner state materialization failed",
					slog.String("owner", owner.OwnerID()),
					slog.String("err", err.Error()))
			}
		}(owner)
	}
	wg.Wait()
}
