package registry

import (
	"context"

	"github.com/authwire/authstate/authstate"
)

// SubscriptionKind is the stable type marker the registry tags cleanup thunks
// with when registering them against the hosting framework's request
// lifecycle registry.
const SubscriptionKind = "authStatusUpdate_subscription"

// Handle identifies one subscription. Handles are opaque and process-local.
type Handle string

// DeliverFunc pushes one snapshot to a subscriber. final is true only for the
// last message a subscriber will ever receive. A non-nil error removes the
// subscription; it is never surfaced to other subscribers.
type DeliverFunc func(ctx context.Context, state authstate.AuthState, final bool) error

// Owner identifies the hosting-framework context (a connection, window, or
// session) that created one or more subscriptions. The registry invokes
// MaterializeState at most once per owner per broadcast cycle, regardless of
// how many subscriptions the owner holds.
type Owner interface {
	OwnerID() string

	// MaterializeState lets the owner refresh any dependent view of the auth
	// state. Failures are logged and do not affect other owners.
	MaterializeState(ctx context.Context, state authstate.AuthState) error
}

// LifecycleRegistry is the hosting framework's request-lifecycle registry.
// The registry hands it a cleanup thunk on every subscribe so that transport
// teardown, which the core does not detect itself, unsubscribes the handle.
type LifecycleRegistry interface {
	RegisterCleanup(requestID string, kind string, cleanup func())
}

// Identifier is the telemetry collaborator. Identify is fire-and-forget;
// implementations must swallow their own failures.
type Identifier interface {
	Identify(ctx context.Context, user authstate.UserIdentity)
}

// FeatureGates is the feature-gating collaborator. Reset invalidates cached
// entitlement data for the prior identity; Poll repopulates it. Both complete
// before a broadcast cycle's per-owner hooks fire so materialized views see
// fresh entitlements.
type FeatureGates interface {
	Reset()
	Poll(ctx context.Context) error
}

// HostContext bundles the rebindable host collaborators. See Registry.Bind.
type HostContext struct {
	Lifecycle    LifecycleRegistry
	Identifier   Identifier
	FeatureGates FeatureGates
}
