// Package registry implements the authentication-state broadcast and
// subscription registry: it tracks the current auth state for the active
// identity provider, fans state changes out to long-lived subscribers with
// per-subscriber failure isolation, and coordinates refresh operations so
// concurrent callers never trigger redundant refresh work.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/authwire/authstate/authstate"
	"github.com/authwire/authstate/provider"
	"github.com/authwire/authstate/secrets"
)

var (
	// ErrNotInitialized is returned when an operation requiring an active
	// provider session runs against a registry that was not built with New.
	ErrNotInitialized = errors.New("registry: not initialized")

	// ErrUnknownProvider is returned when a provider name is not in the
	// configured variant set.
	ErrUnknownProvider = errors.New("registry: unknown provider")
)

type subscription struct {
	handle  Handle
	owner   Owner
	deliver DeliverFunc
}

// Registry is the process-wide access point. Construct it once during
// application bootstrap with New and pass it by reference; Bind rebinds the
// host collaborators without discarding accumulated subscriptions or the
// provider session.
type Registry struct {
	log *slog.Logger

	// mu serializes structural mutation: the subscription set, the active
	// provider session, and the rebindable collaborators.
	mu        sync.Mutex
	providers map[string]provider.Provider
	active    string
	session   *provider.Session
	subs      map[Handle]*subscription
	lastUser  string

	lifecycle LifecycleRegistry
	identify  Identifier
	gates     FeatureGates

	store     secrets.Store
	keyPrefix string

	// broadcastMu serializes whole broadcast cycles and Subscribe's one-shot
	// initial delivery, so a later snapshot is never delivered to a
	// subscriber before an earlier one.
	broadcastMu  sync.Mutex
	refreshGroup singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithProvider registers a named provider variant. At least one is required.
func WithProvider(name string, p provider.Provider) Option {
	return func(r *Registry) { r.providers[name] = p }
}

// WithActiveProvider selects the initially active variant. Required when more
// than one provider is registered.
func WithActiveProvider(name string) Option {
	return func(r *Registry) { r.active = name }
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithLifecycle sets the hosting framework's request-lifecycle registry.
func WithLifecycle(lc LifecycleRegistry) Option {
	return func(r *Registry) { r.lifecycle = lc }
}

// WithIdentifier sets the telemetry collaborator.
func WithIdentifier(id Identifier) Option {
	return func(r *Registry) { r.identify = id }
}

// WithFeatureGates sets the feature-gating collaborator.
func WithFeatureGates(fg FeatureGates) Option {
	return func(r *Registry) { r.gates = fg }
}

// WithCredentialStore sets the secret store used to persist credential
// bundles across process runs. Without one, Restore is a no-op and
// credentials live only in memory.
func WithCredentialStore(s secrets.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithCredentialKeyPrefix overrides the key prefix used in the secret store.
func WithCredentialKeyPrefix(prefix string) Option {
	return func(r *Registry) { r.keyPrefix = prefix }
}

// New builds a Registry. Exactly one provider session is active at a time;
// it is created here and replaced only by SwitchProvider or Deauthenticate.
func New(opts ...Option) (*Registry, error) {
	r := &Registry{
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		providers: make(map[string]provider.Provider),
		subs:      make(map[Handle]*subscription),
		keyPrefix: "authstate:credentials:",
	}
	for _, opt := range opts {
		opt(r)
	}
	if len(r.providers) == 0 {
		return nil, fmt.Errorf("registry: at least one provider is required")
	}
	if r.active == "" {
		if len(r.providers) > 1 {
			return nil, fmt.Errorf("registry: active provider must be named when multiple providers are registered")
		}
		for name := range r.providers {
			r.active = name
		}
	}
	if _, ok := r.providers[r.active]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, r.active)
	}
	r.session = provider.NewSession()
	return r, nil
}

// Bind rebinds the host collaborators. Rebinding is not reconstruction: the
// subscription set and provider session are untouched, and nil fields leave
// the existing collaborator in place.
func (r *Registry) Bind(hc HostContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hc.Lifecycle != nil {
		r.lifecycle = hc.Lifecycle
	}
	if hc.Identifier != nil {
		r.identify = hc.Identifier
	}
	if hc.FeatureGates != nil {
		r.gates = hc.FeatureGates
	}
}

// ActiveProvider returns the name of the active provider variant.
func (r *Registry) ActiveProvider() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Snapshot returns the current auth state without broadcasting. It is a
// synchronous read of cached session state and performs no I/O.
func (r *Registry) Snapshot() authstate.AuthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return authstate.Unauthenticated()
	}
	return r.providers[r.active].CurrentState(r.session)
}

// Subscribe registers deliver for push updates and immediately best-effort
// delivers the current snapshot to the new handle only, so late joiners are
// never left stale. The one-shot delivery is serialized against broadcast
// cycles: a concurrent broadcast cannot hand the new subscriber a newer
// snapshot before the initial one lands. A failed initial delivery removes
// the handle and is logged, not returned. When requestID is non-empty and a
// lifecycle registry is bound, a cleanup thunk is registered so transport
// teardown unsubscribes the handle.
func (r *Registry) Subscribe(ctx context.Context, owner Owner, requestID string, deliver DeliverFunc) (Handle, error) {
	if owner == nil || deliver == nil {
		return "", fmt.Errorf("registry: owner and deliver are required")
	}

	r.broadcastMu.Lock()
	defer r.broadcastMu.Unlock()

	r.mu.Lock()
	if r.session == nil {
		r.mu.Unlock()
		return "", ErrNotInitialized
	}
	handle := Handle(uuid.NewString())
	r.subs[handle] = &subscription{handle: handle, owner: owner, deliver: deliver}
	lifecycle := r.lifecycle
	snap := r.providers[r.active].CurrentState(r.session)
	r.mu.Unlock()

	if lifecycle != nil && requestID != "" {
		lifecycle.RegisterCleanup(requestID, SubscriptionKind, func() {
			r.Unsubscribe(handle)
		})
	}

	if err := deliver(ctx, snap, false); err != nil {
		r.log.Error("initial auth status delivery failed, removing subscriber",
			slog.String("handle", string(handle)),
			slog.String("owner", owner.OwnerID()),
			slog.String("err", err.Error()))
		r.Unsubscribe(handle)
	}

	return handle, nil
}

// Unsubscribe removes a handle. It is idempotent: removing an unknown or
// already-removed handle is a no-op.
func (r *Registry) Unsubscribe(handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, handle)
}

// SubscriberCount reports the number of live subscriptions.
func (r *Registry) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// BeginInteractiveLogin initiates the active provider's out-of-band login
// flow and returns its opaque request artifact (typically an authorization
// URL). The eventual side effect is an external callback into CompleteLogin.
func (r *Registry) BeginInteractiveLogin(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.session == nil {
		r.mu.Unlock()
		return "", ErrNotInitialized
	}
	p := r.providers[r.active]
	r.mu.Unlock()
	return p.BeginLogin(ctx)
}

// CompleteLogin exchanges an authorization artifact for a credential bundle,
// installs it in the session, persists it, and broadcasts the transition.
// When providerName differs from the active variant, the registry switches to
// it first (clearing the prior session). On an exchange failure the session
// is left unauthenticated and the error is returned.
func (r *Registry) CompleteLogin(ctx context.Context, code string, providerName string) error {
	r.mu.Lock()
	if r.session == nil {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	active := r.active
	r.mu.Unlock()

	if providerName != "" && providerName != active {
		if err := r.switchTo(ctx, providerName); err != nil {
			return err
		}
	}

	r.mu.Lock()
	p := r.providers[r.active]
	sess := r.session
	r.mu.Unlock()

	creds, user, err := p.CompleteLogin(ctx, code)

	r.mu.Lock()
	if err != nil {
		sess.Reset()
		r.mu.Unlock()
		r.Broadcast(ctx)
		return err
	}
	sess.Install(creds, user)
	active = r.active
	r.mu.Unlock()

	r.persistCredentials(ctx, active, creds)
	r.Broadcast(ctx)
	return nil
}

// Deauthenticate clears the provider session and any persisted credentials,
// then broadcasts the unauthenticated state. No identify side effect fires
// for this transition. Clear may perform best-effort revocation I/O, so it
// runs outside the structural lock like every other provider call.
func (r *Registry) Deauthenticate(ctx context.Context) error {
	r.mu.Lock()
	if r.session == nil {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	p := r.providers[r.active]
	sess := r.session
	active := r.active
	r.mu.Unlock()

	p.Clear(ctx, sess)
	sess.Reset()

	r.deleteCredentials(ctx, active)
	r.Broadcast(ctx)
	return nil
}

// SwitchProvider tears down the previous provider session (invoking its
// Clear) before installing a fresh session for the named variant, then
// broadcasts so existing subscribers observe the transition immediately,
// even though the new variant has not completed any login.
func (r *Registry) SwitchProvider(ctx context.Context, name string) error {
	r.mu.Lock()
	if r.session == nil {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	r.mu.Unlock()

	if err := r.switchTo(ctx, name); err != nil {
		return err
	}

	r.Broadcast(ctx)
	return nil
}

// switchTo replaces the active provider and session. The previous session is
// cleared before the new one is installed; the Clear call itself runs outside
// the structural lock since it may perform revocation I/O.
func (r *Registry) switchTo(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, ok := r.providers[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	prev := r.providers[r.active]
	prevSess := r.session
	r.mu.Unlock()

	prev.Clear(ctx, prevSess)
	prevSess.Reset()

	r.mu.Lock()
	r.active = name
	r.session = provider.NewSession()
	r.mu.Unlock()
	return nil
}

// Restore loads persisted credentials for the active provider, if any, and
// refreshes them to recover the authenticated identity. Absent credentials
// leave the state unauthenticated without error. Typically called once at
// startup, before the hosting framework begins subscribing.
func (r *Registry) Restore(ctx context.Context) error {
	r.mu.Lock()
	if r.session == nil {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	store := r.store
	active := r.active
	sess := r.session
	r.mu.Unlock()

	if store == nil {
		return nil
	}
	item, err := store.Get(ctx, r.keyPrefix+active)
	if err != nil {
		return fmt.Errorf("restore credentials: %w", err)
	}
	if item == nil {
		return nil
	}
	var creds authstate.Credentials
	if err := json.Unmarshal(item.Data, &creds); err != nil {
		return fmt.Errorf("restore credentials: %w", err)
	}
	if creds.Empty() {
		return nil
	}

	r.mu.Lock()
	// Identity is unknown until the refresh resolves it.
	sess.Install(creds, nil)
	r.mu.Unlock()

	if _, err := r.EnsureFreshState(ctx); err != nil {
		return err
	}
	r.Broadcast(ctx)
	return nil
}

func (r *Registry) persistCredentials(ctx context.Context, providerName string, creds authstate.Credentials) {
	if r.store == nil {
		return
	}
	data, err := json.Marshal(creds)
	if err != nil {
		r.log.Error("marshal credentials failed", slog.String("err", err.Error()))
		return
	}
	if err := r.store.Set(ctx, r.keyPrefix+providerName, data); err != nil {
		r.log.Error("persist credentials failed",
			slog.String("provider", providerName),
			slog.String("err", err.Error()))
	}
}

func (r *Registry) deleteCredentials(ctx context.Context, providerName string) {
	if r.store == nil {
		return
	}
	if err := r.store.Delete(ctx, r.keyPrefix+providerName); err != nil {
		r.log.Error("delete credentials failed",
			slog.String("provider", providerName),
			slog.String("err", err.Error()))
	}
}
