// Package authhttp exposes registry subscriptions over server-sent events.
// It is a reference hosting adapter: each GET becomes one subscription, the
// request context plays the transport-teardown signal, and the handler's
// request-lifecycle registry invokes the registry's cleanup thunk when the
// connection goes away.
package authhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/authwire/authstate/authstate"
	"github.com/authwire/authstate/internal/logctx"
	"github.com/authwire/authstate/registry"
)

var _ http.Handler = (*Handler)(nil)

var (
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const eventName = "authStatusUpdate"

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// Handler streams auth status updates to SSE clients.
type Handler struct {
	reg       *registry.Registry
	log       *slog.Logger
	lifecycle *requestLifecycle
}

// New builds the handler and binds its request-lifecycle registry to reg.
func New(reg *registry.Registry, opts ...Option) *Handler {
	h := &Handler{
		reg:       reg,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		lifecycle: newRequestLifecycle(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	reg.Bind(registry.HostContext{Lifecycle: h.lifecycle})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		http.Error(w, "text/event-stream required", http.StatusNotAcceptable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	requestID := uuid.NewString()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  requestID,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := &sseConn{w: w, flusher: flusher}
	owner := &connOwner{id: requestID}

	handle, err := h.reg.Subscribe(ctx, owner, requestID, conn.deliver)
	if err != nil {
		h.log.ErrorContext(ctx, "subscribe failed", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSubscriptionData(ctx, &logctx.SubscriptionData{
		Handle:  string(handle),
		OwnerID: owner.OwnerID(),
	})
	h.log.DebugContext(ctx, "sse subscriber attached")

	<-r.Context().Done()
	h.lifecycle.invoke(requestID)
	h.log.DebugContext(ctx, "sse subscriber detached")
}

// sseConn serializes event writes for one connection.
type sseConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (c *sseConn) deliver(ctx context.Context, state authstate.AuthState, final bool) error {
	payload, err := json.Marshal(wireState(state))
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, "id: %s\nevent: %s\ndata: %s\n\n", uuid.NewString(), eventName, payload); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// connOwner is the per-connection owning session. SSE has no dependent view
// to materialize, so the hook is a no-op.
type connOwner struct {
	id string
}

func (o *connOwner) OwnerID() string { return o.id }

func (o *connOwner) MaterializeState(ctx context.Context, state authstate.AuthState) error {
	return nil
}

// requestLifecycle implements registry.LifecycleRegistry for HTTP requests.
type requestLifecycle struct {
	mu       sync.Mutex
	cleanups map[string][]func()
}

var _ registry.LifecycleRegistry = (*requestLifecycle)(nil)

func newRequestLifecycle() *requestLifecycle {
	return &requestLifecycle{cleanups: make(map[string][]func())}
}

func (rl *requestLifecycle) RegisterCleanup(requestID string, kind string, cleanup func()) {
	if requestID == "" || cleanup == nil {
		return
	}
	rl.mu.Lock()
	rl.cleanups[requestID] = append(rl.cleanups[requestID], cleanup)
	rl.mu.Unlock()
}

func (rl *requestLifecycle) invoke(requestID string) {
	rl.mu.Lock()
	fns := rl.cleanups[requestID]
	delete(rl.cleanups, requestID)
	rl.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// wire DTOs

type wireUser struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"displayName,omitempty"`
	Email         string     `json:"email,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	Subject       string     `json:"subject,omitempty"`
	AppBaseURL    string     `json:"appBaseUrl,omitempty"`
	Organizations []wireOrg  `json:"organizations,omitempty"`
}

type wireOrg struct {
	OrganizationID string   `json:"organizationId"`
	Name           string   `json:"name"`
	Roles          []string `json:"roles"`
	Active         bool     `json:"active"`
	MemberID       string   `json:"memberId"`
}

type wireAuthState struct {
	Authenticated bool      `json:"authenticated"`
	User          *wireUser `json:"user,omitempty"`
}

func wireState(s authstate.AuthState) wireAuthState {
	out := wireAuthState{Authenticated: s.Authenticated}
	if s.User == nil {
		return out
	}
	u := &wireUser{
		ID:          s.User.ID,
		DisplayName: s.User.DisplayName,
		Email:       s.User.Email,
		Subject:     s.User.Subject,
		AppBaseURL:  s.User.AppBaseURL,
	}
	if !s.User.CreatedAt.IsZero() {
		t := s.User.CreatedAt
		u.CreatedAt = &t
	}
	for _, org := range s.User.Organizations {
		u.Organizations = append(u.Organizations, wireOrg{
			OrganizationID: org.OrganizationID,
			Name:           org.Name,
			Roles:          org.Roles,
			Active:         org.Active,
			MemberID:       org.MemberID,
		})
	}
	out.User = u
	return out
}
