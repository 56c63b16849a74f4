package authhttp

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/authwire/authstate/provider/providertest"
	"github.com/authwire/authstate/registry"
)

func newTestHandler(t *testing.T) (*Handler, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(registry.WithProvider("fake", &providertest.Fake{}))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return New(reg), reg
}

// readEvent scans the stream up to the next data line and decodes it.
func readEvent(t *testing.T, r *bufio.Reader) wireAuthState {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			var state wireAuthState
			if err := json.Unmarshal([]byte(data), &state); err != nil {
				t.Fatalf("decode event %q: %v", data, err)
			}
			return state
		}
	}
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/status", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodGet {
		t.Fatalf("expected Allow: GET, got %q", allow)
	}
}

func TestServeHTTP_RequiresEventStreamAccept(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotAcceptable {
		t.Fatalf("expected 406, got %d", rec.Code)
	}
}

func TestServeHTTP_StreamsStatusUpdates(t *testing.T) {
	t.Parallel()
	h, reg := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/auth/status", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	br := bufio.NewReader(resp.Body)
	initial := readEvent(t, br)
	if initial.Authenticated {
		t.Fatalf("expected unauthenticated initial event, got %+v", initial)
	}

	if err := reg.CompleteLogin(context.Background(), "code123", ""); err != nil {
		t.Fatalf("CompleteLogin: %v", err)
	}
	update := readEvent(t, br)
	if !update.Authenticated || update.User == nil || update.User.ID != "u1" {
		t.Fatalf("expected authenticated update for u1, got %+v", update)
	}

	// Dropping the connection must tear the subscription down.
	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for reg.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not torn down, %d remaining", reg.SubscriberCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRequestLifecycle_InvokeOnce(t *testing.T) {
	t.Parallel()
	rl := newRequestLifecycle()
	calls := 0
	rl.RegisterCleanup("req-1", registry.SubscriptionKind, func() { calls++ })
	rl.RegisterCleanup("", registry.SubscriptionKind, func() { calls++ })

	rl.invoke("req-1")
	rl.invoke("req-1")
	if calls != 1 {
		t.Fatalf("expected cleanup to run once, ran %d times", calls)
	}
}
