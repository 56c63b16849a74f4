// Package secretstest provides a conformance test suite that every
// secrets.Store backend must pass.
package secretstest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/authwire/authstate/secrets"
)

// StoreFactory creates a fresh Store instance for testing.
type StoreFactory func(t *testing.T) secrets.Store

// RunStoreTests runs the complete Store test suite against the factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("SetAndGetRoundTrip", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("GetMissingReturnsNil", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("OverwriteReplacesData", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("DeleteRemovesAndIsIdempotent", func(t *testing.T) { testDelete(t, factory) })
	t.Run("TTLExpiryHidesItem", func(t *testing.T) { testTTLExpiry(t, factory) })
}

func testSetAndGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	want := []byte(`{"id_token":"tok"}`)
	if err := s.Set(ctx, "credentials/alpha", want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := s.Get(ctx, "credentials/alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item == nil {
		t.Fatal("expected item, got nil")
	}
	if !bytes.Equal(item.Data, want) {
		t.Fatalf("data mismatch: got %q want %q", item.Data, want)
	}
	if item.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}
	if item.ExpiresAt != nil {
		t.Fatal("expected no expiry without TTL")
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()

	item, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func testOverwrite(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("one")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("two")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item == nil || string(item.Data) != "two" {
		t.Fatalf("expected overwritten value, got %+v", item)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil after delete, got %+v", item)
	}
	// Deleting again (or an unknown key) must not error.
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete (second): %v", err)
	}
	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("Delete (unknown): %v", err)
	}
}

func testTTLExpiry(t *testing.T, factory StoreFactory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "ephemeral", []byte("v"), secrets.WithTTL(50*time.Millisecond)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := s.Get(ctx, "ephemeral")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item == nil {
		t.Fatal("expected item before expiry")
	}
	if item.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt with TTL")
	}

	time.Sleep(100 * time.Millisecond)

	item, err = s.Get(ctx, "ephemeral")
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil after expiry, got %+v", item)
	}
}
