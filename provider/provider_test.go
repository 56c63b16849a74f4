package provider

import (
	"errors"
	"testing"

	"github.com/authwire/authstate/authstate"
)

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	sess := NewSession()
	if sess.Authenticated() {
		t.Fatal("fresh session must be unauthenticated")
	}

	creds := authstate.Credentials{IDToken: "id", RefreshToken: "rt"}
	sess.Install(creds, &authstate.UserIdentity{ID: "u1"})
	if !sess.Authenticated() {
		t.Fatal("installed session must be authenticated")
	}
	if got := sess.Credentials(); got != creds {
		t.Fatalf("got %+v, want %+v", got, creds)
	}

	// Credentials without an identity (e.g. mid-restore) do not count as
	// authenticated.
	sess.Install(creds, nil)
	if sess.Authenticated() {
		t.Fatal("identity-less session must be unauthenticated")
	}

	sess.Reset()
	if sess.Authenticated() || !sess.Credentials().Empty() || sess.User() != nil {
		t.Fatal("reset must clear all cached state")
	}
}

func TestRefreshErrorClassifiers(t *testing.T) {
	t.Parallel()
	invalid := &RefreshError{Kind: KindInvalidCredential, Err: errors.New("revoked")}
	transient := &RefreshError{Kind: KindTransient, Err: errors.New("timeout")}

	if !IsInvalidCredential(invalid) || IsInvalidCredential(transient) {
		t.Fatal("IsInvalidCredential misclassified")
	}
	if !IsTransient(transient) || IsTransient(invalid) {
		t.Fatal("IsTransient misclassified")
	}
	if IsInvalidCredential(errors.New("plain")) || IsTransient(nil) {
		t.Fatal("non-refresh errors must not classify")
	}

	wrapped := &ExchangeError{Provider: "oidc", Err: invalid}
	if !IsInvalidCredential(wrapped) {
		t.Fatal("classification must see through wrapping")
	}
}
