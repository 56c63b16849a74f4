package authstate

import (
	"testing"
	"time"
)

func TestAuthenticated_NilUserStaysUnauthenticated(t *testing.T) {
	t.Parallel()
	s := Authenticated(nil)
	if s.Authenticated || s.User != nil {
		t.Fatalf("expected unauthenticated snapshot, got %+v", s)
	}
}

func TestSameUser(t *testing.T) {
	t.Parallel()
	a := Authenticated(&UserIdentity{ID: "u1"})
	b := Authenticated(&UserIdentity{ID: "u1", DisplayName: "renamed"})
	c := Authenticated(&UserIdentity{ID: "u2"})

	if !a.SameUser(b) {
		t.Fatal("same principal with differing profile fields must match")
	}
	if a.SameUser(c) {
		t.Fatal("different principals must not match")
	}
	if Unauthenticated().SameUser(Unauthenticated()) {
		t.Fatal("two unauthenticated snapshots are never the same user")
	}
	if a.SameUser(Unauthenticated()) {
		t.Fatal("authenticated and unauthenticated snapshots must not match")
	}
}

func TestCredentialsExpired(t *testing.T) {
	t.Parallel()
	if (Credentials{}).Expired(0) {
		t.Fatal("zero expiry means the credential does not expire")
	}
	live := Credentials{ExpiresAt: time.Now().Add(time.Hour)}
	if live.Expired(time.Minute) {
		t.Fatal("credential well within expiry reported expired")
	}
	if !live.Expired(2 * time.Hour) {
		t.Fatal("leeway larger than remaining lifetime must count as expired")
	}
	dead := Credentials{ExpiresAt: time.Now().Add(-time.Minute)}
	if !dead.Expired(0) {
		t.Fatal("past expiry reported live")
	}
}

func TestCredentialsEmpty(t *testing.T) {
	t.Parallel()
	if !(Credentials{}).Empty() {
		t.Fatal("zero bundle should be empty")
	}
	if (Credentials{RefreshToken: "rt"}).Empty() {
		t.Fatal("refresh token alone is a usable credential")
	}
	if (Credentials{IDToken: "id"}).Empty() {
		t.Fatal("id token alone is a usable credential")
	}
}
