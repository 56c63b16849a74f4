// Package authstate defines the immutable data model shared by the provider
// capability and the registry: point-in-time authentication snapshots, the
// identity they carry, and the credential bundle providers exchange for them.
package authstate

import "time"

// AuthState is a point-in-time snapshot of whether a user is authenticated
// and, if so, who they are. Snapshots are immutable; a nil User with
// Authenticated set is invalid and must never be constructed outside this
// package.
type AuthState struct {
	Authenticated bool
	User          *UserIdentity
}

// Unauthenticated returns the canonical logged-out snapshot.
func Unauthenticated() AuthState {
	return AuthState{}
}

// Authenticated builds a snapshot for the given identity. A nil identity
// yields the unauthenticated snapshot, preserving the invariant that
// Authenticated implies a user.
func Authenticated(user *UserIdentity) AuthState {
	if user == nil {
		return AuthState{}
	}
	return AuthState{Authenticated: true, User: user}
}

// SameUser reports whether two snapshots refer to the same authenticated
// principal. Two unauthenticated snapshots are never the "same user".
func (s AuthState) SameUser(other AuthState) bool {
	if !s.Authenticated || !other.Authenticated {
		return false
	}
	return s.User.ID == other.User.ID
}

// UserIdentity describes an authenticated account as reported by the active
// provider.
type UserIdentity struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time

	// Organizations is ordered as reported by the provider.
	Organizations []OrganizationMembership

	// Subject carries the upstream IdP subject when the user arrived via SSO.
	Subject string
	// AppBaseURL is the account dashboard base URL for client-side surfaces.
	AppBaseURL string
}

// OrganizationMembership is one org the user belongs to.
type OrganizationMembership struct {
	OrganizationID string
	Name           string
	Roles          []string
	Active         bool
	MemberID       string
}

// Credentials is the cached credential bundle held by a provider session.
// Values are secrets: they must never be logged.
type Credentials struct {
	IDToken      string    `json:"id_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the access credential is past (or within leeway of)
// its expiry. A zero ExpiresAt means the credential does not expire.
func (c Credentials) Expired(leeway time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(leeway).After(c.ExpiresAt)
}

// Empty reports whether the bundle carries no usable credential.
func (c Credentials) Empty() bool {
	return c.IDToken == "" && c.RefreshToken == ""
}
