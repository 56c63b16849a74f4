package provider

import (
	"errors"
	"fmt"
)

// ExchangeError indicates an authorization artifact (code) was rejected
// during CompleteLogin. The session is left unauthenticated.
type ExchangeError struct {
	Provider string
	Err      error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("auth exchange failed (provider %s): %v", e.Provider, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// RefreshErrorKind classifies refresh failures.
type RefreshErrorKind int

const (
	// KindInvalidCredential means the stored refresh credential was rejected.
	// The caller should clear cached credentials and force re-login.
	KindInvalidCredential RefreshErrorKind = iota
	// KindTransient means a network or provider-side failure. Cached state is
	// untouched and the caller may retry.
	KindTransient
)

// RefreshError indicates a Refresh call failed.
type RefreshError struct {
	Kind RefreshErrorKind
	Err  error
}

func (e *RefreshError) Error() string {
	switch e.Kind {
	case KindInvalidCredential:
		return fmt.Sprintf("refresh rejected: invalid credential: %v", e.Err)
	default:
		return fmt.Sprintf("refresh failed (transient): %v", e.Err)
	}
}

func (e *RefreshError) Unwrap() error { return e.Err }

// IsInvalidCredential reports whether err is a RefreshError carrying
// KindInvalidCredential.
func IsInvalidCredential(err error) bool {
	var re *RefreshError
	return errors.As(err, &re) && re.Kind == KindInvalidCredential
}

// IsTransient reports whether err is a RefreshError carrying KindTransient.
func IsTransient(err error) bool {
	var re *RefreshError
	return errors.As(err, &re) && re.Kind == KindTransient
}
