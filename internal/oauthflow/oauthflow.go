// Package oauthflow holds the oauth2 plumbing shared by the provider
// variants: the refresh-token grant and the mapping from transport-level
// failures onto the provider error taxonomy.
package oauthflow

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/authwire/authstate/provider"
)

// RefreshGrant exchanges a refresh token for a fresh token. Errors are
// already classified as *provider.RefreshError.
func RefreshGrant(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, &provider.RefreshError{
			Kind: provider.KindInvalidCredential,
			Err:  errors.New("no refresh token stored"),
		}
	}
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, ClassifyRefreshError(err)
	}
	return tok, nil
}

// ClassifyRefreshError maps a token-endpoint failure to the refresh taxonomy.
// A definitive rejection of the grant (invalid_grant, or a 4xx other than
// rate limiting) means the stored credential is dead; everything else is
// transient and retryable.
func ClassifyRefreshError(err error) *provider.RefreshError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return &provider.RefreshError{Kind: provider.KindInvalidCredential, Err: err}
		}
		code := re.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return &provider.RefreshError{Kind: provider.KindInvalidCredential, Err: err}
		}
	}
	return &provider.RefreshError{Kind: provider.KindTransient, Err: err}
}
