package oauthflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"

	"github.com/authwire/authstate/provider"
)

func retrieveErr(code int, errorCode string) error {
	return &oauth2.RetrieveError{
		Response:  &http.Response{StatusCode: code},
		ErrorCode: errorCode,
	}
}

func TestClassifyRefreshError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want provider.RefreshErrorKind
	}{
		{"invalid_grant", retrieveErr(http.StatusBadRequest, "invalid_grant"), provider.KindInvalidCredential},
		{"unauthorized client", retrieveErr(http.StatusUnauthorized, ""), provider.KindInvalidCredential},
		{"forbidden", retrieveErr(http.StatusForbidden, ""), provider.KindInvalidCredential},
		{"rate limited", retrieveErr(http.StatusTooManyRequests, ""), provider.KindTransient},
		{"server error", retrieveErr(http.StatusInternalServerError, ""), provider.KindTransient},
		{"network failure", errors.New("dial tcp: connection refused"), provider.KindTransient},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ClassifyRefreshError(tc.err)
			if got.Kind != tc.want {
				t.Fatalf("got kind %v, want %v", got.Kind, tc.want)
			}
			if !errors.Is(got, tc.err) {
				t.Fatalf("classified error must wrap the original, got %v", got)
			}
		})
	}
}

func TestRefreshGrant_EmptyTokenIsInvalidCredential(t *testing.T) {
	t.Parallel()
	cfg := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: "http://127.0.0.1:0/token"}}
	_, err := RefreshGrant(context.Background(), cfg, "")
	if !provider.IsInvalidCredential(err) {
		t.Fatalf("expected invalid credential, got %v", err)
	}
}

func TestRefreshGrant_EndpointRejectionClassified(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"revoked"}`))
	}))
	defer srv.Close()

	cfg := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL + "/token"}}
	_, err := RefreshGrant(context.Background(), cfg, "rt-revoked")
	if !provider.IsInvalidCredential(err) {
		t.Fatalf("expected invalid credential, got %v", err)
	}
}
