package oidcprovider

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authwire/authstate/authstate"
	"github.com/authwire/authstate/provider"
)

const testClientID = "cli-client"

// fakeIssuer is a minimal OIDC issuer: discovery, JWKS, and a token endpoint
// that issues tokens signed with a generated RSA key.
type fakeIssuer struct {
	srv *httptest.Server
	key *rsa.PrivateKey

	// URL of the running issuer, equal to the discovery document's issuer.
	URL string

	// lastVerifier records the PKCE code_verifier seen by the token endpoint.
	mu           sync.Mutex
	lastVerifier string
}

func (fi *fakeIssuer) verifierSeen() string {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.lastVerifier
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fi := &fakeIssuer{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                fi.URL,
			"authorization_endpoint":                fi.URL + "/auth",
			"token_endpoint":                        fi.URL + "/token",
			"jwks_uri":                              fi.URL + "/keys",
			"userinfo_endpoint":                     fi.URL + "/userinfo",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"alg": "RS256",
				"use": "sig",
				"kid": "k1",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fi.mu.Lock()
		fi.lastVerifier = r.PostFormValue("code_verifier")
		fi.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rt-1",
			"id_token":      fi.signIDToken(t),
		})
	})

	fi.srv = httptest.NewServer(mux)
	fi.URL = fi.srv.URL
	t.Cleanup(fi.srv.Close)
	return fi
}

func (fi *fakeIssuer) signIDToken(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":        fi.URL,
		"aud":        testClientID,
		"exp":        time.Now().Add(time.Hour).Unix(),
		"iat":        time.Now().Unix(),
		"sub":        "user-7",
		"name":       "Grace Hopper",
		"email":      "grace@example.test",
		"created_at": "2020-01-02T03:04:05Z",
		"organizations": []map[string]any{
			{
				"organization_id": "org-9",
				"name":            "Navy",
				"roles":           []string{"member"},
				"active":          true,
				"member_id":       "m-9",
			},
		},
	})
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString(fi.key)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return raw
}

func newTestProvider(t *testing.T, fi *fakeIssuer) *Provider {
	t.Helper()
	p, err := New(context.Background(), Config{
		Issuer:      fi.URL,
		ClientID:    testClientID,
		RedirectURL: "http://127.0.0.1/callback",
		AppBaseURL:  "https://app.example.test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestBeginLogin_CarriesPKCEChallenge(t *testing.T) {
	t.Parallel()
	fi := newFakeIssuer(t)
	p := newTestProvider(t, fi)

	loginURL, err := p.BeginLogin(context.Background())
	if err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	u, err := url.Parse(loginURL)
	if err != nil {
		t.Fatalf("parse login url: %v", err)
	}
	if !strings.HasPrefix(loginURL, fi.URL+"/auth") {
		t.Fatalf("expected authorization endpoint, got %s", loginURL)
	}
	q := u.Query()
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Fatalf("expected S256 PKCE challenge, got query %v", q)
	}
	if q.Get("state") == "" {
		t.Fatal("expected a state parameter")
	}
	if q.Get("access_type") != "offline" {
		t.Fatalf("expected offline access, got %q", q.Get("access_type"))
	}
}

func TestCompleteLogin_VerifiesAndMapsIdentity(t *testing.T) {
	t.Parallel()
	fi := newFakeIssuer(t)
	p := newTestProvider(t, fi)

	if _, err := p.BeginLogin(context.Background()); err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	creds, user, err := p.CompleteLogin(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("CompleteLogin: %v", err)
	}
	if fi.verifierSeen() == "" {
		t.Fatal("expected PKCE verifier sent to token endpoint")
	}
	if creds.RefreshToken != "rt-1" || creds.IDToken == "" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
	if user.ID != "user-7" || user.DisplayName != "Grace Hopper" || user.Email != "grace@example.test" {
		t.Fatalf("unexpected identity: %+v", user)
	}
	if user.AppBaseURL != "https://app.example.test" {
		t.Fatalf("expected app base url stamped, got %q", user.AppBaseURL)
	}
	if len(user.Organizations) != 1 || user.Organizations[0].OrganizationID != "org-9" {
		t.Fatalf("unexpected memberships: %+v", user.Organizations)
	}
}

func TestRefresh_ShortCircuitsWhenFresh(t *testing.T) {
	t.Parallel()
	fi := newFakeIssuer(t)
	p := newTestProvider(t, fi)

	sess := provider.NewSession()
	cached := authstate.Credentials{
		IDToken:      "cached-id",
		RefreshToken: "rt-cached",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	sess.Install(cached, &authstate.UserIdentity{ID: "user-7"})

	creds, user, err := p.Refresh(context.Background(), sess)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if creds != cached || user.ID != "user-7" {
		t.Fatalf("expected cached state returned, got %+v / %+v", creds, user)
	}
}

func TestRefresh_RotatesExpiredCredentials(t *testing.T) {
	t.Parallel()
	fi := newFakeIssuer(t)
	p := newTestProvider(t, fi)

	sess := provider.NewSession()
	sess.Install(authstate.Credentials{
		IDToken:      "cached-id",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, &authstate.UserIdentity{ID: "user-7"})

	creds, user, err := p.Refresh(context.Background(), sess)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if creds.RefreshToken != "rt-1" {
		t.Fatalf("expected rotated refresh token, got %q", creds.RefreshToken)
	}
	if creds.IDToken == "cached-id" {
		t.Fatal("expected id token replaced from refresh response")
	}
	if user == nil || user.ID != "user-7" {
		t.Fatalf("unexpected identity: %+v", user)
	}
}

func TestRefresh_NoRefreshTokenIsInvalidCredential(t *testing.T) {
	t.Parallel()
	fi := newFakeIssuer(t)
	p := newTestProvider(t, fi)

	sess := provider.NewSession()
	sess.Install(authstate.Credentials{
		IDToken:   "cached-id",
		ExpiresAt: time.Now().Add(-time.Minute),
	}, nil)

	_, _, err := p.Refresh(context.Background(), sess)
	if !provider.IsInvalidCredential(err) {
		t.Fatalf("expected invalid credential, got %v", err)
	}
}

func TestIdentityFromClaims(t *testing.T) {
	t.Parallel()
	p := &Provider{cfg: Config{AppBaseURL: "https://app.example.test"}}

	t.Run("missing sub rejected", func(t *testing.T) {
		if _, err := p.identityFromClaims(rawClaims{Name: "nobody"}); err == nil {
			t.Fatal("expected error for missing sub")
		}
	})

	t.Run("preferred_username fallback", func(t *testing.T) {
		user, err := p.identityFromClaims(rawClaims{Sub: "u9", PreferredUsername: "gh"})
		if err != nil {
			t.Fatalf("identityFromClaims: %v", err)
		}
		if user.DisplayName != "gh" {
			t.Fatalf("expected preferred_username fallback, got %q", user.DisplayName)
		}
	})

	t.Run("malformed created_at tolerated", func(t *testing.T) {
		user, err := p.identityFromClaims(rawClaims{Sub: "u9", CreatedAt: "yesterday"})
		if err != nil {
			t.Fatalf("identityFromClaims: %v", err)
		}
		if !user.CreatedAt.IsZero() {
			t.Fatalf("expected zero created_at, got %v", user.CreatedAt)
		}
	})
}
