// Package oidcprovider implements the consumer provider variant on standard
// OIDC discovery: authorization-code exchange with PKCE, ID-token
// verification, and refresh-token grants.
package oidcprovider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"golang.org/x/oauth2"

	"github.com/authwire/authstate/authstate"
	"github.com/authwire/authstate/internal/oauthflow"
	"github.com/authwire/authstate/provider"
)

// Name is the variant name conventionally used when registering this
// provider with a registry.
const Name = "oidc"

// Config for the OIDC provider. Defaults can be loaded via envdecode.
type Config struct {
	// Issuer base URL. ENV: OIDC_ISSUER
	Issuer string `env:"OIDC_ISSUER"`
	// ClientID registered with the issuer. ENV: OIDC_CLIENT_ID
	ClientID string `env:"OIDC_CLIENT_ID"`
	// ClientSecret; empty for public PKCE clients. ENV: OIDC_CLIENT_SECRET
	ClientSecret string `env:"OIDC_CLIENT_SECRET,default="`
	// RedirectURL for the authorization callback. ENV: OIDC_REDIRECT_URL
	RedirectURL string `env:"OIDC_REDIRECT_URL"`
	// ExtraScopes beyond openid/profile/email.
	ExtraScopes []string
	// AppBaseURL stamped onto identities for client-side surfaces.
	AppBaseURL string
	// ExpiryLeeway before which a credential counts as expired. Defaults to
	// 60s, matching the refresh buffer used for stored tokens.
	ExpiryLeeway time.Duration
}

// Provider implements provider.Provider via go-oidc + oauth2.
type Provider struct {
	cfg      Config
	oidc     *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    oauth2.Config

	// One interactive flow pending at a time; BeginLogin replaces any prior
	// PKCE verifier.
	mu    sync.Mutex
	pkce  string
	state string
}

var _ provider.Provider = (*Provider)(nil)

// New performs OIDC discovery against cfg.Issuer and builds the provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidcprovider: issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("oidcprovider: client id is required")
	}
	if cfg.ExpiryLeeway == 0 {
		cfg.ExpiryLeeway = 60 * time.Second
	}

	op, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}

	scopes := append([]string{oidc.ScopeOpenID, "profile", "email"}, cfg.ExtraScopes...)
	return &Provider{
		cfg:      cfg,
		oidc:     op,
		verifier: op.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     op.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
	}, nil
}

// NewFromEnv builds a Provider using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Provider, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("oidcprovider: config from env: %w", err)
	}
	return New(ctx, cfg)
}

// CurrentState derives a snapshot from cached session state only.
func (p *Provider) CurrentState(sess *provider.Session) authstate.AuthState {
	if !sess.Authenticated() {
		return authstate.Unauthenticated()
	}
	return authstate.Authenticated(sess.User())
}

// BeginLogin returns the authorization URL for an out-of-band browser flow.
// A fresh PKCE verifier is generated per call; only the most recent flow can
// be completed.
func (p *Provider) BeginLogin(ctx context.Context) (string, error) {
	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()

	p.mu.Lock()
	p.pkce = verifier
	p.state = state
	p.mu.Unlock()

	return p.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	), nil
}

// CompleteLogin exchanges the authorization code and verifies the ID token.
func (p *Provider) CompleteLogin(ctx context.Context, code string) (authstate.Credentials, *authstate.UserIdentity, error) {
	p.mu.Lock()
	verifier := p.pkce
	p.pkce = ""
	p.state = ""
	p.mu.Unlock()

	opts := []oauth2.AuthCodeOption{}
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := p.oauth.Exchange(ctx, code, opts...)
	if err != nil {
		return authstate.Credentials{}, nil, &provider.ExchangeError{Provider: Name, Err: err}
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return authstate.Credentials{}, nil, &provider.ExchangeError{Provider: Name, Err: fmt.Errorf("token response missing id_token")}
	}
	idt, err := p.verifier.Verify(ctx, rawID)
	if err != nil {
		return authstate.Credentials{}, nil, &provider.ExchangeError{Provider: Name, Err: fmt.Errorf("id token verification: %w", err)}
	}

	user, err := p.identityFromIDToken(idt)
	if err != nil {
		return authstate.Credentials{}, nil, &provider.ExchangeError{Provider: Name, Err: err}
	}

	creds := authstate.Credentials{
		IDToken:      rawID,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	return creds, user, nil
}

// Refresh exchanges the stored refresh token for fresh credentials. An
// unexpired credential with a cached identity short-circuits without network
// I/O.
func (p *Provider) Refresh(ctx context.Context, sess *provider.Session) (authstate.Credentials, *authstate.UserIdentity, error) {
	creds := sess.Credentials()
	if user := sess.User(); user != nil && !creds.Expired(p.cfg.ExpiryLeeway) {
		return creds, user, nil
	}

	tok, err := oauthflow.RefreshGrant(ctx, &p.oauth, creds.RefreshToken)
	if err != nil {
		return authstate.Credentials{}, nil, err
	}

	next := authstate.Credentials{
		IDToken:      creds.IDToken,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}

	user := sess.User()
	if rawID, _ := tok.Extra("id_token").(string); rawID != "" {
		idt, err := p.verifier.Verify(ctx, rawID)
		if err != nil {
			return authstate.Credentials{}, nil, &provider.RefreshError{Kind: provider.KindInvalidCredential, Err: fmt.Errorf("refreshed id token verification: %w", err)}
		}
		next.IDToken = rawID
		user, err = p.identityFromIDToken(idt)
		if err != nil {
			return authstate.Credentials{}, nil, &provider.RefreshError{Kind: provider.KindInvalidCredential, Err: err}
		}
	} else if user == nil {
		// No identity cached (e.g. restored credentials) and the refresh
		// response carried no id_token: fall back to the UserInfo endpoint.
		info, err := p.oidc.UserInfo(ctx, oauth2.StaticTokenSource(tok))
		if err != nil {
			return authstate.Credentials{}, nil, &provider.RefreshError{Kind: provider.KindTransient, Err: fmt.Errorf("userinfo: %w", err)}
		}
		user, err = p.identityFromUserInfo(info)
		if err != nil {
			return authstate.Credentials{}, nil, &provider.RefreshError{Kind: provider.KindInvalidCredential, Err: err}
		}
	}

	return next, user, nil
}

// Clear discards any pending interactive flow. Provider-side state is
// nothing but the PKCE verifier, so this never fails.
func (p *Provider) Clear(ctx context.Context, sess *provider.Session) {
	p.mu.Lock()
	p.pkce = ""
	p.state = ""
	p.mu.Unlock()
	sess.Reset()
}
