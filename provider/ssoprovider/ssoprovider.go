// Package ssoprovider implements the enterprise-SSO provider variant. The
// IdP is configured statically (no discovery): tokens are validated against
// its JWKS with auto-refreshed keys, and organization memberships are read
// from the IdP's custom claims.
package ssoprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"golang.org/x/oauth2"

	"github.com/authwire/authstate/authstate"
	"github.com/authwire/authstate/internal/oauthflow"
	"github.com/authwire/authstate/provider"
)

// Name is the variant name conventionally used when registering this
// provider with a registry.
const Name = "sso"

// Config for the SSO provider. Defaults can be loaded via envdecode.
type Config struct {
	// Issuer expected in token claims. ENV: SSO_ISSUER
	Issuer string `env:"SSO_ISSUER"`
	// ClientID, also the expected audience. ENV: SSO_CLIENT_ID
	ClientID string `env:"SSO_CLIENT_ID"`
	// JWKSURI for signature validation. ENV: SSO_JWKS_URI
	JWKSURI string `env:"SSO_JWKS_URI"`
	// AuthorizeEndpoint of the IdP. ENV: SSO_AUTHORIZE_ENDPOINT
	AuthorizeEndpoint string `env:"SSO_AUTHORIZE_ENDPOINT"`
	// TokenEndpoint of the IdP. ENV: SSO_TOKEN_ENDPOINT
	TokenEndpoint string `env:"SSO_TOKEN_ENDPOINT"`
	// RedirectURL for the authorization callback. ENV: SSO_REDIRECT_URL
	RedirectURL string `env:"SSO_REDIRECT_URL"`
	// Organization restricts login to one IdP organization. ENV: SSO_ORGANIZATION
	Organization string `env:"SSO_ORGANIZATION,default="`

	AllowedAlgs []string
	Leeway      time.Duration
	// AppBaseURL stamped onto identities for client-side surfaces.
	AppBaseURL string
	// ExpiryLeeway before which a credential counts as expired.
	ExpiryLeeway time.Duration
}

// Provider implements provider.Provider for enterprise SSO.
type Provider struct {
	cfg     Config
	keyfunc jwt.Keyfunc
	oauth   oauth2.Config
}

var _ provider.Provider = (*Provider)(nil)

// New builds the provider, initializing JWKS key retrieval.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("ssoprovider: issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("ssoprovider: client id is required")
	}
	if cfg.JWKSURI == "" {
		return nil, fmt.Errorf("ssoprovider: jwks uri is required")
	}
	if cfg.TokenEndpoint == "" || cfg.AuthorizeEndpoint == "" {
		return nil, fmt.Errorf("ssoprovider: authorize and token endpoints are required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	if cfg.ExpiryLeeway == 0 {
		cfg.ExpiryLeeway = 60 * time.Second
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &Provider{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			allowed := false
			for _, a := range cfg.AllowedAlgs {
				if alg == a {
					allowed = true
					break
				}
			}
			if !allowed {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
		oauth: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizeEndpoint,
				TokenURL: cfg.TokenEndpoint,
			},
			Scopes: []string{"openid", "profile", "email", "offline_access"},
		},
	}, nil
}

// NewFromEnv builds a Provider using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Provider, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("ssoprovider: config from env: %w", err)
	}
	return New(ctx, cfg)
}

// NewWithKeyfunc builds a provider with a caller-supplied key resolver,
// mainly for tests that sign tokens with a local key.
func NewWithKeyfunc(cfg Config, kf jwt.Keyfunc) *Provider {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	if cfg.ExpiryLeeway == 0 {
		cfg.ExpiryLeeway = 60 * time.Second
	}
	return &Provider{
		cfg:     cfg,
		keyfunc: kf,
		oauth: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizeEndpoint,
				TokenURL: cfg.TokenEndpoint,
			},
			Scopes: []string{"openid", "profile", "email", "offline_access"},
		},
	}
}

// CurrentState derives a snapshot from cached session state only.
func (p *Provider) CurrentState(sess *provider.Session) authstate.AuthState {
	if !sess.Authenticated() {
		return authstate.Unauthenticated()
	}
	return authstate.Authenticated(sess.User())
}

// BeginLogin returns the IdP authorization URL, carrying the organization
// hint when one is configured.
func (p *Provider) BeginLogin(ctx context.Context) (string, error) {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if p.cfg.Organization != "" {
		opts = append(opts, oauth2.SetAuthURLParam("organization", p.cfg.Organization))
	}
	return p.oauth.AuthCodeURL(uuid.NewString(), opts...), nil
}

// CompleteLogin exchanges the authorization code and validates the returned
// ID token against the IdP's JWKS.
func (p *Provider) CompleteLogin(ctx context.Context, code string) (authstate.Credentials, *authstate.UserIdentity, error) {
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return authstate.Credentials{}, nil, &provider.ExchangeError{Provider: Name, Err: err}
	}
	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return authstate.Credentials{}, nil, &provider.ExchangeError{Provider: Name, Err: fmt.Errorf("token response missing id_token")}
	}
	user, err := p.identityFromToken(rawID)
	if err != nil {
		return authstate.Credentials{}, nil, &provider.ExchangeError{Provider: Name, Err: err}
	}
	return authstate.Credentials{
		IDToken:      rawID,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, user, nil
}

// Refresh exchanges the stored refresh token for fresh credentials.
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
		next.IDToken = rawID
		user, err = p.identityFromToken(rawID)
		if err != nil {
			return authstate.Credentials{}, nil, &provider.RefreshError{Kind: provider.KindInvalidCredential, Err: err}
		}
	} else if user == nil {
		// Restored credentials with no identity and no id_token in the
		// refresh response: try the cached ID token before giving up.
		user, err = p.identityFromToken(next.IDToken)
		if err != nil {
			return authstate.Credentials{}, nil, &provider.RefreshError{Kind: provider.KindInvalidCredential, Err: err}
		}
	}

	return next, user, nil
}

// Clear is a no-op beyond resetting the session; the IdP holds no
// client-side state for this variant.
func (p *Provider) Clear(ctx context.Context, sess *provider.Session) {
	sess.Reset()
}

// ssoClaims is the IdP claim shape, including the membership custom claims.
type ssoClaims struct {
	Sub         string `json:"sub"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	CreatedAt   string `json:"created_at"`
	IdPID       string `json:"idp_id"`
	Memberships []struct {
		OrganizationID string   `json:"organization_id"`
		Name           string   `json:"name"`
		Roles          []string `json:"roles"`
		Active         bool     `json:"active"`
		MemberID       string   `json:"member_id"`
	} `json:"org_memberships"`
}

// identityFromToken validates the token and maps its claims.
func (p *Provider) identityFromToken(raw string) (*authstate.UserIdentity, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty token")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(p.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithAudience(p.cfg.ClientID),
		jwt.WithLeeway(p.cfg.Leeway),
	)
	parsed, err := parser.Parse(raw, p.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("token parse/verify failed: %w", err)
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	// Round-trip through JSON to decode the custom membership claims.
	b, err := json.Marshal(mapClaims)
	if err != nil {
		return nil, err
	}
	var claims ssoClaims
	if err := json.Unmarshal(b, &claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	if claims.Sub == "" {
		return nil, fmt.Errorf("claims missing sub")
	}

	var createdAt time.Time
	if claims.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, claims.CreatedAt); err == nil {
			createdAt = t
		}
	}

	orgs := make([]authstate.OrganizationMembership, 0, len(claims.Memberships))
	for _, m := range claims.Memberships {
		orgs = append(orgs, authstate.OrganizationMembership{
			OrganizationID: m.OrganizationID,
			Name:           m.Name,
			Roles:          m.Roles,
			Active:         m.Active,
			MemberID:       m.MemberID,
		})
	}

	return &authstate.UserIdentity{
		ID:            claims.Sub,
		DisplayName:   claims.Name,
		Email:         claims.Email,
		CreatedAt:     createdAt,
		Organizations: orgs,
		Subject:       claims.IdPID,
		AppBaseURL:    p.cfg.AppBaseURL,
	}, nil
}
