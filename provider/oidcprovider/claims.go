package oidcprovider

import (
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/authwire/authstate/authstate"
)

// rawClaims is the claim shape shared by ID tokens and the UserInfo
// endpoint. Organization memberships arrive as a custom claim.
type rawClaims struct {
	Sub               string   `json:"sub"`
	Name              string   `json:"name"`
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	CreatedAt         string   `json:"created_at"`
	Organizations     []rawOrg `json:"organizations"`
}

type rawOrg struct {
	OrganizationID string   `json:"organization_id"`
	Name           string   `json:"name"`
	Roles          []string `json:"roles"`
	Active         bool     `json:"active"`
	MemberID       string   `json:"member_id"`
}

func (p *Provider) identityFromIDToken(idt *oidc.IDToken) (*authstate.UserIdentity, error) {
	var claims rawClaims
	if err := idt.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id token claims: %w", err)
	}
	return p.identityFromClaims(claims)
}

func (p *Provider) identityFromUserInfo(info *oidc.UserInfo) (*authstate.UserIdentity, error) {
	var claims rawClaims
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode userinfo claims: %w", err)
	}
	if claims.Email == "" {
		claims.Email = info.Email
	}
	return p.identityFromClaims(claims)
}

func (p *Provider) identityFromClaims(claims rawClaims) (*authstate.UserIdentity, error) {
	if claims.Sub == "" {
		return nil, fmt.Errorf("claims missing sub")
	}
	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}

	var createdAt time.Time
	if claims.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, claims.CreatedAt); err == nil {
			createdAt = t
		}
	}

	orgs := make([]authstate.OrganizationMembership, 0, len(claims.Organizations))
	for _, o := range claims.Organizations {
		orgs = append(orgs, authstate.OrganizationMembership{
			OrganizationID: o.OrganizationID,
			Name:           o.Name,
			Roles:          o.Roles,
			Active:         o.Active,
			MemberID:       o.MemberID,
		})
	}

	return &authstate.UserIdentity{
		ID:            claims.Sub,
		DisplayName:   name,
		Email:         claims.Email,
		CreatedAt:     createdAt,
		Organizations: orgs,
		AppBaseURL:    p.cfg.AppBaseURL,
	}, nil
}
