// Package oidc implements the OpenID Connect sign-in used by the portal (Google by default).
// It handles OIDC service discovery, token exchange, and claims extraction.
package oidc

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/ddc-api/keyportal/internal/config"
	"github.com/ddc-api/keyportal/internal/db/models"
)

const defaultDiscoveryTimeout = 10 * time.Second

// OIDCProvider wraps the generic OIDC provider
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
	config   *oauth2.Config
}

// UserInfo is the identity asserted by a verified ID token.
type UserInfo struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// Account converts the identity into an account row.
func (u *UserInfo) Account() *models.Account {
	return &models.Account{
		ID:          u.Subject,
		Email:       u.Email,
		DisplayName: u.Name,
		AvatarURL:   u.Picture,
	}
}

// claimsSource is satisfied by *oidc.IDToken.
type claimsSource interface {
	Claims(v interface{}) error
}

// NewOIDCProvider runs OIDC discovery against cfg.IssuerURL, bounded by
// cfg.DiscoveryTimeout, and builds the OAuth2 client.
func NewOIDCProvider(ctx context.Context, cfg *config.OIDCConfig) (*OIDCProvider, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("OIDC is not enabled")
	}

	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("OIDC issuer URL is required")
	}

	if cfg.ClientID == "" {
		return nil, fmt.Errorf("OIDC client ID is required")
	}

	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("OIDC client secret is required")
	}

	timeout := cfg.DiscoveryTimeout
	if timeout <= 0 {
		timeout = defaultDiscoveryTimeout
	}
	discoveryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	provider, err := oidc.NewProvider(discoveryCtx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
	})

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}

	return &OIDCProvider{
		verifier: verifier,
		config:   oauth2Config,
	}, nil
}

// GetAuthURL returns the OAuth2 authorization URL
func (p *OIDCProvider) GetAuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// ExchangeCode exchanges the authorization code for tokens
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}

	return token, nil
}

// VerifyIDToken verifies and extracts claims from the ID token
func (p *OIDCProvider) VerifyIDToken(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	return idToken, nil
}

// Authenticate exchanges code, verifies the returned ID token and extracts the identity.
func (p *OIDCProvider) Authenticate(ctx context.Context, code string) (*UserInfo, error) {
	token, err := p.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("token response did not include an id_token")
	}

	idToken, err := p.VerifyIDToken(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	return ExtractUserInfo(idToken)
}

// ExtractUserInfo extracts user information from the ID token
func ExtractUserInfo(idToken claimsSource) (*UserInfo, error) {
	var claims struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}

	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}

	if claims.Sub == "" {
		return nil, fmt.Errorf("ID token missing 'sub' claim")
	}

	if claims.Email == "" {
		return nil, fmt.Errorf("ID token missing 'email' claim")
	}

	// Providers that omit email_verified are trusted; an explicit false is not.
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return nil, fmt.Errorf("email %s is not verified", claims.Email)
	}

	// Name is optional, use email if not provided
	if claims.Name == "" {
		claims.Name = claims.Email
	}

	return &UserInfo{
		Subject:       claims.Sub,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified == nil || *claims.EmailVerified,
		Name:          claims.Name,
		Picture:       claims.Picture,
	}, nil
}
