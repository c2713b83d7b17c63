package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

var (
	ErrInvalidOAuthConfig  = errors.New("auth: invalid google oauth config")
	ErrMissingIDTokenGrant = errors.New("auth: token response missing id_token")
)

// GoogleOAuthConfig configures the browser-redirect half of the federated flow.
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
}

// GoogleOAuth drives the authorization-code exchange against Google. The
// resulting ID token is handed to the GoogleVerifier; the access token is
// never used.
type GoogleOAuth struct {
	config *oauth2.Config
}

// NewGoogleOAuth constructs the exchange helper with validated configuration.
func NewGoogleOAuth(cfg GoogleOAuthConfig) (*GoogleOAuth, error) {
	if strings.TrimSpace(cfg.ClientID) == "" ||
		strings.TrimSpace(cfg.ClientSecret) == "" ||
		strings.TrimSpace(cfg.CallbackURL) == "" {
		return nil, ErrInvalidOAuthConfig
	}
	return &GoogleOAuth{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
	}, nil
}

// AuthURL returns the Google consent page URL for the given state value.
func (g *GoogleOAuth) AuthURL(state string) string {
	return g.config.AuthCodeURL(state)
}

// ExchangeCode swaps the authorization code for tokens and returns the raw ID
// token embedded in the response.
func (g *GoogleOAuth) ExchangeCode(ctx context.Context, code string) (string, error) {
	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return "", err
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", ErrMissingIDTokenGrant
	}
	return rawIDToken, nil
}
