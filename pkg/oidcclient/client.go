package oidcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
)

// Config holds the Identity Provider endpoints and client credentials.
type Config struct {
	ClientID     string
	ClientSecret string

	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSEndpoint          string

	// LogoutEndpoint is the provider's back-channel (server to server)
	// logout API.
	LogoutEndpoint string

	// LogoutURL is the provider's front-channel logout page to redirect
	// browsers to.
	LogoutURL string
}

// NewConfigFromAuthority derives the provider endpoints from a single
// authority base URL.
func NewConfigFromAuthority(authorityURL, clientID, clientSecret string) Config {
	base := strings.TrimRight(authorityURL, "/")
	return Config{
		ClientID:              clientID,
		ClientSecret:          clientSecret,
		AuthorizationEndpoint: base + "/connect/authorize",
		TokenEndpoint:         base + "/connect/token",
		JWKSEndpoint:          base + "/.well-known/openid-configuration/jwks",
		LogoutEndpoint:        base + "/api/v1/session/logout",
		LogoutURL:             base + "/connect/endsession",
	}
}

// Client talks to the OpenID Connect Identity Provider. It is constructed
// once at process start and injected into the callback flow.
type Client struct {
	cfg        Config
	httpClient *http.Client
	jwks       *jwk.Cache
}

// Option is a function that configures a Client
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for all provider calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a new Client. The context owns the background JWKS refresher.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}

	// Cached with periodic refresh so provider key rotation is picked up
	// without restarting the service.
	cache := jwk.NewCache(ctx)
	err := cache.Register(cfg.JWKSEndpoint,
		jwk.WithMinRefreshInterval(15*time.Minute),
		jwk.WithHTTPClient(c.httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register jwks endpoint: %w", err)
	}
	c.jwks = cache

	return c, nil
}

// scopes returns the scope set for an authorization request. Requesting ssn
// additionally asks the provider to verify and release the social security
// or tax identification number via the userinfo token.
func scopes(validateSSN bool) []string {
	s := []string{"openid", "mitid", "nemid"}
	if validateSSN {
		s = append(s, "ssn", "userinfo_token")
	}
	return s
}

func (c *Client) oauth2Config(callbackURI string, validateSSN bool) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  callbackURI,
		Scopes:       scopes(validateSSN),
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.cfg.AuthorizationEndpoint,
			TokenURL:  c.cfg.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL builds the absolute URL to initiate an authorization flow at
// the Identity Provider.
func (c *Client) AuthCodeURL(state, callbackURI string, validateSSN bool) string {
	return c.oauth2Config(callbackURI, validateSSN).AuthCodeURL(state)
}

// Exchange performs the authorization-code exchange and returns the raw
// provider token. Transport and protocol failures are returned as errors,
// never as a partial token.
func (c *Client) Exchange(ctx context.Context, code, callbackURI string) (*RawToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.oauth2Config(callbackURI, false).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return nil, fmt.Errorf("token response is missing id_token")
	}

	raw := &RawToken{
		IDToken:     idToken,
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry,
	}
	if userinfo, ok := tok.Extra("userinfo_token").(string); ok {
		raw.UserInfoToken = userinfo
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		raw.Scope = strings.Fields(scope)
	}
	return raw, nil
}

// ParseIDToken verifies the id_token signature against the provider's
// published keys and projects its claims.
func (c *Client) ParseIDToken(ctx context.Context, raw string) (IDToken, error) {
	tok, err := c.parse(ctx, raw)
	if err != nil {
		return IDToken{}, fmt.Errorf("failed to parse id_token: %w", err)
	}

	parsed := IDToken{
		Subject: tok.Subject(),
		Issued:  tok.IssuedAt(),
		Expires: tok.Expiration(),
	}
	if idp, ok := tok.Get("idp"); ok {
		parsed.Provider, _ = idp.(string)
	}
	if it, ok := tok.Get("identity_type"); ok {
		parsed.IdentityType, _ = it.(string)
	}
	if tin, ok := tok.Get("nemid.cvr"); ok {
		parsed.TIN, _ = tin.(string)
	}
	if parsed.Subject == "" {
		return IDToken{}, fmt.Errorf("id_token is missing subject")
	}
	return parsed, nil
}

// ParseUserInfoToken verifies and projects the optional userinfo token that
// carries the verified SSN or TIN.
func (c *Client) ParseUserInfoToken(ctx context.Context, raw string) (UserInfoToken, error) {
	tok, err := c.parse(ctx, raw)
	if err != nil {
		return UserInfoToken{}, fmt.Errorf("failed to parse userinfo token: %w", err)
	}

	parsed := UserInfoToken{
		Subject: tok.Subject(),
	}
	if it, ok := tok.Get("identity_type"); ok {
		parsed.IdentityType, _ = it.(string)
	}
	if ssn, ok := tok.Get("dk.cpr"); ok {
		parsed.SSN, _ = ssn.(string)
	}
	if tin, ok := tok.Get("nemid.cvr"); ok {
		parsed.TIN, _ = tin.(string)
	}
	return parsed, nil
}

func (c *Client) parse(ctx context.Context, raw string) (jwt.Token, error) {
	keySet, err := c.jwks.Get(ctx, c.cfg.JWKSEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch provider keys: %w", err)
	}
	return jwt.Parse([]byte(raw),
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(time.Minute),
	)
}

// Logout invokes the provider's back-channel logout endpoint with the raw
// id_token, forcing a fresh authentication on the next authorization flow.
func (c *Client) Logout(ctx context.Context, idTokenRaw string) error {
	body, err := json.Marshal(map[string]string{"id_token": idTokenRaw})
	if err != nil {
		return fmt.Errorf("failed to marshal logout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LogoutEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create logout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call logout endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("logout returned status %d", resp.StatusCode)
	}

	slog.Info("Provider session terminated")
	return nil
}

// LogoutURL returns the provider's front-channel logout page.
func (c *Client) LogoutURL() string {
	return c.cfg.LogoutURL
}
