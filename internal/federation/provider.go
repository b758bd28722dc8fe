package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pilab-dev/shadow-link/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
)

const maxProfileBodyBytes = 1 << 20

var tracer = otel.Tracer("github.com/pilab-dev/shadow-link/internal/federation")

// Provider is the fixed capability set every identity provider variant offers.
// Adding a provider means adding a variant; callers never change.
//
//go:generate go run go.uber.org/mock/mockgen -source=$GOFILE -destination=mock/mock_$GOFILE -package=mock_$GOPACKAGE Provider
type Provider interface {
	// Name returns the provider key, e.g. "google".
	Name() domain.ProviderName

	// AuthorizeURL builds the redirect to the provider's consent page.
	// Deterministic and free of I/O.
	AuthorizeURL(state, pkceChallenge, redirectURI string) string

	// ExchangeCode trades an authorization code for tokens. Errors are
	// domain.ErrInvalidGrant, domain.ErrProviderUnavailable or
	// domain.ErrProviderProtocol.
	ExchangeCode(ctx context.Context, code, pkceVerifier, redirectURI string) (*domain.TokenSet, error)

	// Refresh uses a refresh token to obtain a new token set. Same error
	// taxonomy as ExchangeCode.
	Refresh(ctx context.Context, refreshToken string) (*domain.TokenSet, error)

	// FetchProfile reads the external account. Errors are
	// domain.ErrProfileFetchFailed or domain.ErrInsufficientScope.
	FetchProfile(ctx context.Context, accessToken string) (*domain.ExternalIdentity, error)
}

// ProviderConfig is the per-provider part of the application configuration.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	Tenant       string // Microsoft only; defaults to "common"

	// AuthURL and TokenURL override the well-known endpoints.
	AuthURL  string
	TokenURL string
}

// BaseProvider implements the OAuth2 half of Provider on top of oauth2.Config.
// Variants embed it and add FetchProfile.
type BaseProvider struct {
	name       domain.ProviderName
	config     ProviderConfig
	endpoint   oauth2.Endpoint
	scopes     []string
	authParams []oauth2.AuthCodeOption
	httpClient *http.Client
}

func newBaseProvider(name domain.ProviderName, cfg ProviderConfig, endpoint oauth2.Endpoint, scopes []string, httpClient *http.Client, authParams ...oauth2.AuthCodeOption) (*BaseProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrProviderMisconfigured)
	}
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &BaseProvider{
		name:       name,
		config:     cfg,
		endpoint:   endpoint,
		scopes:     scopes,
		authParams: authParams,
		httpClient: httpClient,
	}, nil
}

func (b *BaseProvider) Name() domain.ProviderName {
	return b.name
}

func (b *BaseProvider) oauth2Config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     b.config.ClientID,
		ClientSecret: b.config.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       b.scopes,
		Endpoint:     b.endpoint,
	}
}

func (b *BaseProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
}

func (b *BaseProvider) AuthorizeURL(state, pkceChallenge, redirectURI string) string {
	opts := append([]oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}, b.authParams...)
	return b.oauth2Config(redirectURI).AuthCodeURL(state, opts...)
}

func (b *BaseProvider) ExchangeCode(ctx context.Context, code, pkceVerifier, redirectURI string) (*domain.TokenSet, error) {
	ctx, span := tracer.Start(ctx, "federation.ExchangeCode")
	defer span.End()
	span.SetAttributes(attribute.String("provider", string(b.name)))

	tok, err := b.oauth2Config(redirectURI).Exchange(b.clientContext(ctx), code, oauth2.VerifierOption(pkceVerifier))
	if err != nil {
		err = classifyTokenError(b.name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "exchange failed")
		return nil, err
	}
	return tokenSetFromOAuth2(b.name, tok)
}

func (b *BaseProvider) Refresh(ctx context.Context, refreshToken string) (*domain.TokenSet, error) {
	ctx, span := tracer.Start(ctx, "federation.Refresh")
	defer span.End()
	span.SetAttributes(attribute.String("provider", string(b.name)))

	if refreshToken == "" {
		return nil, fmt.Errorf("%s: %w: no refresh token", b.name, domain.ErrInvalidGrant)
	}

	src := b.oauth2Config("").TokenSource(b.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		err = classifyTokenError(b.name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		return nil, err
	}
	return tokenSetFromOAuth2(b.name, tok)
}

// getJSON performs an authenticated GET against a profile endpoint and decodes
// the body into dst.
func (b *BaseProvider) getJSON(ctx context.Context, endpoint, accessToken string, dst any) error {
	ctx, span := tracer.Start(ctx, "federation.FetchProfile")
	defer span.End()
	span.SetAttributes(attribute.String("provider", string(b.name)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", b.name, domain.ErrProfileFetchFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w: %v", b.name, domain.ErrProfileFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBodyBytes))
	if err != nil {
		return fmt.Errorf("%s: %w: read body: %v", b.name, domain.ErrProfileFetchFailed, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w: status %d", b.name, domain.ErrInsufficientScope, resp.StatusCode)
	default:
		return fmt.Errorf("%s: %w: status %d, body: %s", b.name, domain.ErrProfileFetchFailed, resp.StatusCode, truncate(body, 256))
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%s: %w: decode profile: %v", b.name, domain.ErrProviderProtocol, err)
	}
	return nil
}

func tokenSetFromOAuth2(name domain.ProviderName, tok *oauth2.Token) (*domain.TokenSet, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, fmt.Errorf("%s: %w: empty access token", name, domain.ErrProviderProtocol)
	}

	now := time.Now().UTC()
	set := &domain.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		IssuedAt:     now,
	}
	if !tok.Expiry.IsZero() {
		set.ExpiresIn = tok.Expiry.Sub(now)
		if set.ExpiresIn <= 0 {
			return nil, fmt.Errorf("%s: %w: token already expired", name, domain.ErrProviderProtocol)
		}
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}
	return set, nil
}

// classifyTokenError maps oauth2 token endpoint failures onto the error taxonomy.
func classifyTokenError(name domain.ProviderName, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return fmt.Errorf("%s: %w: status %d", name, domain.ErrProviderUnavailable, status)
		}
		return fmt.Errorf("%s: %w: %s %s", name, domain.ErrInvalidGrant, retrieveErr.ErrorCode, retrieveErr.ErrorDescription)
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", name, domain.ErrProviderUnavailable, err)
	}

	return fmt.Errorf("%s: %w: %v", name, domain.ErrProviderProtocol, err)
}

// mergeScopes appends the required scopes to the configured ones without duplicates.
func mergeScopes(configured []string, required ...string) []string {
	seen := make(map[string]bool, len(configured)+len(required))
	out := make([]string, 0, len(configured)+len(required))
	for _, s := range append(append([]string{}, configured...), required...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
