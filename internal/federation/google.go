package federation

import (
	"context"
	"fmt"

	"github.com/pilab-dev/shadow-link/domain"
	"golang.org/x/oauth2"
	googleOAuth2 "golang.org/x/oauth2/google"
)

var GoogleUserInfoEndpoint = "https://openidconnect.googleapis.com/v1/userinfo"

// GoogleProvider signs users in with Google accounts.
type GoogleProvider struct {
	*BaseProvider
}

// NewGoogleProvider requests offline access so a refresh token is issued.
func NewGoogleProvider(cfg ProviderConfig, opts ...Option) (*GoogleProvider, error) {
	o := collectOptions(opts)
	base, err := newBaseProvider(domain.ProviderGoogle, cfg, googleOAuth2.Endpoint,
		mergeScopes(cfg.Scopes, "openid", "email", "profile"), o.httpClient,
		oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	if err != nil {
		return nil, err
	}
	return &GoogleProvider{BaseProvider: base}, nil
}

func (g *GoogleProvider) FetchProfile(ctx context.Context, accessToken string) (*domain.ExternalIdentity, error) {
	var userInfo struct {
		Sub           string `json:"sub"`
		Name          string `json:"name"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}

	if err := g.getJSON(ctx, GoogleUserInfoEndpoint, accessToken, &userInfo); err != nil {
		return nil, err
	}
	if userInfo.Sub == "" {
		return nil, fmt.Errorf("google: %w: userinfo without sub", domain.ErrProviderProtocol)
	}

	identity := &domain.ExternalIdentity{
		ExternalAccountID: userInfo.Sub,
		DisplayName:       userInfo.Name,
	}
	if userInfo.EmailVerified {
		identity.Email = userInfo.Email
	}
	return identity, nil
}

var _ Provider = (*GoogleProvider)(nil)
