package federation

import (
	"context"
	"fmt"

	"github.com/pilab-dev/shadow-link/domain"
	facebookOAuth2 "golang.org/x/oauth2/facebook"
)

var FacebookUserInfoEndpoint = "https://graph.facebook.com/me?fields=id,name,email"

// FacebookProvider signs users in with Facebook accounts. Facebook issues
// long-lived access tokens without a refresh token.
type FacebookProvider struct {
	*BaseProvider
}

func NewFacebookProvider(cfg ProviderConfig, opts ...Option) (*FacebookProvider, error) {
	o := collectOptions(opts)
	base, err := newBaseProvider(domain.ProviderFacebook, cfg, facebookOAuth2.Endpoint,
		mergeScopes(cfg.Scopes, "public_profile", "email"), o.httpClient)
	if err != nil {
		return nil, err
	}
	return &FacebookProvider{BaseProvider: base}, nil
}

func (f *FacebookProvider) FetchProfile(ctx context.Context, accessToken string) (*domain.ExternalIdentity, error) {
	var me struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}

	if err := f.getJSON(ctx, FacebookUserInfoEndpoint, accessToken, &me); err != nil {
		return nil, err
	}
	if me.ID == "" {
		return nil, fmt.Errorf("facebook: %w: profile without id", domain.ErrProviderProtocol)
	}

	return &domain.ExternalIdentity{
		ExternalAccountID: me.ID,
		Email:             me.Email,
		DisplayName:       me.Name,
	}, nil
}

var _ Provider = (*FacebookProvider)(nil)
