package federation

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pilab-dev/shadow-link/domain"
	githubOAuth2 "golang.org/x/oauth2/github"
)

var (
	GithubUserInfoEndpoint   = "https://api.github.com/user"
	GithubUserEmailsEndpoint = "https://api.github.com/user/emails"
)

// GitHubProvider signs users in with GitHub accounts.
type GitHubProvider struct {
	*BaseProvider
}

func NewGitHubProvider(cfg ProviderConfig, opts ...Option) (*GitHubProvider, error) {
	o := collectOptions(opts)
	base, err := newBaseProvider(domain.ProviderGitHub, cfg, githubOAuth2.Endpoint,
		mergeScopes(cfg.Scopes, "read:user", "user:email"), o.httpClient)
	if err != nil {
		return nil, err
	}
	return &GitHubProvider{BaseProvider: base}, nil
}

// FetchProfile reads /user. GitHub omits the email there when the user keeps
// it private, so the primary verified address is looked up in /user/emails.
func (g *GitHubProvider) FetchProfile(ctx context.Context, accessToken string) (*domain.ExternalIdentity, error) {
	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}

	if err := g.getJSON(ctx, GithubUserInfoEndpoint, accessToken, &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("github: %w: user without id", domain.ErrProviderProtocol)
	}

	email := user.Email
	if email == "" {
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := g.getJSON(ctx, GithubUserEmailsEndpoint, accessToken, &emails); err != nil {
			return nil, err
		}
		for _, e := range emails {
			if e.Primary && e.Verified {
				email = e.Email
				break
			}
		}
	}

	displayName := user.Name
	if displayName == "" {
		displayName = user.Login
	}

	return &domain.ExternalIdentity{
		ExternalAccountID: strconv.FormatInt(user.ID, 10),
		Email:             email,
		DisplayName:       displayName,
	}, nil
}

var _ Provider = (*GitHubProvider)(nil)
