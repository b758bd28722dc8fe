package federation

import (
	"context"
	"fmt"

	"github.com/pilab-dev/shadow-link/domain"
	"golang.org/x/oauth2/microsoft"
)

var MicrosoftGraphMeEndpoint = "https://graph.microsoft.com/v1.0/me"

const defaultMicrosoftTenant = "common"

// MicrosoftProvider signs users in with Microsoft Entra ID or personal accounts.
type MicrosoftProvider struct {
	*BaseProvider
}

func NewMicrosoftProvider(cfg ProviderConfig, opts ...Option) (*MicrosoftProvider, error) {
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = defaultMicrosoftTenant
	}

	o := collectOptions(opts)
	base, err := newBaseProvider(domain.ProviderMicrosoft, cfg, microsoft.AzureADEndpoint(tenant),
		mergeScopes(cfg.Scopes, "openid", "profile", "email", "offline_access", "User.Read"), o.httpClient)
	if err != nil {
		return nil, err
	}
	return &MicrosoftProvider{BaseProvider: base}, nil
}

func (m *MicrosoftProvider) FetchProfile(ctx context.Context, accessToken string) (*domain.ExternalIdentity, error) {
	var me struct {
		ID                string `json:"id"`
		DisplayName       string `json:"displayName"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}

	if err := m.getJSON(ctx, MicrosoftGraphMeEndpoint, accessToken, &me); err != nil {
		return nil, err
	}
	if me.ID == "" {
		return nil, fmt.Errorf("microsoft: %w: profile without id", domain.ErrProviderProtocol)
	}

	// Work accounts without a mailbox only carry the UPN.
	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}

	return &domain.ExternalIdentity{
		ExternalAccountID: me.ID,
		Email:             email,
		DisplayName:       me.DisplayName,
	}, nil
}

var _ Provider = (*MicrosoftProvider)(nil)
