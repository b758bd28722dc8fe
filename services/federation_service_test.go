package services_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pilab-dev/shadow-link/cache"
	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/internal/authflow"
	"github.com/pilab-dev/shadow-link/internal/crypto"
	"github.com/pilab-dev/shadow-link/internal/federation"
	mock_federation "github.com/pilab-dev/shadow-link/internal/federation/mock"
	"github.com/pilab-dev/shadow-link/internal/linkstore"
	"github.com/pilab-dev/shadow-link/internal/ratelimit"
	"github.com/pilab-dev/shadow-link/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (r *recordingAudit) Record(_ context.Context, e domain.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAudit) Actions() []domain.AuditAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AuditAction, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	svc      *services.FederationService
	provider *mock_federation.MockProvider
	repo     *linkstore.MemoryRepository
	users    *linkstore.MemoryUserDirectory
	audit    *recordingAudit
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	provider := mock_federation.NewMockProvider(ctrl)
	provider.EXPECT().Name().Return(domain.ProviderGitHub).AnyTimes()
	provider.EXPECT().
		AuthorizeURL(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(state, challenge, redirectURI string) string {
			q := url.Values{"state": {state}, "code_challenge": {challenge}, "redirect_uri": {redirectURI}}
			return "https://github.com/login/oauth/authorize?" + q.Encode()
		}).AnyTimes()

	registry := federation.NewRegistry("https://app.example.com")
	registry.Register(provider)

	cipher, err := crypto.NewTokenCipher([]crypto.Key{{Version: 1, Material: make([]byte, 32)}})
	require.NoError(t, err)

	pending := cache.NewMemoryPendingStore()
	t.Cleanup(func() { _ = pending.Close() })
	limiter := ratelimit.NewMemoryLimiter()
	t.Cleanup(limiter.Close)

	f := &fixture{
		provider: provider,
		repo:     linkstore.NewMemoryRepository(),
		users:    linkstore.NewMemoryUserDirectory(),
		audit:    &recordingAudit{},
	}
	store := linkstore.NewStore(f.repo, f.users, cipher)
	policy := ratelimit.Policy{Limit: limit, Window: 5 * time.Minute}
	f.svc = services.NewFederationService(registry, authflow.NewManager(pending, authflow.DefaultTTL), store, limiter, f.audit,
		services.FederationServiceConfig{StartLimit: policy, CallbackLimit: policy})
	return f
}

func (f *fixture) start(t *testing.T, purpose domain.AuthPurpose, userID string) string {
	t.Helper()
	res, err := f.svc.Start(context.Background(), services.StartRequest{
		Provider:   domain.ProviderGitHub,
		Purpose:    purpose,
		UserID:     userID,
		ClientAddr: "203.0.113.7",
	})
	require.NoError(t, err)
	return res.State
}

func (f *fixture) expectExchange(code, accessToken, externalID string) {
	f.provider.EXPECT().
		ExchangeCode(gomock.Any(), code, gomock.Any(), "https://app.example.com/auth/oauth/github/callback").
		Return(&domain.TokenSet{AccessToken: accessToken, RefreshToken: "rt-" + accessToken, ExpiresIn: time.Hour, IssuedAt: time.Now()}, nil)
	f.provider.EXPECT().
		FetchProfile(gomock.Any(), accessToken).
		Return(&domain.ExternalIdentity{ExternalAccountID: externalID, Email: "octo@example.com"}, nil)
}

func TestStart_BuildsRedirectWithPKCE(t *testing.T) {
	f := newFixture(t, 10)

	res, err := f.svc.Start(context.Background(), services.StartRequest{
		Provider: domain.ProviderGitHub, Purpose: domain.PurposeLogin, ClientAddr: "203.0.113.7",
	})
	require.NoError(t, err)

	u, err := url.Parse(res.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, res.State, u.Query().Get("state"))
	assert.Len(t, u.Query().Get("code_challenge"), 43)
	assert.Equal(t, "https://app.example.com/auth/oauth/github/callback", u.Query().Get("redirect_uri"))
}

func TestStart_UnknownProvider(t *testing.T) {
	f := newFixture(t, 10)

	_, err := f.svc.Start(context.Background(), services.StartRequest{
		Provider: domain.ProviderGoogle, Purpose: domain.PurposeLogin, ClientAddr: "203.0.113.7",
	})
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
}

// A first login creates a user with one link; a second login with the same
// external id resolves to the same user without adding a link.
func TestCallback_LoginScenario(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.expectExchange("code-1", "at-1", "gh:123")
	first, err := f.svc.Callback(ctx, services.CallbackRequest{
		Provider: domain.ProviderGitHub, Code: "code-1", State: f.start(t, domain.PurposeLogin, ""), ClientAddr: "203.0.113.7",
	})
	require.NoError(t, err)
	assert.True(t, first.UserCreated)
	assert.Equal(t, 1, f.users.Len())

	links, err := f.svc.ListLinks(ctx, first.UserID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	firstUsed := links[0].LastUsedAt

	time.Sleep(2 * time.Millisecond)

	f.expectExchange("code-2", "at-2", "gh:123")
	second, err := f.svc.Callback(ctx, services.CallbackRequest{
		Provider: domain.ProviderGitHub, Code: "code-2", State: f.start(t, domain.PurposeLogin, ""), ClientAddr: "203.0.113.7",
	})
	require.NoError(t, err)
	assert.Equal(t, first.UserID, second.UserID)
	assert.False(t, second.UserCreated)
	assert.False(t, second.LinkCreated)

	links, err = f.svc.ListLinks(ctx, first.UserID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.True(t, links[0].LastUsedAt.After(firstUsed))
	assert.Equal(t, 1, f.users.Len())

	assert.Equal(t, []domain.AuditAction{domain.AuditLoginSuccess, domain.AuditLoginSuccess}, f.audit.Actions())
}

func TestCallback_StateIsSingleUse(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	state := f.start(t, domain.PurposeLogin, "")

	f.expectExchange("code-1", "at-1", "gh:1")
	_, err := f.svc.Callback(ctx, services.CallbackRequest{Provider: domain.ProviderGitHub, Code: "code-1", State: state})
	require.NoError(t, err)

	_, err = f.svc.Callback(ctx, services.CallbackRequest{Provider: domain.ProviderGitHub, Code: "code-1", State: state})
	assert.ErrorIs(t, err, domain.ErrStateReplayed)

	_, err = f.svc.Callback(ctx, services.CallbackRequest{Provider: domain.ProviderGitHub, Code: "code-1", State: "forged"})
	assert.ErrorIs(t, err, domain.ErrStateNotFound)
}

func TestCallback_ProviderErrorBurnsState(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	state := f.start(t, domain.PurposeLogin, "")

	_, err := f.svc.Callback(ctx, services.CallbackRequest{
		Provider: domain.ProviderGitHub, State: state, Error: "access_denied", ErrorDescription: "user cancelled",
	})
	require.ErrorIs(t, err, domain.ErrAccessDenied)
	assert.Equal(t, "access_denied", services.ErrorCode(err))

	_, err = f.svc.Callback(ctx, services.CallbackRequest{Provider: domain.ProviderGitHub, Code: "late", State: state})
	assert.ErrorIs(t, err, domain.ErrStateReplayed)

	assert.Equal(t, []domain.AuditAction{domain.AuditLoginFail, domain.AuditLoginFail}, f.audit.Actions())
}

func TestCallback_ExchangeFailureIsRetryable(t *testing.T) {
	f := newFixture(t, 10)

	f.provider.EXPECT().ExchangeCode(gomock.Any(), "code", gomock.Any(), gomock.Any()).Return(nil, domain.ErrProviderUnavailable)

	_, err := f.svc.Callback(context.Background(), services.CallbackRequest{
		Provider: domain.ProviderGitHub, Code: "code", State: f.start(t, domain.PurposeLogin, ""),
	})
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.True(t, domain.IsRetryable(err))
	assert.Zero(t, f.users.Len())
}

func TestCallback_LinkToSignedInUser(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	userID, err := f.users.CreateUser(ctx, domain.NewUser{Email: "me@example.com"})
	require.NoError(t, err)
	f.users.SetPassword(userID, true)

	f.expectExchange("code", "at", "gh:42")
	res, err := f.svc.Callback(ctx, services.CallbackRequest{
		Provider: domain.ProviderGitHub, Code: "code", State: f.start(t, domain.PurposeLink, userID), UserID: userID,
	})
	require.NoError(t, err)
	assert.Equal(t, userID, res.UserID)
	assert.Equal(t, domain.PurposeLink, res.Purpose)
	assert.True(t, res.LinkCreated)

	require.NoError(t, f.svc.Unlink(ctx, userID, domain.ProviderGitHub))
	assert.ErrorIs(t, f.svc.Unlink(ctx, userID, domain.ProviderGitHub), domain.ErrLinkNotFound)

	assert.Equal(t, []domain.AuditAction{domain.AuditLink, domain.AuditUnlink}, f.audit.Actions())
}

func TestStart_RateLimited(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	req := services.StartRequest{Provider: domain.ProviderGitHub, Purpose: domain.PurposeLogin, ClientAddr: "198.51.100.1"}

	for i := 0; i < 2; i++ {
		_, err := f.svc.Start(ctx, req)
		require.NoError(t, err)
	}

	_, err := f.svc.Start(ctx, req)
	require.ErrorIs(t, err, domain.ErrRateLimited)

	var limited *domain.RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Positive(t, limited.RetryAfter)
	assert.Equal(t, []domain.AuditAction{domain.AuditRateLimited}, f.audit.Actions())

	req.ClientAddr = "198.51.100.2"
	_, err = f.svc.Start(ctx, req)
	assert.NoError(t, err, "limits are per client")
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "state_not_found", services.ErrorCode(domain.ErrStateNotFound))
	assert.Equal(t, "rate_limited", services.ErrorCode(&domain.RateLimitedError{RetryAfter: time.Second}))
	assert.Equal(t, "last_auth_method", services.ErrorCode(domain.ErrLastAuthMethod))
	assert.Equal(t, "internal_error", services.ErrorCode(assert.AnError))
}
