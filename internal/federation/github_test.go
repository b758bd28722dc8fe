package federation_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/internal/federation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withGitHubEndpoints(t *testing.T, server *httptest.Server) {
	t.Helper()
	origUser, origEmails := federation.GithubUserInfoEndpoint, federation.GithubUserEmailsEndpoint
	federation.GithubUserInfoEndpoint = server.URL + "/user"
	federation.GithubUserEmailsEndpoint = server.URL + "/user/emails"
	t.Cleanup(func() {
		federation.GithubUserInfoEndpoint = origUser
		federation.GithubUserEmailsEndpoint = origEmails
	})
}

func TestGitHubProvider_FetchProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/user":
			_, _ = w.Write([]byte(`{"id": 583231, "login": "octocat", "name": "The Octocat", "email": "octocat@github.com"}`))
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	withGitHubEndpoints(t, server)

	provider, err := federation.NewGitHubProvider(testProviderConfig())
	require.NoError(t, err)

	identity, err := provider.FetchProfile(context.Background(), "token")
	require.NoError(t, err)

	assert.Equal(t, "583231", identity.ExternalAccountID)
	assert.Equal(t, "octocat@github.com", identity.Email)
	assert.Equal(t, "The Octocat", identity.DisplayName)
}

func TestGitHubProvider_FetchProfile_PrivateEmail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/user":
			_, _ = w.Write([]byte(`{"id": 42, "login": "hidden", "name": "", "email": null}`))
		case "/user/emails":
			_, _ = w.Write([]byte(`[
				{"email": "old@example.com", "primary": false, "verified": true},
				{"email": "primary@example.com", "primary": true, "verified": true}
			]`))
		}
	}))
	defer server.Close()
	withGitHubEndpoints(t, server)

	provider, err := federation.NewGitHubProvider(testProviderConfig())
	require.NoError(t, err)

	identity, err := provider.FetchProfile(context.Background(), "token")
	require.NoError(t, err)

	assert.Equal(t, "42", identity.ExternalAccountID)
	assert.Equal(t, "primary@example.com", identity.Email)
	assert.Equal(t, "hidden", identity.DisplayName)
}

func TestGitHubProvider_FetchProfile_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	withGitHubEndpoints(t, server)

	provider, err := federation.NewGitHubProvider(testProviderConfig())
	require.NoError(t, err)

	_, err = provider.FetchProfile(context.Background(), "token")
	assert.ErrorIs(t, err, domain.ErrProfileFetchFailed)
	assert.True(t, domain.IsRetryable(err))
}
