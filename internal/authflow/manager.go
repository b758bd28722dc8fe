// Package authflow issues and redeems the one-time state and PKCE material that
// ties a provider callback to the start request that caused it.
package authflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	DefaultTTL = 10 * time.Minute

	stateBytes    = 32 // 256 bits
	verifierBytes = 48 // 64 base64url characters, inside the 43..128 range of RFC 7636
)

// Manager creates and consumes PendingAuthRequests.
type Manager struct {
	store domain.PendingAuthStore
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager returns a Manager backed by store. A non-positive ttl selects DefaultTTL.
func NewManager(store domain.PendingAuthStore, ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Authorization is a persisted pending request plus the challenge to send to
// the provider. The verifier never leaves the server.
type Authorization struct {
	Request   *domain.PendingAuthRequest
	Challenge string
}

// Begin generates a state token and PKCE pair and stores the pending request.
// linkingUserID is required for PurposeLink and ignored for PurposeLogin.
func (m *Manager) Begin(ctx context.Context, provider domain.ProviderName, purpose domain.AuthPurpose, linkingUserID string) (*Authorization, error) {
	if !provider.Valid() {
		return nil, fmt.Errorf("%q: %w", provider, domain.ErrUnknownProvider)
	}
	if !purpose.Valid() {
		return nil, fmt.Errorf("%q: %w", purpose, domain.ErrInvalidPurpose)
	}
	switch purpose {
	case domain.PurposeLink:
		if linkingUserID == "" {
			return nil, fmt.Errorf("link without a signed-in user: %w", domain.ErrInvalidPurpose)
		}
	case domain.PurposeLogin:
		linkingUserID = ""
	}

	state, err := randomToken(stateBytes)
	if err != nil {
		return nil, err
	}
	verifier, err := randomToken(verifierBytes)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	req := &domain.PendingAuthRequest{
		StateToken:    state,
		PKCEVerifier:  verifier,
		Provider:      provider,
		Purpose:       purpose,
		LinkingUserID: linkingUserID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}
	if err := m.store.Save(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to save pending request: %w", err)
	}

	return &Authorization{
		Request:   req,
		Challenge: Challenge(verifier),
	}, nil
}

// Consume redeems a state token. Exactly one concurrent caller receives the
// request; the others get domain.ErrStateReplayed.
func (m *Manager) Consume(ctx context.Context, state string) (*domain.PendingAuthRequest, error) {
	if state == "" {
		return nil, domain.ErrStateNotFound
	}

	req, err := m.store.Consume(ctx, state, m.now().UTC())
	if err != nil {
		return nil, err
	}
	return req, nil
}

// DeleteExpired purges requests past their TTL.
func (m *Manager) DeleteExpired(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired pending requests: %w", err)
	}
	metrics.PendingRequestsDeletedTotal.Add(float64(n))
	return n, nil
}

// DefaultCleanupInterval is used by RunCleanup when given a non-positive interval.
const DefaultCleanupInterval = time.Minute

// RunCleanup calls DeleteExpired every interval until ctx is done.
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		log.Warn().Dur("interval", interval).Dur("fallback", DefaultCleanupInterval).
			Msg("invalid pending cleanup interval")
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.DeleteExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("pending request cleanup failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("deleted", n).Msg("expired pending requests removed")
			}
		}
	}
}

// Challenge derives the S256 code challenge for verifier.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
