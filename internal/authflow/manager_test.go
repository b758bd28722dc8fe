package authflow_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilab-dev/shadow-link/cache"
	"github.com/pilab-dev/shadow-link/domain"
	"github.com/pilab-dev/shadow-link/internal/authflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(t *testing.T, ttl time.Duration) (*authflow.Manager, *fakeClock) {
	t.Helper()
	store := cache.NewMemoryPendingStore()
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Now()}
	return authflow.NewManager(store, ttl, authflow.WithClock(clock.Now)), clock
}

func TestManager_Begin(t *testing.T) {
	m, _ := newManager(t, 0)

	auth, err := m.Begin(context.Background(), domain.ProviderGoogle, domain.PurposeLogin, "ignored")
	require.NoError(t, err)

	req := auth.Request
	assert.Len(t, req.StateToken, 43)
	assert.Len(t, req.PKCEVerifier, 64)
	assert.Empty(t, req.LinkingUserID)
	assert.Equal(t, authflow.DefaultTTL, req.ExpiresAt.Sub(req.CreatedAt))

	sum := sha256.Sum256([]byte(req.PKCEVerifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), auth.Challenge)

	other, err := m.Begin(context.Background(), domain.ProviderGoogle, domain.PurposeLogin, "")
	require.NoError(t, err)
	assert.NotEqual(t, req.StateToken, other.Request.StateToken)
	assert.NotEqual(t, req.PKCEVerifier, other.Request.PKCEVerifier)
}

func TestManager_Begin_Validation(t *testing.T) {
	m, _ := newManager(t, 0)
	ctx := context.Background()

	_, err := m.Begin(ctx, "myspace", domain.PurposeLogin, "")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	_, err = m.Begin(ctx, domain.ProviderGitHub, "signup", "")
	assert.ErrorIs(t, err, domain.ErrInvalidPurpose)

	_, err = m.Begin(ctx, domain.ProviderGitHub, domain.PurposeLink, "")
	assert.ErrorIs(t, err, domain.ErrInvalidPurpose)

	auth, err := m.Begin(ctx, domain.ProviderGitHub, domain.PurposeLink, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", auth.Request.LinkingUserID)
}

func TestManager_Consume_SingleUse(t *testing.T) {
	m, _ := newManager(t, 0)
	ctx := context.Background()

	auth, err := m.Begin(ctx, domain.ProviderGoogle, domain.PurposeLogin, "")
	require.NoError(t, err)

	req, err := m.Consume(ctx, auth.Request.StateToken)
	require.NoError(t, err)
	assert.Equal(t, auth.Request.PKCEVerifier, req.PKCEVerifier)
	assert.Equal(t, domain.ProviderGoogle, req.Provider)

	_, err = m.Consume(ctx, auth.Request.StateToken)
	assert.ErrorIs(t, err, domain.ErrStateReplayed)
}

func TestManager_Consume_Unknown(t *testing.T) {
	m, _ := newManager(t, 0)

	_, err := m.Consume(context.Background(), "never-issued")
	assert.ErrorIs(t, err, domain.ErrStateNotFound)

	_, err = m.Consume(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrStateNotFound)
}

func TestManager_Consume_Expired(t *testing.T) {
	m, clock := newManager(t, time.Minute)
	ctx := context.Background()

	auth, err := m.Begin(ctx, domain.ProviderGoogle, domain.PurposeLogin, "")
	require.NoError(t, err)

	clock.Advance(time.Minute)

	_, err = m.Consume(ctx, auth.Request.StateToken)
	assert.ErrorIs(t, err, domain.ErrStateNotFound)
}

func TestManager_Consume_ConcurrentCallbacks(t *testing.T) {
	m, _ := newManager(t, 0)
	ctx := context.Background()

	auth, err := m.Begin(ctx, domain.ProviderGitHub, domain.PurposeLogin, "")
	require.NoError(t, err)

	const callers = 32
	var (
		wg       sync.WaitGroup
		winners  atomic.Int32
		replayed atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.Consume(ctx, auth.Request.StateToken)
			if err == nil {
				winners.Add(1)
				return
			}
			if errors.Is(err, domain.ErrStateReplayed) {
				replayed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(callers-1), replayed.Load())
}

func TestManager_DeleteExpired(t *testing.T) {
	m, clock := newManager(t, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Begin(ctx, domain.ProviderFacebook, domain.PurposeLogin, "")
		require.NoError(t, err)
	}

	n, err := m.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)

	n, err = m.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestManager_PastClock(t *testing.T) {
	store := cache.NewMemoryPendingStore()
	t.Cleanup(func() { _ = store.Close() })
	clock := &fakeClock{now: time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := authflow.NewManager(store, time.Minute, authflow.WithClock(clock.Now))
	ctx := context.Background()

	auth, err := m.Begin(ctx, domain.ProviderGitHub, domain.PurposeLogin, "")
	require.NoError(t, err)

	req, err := m.Consume(ctx, auth.Request.StateToken)
	require.NoError(t, err)
	assert.Equal(t, auth.Request.PKCEVerifier, req.PKCEVerifier)
}

func TestManager_RunCleanup_NonPositiveInterval(t *testing.T) {
	m, _ := newManager(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.RunCleanup(ctx, 0)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunCleanup did not stop after cancel")
	}
}
