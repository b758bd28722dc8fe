package bolt_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pilab-dev/shadow-link/bolt"
	"github.com/pilab-dev/shadow-link/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func openStore(t *testing.T) *bolt.PendingStore {
	t.Helper()
	store, err := bolt.OpenPendingStore(filepath.Join(t.TempDir(), "db", "pending.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func pending(state string, expiresAt time.Time) *domain.PendingAuthRequest {
	return &domain.PendingAuthRequest{
		StateToken:   state,
		PKCEVerifier: "verifier-" + state,
		Provider:     domain.ProviderGoogle,
		Purpose:      domain.PurposeLogin,
		CreatedAt:    expiresAt.Add(-10 * time.Minute),
		ExpiresAt:    expiresAt,
	}
}

func TestPendingStore_Consume(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Save(ctx, pending("s1", now.Add(time.Minute))))

	req, err := store.Consume(ctx, "s1", now)
	require.NoError(t, err)
	assert.Equal(t, "verifier-s1", req.PKCEVerifier)
	assert.Equal(t, "s1", req.StateToken)
	assert.True(t, req.Consumed)

	_, err = store.Consume(ctx, "s1", now)
	assert.ErrorIs(t, err, domain.ErrStateReplayed)

	_, err = store.Consume(ctx, "unknown", now)
	assert.ErrorIs(t, err, domain.ErrStateNotFound)
}

func TestPendingStore_Consume_Expired(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Save(ctx, pending("s1", now)))

	_, err := store.Consume(ctx, "s1", now)
	assert.ErrorIs(t, err, domain.ErrStateNotFound)
}

func TestPendingStore_Consume_Concurrent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Save(ctx, pending("race", now.Add(time.Minute))))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(ctx, "race", now); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestPendingStore_DeleteExpired(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Save(ctx, pending("old", now.Add(-time.Second))))
	require.NoError(t, store.Save(ctx, pending("fresh", now.Add(time.Minute))))

	n, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Consume(ctx, "fresh", now)
	assert.NoError(t, err)
}

func TestPendingStore_RawStateNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.db")
	store, err := bolt.OpenPendingStore(path)
	require.NoError(t, err)

	const state = "raw-state-value-4f1c"
	require.NoError(t, store.Save(context.Background(), pending(state, time.Now().Add(time.Minute))))
	require.NoError(t, store.Close())

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	defer db.Close()

	var values int
	err = db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(_ []byte, b *bbolt.Bucket) error {
			return b.ForEach(func(k, v []byte) error {
				values++
				assert.NotContains(t, string(k), state)
				assert.NotContains(t, string(v), state)
				return nil
			})
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, values)
}

func TestPendingStore_UsesCallerClock(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	past := time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, pending("old-clock", past.Add(time.Minute))))

	req, err := store.Consume(ctx, "old-clock", past)
	require.NoError(t, err)
	assert.Equal(t, "verifier-old-clock", req.PKCEVerifier)
}
