// Package bolt keeps pending authorization requests in a local bbolt file for
// single-node deployments that must survive restarts.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pilab-dev/shadow-link/cache"
	"github.com/pilab-dev/shadow-link/domain"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

var pendingBucket = []byte("pending_auth_requests")

// PendingStore implements domain.PendingAuthStore on bbolt. Every Consume runs
// in a read-write transaction, which bbolt serializes.
type PendingStore struct {
	db *bbolt.DB
}

// OpenPendingStore opens or creates the database at dbPath.
func OpenPendingStore(dbPath string) (*PendingStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db at %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", pendingBucket, err)
	}

	log.Debug().Str("path", dbPath).Msg("bbolt pending store opened")

	return &PendingStore{db: db}, nil
}

func (s *PendingStore) Save(_ context.Context, req *domain.PendingAuthRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode pending request: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(pendingBucket).Put([]byte(cache.HashStateToken(req.StateToken)), data)
	})
}

func (s *PendingStore) Consume(_ context.Context, state string, now time.Time) (*domain.PendingAuthRequest, error) {
	var out *domain.PendingAuthRequest

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		key := []byte(cache.HashStateToken(state))

		raw := b.Get(key)
		if raw == nil {
			return domain.ErrStateNotFound
		}

		var req domain.PendingAuthRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("failed to decode pending request: %w", err)
		}
		if req.Expired(now) {
			return domain.ErrStateNotFound
		}
		if req.Consumed {
			return domain.ErrStateReplayed
		}

		req.Consumed = true
		data, err := json.Marshal(&req)
		if err != nil {
			return fmt.Errorf("failed to encode pending request: %w", err)
		}
		if err := b.Put(key, data); err != nil {
			return err
		}

		req.StateToken = state
		out = &req
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *PendingStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pendingBucket)

		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var req domain.PendingAuthRequest
			if err := json.Unmarshal(v, &req); err == nil && !req.Expired(now) {
				return nil
			}
			// Undecodable entries are dropped too.
			expired = append(expired, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired pending requests: %w", err)
	}

	return deleted, nil
}

func (s *PendingStore) Close() error {
	return s.db.Close()
}

var _ domain.PendingAuthStore = (*PendingStore)(nil)
