package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-link/cache"
	"github.com/pilab-dev/shadow-link/domain"
	"github.com/redis/go-redis/v9"
)

// consumeScript flips the consumed flag and returns the payload in a single
// round trip. Replies: {0} unknown, {2} already consumed, {1, data} won.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {0}
end
if redis.call('HGET', KEYS[1], 'consumed') == '1' then
	return {2}
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return {1, redis.call('HGET', KEYS[1], 'data')}
`)

// PendingStore implements domain.PendingAuthStore on Redis so every replica
// of the service sees the same pending requests. Keys expire with the request.
type PendingStore struct {
	client redis.UniversalClient
	prefix string
}

// NewPendingStore creates a new [PendingStore] instance
func NewPendingStore(client redis.UniversalClient, prefix string) *PendingStore {
	return &PendingStore{
		client: client,
		prefix: prefix,
	}
}

func (s *PendingStore) redisKey(state string) string {
	return fmt.Sprintf("%s:pending:%s", s.prefix, cache.HashStateToken(state))
}

func (s *PendingStore) Save(ctx context.Context, req *domain.PendingAuthRequest) error {
	ttl := req.Lifetime()
	if ttl <= 0 {
		return fmt.Errorf("pending request expires at %s before it was created", req.ExpiresAt)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal pending request: %w", err)
	}

	key := s.redisKey(req.StateToken)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "data", data, "consumed", "0")
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store pending request in Redis: %w", err)
	}

	return nil
}

func (s *PendingStore) Consume(ctx context.Context, state string, now time.Time) (*domain.PendingAuthRequest, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.redisKey(state)}).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending request: %w", err)
	}
	if len(res) == 0 {
		return nil, errors.New("empty reply from consume script")
	}

	switch code, _ := res[0].(int64); code {
	case 0:
		return nil, domain.ErrStateNotFound
	case 2:
		return nil, domain.ErrStateReplayed
	}

	if len(res) < 2 {
		return nil, errors.New("consume script returned no payload")
	}
	data, _ := res[1].(string)

	var req domain.PendingAuthRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending request: %w", err)
	}
	req.StateToken = state
	if req.Expired(now) {
		return nil, domain.ErrStateNotFound
	}
	req.Consumed = true

	return &req, nil
}

// DeleteExpired is a no-op: Redis expires the keys itself.
func (s *PendingStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

var _ domain.PendingAuthStore = (*PendingStore)(nil)
