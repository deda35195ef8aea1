package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streamgate/paygate/internal/middleware"
	"github.com/streamgate/paygate/internal/pkg/logger"
)

// lockTTL bounds how long a crashed request keeps its key locked.
const lockTTL = 2 * time.Minute

// RedisIdempotencyStore shares idempotency keys between gateway replicas.
// Store errors fail open: the request proceeds as if the key were new.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisIdempotencyStore(client *RedisClient, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = middleware.DefaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{
		client: client.Client,
		ttl:    ttl,
		prefix: "paygate:idem:",
	}
}

type idemWire struct {
	Status     int    `json:"status"`
	Body       []byte `json:"body"`
	CreatedAt  int64  `json:"created_at"`
	Processing bool   `json:"processing"`
}

func (s *RedisIdempotencyStore) GetOrLock(ctx context.Context, key string) (*middleware.IdempotencyRecord, bool) {
	lock := encodeIdemRecord(middleware.IdempotencyRecord{CreatedAt: time.Now().UTC(), Processing: true})
	ok, err := s.client.SetNX(ctx, s.prefix+key, lock, lockTTL).Result()
	if err != nil {
		logger.Warn("idempotency lock failed", "error", err)
		return nil, false
	}
	if ok {
		return nil, false
	}

	raw, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("idempotency lookup failed", "error", err)
		}
		return nil, false
	}
	rec, err := decodeIdemRecord(raw)
	if err != nil {
		return nil, false
	}
	return rec, true
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, status int, body []byte) {
	rec := encodeIdemRecord(middleware.IdempotencyRecord{Status: status, Body: body, CreatedAt: time.Now().UTC()})
	if err := s.client.Set(ctx, s.prefix+key, rec, s.ttl).Err(); err != nil {
		logger.Warn("idempotency save failed", "error", err)
	}
}

func (s *RedisIdempotencyStore) Unlock(ctx context.Context, key string) {
	_ = s.client.Del(ctx, s.prefix+key).Err()
}

func encodeIdemRecord(rec middleware.IdempotencyRecord) string {
	data, _ := json.Marshal(idemWire{
		Status:     rec.Status,
		Body:       rec.Body,
		CreatedAt:  rec.CreatedAt.Unix(),
		Processing: rec.Processing,
	})
	return string(data)
}

func decodeIdemRecord(raw string) (*middleware.IdempotencyRecord, error) {
	var wire idemWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, err
	}
	return &middleware.IdempotencyRecord{
		Status:     wire.Status,
		Body:       wire.Body,
		CreatedAt:  time.Unix(wire.CreatedAt, 0).UTC(),
		Processing: wire.Processing,
	}, nil
}
