package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/signalhook/tradegate/internal/model"
)

const redisKeyPrefix = "idem:"

// RedisRegistry keeps idempotency state in Redis so the dedup window
// survives process restarts. Reservation is a SET NX with the retention
// window as TTL; the placeholder is replaced by the terminal record on
// commit and deleted on abandon.
type RedisRegistry struct {
	client    *redis.Client
	retention time.Duration
}

type redisEntry struct {
	Record     *model.ExecutionRecord `json:"record,omitempty"`
	Processing bool                   `json:"processing"`
	CreatedAt  int64                  `json:"created_at"`
}

func NewRedisRegistry(client *redis.Client, retention time.Duration) *RedisRegistry {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisRegistry{client: client, retention: retention}
}

func (r *RedisRegistry) Reserve(ctx context.Context, key string) (*Entry, bool, error) {
	placeholder, _ := json.Marshal(redisEntry{
		Processing: true,
		CreatedAt:  time.Now().Unix(),
	})

	ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, placeholder, r.retention).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return nil, true, nil
	}

	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Entry expired between SETNX and GET; treat as a fresh reservation.
		return r.Reserve(ctx, key)
	}
	if err != nil {
		return nil, false, err
	}

	var wire redisEntry
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, false, err
	}
	return &Entry{
		Record:     wire.Record,
		Processing: wire.Processing,
		CreatedAt:  time.Unix(wire.CreatedAt, 0),
	}, false, nil
}

func (r *RedisRegistry) Commit(ctx context.Context, key string, rec *model.ExecutionRecord) error {
	payload, err := json.Marshal(redisEntry{
		Record:    rec,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyPrefix+key, payload, r.retention).Err()
}

func (r *RedisRegistry) Abandon(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisKeyPrefix+key).Err()
}
