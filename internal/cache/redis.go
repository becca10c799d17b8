package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/biomapper/biomapper/pkg/schema"
	"github.com/redis/go-redis/v9"
)

// Redis stores each (source id, source type, target type) key as a hash whose
// fields are "target_id|resource". HSETNX keeps writes append-only.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures the Redis adapter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client, cfg.Prefix), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "biomapper:mapping"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(sourceID, sourceType, targetType string) string {
	return fmt.Sprintf("%s:%s:%s:%s", r.prefix, sourceType, targetType, sourceID)
}

func (r *Redis) Get(ctx context.Context, sourceID, sourceType, targetType string) ([]Entry, bool, error) {
	data, err := r.client.HGetAll(ctx, r.key(sourceID, sourceType, targetType)).Result()
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeStore, "redis get: %v", err).WithCause(err)
	}
	if len(data) == 0 {
		return nil, false, nil
	}

	out := make([]Entry, 0, len(data))
	for field, raw := range data {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, false, schema.NewErrorf(schema.ErrCodeStore, "redis entry %s: %v", field, err).WithCause(err)
		}
		out = append(out, e)
	}
	SortEntries(out)
	return out, true, nil
}

func (r *Redis) Put(ctx context.Context, e Entry) error {
	e = stamp(e)
	b, err := json.Marshal(e)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "redis marshal: %v", err).WithCause(err)
	}
	field := e.TargetID + "|" + e.Resource
	if err := r.client.HSetNX(ctx, r.key(e.SourceID, e.SourceType, e.TargetType), field, b).Err(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "redis put: %v", err).WithCause(err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
