package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
)

const scanCount = 500

// RedisStore is a Store backed by Redis. DeletePattern walks SCAN MATCH and
// deletes in batches, so it never blocks the server the way KEYS would.
type RedisStore struct {
	rc *redis.Client
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{rc: rc}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rc *redis.Client) *RedisStore {
	return &RedisStore{rc: rc}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rc.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rc.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rc.Del(ctx, key).Err()
}

func (s *RedisStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	iter := s.rc.Scan(ctx, 0, pattern, scanCount).Iterator()
	batch := make([]string, 0, scanCount)
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.rc.Del(ctx, batch...).Result()
		total += int(n)
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanCount {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return total, err
	}
	return total, flush()
}

// Client exposes the underlying connection so other stores can share it.
func (s *RedisStore) Client() *redis.Client { return s.rc }

func (s *RedisStore) Ping(ctx context.Context) error { return s.rc.Ping(ctx).Err() }

func (s *RedisStore) Close() error { return s.rc.Close() }
