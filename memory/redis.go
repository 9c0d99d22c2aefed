package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// appendScript pushes messages, trims the list to the cap and refreshes the
// TTL in one round trip.
var appendScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
for i = 3, #ARGV do
  redis.call('RPUSH', key, ARGV[i])
end
redis.call('LTRIM', key, -max, -1)
redis.call('EXPIRE', key, ttl)
return redis.call('LLEN', key)
`)

// RedisStore keeps each session as a Redis list of JSON messages.
type RedisStore struct {
	rc     *redis.Client
	prefix string
	max    int
	ttl    time.Duration
}

func NewRedisStore(rc *redis.Client, prefix string, maxMessages int, ttl time.Duration) *RedisStore {
	return &RedisStore{rc: rc, prefix: prefix, max: maxMessages, ttl: ttl}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Recent(ctx context.Context, sessionID string, n int) ([]Message, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	raw, err := s.rc.LRange(ctx, s.key(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(msgs)+2)
	args = append(args, s.max, int64(s.ttl/time.Second))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		args = append(args, string(b))
	}
	if err := appendScript.Run(ctx, s.rc, []string{s.key(sessionID)}, args...).Err(); err != nil {
		return fmt.Errorf("append session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	return s.rc.Del(ctx, s.key(sessionID)).Err()
}
