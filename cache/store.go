package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get on a miss or an expired key.
var ErrNotFound = errors.New("cache: key not found")

// Store is the key/value store behind the semantic and embedding caches.
// Patterns use glob syntax ('*' and '?').
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
}
