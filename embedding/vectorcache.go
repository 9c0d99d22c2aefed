package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/cache"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
)

// VectorCacheConfig configures the two cache tiers.
type VectorCacheConfig struct {
	Prefix       string
	TTL          time.Duration
	L1MaxEntries int64
}

// VectorCache keeps embeddings in a process-local ristretto cache backed by an
// optional shared Store. Embeddings for identical text never change, so the
// TTL is long.
type VectorCache struct {
	l1     *ristretto.Cache[string, []float32]
	l2     cache.Store
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

func NewVectorCache(l2 cache.Store, cfg VectorCacheConfig, log *zap.Logger) (*VectorCache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.L1MaxEntries <= 0 {
		cfg.L1MaxEntries = 10000
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "ragctx"
	}
	l1, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: cfg.L1MaxEntries * 10,
		MaxCost:     cfg.L1MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &VectorCache{l1: l1, l2: l2, ttl: cfg.TTL, prefix: cfg.Prefix, log: logger.OrDefault(log, "embedding-cache")}, nil
}

// Key is derived from model, dimensions, the hash of the whitespace-normalized
// text and its length.
func (c *VectorCache) Key(model string, dims int, text string) string {
	norm := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(norm))
	return fmt.Sprintf("%s:emb:%s:%d:%s:%d", c.prefix, model, dims, hex.EncodeToString(sum[:16]), utf8.RuneCountInString(norm))
}

// Get returns a cached vector. L2 hits are promoted to L1. Store errors are
// logged and treated as misses.
func (c *VectorCache) Get(ctx context.Context, key string) ([]float32, bool) {
	if v, ok := c.l1.Get(key); ok {
		return v, true
	}
	if c.l2 == nil {
		return nil, false
	}
	b, err := c.l2.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.log.Warn("embedding cache read failed", zap.Error(err))
		}
		return nil, false
	}
	v, err := decodeVector(b)
	if err != nil {
		c.log.Warn("embedding cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	c.l1.SetWithTTL(key, v, 1, c.ttl)
	return v, true
}

// Set writes both tiers.
func (c *VectorCache) Set(ctx context.Context, key string, v []float32) {
	c.l1.SetWithTTL(key, v, 1, c.ttl)
	if c.l2 == nil {
		return
	}
	if err := c.l2.Set(ctx, key, encodeVector(v), c.ttl); err != nil {
		c.log.Warn("embedding cache write failed", zap.Error(err))
	}
}

// Wait blocks until buffered L1 writes are applied.
func (c *VectorCache) Wait() { c.l1.Wait() }

func (c *VectorCache) Close() { c.l1.Close() }

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(x))
	}
	return b
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector payload length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
