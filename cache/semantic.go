package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/textsim"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

const backendCache = "semantic-cache"

// SemanticConfig configures the retrieval result cache.
type SemanticConfig struct {
	Prefix string
	// Similarity enables the embedding lookup on exact-key misses.
	Similarity          bool
	SimilarityThreshold float64
	// MaxRecent bounds the similarity index.
	MaxRecent   int
	WebTTL      time.Duration
	MixedTTL    time.Duration
	DocumentTTL time.Duration
}

func (c SemanticConfig) withDefaults() SemanticConfig {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.85
	}
	if c.MaxRecent <= 0 {
		c.MaxRecent = 256
	}
	if c.WebTTL <= 0 {
		c.WebTTL = 15 * time.Minute
	}
	if c.MixedTTL <= 0 {
		c.MixedTTL = time.Hour
	}
	if c.DocumentTTL <= 0 {
		c.DocumentTTL = 4 * time.Hour
	}
	return c
}

// EmbedFunc lazily produces the query embedding for a similarity lookup.
type EmbedFunc func(ctx context.Context) ([]float32, error)

// Result of a lookup. Embedding is set whenever the lookup computed one so the
// caller can reuse it for Put.
type Result struct {
	Context    *schema.RAGContext
	Hit        schema.CacheHit
	Similarity float64
	Embedding  []float32
}

type storedEntry struct {
	Context   *schema.RAGContext `json:"context"`
	Embedding []float32          `json:"embedding,omitempty"`
	ExpiresAt time.Time          `json:"expires_at"`
}

type indexEntry struct {
	scope     string
	embedding []float32
	expiresAt time.Time
}

// Semantic caches whole retrieval results. Values live in the Store; the
// similarity index of recent query embeddings is process-local.
type Semantic struct {
	store Store
	keys  *Keyer
	cfg   SemanticConfig
	index *lru.Cache[string, indexEntry]
	log   *zap.Logger
	now   func() time.Time
}

func NewSemantic(store Store, cfg SemanticConfig, log *zap.Logger) (*Semantic, error) {
	cfg = cfg.withDefaults()
	idx, err := lru.New[string, indexEntry](cfg.MaxRecent)
	if err != nil {
		return nil, err
	}
	return &Semantic{
		store: store,
		keys:  NewKeyer(cfg.Prefix),
		cfg:   cfg,
		index: idx,
		log:   logger.OrDefault(log, "semantic-cache"),
		now:   time.Now,
	}, nil
}

// Keys exposes the key builder.
func (c *Semantic) Keys() *Keyer { return c.keys }

// Lookup tries the exact key, then, when similarity is enabled and embed is
// non-nil, the closest recent entry within the same scope.
func (c *Semantic) Lookup(ctx context.Context, q Query, embed EmbedFunc) (Result, error) {
	key := c.keys.Key(q)
	rc, err := c.get(ctx, key)
	if err == nil {
		return Result{Context: rc, Hit: schema.CacheExact, Similarity: 1}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Result{}, err
	}
	if !c.cfg.Similarity || embed == nil {
		return Result{}, nil
	}

	vec, err := embed(ctx)
	if err != nil {
		return Result{}, errs.Wrap(errs.KindCache, backendCache, err)
	}
	res := Result{Embedding: vec}

	scope := c.keys.scope(q)
	now := c.now()
	bestKey, best := "", 0.0
	for _, k := range c.index.Keys() {
		ent, ok := c.index.Peek(k)
		if !ok {
			continue
		}
		if now.After(ent.expiresAt) {
			c.index.Remove(k)
			continue
		}
		if ent.scope != scope {
			continue
		}
		if sim := textsim.Cosine(vec, ent.embedding); sim > best {
			best, bestKey = sim, k
		}
	}
	if bestKey == "" || best < c.cfg.SimilarityThreshold {
		return res, nil
	}

	rc, err = c.get(ctx, bestKey)
	if errors.Is(err, ErrNotFound) {
		// invalidated or evicted from the store
		c.index.Remove(bestKey)
		return res, nil
	}
	if err != nil {
		return res, err
	}
	c.log.Debug("semantic cache similarity hit", zap.Float64("similarity", best))
	res.Context, res.Hit, res.Similarity = rc, schema.CacheSimilar, best
	return res, nil
}

// Put stores rc under q with a TTL chosen by content volatility. Empty
// contexts are not cached.
func (c *Semantic) Put(ctx context.Context, q Query, rc *schema.RAGContext, embedding []float32) error {
	if rc.Empty() {
		return nil
	}
	ttl := c.TTLFor(rc)
	key := c.keys.Key(q)
	ent := storedEntry{Context: rc.Clone(), Embedding: embedding, ExpiresAt: c.now().Add(ttl)}
	ent.Context.CacheHit = schema.CacheMiss
	b, err := json.Marshal(ent)
	if err != nil {
		return errs.Wrap(errs.KindCache, backendCache, err)
	}
	if err := c.store.Set(ctx, key, b, ttl); err != nil {
		return errs.Wrap(errs.KindCache, backendCache, err)
	}
	if c.cfg.Similarity && len(embedding) > 0 {
		c.index.Add(key, indexEntry{scope: c.keys.scope(q), embedding: embedding, expiresAt: ent.ExpiresAt})
	}
	return nil
}

// TTLFor picks the TTL for rc: web-only results expire first, document-only
// results last.
func (c *Semantic) TTLFor(rc *schema.RAGContext) time.Duration {
	switch {
	case len(rc.Web) > 0 && len(rc.Documents) == 0:
		return c.cfg.WebTTL
	case len(rc.Documents) > 0 && len(rc.Web) == 0:
		return c.cfg.DocumentTTL
	default:
		return c.cfg.MixedTTL
	}
}

func (c *Semantic) InvalidateUser(ctx context.Context, userID string) (int, error) {
	return c.invalidate(ctx, c.keys.UserPattern(userID))
}

func (c *Semantic) InvalidateTopic(ctx context.Context, topicID string) (int, error) {
	return c.invalidate(ctx, c.keys.TopicPattern(topicID))
}

func (c *Semantic) InvalidateDocument(ctx context.Context, docID string) (int, error) {
	return c.invalidate(ctx, c.keys.DocumentPattern(docID))
}

func (c *Semantic) invalidate(ctx context.Context, pattern string) (int, error) {
	n, err := c.store.DeletePattern(ctx, pattern)
	if err != nil {
		return n, errs.Wrap(errs.KindCache, backendCache, err)
	}
	c.log.Debug("semantic cache invalidated", zap.String("pattern", pattern), zap.Int("deleted", n))
	return n, nil
}

func (c *Semantic) get(ctx context.Context, key string) (*schema.RAGContext, error) {
	b, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errs.Wrap(errs.KindCache, backendCache, err)
	}
	var ent storedEntry
	if err := json.Unmarshal(b, &ent); err != nil {
		return nil, errs.Wrap(errs.KindCache, backendCache, err)
	}
	if ent.Context == nil || (!ent.ExpiresAt.IsZero() && c.now().After(ent.ExpiresAt)) {
		return nil, ErrNotFound
	}
	return ent.Context, nil
}
