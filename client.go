package ragctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/budget"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/cache"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/dedup"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/embedding"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/fusion"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/limits"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/llm"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/memory"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/orchestrator"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/post"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/resilience"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/retriever"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/threshold"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/vectordb"
)

// Cache invalidation scopes.
const (
	ScopeUser     = "user"
	ScopeTopic    = "topic"
	ScopeDocument = "document"
)

// Client owns every backend of one retrieval orchestrator and the
// conversation history used by the MCP tools.
type Client struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	registry *resilience.Registry
	sessions memory.Store
	embed    *embedding.Service
	vectors  vectordb.Store
	redis    *redis.Client
	log      *zap.Logger
}

type clientOptions struct {
	log      *zap.Logger
	counter  budget.Counter
	vectors  vectordb.Store
	embedder embedding.Provider
	redis    *redis.Client
}

// ClientOption overrides a component NewClient would otherwise build from
// the configuration.
type ClientOption func(*clientOptions)

func WithLogger(l *zap.Logger) ClientOption { return func(o *clientOptions) { o.log = l } }

// WithCounter replaces the tiktoken counter for every stage.
func WithCounter(c budget.Counter) ClientOption { return func(o *clientOptions) { o.counter = c } }

func WithVectorStore(s vectordb.Store) ClientOption { return func(o *clientOptions) { o.vectors = s } }

func WithEmbeddingProvider(p embedding.Provider) ClientOption {
	return func(o *clientOptions) { o.embedder = p }
}

// WithRedisClient shares rc between the result cache and the session store.
// The client does not close it.
func WithRedisClient(rc *redis.Client) ClientOption { return func(o *clientOptions) { o.redis = rc } }

// NewClient wires the backends named by cfg. A missing embedding provider or
// vector store disables vector search instead of failing, so a keyword or web
// only deployment still starts.
func NewClient(ctx context.Context, cfg *config.Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = config.DefaultPipeline()
	}
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.OrDefault(o.log, "ragctx")
	c := &Client{cfg: cfg, log: log}

	c.registry = resilience.NewRegistry(cfg.Resilience,
		resilience.WithStateListener(func(name string, from, to resilience.State) {
			metrics.SetBreakerState(name, string(from), string(to))
		}),
		resilience.WithRetryObserver(func(a resilience.Attempt) {
			metrics.ObserveRetry(a.Backend, a.Err != nil)
		}),
		resilience.WithLogger(log),
	)

	store, err := c.cacheStore(o.redis)
	if err != nil {
		return nil, err
	}
	if c.sessions, err = memory.NewStore(cfg.Session, c.redisFor(o.redis, store)); err != nil {
		c.Close()
		return nil, err
	}

	planner := budget.NewPlanner(cfg.Budget, log)
	if o.counter != nil {
		planner = planner.WithCounter(o.counter)
	}
	counter := planner.Counter("")
	client := httpx.NewFromConfig(&cfg.HTTP)
	p := cfg.Pipeline

	deps := orchestrator.Deps{
		Registry: c.registry,
		Tracker:  resilience.NewTracker(c.registry, config.BackendVector, config.BackendKeyword),
		Planner:  planner,
		Limits:   limits.New(p.Limits),
		Dedup:    dedup.New(p.Dedup, log),
		Log:      log,
	}

	if err := c.wireVector(ctx, &deps, store, o, p); err != nil {
		c.Close()
		return nil, err
	}
	if cfg.Keyword.Enable && cfg.Keyword.Endpoint != "" {
		deps.Keyword = retriever.NewBM25Retriever(cfg.Keyword, cfg.VectorDB.Mapping, client, c.registry.Guard(config.BackendKeyword))
	}
	if cfg.Web.Enable {
		deps.Web = retriever.NewWebSearchRetriever(cfg.Web, client, c.registry.Guard(config.BackendWeb), log)
	}

	if cfg.Cache.Semantic.Enable {
		sc := cfg.Cache.Semantic
		sem, err := cache.NewSemantic(store, cache.SemanticConfig{
			Prefix:              cfg.Cache.Prefix,
			Similarity:          sc.Similarity,
			SimilarityThreshold: sc.SimilarityThreshold,
			MaxRecent:           sc.MaxRecent,
			WebTTL:              seconds(sc.WebTTLSeconds),
			MixedTTL:            seconds(sc.MixedTTLSeconds),
			DocumentTTL:         seconds(sc.DocumentTTLSeconds),
		}, log)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("semantic cache: %w", err)
		}
		deps.Cache = sem
	}

	llmP, err := llm.NewLLMProvider(cfg.LLM)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("llm: %w", err)
	}
	rr := p.Post.Rerank
	deps.Reranker = post.NewReranker(rr.Provider, rr.Endpoint, rr.Model, rr.APIKey, client, c.registry.Guard(config.BackendRerank), llmP, log)
	deps.Compressor = post.NewCompressor(p.Post.Compress.Method, counter,
		post.WithHTTPEndpoint(p.Post.Compress.Endpoint),
		post.WithHTTPHeaders(p.Post.Compress.Headers),
		post.WithHTTPClient(client),
		post.WithLLM(llmP),
		post.WithLogger(log),
	)
	deps.Summarizer = post.NewSummarizer(p.Post.Summarize.Method, counter, llmP, log)

	var loader *fusion.ExperimentLoader
	if p.Fusion.ExperimentsURI != "" {
		loader, err = fusion.NewExperimentLoader(p.Fusion.ExperimentsURI, seconds(p.Fusion.RefreshSeconds), client)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("fusion experiments: %w", err)
		}
	}
	deps.Selector = fusion.NewSelector(p.Fusion, loader, log)

	if c.orch, err = orchestrator.New(p, deps); err != nil {
		c.Close()
		return nil, err
	}
	log.Info("ragctx client ready",
		zap.Bool("vector", deps.Vector != nil),
		zap.Bool("keyword", deps.Keyword != nil),
		zap.Bool("web", deps.Web != nil),
		zap.Bool("cache", deps.Cache != nil),
		zap.String("session_store", cfg.Session.Store))
	return c, nil
}

func (c *Client) cacheStore(shared *redis.Client) (cache.Store, error) {
	switch c.cfg.Cache.Store {
	case "", "memory":
		m := c.cfg.Cache.Memory
		return cache.NewMemoryStore(m.MaxEntries, seconds(m.TTLSeconds)), nil
	case "redis":
		if shared != nil {
			return cache.NewRedisStoreFromClient(shared), nil
		}
		rs, err := cache.NewRedisStore(c.cfg.Cache.Redis)
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		c.redis = rs.Client()
		return rs, nil
	}
	return nil, fmt.Errorf("unknown cache store %q", c.cfg.Cache.Store)
}

// redisFor picks the connection the session store should use, opening one
// from cache.redis when neither the caller nor the cache provided it.
func (c *Client) redisFor(shared *redis.Client, store cache.Store) *redis.Client {
	if c.cfg.Session.Store != "redis" {
		return nil
	}
	if shared != nil {
		return shared
	}
	if rs, ok := store.(*cache.RedisStore); ok {
		return rs.Client()
	}
	if c.cfg.Cache.Redis.Address == "" {
		return nil
	}
	r := c.cfg.Cache.Redis
	c.redis = redis.NewClient(&redis.Options{Addr: r.Address, Username: r.Username, Password: r.Password, DB: r.DB})
	return c.redis
}

func (c *Client) wireVector(ctx context.Context, deps *orchestrator.Deps, l2 cache.Store, o clientOptions, p *config.PipelineConfig) error {
	cfg := c.cfg
	prov := o.embedder
	if prov == nil {
		var err error
		if prov, err = embedding.NewProvider(cfg.Embedding); err != nil {
			if errs.Is(err, errs.KindNotConfigured) {
				c.log.Warn("vector search disabled", zap.Error(err))
				return nil
			}
			return fmt.Errorf("embedding: %w", err)
		}
	}
	vectors := o.vectors
	if vectors == nil {
		var err error
		if vectors, err = vectordb.NewStore(ctx, cfg.VectorDB, cfg.Embedding.Dimensions); err != nil {
			if errs.Is(err, errs.KindNotConfigured) {
				c.log.Warn("vector search disabled", zap.Error(err))
				return nil
			}
			return fmt.Errorf("vectordb: %w", err)
		}
	}
	c.vectors = vectors

	b := cfg.Batch
	vc, err := embedding.NewVectorCache(l2, embedding.VectorCacheConfig{
		Prefix:       cfg.Cache.Prefix,
		TTL:          time.Duration(b.CacheTTLHours) * time.Hour,
		L1MaxEntries: int64(b.L1MaxEntries),
	}, c.log)
	if err != nil {
		return fmt.Errorf("embedding cache: %w", err)
	}
	c.embed = embedding.NewService(prov, vc, c.registry.Guard(config.BackendEmbedding), embedding.Config{
		Model:              cfg.Embedding.Model,
		Dimensions:         cfg.Embedding.Dimensions,
		OptimalBatchSize:   b.OptimalBatchSize,
		MaxQueueSize:       b.MaxQueueSize,
		DrainInterval:      time.Duration(b.DrainIntervalMs) * time.Millisecond,
		ItemTimeout:        time.Duration(b.ItemTimeoutMs) * time.Millisecond,
		MaxParallelBatches: b.MaxParallelBatches,
		OnBatch:            metrics.ObserveEmbeddingBatch,
		OnQueueDepth:       metrics.SetEmbeddingQueueDepth,
	}, c.log)
	c.embed.Start()

	var opt *threshold.Optimizer
	if p.Threshold.Enable {
		opt = threshold.New(p.Threshold, c.log)
	}
	deps.Vector = &retriever.VectorRetriever{
		Embed:     c.embed,
		Store:     vectors,
		Optimizer: opt,
		Guard:     c.registry.Guard(config.BackendVector),
	}
	deps.Embedder = c.embed
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Defaults returns request options seeded from the pipeline configuration.
func (c *Client) Defaults() orchestrator.Options { return c.orch.Defaults() }

// Retrieve runs one retrieval.
func (c *Client) Retrieve(ctx context.Context, query string, opts orchestrator.Options) (*schema.RAGContext, error) {
	return c.orch.RetrieveContext(ctx, query, opts)
}

// Invalidate drops cached results for one scope and reports how many went.
func (c *Client) Invalidate(ctx context.Context, scope, id string) (int, error) {
	if id == "" {
		return 0, errs.Validation("id", "must not be empty")
	}
	switch scope {
	case ScopeUser:
		return c.orch.InvalidateUser(ctx, id)
	case ScopeTopic:
		return c.orch.InvalidateTopic(ctx, id)
	case ScopeDocument:
		return c.orch.InvalidateDocument(ctx, id)
	}
	return 0, errs.Validation("scope", fmt.Sprintf("unknown scope %q", scope))
}

// Sessions is the conversation history store.
func (c *Client) Sessions() memory.Store { return c.sessions }

// Backends reports the breaker state of every backend called so far.
func (c *Client) Backends() []resilience.Snapshot { return c.registry.Snapshots() }

// Close stops the embedding batcher and releases backend connections.
func (c *Client) Close() error {
	var result *multierror.Error
	if c.embed != nil {
		c.embed.Stop()
		c.embed = nil
	}
	if c.vectors != nil {
		if err := c.vectors.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("vectordb: %w", err))
		}
		c.vectors = nil
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("redis: %w", err))
		}
		c.redis = nil
	}
	return result.ErrorOrNil()
}
