package config

const (
	BackendVector    = "vector-search"
	BackendKeyword   = "keyword-search"
	BackendWeb       = "web-search"
	BackendEmbedding = "embedding-provider"
	BackendRerank    = "rerank-service"
	BackendLLM       = "llm-provider"
)

// Default returns a complete configuration that runs fully in-process:
// embedded chromem vector store, memory cache, no keyword or web backend.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
		},
		VectorDB: VectorDBConfig{
			Provider:   "chromem",
			Collection: "ragctx",
			Mapping: MappingConfig{
				IDField:       "id",
				ContentField:  "content",
				VectorField:   "vector",
				TitleField:    "title",
				DocumentField: "document_id",
				ChunkField:    "chunk_index",
				UserField:     "user_id",
				TopicField:    "topic_id",
				MetricType:    "IP",
				SearchEF:      64,
			},
		},
		Keyword: KeywordConfig{
			Index:   "ragctx",
			Fields:  []string{"content^2", "title", "metadata.*"},
			MaxTopK: 50,
		},
		Web: WebConfig{Provider: "tavily", SearchDepth: "basic"},
		HTTP: HTTPClientConfig{
			TimeoutMs: 10000,
			UserAgent: "ragctx/1.0",
		},
		Cache: CacheConfig{
			Store:  "memory",
			Prefix: "ragctx",
			Memory: MemoryCacheConfig{MaxEntries: 4096, TTLSeconds: 3600},
			Semantic: SemanticCacheConfig{
				Enable:              true,
				Similarity:          true,
				SimilarityThreshold: 0.85,
				MaxRecent:           256,
				WebTTLSeconds:       15 * 60,
				MixedTTLSeconds:     60 * 60,
				DocumentTTLSeconds:  4 * 60 * 60,
			},
		},
		Resilience: ResilienceConfig{
			Defaults: BackendPolicy{
				TimeoutMs:          10000,
				FailureThreshold:   5,
				MonitoringWindowMs: 60000,
				ResetTimeoutMs:     30000,
				MaxRetries:         2,
				InitialDelayMs:     100,
				MaxDelayMs:         2000,
				Multiplier:         2,
			},
			Backends: map[string]BackendPolicy{
				BackendWeb:       {TimeoutMs: 15000, MaxRetries: 1},
				BackendEmbedding: {TimeoutMs: 20000, MaxRetries: 3},
				BackendRerank:    {TimeoutMs: 3000, MaxRetries: -1},
			},
		},
		Batch: BatchConfig{
			OptimalBatchSize:   64,
			MaxQueueSize:       1000,
			DrainIntervalMs:    50,
			ItemTimeoutMs:      30000,
			MaxParallelBatches: 4,
			CacheTTLHours:      7 * 24,
			L1MaxEntries:       10000,
		},
		Budget: BudgetConfig{
			DefaultModel:    "gpt-4o-mini",
			ResponseReserve: 1024,
			WebShare:        0.3,
		},
		Session:  SessionConfig{Store: "memory", TTLSeconds: 24 * 60 * 60, MaxMessages: 20},
		Pipeline: DefaultPipeline(),
	}
}

// Policy returns the resolved policy for a backend, with zero fields filled
// from the defaults.
func (r ResilienceConfig) Policy(backend string) BackendPolicy {
	p := r.Defaults
	o, ok := r.Backends[backend]
	if !ok {
		return p
	}
	if o.TimeoutMs > 0 {
		p.TimeoutMs = o.TimeoutMs
	}
	if o.FailureThreshold > 0 {
		p.FailureThreshold = o.FailureThreshold
	}
	if o.MonitoringWindowMs > 0 {
		p.MonitoringWindowMs = o.MonitoringWindowMs
	}
	if o.ResetTimeoutMs > 0 {
		p.ResetTimeoutMs = o.ResetTimeoutMs
	}
	// negative MaxRetries disables retries for the backend
	if o.MaxRetries > 0 {
		p.MaxRetries = o.MaxRetries
	} else if o.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if o.InitialDelayMs > 0 {
		p.InitialDelayMs = o.InitialDelayMs
	}
	if o.MaxDelayMs > 0 {
		p.MaxDelayMs = o.MaxDelayMs
	}
	if o.Multiplier > 0 {
		p.Multiplier = o.Multiplier
	}
	return p
}
