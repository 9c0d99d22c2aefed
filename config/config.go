package config

// Config represents the main configuration structure for the retrieval service
type Config struct {
	Log        LogConfig        `json:"log" yaml:"log"`
	Embedding  EmbeddingConfig  `json:"embedding" yaml:"embedding"`
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	VectorDB   VectorDBConfig   `json:"vectordb" yaml:"vectordb"`
	Keyword    KeywordConfig    `json:"keyword" yaml:"keyword"`
	Web        WebConfig        `json:"web" yaml:"web"`
	HTTP       HTTPClientConfig `json:"http" yaml:"http"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`
	Batch      BatchConfig      `json:"batch" yaml:"batch"`
	Budget     BudgetConfig     `json:"budget" yaml:"budget"`
	Session    SessionConfig    `json:"session" yaml:"session"`
	// Pipeline holds per-stage defaults applied to every request.
	Pipeline *PipelineConfig `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`
}

// SessionConfig configures the conversation history kept per MCP session.
// The redis store shares the connection settings of cache.redis.
type SessionConfig struct {
	Store       string `json:"store,omitempty" yaml:"store,omitempty"` // memory (default) or redis
	TTLSeconds  int    `json:"ttl_seconds,omitempty" yaml:"ttl_seconds,omitempty"`
	MaxMessages int    `json:"max_messages,omitempty" yaml:"max_messages,omitempty"`
}

// LogConfig selects the process logger.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // json or console
}

// LLMConfig defines configuration for the optional completion model used by
// LLM summarizers and compressors.
type LLMConfig struct {
	Provider    string  `json:"provider" yaml:"provider"` // Available options: openai, or empty to disable
	APIKey      string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL     string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// EmbeddingConfig defines configuration for embedding models
type EmbeddingConfig struct {
	Provider   string `json:"provider" yaml:"provider"` // Available options: openai
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
}

// VectorDBConfig defines configuration for vector databases
type VectorDBConfig struct {
	Provider   string        `json:"provider" yaml:"provider"` // Available options: chromem, qdrant, milvus
	Host       string        `json:"host,omitempty" yaml:"host,omitempty"`
	Port       int           `json:"port,omitempty" yaml:"port,omitempty"`
	UseTLS     bool          `json:"use_tls,omitempty" yaml:"use_tls,omitempty"`
	APIKey     string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Database   string        `json:"database,omitempty" yaml:"database,omitempty"`
	Collection string        `json:"collection,omitempty" yaml:"collection,omitempty"`
	Username   string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string        `json:"password,omitempty" yaml:"password,omitempty"`
	Mapping    MappingConfig `json:"mapping,omitempty" yaml:"mapping,omitempty"`
}

// MappingConfig names the payload fields a vector store uses for candidate data.
type MappingConfig struct {
	IDField        string `json:"id_field,omitempty" yaml:"id_field,omitempty"`
	ContentField   string `json:"content_field,omitempty" yaml:"content_field,omitempty"`
	VectorField    string `json:"vector_field,omitempty" yaml:"vector_field,omitempty"`
	TitleField     string `json:"title_field,omitempty" yaml:"title_field,omitempty"`
	DocumentField  string `json:"document_field,omitempty" yaml:"document_field,omitempty"`
	ChunkField     string `json:"chunk_field,omitempty" yaml:"chunk_field,omitempty"`
	UserField      string `json:"user_field,omitempty" yaml:"user_field,omitempty"`
	TopicField     string `json:"topic_field,omitempty" yaml:"topic_field,omitempty"`
	MetricType     string `json:"metric_type,omitempty" yaml:"metric_type,omitempty"` // milvus: IP, L2, COSINE
	SearchEF       int    `json:"search_ef,omitempty" yaml:"search_ef,omitempty"`
	PersistentPath string `json:"persistent_path,omitempty" yaml:"persistent_path,omitempty"` // chromem only
}

// KeywordConfig configures the Elasticsearch-compatible BM25 backend.
type KeywordConfig struct {
	Enable   bool     `json:"enable,omitempty" yaml:"enable,omitempty"`
	Endpoint string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Index    string   `json:"index,omitempty" yaml:"index,omitempty"`
	Username string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`
	Fields   []string `json:"fields,omitempty" yaml:"fields,omitempty"`
	MaxTopK  int      `json:"max_top_k,omitempty" yaml:"max_top_k,omitempty"`
}

// WebConfig configures the web search backend.
type WebConfig struct {
	Enable   bool   `json:"enable,omitempty" yaml:"enable,omitempty"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"` // tavily, bing, duckduckgo
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	// SearchDepth is passed to providers that support it (tavily: basic|advanced).
	SearchDepth string `json:"search_depth,omitempty" yaml:"search_depth,omitempty"`
}

// HTTPClientConfig defines common options for outbound HTTP calls.
type HTTPClientConfig struct {
	TimeoutMs     int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	HostAllowlist []string `json:"host_allowlist,omitempty" yaml:"host_allowlist,omitempty"`
	// RateLimit caps outbound requests per second for one client (0 => unlimited).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Burst     int     `json:"burst,omitempty" yaml:"burst,omitempty"`
	UserAgent string  `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
}

// CacheConfig controls the key/value store and the semantic result cache.
type CacheConfig struct {
	// Store: "memory" (default) or "redis".
	Store    string              `json:"store,omitempty" yaml:"store,omitempty"`
	Redis    RedisConfig         `json:"redis,omitempty" yaml:"redis,omitempty"`
	Memory   MemoryCacheConfig   `json:"memory,omitempty" yaml:"memory,omitempty"`
	Semantic SemanticCacheConfig `json:"semantic,omitempty" yaml:"semantic,omitempty"`
	Prefix   string              `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

type RedisConfig struct {
	Address  string `json:"address,omitempty" yaml:"address,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

type MemoryCacheConfig struct {
	MaxEntries int `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	TTLSeconds int `json:"ttl_seconds,omitempty" yaml:"ttl_seconds,omitempty"`
}

type SemanticCacheConfig struct {
	Enable              bool    `json:"enable,omitempty" yaml:"enable,omitempty"`
	Similarity          bool    `json:"similarity,omitempty" yaml:"similarity,omitempty"`
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty" yaml:"similarity_threshold,omitempty"`
	MaxRecent           int     `json:"max_recent,omitempty" yaml:"max_recent,omitempty"`
	WebTTLSeconds       int     `json:"web_ttl_seconds,omitempty" yaml:"web_ttl_seconds,omitempty"`
	MixedTTLSeconds     int     `json:"mixed_ttl_seconds,omitempty" yaml:"mixed_ttl_seconds,omitempty"`
	DocumentTTLSeconds  int     `json:"document_ttl_seconds,omitempty" yaml:"document_ttl_seconds,omitempty"`
}

// ResilienceConfig holds breaker and retry defaults plus per-backend overrides
// keyed by backend name (vector-search, keyword-search, web-search, ...).
type ResilienceConfig struct {
	Defaults BackendPolicy            `json:"defaults" yaml:"defaults"`
	Backends map[string]BackendPolicy `json:"backends,omitempty" yaml:"backends,omitempty"`
}

// BackendPolicy configures the guard wrapped around one backend. Zero fields
// inherit from the defaults.
type BackendPolicy struct {
	TimeoutMs          int     `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	FailureThreshold   int     `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	MonitoringWindowMs int     `json:"monitoring_window_ms,omitempty" yaml:"monitoring_window_ms,omitempty"`
	ResetTimeoutMs     int     `json:"reset_timeout_ms,omitempty" yaml:"reset_timeout_ms,omitempty"`
	MaxRetries         int     `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	InitialDelayMs     int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	MaxDelayMs         int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Multiplier         float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// BatchConfig configures the embedding batch queue.
type BatchConfig struct {
	OptimalBatchSize   int `json:"optimal_batch_size,omitempty" yaml:"optimal_batch_size,omitempty"`
	MaxQueueSize       int `json:"max_queue_size,omitempty" yaml:"max_queue_size,omitempty"`
	DrainIntervalMs    int `json:"drain_interval_ms,omitempty" yaml:"drain_interval_ms,omitempty"`
	ItemTimeoutMs      int `json:"item_timeout_ms,omitempty" yaml:"item_timeout_ms,omitempty"`
	MaxParallelBatches int `json:"max_parallel_batches,omitempty" yaml:"max_parallel_batches,omitempty"`
	CacheTTLHours      int `json:"cache_ttl_hours,omitempty" yaml:"cache_ttl_hours,omitempty"`
	L1MaxEntries       int `json:"l1_max_entries,omitempty" yaml:"l1_max_entries,omitempty"`
}

// BudgetConfig configures token accounting.
type BudgetConfig struct {
	DefaultModel    string         `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	ResponseReserve int            `json:"response_reserve,omitempty" yaml:"response_reserve,omitempty"`
	WebShare        float64        `json:"web_share,omitempty" yaml:"web_share,omitempty"`
	MaxContext      int            `json:"max_context_tokens,omitempty" yaml:"max_context_tokens,omitempty"`
	ModelWindows    map[string]int `json:"model_windows,omitempty" yaml:"model_windows,omitempty"`
}
