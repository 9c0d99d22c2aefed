package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("found %d configuration error(s):\n", len(errs)))
	for i, err := range errs {
		b.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Message))
	}
	return b.String()
}

// Validate validates the complete configuration
func (c *Config) Validate() error {
	var errs ValidationErrors

	errs = append(errs, c.validateEmbedding()...)
	errs = append(errs, c.validateVectorDB()...)
	errs = append(errs, c.validateBackends()...)
	errs = append(errs, c.validateCache()...)
	errs = append(errs, c.validateResilience()...)
	errs = append(errs, c.validateBatch()...)
	errs = append(errs, c.validateSession()...)

	if c.Pipeline != nil {
		errs = append(errs, c.validatePipeline()...)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// validateEmbedding validates embedding configuration
func (c *Config) validateEmbedding() ValidationErrors {
	var errs ValidationErrors

	if c.Embedding.Provider == "" {
		errs = append(errs, ValidationError{
			Field:   "embedding.provider",
			Message: "embedding provider is required",
		})
	}

	if c.Embedding.Model == "" {
		errs = append(errs, ValidationError{
			Field:   "embedding.model",
			Message: "embedding model is required",
		})
	}

	// Validate dimensions are reasonable (typical range: 128-4096)
	if c.Embedding.Dimensions < 0 || (c.Embedding.Dimensions > 0 && (c.Embedding.Dimensions < 2 || c.Embedding.Dimensions > 4096)) {
		errs = append(errs, ValidationError{
			Field:   "embedding.dimensions",
			Message: fmt.Sprintf("embedding dimensions %d is outside range [2, 4096]", c.Embedding.Dimensions),
		})
	}

	return errs
}

// validateVectorDB validates vector database configuration
func (c *Config) validateVectorDB() ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(c.VectorDB.Provider) {
	case "", "chromem":
	case "milvus", "qdrant":
		if c.VectorDB.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "vectordb.host",
				Message: fmt.Sprintf("vectordb host is required for %s provider", c.VectorDB.Provider),
			})
		}
		if c.VectorDB.Collection == "" {
			errs = append(errs, ValidationError{
				Field:   "vectordb.collection",
				Message: fmt.Sprintf("collection name is required for %s provider", c.VectorDB.Provider),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "vectordb.provider",
			Message: fmt.Sprintf("unknown vectordb provider %q", c.VectorDB.Provider),
		})
	}

	return errs
}

func (c *Config) validateBackends() ValidationErrors {
	var errs ValidationErrors

	if c.Keyword.Enable && c.Keyword.Endpoint == "" {
		errs = append(errs, ValidationError{
			Field:   "keyword.endpoint",
			Message: "keyword endpoint is required when keyword search is enabled",
		})
	}

	if c.Web.Enable {
		switch c.Web.Provider {
		case "tavily", "bing":
			if c.Web.APIKey == "" {
				errs = append(errs, ValidationError{
					Field:   "web.api_key",
					Message: fmt.Sprintf("web search provider %s requires an api key", c.Web.Provider),
				})
			}
		case "duckduckgo":
		default:
			errs = append(errs, ValidationError{
				Field:   "web.provider",
				Message: fmt.Sprintf("unknown web search provider %q", c.Web.Provider),
			})
		}
	}

	if c.HTTP.RateLimit < 0 {
		errs = append(errs, ValidationError{
			Field:   "http.rate_limit",
			Message: fmt.Sprintf("http.rate_limit must be non-negative, got %.2f", c.HTTP.RateLimit),
		})
	}

	return errs
}

func (c *Config) validateCache() ValidationErrors {
	var errs ValidationErrors

	switch c.Cache.Store {
	case "", "memory":
	case "redis":
		if c.Cache.Redis.Address == "" {
			errs = append(errs, ValidationError{
				Field:   "cache.redis.address",
				Message: "redis address is required when cache store is redis",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "cache.store",
			Message: fmt.Sprintf("unknown cache store %q", c.Cache.Store),
		})
	}

	if t := c.Cache.Semantic.SimilarityThreshold; t < 0 || t > 1 {
		errs = append(errs, ValidationError{
			Field:   "cache.semantic.similarity_threshold",
			Message: fmt.Sprintf("similarity_threshold must be in [0, 1], got %.2f", t),
		})
	}

	return errs
}

func (c *Config) validateResilience() ValidationErrors {
	var errs ValidationErrors

	check := func(name string, p BackendPolicy) {
		if p.FailureThreshold < 0 {
			errs = append(errs, ValidationError{
				Field:   name + ".failure_threshold",
				Message: fmt.Sprintf("%s.failure_threshold must be non-negative, got %d", name, p.FailureThreshold),
			})
		}
		if p.Multiplier != 0 && p.Multiplier < 1 {
			errs = append(errs, ValidationError{
				Field:   name + ".multiplier",
				Message: fmt.Sprintf("%s.multiplier must be >= 1, got %.2f", name, p.Multiplier),
			})
		}
		if p.MaxDelayMs > 0 && p.InitialDelayMs > p.MaxDelayMs {
			errs = append(errs, ValidationError{
				Field:   name + ".max_delay_ms",
				Message: fmt.Sprintf("%s.max_delay_ms (%d) must not be below initial_delay_ms (%d)", name, p.MaxDelayMs, p.InitialDelayMs),
			})
		}
	}

	check("resilience.defaults", c.Resilience.Defaults)
	for name, p := range c.Resilience.Backends {
		check("resilience.backends."+name, p)
	}

	return errs
}

func (c *Config) validateBatch() ValidationErrors {
	var errs ValidationErrors

	if c.Batch.OptimalBatchSize < 0 || c.Batch.OptimalBatchSize > 2048 {
		errs = append(errs, ValidationError{
			Field:   "batch.optimal_batch_size",
			Message: fmt.Sprintf("batch.optimal_batch_size must be in [0, 2048], got %d", c.Batch.OptimalBatchSize),
		})
	}
	if c.Batch.MaxQueueSize > 0 && c.Batch.MaxQueueSize < c.Batch.OptimalBatchSize {
		errs = append(errs, ValidationError{
			Field:   "batch.max_queue_size",
			Message: fmt.Sprintf("batch.max_queue_size (%d) must be at least optimal_batch_size (%d)", c.Batch.MaxQueueSize, c.Batch.OptimalBatchSize),
		})
	}

	return errs
}

// validatePipeline validates pipeline configuration
func (c *Config) validatePipeline() ValidationErrors {
	var errs ValidationErrors
	p := c.Pipeline

	unit := func(field string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("%s must be in [0, 1], got %.2f", field, v),
			})
		}
	}

	unit("pipeline.min_score", p.MinScore)
	unit("pipeline.threshold.min_threshold", p.Threshold.MinThreshold)
	unit("pipeline.threshold.max_threshold", p.Threshold.MaxThreshold)
	unit("pipeline.threshold.hard_floor", p.Threshold.HardFloor)
	unit("pipeline.threshold.relax_factor", p.Threshold.RelaxFactor)
	unit("pipeline.fusion.semantic_weight", p.Fusion.SemanticWeight)
	unit("pipeline.fusion.keyword_weight", p.Fusion.KeywordWeight)
	unit("pipeline.dedup.content_threshold", p.Dedup.ContentThreshold)
	unit("pipeline.dedup.title_threshold", p.Dedup.TitleThreshold)
	unit("pipeline.diversity.lambda", p.Diversity.Lambda)

	if p.Threshold.MaxThreshold > 0 && p.Threshold.MinThreshold > p.Threshold.MaxThreshold {
		errs = append(errs, ValidationError{
			Field:   "pipeline.threshold",
			Message: fmt.Sprintf("min_threshold (%.2f) must not exceed max_threshold (%.2f)", p.Threshold.MinThreshold, p.Threshold.MaxThreshold),
		})
	}

	switch p.Fusion.Strategy {
	case "", "weighted", "rrf":
	default:
		errs = append(errs, ValidationError{
			Field:   "pipeline.fusion.strategy",
			Message: fmt.Sprintf("unknown fusion strategy %q", p.Fusion.Strategy),
		})
	}

	if p.Fusion.RRFK < 0 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.fusion.rrf_k",
			Message: fmt.Sprintf("pipeline.fusion.rrf_k must be non-negative, got %d", p.Fusion.RRFK),
		})
	}

	switch p.Dedup.Mode {
	case "", "full", "quick":
	default:
		errs = append(errs, ValidationError{
			Field:   "pipeline.dedup.mode",
			Message: fmt.Sprintf("unknown dedup mode %q", p.Dedup.Mode),
		})
	}

	if p.Limits.MaxChunks > 0 && p.Limits.MinChunks > p.Limits.MaxChunks {
		errs = append(errs, ValidationError{
			Field:   "pipeline.limits",
			Message: fmt.Sprintf("min_chunks (%d) must not exceed max_chunks (%d)", p.Limits.MinChunks, p.Limits.MaxChunks),
		})
	}
	if p.Limits.MaxWeb > 0 && p.Limits.MinWeb > p.Limits.MaxWeb {
		errs = append(errs, ValidationError{
			Field:   "pipeline.limits",
			Message: fmt.Sprintf("min_web (%d) must not exceed max_web (%d)", p.Limits.MinWeb, p.Limits.MaxWeb),
		})
	}

	if p.EnableRerank {
		if p.Post.Rerank.Provider == "http" && p.Post.Rerank.Endpoint == "" {
			errs = append(errs, ValidationError{
				Field:   "pipeline.post.rerank.endpoint",
				Message: "rerank endpoint is required when rerank provider is http",
			})
		}
		if p.Post.Rerank.TopN < 0 {
			errs = append(errs, ValidationError{
				Field:   "pipeline.post.rerank.top_n",
				Message: fmt.Sprintf("rerank.top_n must be non-negative, got %d", p.Post.Rerank.TopN),
			})
		}
	}

	if p.Post.Compress.Method == "http" && p.Post.Compress.Endpoint == "" {
		errs = append(errs, ValidationError{
			Field:   "pipeline.post.compress.endpoint",
			Message: "compress endpoint is required when compress method is http",
		})
	}
	if (p.Post.Compress.Method == "llm" || p.Post.Summarize.Method == "llm") && c.LLM.Provider == "" {
		errs = append(errs, ValidationError{
			Field:   "llm.provider",
			Message: "an llm provider is required for llm compression or summarization",
		})
	}

	return errs
}

func (c *Config) validateSession() ValidationErrors {
	var errs ValidationErrors

	switch c.Session.Store {
	case "", "memory":
	case "redis":
		if c.Cache.Redis.Address == "" {
			errs = append(errs, ValidationError{
				Field:   "cache.redis.address",
				Message: "redis address is required when session store is redis",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "session.store",
			Message: fmt.Sprintf("unknown session store %q", c.Session.Store),
		})
	}
	if c.Session.MaxMessages < 0 {
		errs = append(errs, ValidationError{
			Field:   "session.max_messages",
			Message: "max messages must not be negative",
		})
	}

	return errs
}
