package config

// PipelineConfig defines the per-request defaults of the retrieval pipeline.
// Every field can be overridden by request options.
type PipelineConfig struct {
	EnableVector    bool `json:"enable_vector" yaml:"enable_vector"`
	EnableKeyword   bool `json:"enable_keyword" yaml:"enable_keyword"`
	EnableWeb       bool `json:"enable_web" yaml:"enable_web"`
	EnableFusion    bool `json:"enable_fusion" yaml:"enable_fusion"`
	EnableRerank    bool `json:"enable_rerank,omitempty" yaml:"enable_rerank,omitempty"`
	EnableDedup     bool `json:"enable_dedup" yaml:"enable_dedup"`
	EnableDiversity bool `json:"enable_diversity" yaml:"enable_diversity"`
	EnableCache     bool `json:"enable_cache" yaml:"enable_cache"`

	// Strict fails the request when no backend succeeded.
	Strict         bool    `json:"strict,omitempty" yaml:"strict,omitempty"`
	MaxQueryLength int     `json:"max_query_length,omitempty" yaml:"max_query_length,omitempty"`
	MinScore       float64 `json:"min_score,omitempty" yaml:"min_score,omitempty"`

	Threshold ThresholdConfig `json:"threshold" yaml:"threshold"`
	Fusion    FusionConfig    `json:"fusion" yaml:"fusion"`
	Dedup     DedupConfig     `json:"dedup" yaml:"dedup"`
	Diversity DiversityConfig `json:"diversity" yaml:"diversity"`
	Assembler AssemblerConfig `json:"assembler" yaml:"assembler"`
	Limits    LimitsConfig    `json:"limits" yaml:"limits"`
	Post      PostConfig      `json:"post" yaml:"post"`
}

// ThresholdConfig controls the adaptive similarity cutoff for vector search.
type ThresholdConfig struct {
	Enable         bool    `json:"enable" yaml:"enable"`
	ProbeThreshold float64 `json:"probe_threshold,omitempty" yaml:"probe_threshold,omitempty"`
	ProbeTopK      int     `json:"probe_top_k,omitempty" yaml:"probe_top_k,omitempty"`
	MinThreshold   float64 `json:"min_threshold,omitempty" yaml:"min_threshold,omitempty"`
	MaxThreshold   float64 `json:"max_threshold,omitempty" yaml:"max_threshold,omitempty"`
	MinResults     int     `json:"min_results,omitempty" yaml:"min_results,omitempty"`
	RelaxFactor    float64 `json:"relax_factor,omitempty" yaml:"relax_factor,omitempty"`
	HardFloor      float64 `json:"hard_floor,omitempty" yaml:"hard_floor,omitempty"`
}

// FusionConfig defines the fusion strategy configuration
type FusionConfig struct {
	// Strategy: "weighted" (default) or "rrf"
	Strategy       string  `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	SemanticWeight float64 `json:"semantic_weight,omitempty" yaml:"semantic_weight,omitempty"`
	KeywordWeight  float64 `json:"keyword_weight,omitempty" yaml:"keyword_weight,omitempty"`
	// Normalization applied to each list before weighting: none, max, minmax
	Normalization string `json:"normalization,omitempty" yaml:"normalization,omitempty"`
	RRFK          int    `json:"rrf_k,omitempty" yaml:"rrf_k,omitempty"`
	// ExperimentsURI points to a weight-variant document (file path or http URL).
	ExperimentsURI string `json:"experiments_uri,omitempty" yaml:"experiments_uri,omitempty"`
	// TimeoutMs caps experiment document loading latency.
	TimeoutMs int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	// RefreshSeconds overrides the default experiment cache TTL.
	RefreshSeconds int `json:"refresh_seconds,omitempty" yaml:"refresh_seconds,omitempty"`
}

type DedupConfig struct {
	// Mode: "full" (default) or "quick"
	Mode             string  `json:"mode,omitempty" yaml:"mode,omitempty"`
	ContentThreshold float64 `json:"content_threshold,omitempty" yaml:"content_threshold,omitempty"`
	TitleThreshold   float64 `json:"title_threshold,omitempty" yaml:"title_threshold,omitempty"`
	Window           int     `json:"window,omitempty" yaml:"window,omitempty"`
	DeadlineMs       int     `json:"deadline_ms,omitempty" yaml:"deadline_ms,omitempty"`
}

type DiversityConfig struct {
	Lambda     float64 `json:"lambda,omitempty" yaml:"lambda,omitempty"`
	MaxResults int     `json:"max_results,omitempty" yaml:"max_results,omitempty"`
}

// AssemblerConfig toggles the context assembly stages.
type AssemblerConfig struct {
	EnableOrdering         bool    `json:"enable_ordering" yaml:"enable_ordering"`
	EnableSummarize        bool    `json:"enable_summarize" yaml:"enable_summarize"`
	EnableCompress         bool    `json:"enable_compress" yaml:"enable_compress"`
	EnablePrioritize       bool    `json:"enable_prioritize" yaml:"enable_prioritize"`
	EnableBudget           bool    `json:"enable_budget" yaml:"enable_budget"`
	SummarizeTriggerTokens int     `json:"summarize_trigger_tokens,omitempty" yaml:"summarize_trigger_tokens,omitempty"`
	MinSavings             float64 `json:"min_savings,omitempty" yaml:"min_savings,omitempty"`
	MaxCandidateTokens     int     `json:"max_candidate_tokens,omitempty" yaml:"max_candidate_tokens,omitempty"`
	RecencyHalfLifeDays    float64 `json:"recency_half_life_days,omitempty" yaml:"recency_half_life_days,omitempty"`
	MinKeep                int     `json:"min_keep,omitempty" yaml:"min_keep,omitempty"`
}

// LimitsConfig bounds how many chunks and web results are requested.
type LimitsConfig struct {
	MinChunks       int     `json:"min_chunks,omitempty" yaml:"min_chunks,omitempty"`
	MaxChunks       int     `json:"max_chunks,omitempty" yaml:"max_chunks,omitempty"`
	MinWeb          int     `json:"min_web,omitempty" yaml:"min_web,omitempty"`
	MaxWeb          int     `json:"max_web,omitempty" yaml:"max_web,omitempty"`
	AvgChunkTokens  int     `json:"avg_chunk_tokens,omitempty" yaml:"avg_chunk_tokens,omitempty"`
	AvgWebTokens    int     `json:"avg_web_tokens,omitempty" yaml:"avg_web_tokens,omitempty"`
	UndershootRatio float64 `json:"undershoot_ratio,omitempty" yaml:"undershoot_ratio,omitempty"`
}

type PostConfig struct {
	Rerank struct {
		Provider string `json:"provider,omitempty" yaml:"provider,omitempty"` // "http" or "keyword"
		Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
		TopN     int    `json:"top_n,omitempty" yaml:"top_n,omitempty"`
		Model    string `json:"model,omitempty" yaml:"model,omitempty"`
		APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	} `json:"rerank" yaml:"rerank"`
	Compress struct {
		// Method: "query" (default), "truncate", "llm", "http"
		Method   string            `json:"method,omitempty" yaml:"method,omitempty"`
		Endpoint string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
		Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	} `json:"compress" yaml:"compress"`
	Summarize struct {
		// Method: "frequency" (default) or "llm"
		Method string `json:"method,omitempty" yaml:"method,omitempty"`
	} `json:"summarize" yaml:"summarize"`
}

// DefaultPipeline returns the default pipeline configuration.
func DefaultPipeline() *PipelineConfig {
	p := &PipelineConfig{
		EnableVector:    true,
		EnableKeyword:   true,
		EnableWeb:       true,
		EnableFusion:    true,
		EnableDedup:     true,
		EnableDiversity: true,
		EnableCache:     true,
		MaxQueryLength:  2000,
		MinScore:        0.7,
		Threshold: ThresholdConfig{
			Enable:         true,
			ProbeThreshold: 0.1,
			ProbeTopK:      50,
			MinThreshold:   0.3,
			MaxThreshold:   0.9,
			MinResults:     3,
			RelaxFactor:    0.5,
			HardFloor:      0.2,
		},
		Fusion: FusionConfig{
			Strategy:       "weighted",
			SemanticWeight: 0.6,
			KeywordWeight:  0.4,
			Normalization:  "max",
			RRFK:           60,
			TimeoutMs:      2000,
			RefreshSeconds: 300,
		},
		Dedup: DedupConfig{
			Mode:             "full",
			ContentThreshold: 0.85,
			TitleThreshold:   0.90,
			Window:           50,
			DeadlineMs:       150,
		},
		Diversity: DiversityConfig{Lambda: 0.7, MaxResults: 20},
		Assembler: AssemblerConfig{
			EnableOrdering:         true,
			EnableSummarize:        true,
			EnableCompress:         true,
			EnablePrioritize:       true,
			EnableBudget:           true,
			SummarizeTriggerTokens: 600,
			MinSavings:             0.2,
			MaxCandidateTokens:     800,
			RecencyHalfLifeDays:    180,
			MinKeep:                1,
		},
		Limits: LimitsConfig{
			MinChunks:       3,
			MaxChunks:       15,
			MinWeb:          1,
			MaxWeb:          8,
			AvgChunkTokens:  350,
			AvgWebTokens:    250,
			UndershootRatio: 0.6,
		},
	}
	p.Post.Rerank.Provider = "keyword"
	p.Post.Rerank.TopN = 20
	p.Post.Compress.Method = "query"
	p.Post.Summarize.Method = "frequency"
	return p
}
