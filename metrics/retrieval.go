package metrics

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetrievalRecord collects the metrics of one retrieval call. Backend stats
// may be added from concurrent goroutines.
type RetrievalRecord struct {
	mu sync.Mutex

	RequestID string    `json:"request_id"`
	Query     string    `json:"query"`
	QueryType string    `json:"query_type,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Limits requested from each source
	ChunkLimit int `json:"chunk_limit"`
	WebLimit   int `json:"web_limit"`

	// StagesMs holds per-stage latency in milliseconds.
	StagesMs map[string]float64     `json:"stages_ms"`
	Backends map[string]BackendStats `json:"backends"`
	CacheHit string                  `json:"cache_hit,omitempty"`

	Threshold        float64 `json:"threshold,omitempty"`
	ThresholdRelaxed bool    `json:"threshold_relaxed,omitempty"`

	FusionMethod      string `json:"fusion_method,omitempty"`
	FusionInputLists  int    `json:"fusion_input_lists,omitempty"`
	FusionResultCount int    `json:"fusion_result_count,omitempty"`
	WeightsSource     string `json:"weights_source,omitempty"`

	RerankEnabled     bool `json:"rerank_enabled"`
	RerankResultCount int  `json:"rerank_result_count,omitempty"`

	DedupExact       int  `json:"dedup_exact,omitempty"`
	DedupNear        int  `json:"dedup_near,omitempty"`
	DedupDeadlineHit bool `json:"dedup_deadline_hit,omitempty"`
	DiversityDropped int  `json:"diversity_dropped,omitempty"`

	Summarized int  `json:"summarized,omitempty"`
	Compressed int  `json:"compressed,omitempty"`
	Trimmed    int  `json:"trimmed,omitempty"`
	Refined    int  `json:"refined,omitempty"`
	OverBudget bool `json:"over_budget,omitempty"`

	Degradation    string `json:"degradation"`
	Partial        bool   `json:"partial"`
	TotalLatencyMs int64  `json:"total_latency_ms"`
	Success        bool   `json:"success"`
	ErrorMsg       string `json:"error_msg,omitempty"`
}

// BackendStats describes one backend call.
type BackendStats struct {
	Backend     string  `json:"backend"`
	LatencyMs   int64   `json:"latency_ms"`
	ResultCount int     `json:"result_count"`
	TopScore    float64 `json:"top_score"`
	Error       string  `json:"error,omitempty"`
}

func NewRetrievalRecord(requestID, query string) *RetrievalRecord {
	return &RetrievalRecord{
		RequestID: requestID,
		Query:     query,
		Timestamp: time.Now(),
		StagesMs:  make(map[string]float64),
		Backends:  make(map[string]BackendStats),
	}
}

// AddBackendStats records the stats of one backend; a second call for the
// same backend replaces the first.
func (r *RetrievalRecord) AddBackendStats(s BackendStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Backends == nil {
		r.Backends = make(map[string]BackendStats)
	}
	r.Backends[s.Backend] = s
}

func (r *RetrievalRecord) RecordStage(stage string, d time.Duration) {
	r.mu.Lock()
	if r.StagesMs == nil {
		r.StagesMs = make(map[string]float64)
	}
	r.StagesMs[stage] += float64(d.Microseconds()) / 1000
	r.mu.Unlock()
	ObserveStage(stage, d)
}

func (r *RetrievalRecord) RecordFusion(method string, lists, results int, source string) {
	r.FusionMethod = method
	r.FusionInputLists = lists
	r.FusionResultCount = results
	r.WeightsSource = source
}

// Log writes the record at debug level.
func (r *RetrievalRecord) Log(log *zap.Logger) {
	if log == nil || !log.Core().Enabled(zap.DebugLevel) {
		return
	}
	r.mu.Lock()
	data, err := json.Marshal(r)
	r.mu.Unlock()
	if err == nil {
		log.Debug("retrieval metrics", zap.ByteString("record", data))
	}
}
