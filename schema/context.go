package schema

import (
	"fmt"
	"strings"
	"time"
)

// DegradationLevel summarizes backend health for one result.
type DegradationLevel int

const (
	DegradationNone DegradationLevel = iota
	DegradationPartial
	DegradationSevere
)

func (l DegradationLevel) String() string {
	switch l {
	case DegradationPartial:
		return "partial"
	case DegradationSevere:
		return "severe"
	default:
		return "none"
	}
}

func (l DegradationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *DegradationLevel) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "none":
		*l = DegradationNone
	case "partial":
		*l = DegradationPartial
	case "severe":
		*l = DegradationSevere
	default:
		return fmt.Errorf("unknown degradation level %q", string(b))
	}
	return nil
}

type Degradation struct {
	Degraded         bool             `json:"degraded"`
	Level            DegradationLevel `json:"level"`
	AffectedBackends []string         `json:"affected_backends,omitempty"`
}

// CacheHit reports how a result was served from the semantic cache.
type CacheHit string

const (
	CacheMiss    CacheHit = ""
	CacheExact   CacheHit = "exact"
	CacheSimilar CacheHit = "similar"
)

// RAGContext is the result of one retrieval. It is not modified after it has
// been returned.
type RAGContext struct {
	RequestID   string       `json:"request_id"`
	Query       string       `json:"query"`
	Documents   []Candidate  `json:"documents"`
	Web         []Candidate  `json:"web"`
	Degradation Degradation  `json:"degradation"`
	Partial     bool         `json:"partial"`
	CacheHit    CacheHit     `json:"cache_hit,omitempty"`
	Budget      *TokenBudget `json:"budget,omitempty"`
	OverBudget  bool         `json:"over_budget,omitempty"`
	Warnings    []string     `json:"warnings,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	// Stats is attached per call and never cached.
	Stats interface{} `json:"stats,omitempty"`
}

// Empty reports whether the context holds no candidates.
func (rc *RAGContext) Empty() bool {
	return rc == nil || (len(rc.Documents) == 0 && len(rc.Web) == 0)
}

// Clone returns a deep copy without Stats.
func (rc *RAGContext) Clone() *RAGContext {
	if rc == nil {
		return nil
	}
	out := *rc
	out.Documents = CloneAll(rc.Documents)
	out.Web = CloneAll(rc.Web)
	out.Degradation.AffectedBackends = append([]string(nil), rc.Degradation.AffectedBackends...)
	out.Warnings = append([]string(nil), rc.Warnings...)
	if rc.Budget != nil {
		b := *rc.Budget
		out.Budget = &b
	}
	out.Stats = nil
	return &out
}
