package fusion

import (
	"context"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// Score normalizations applied to a list before weighting.
const (
	NormalizeNone   = "none"
	NormalizeMax    = "max"
	NormalizeMinMax = "minmax"
)

// List groups the candidates returned by a single retriever.
type List struct {
	// Retriever is the logical retriever key (e.g. "vector", "keyword").
	Retriever  string
	Candidates []schema.Candidate
	// Weight scales every score in the list. Zero means 1.
	Weight float64
	// Normalization overrides the strategy default when set.
	Normalization string
}

// Strategy merges independently scored lists into one ranked list.
type Strategy interface {
	Fuse(ctx context.Context, lists []List) ([]schema.Candidate, error)
	Name() string
}

// Weights are the semantic/keyword list weights for one request.
type Weights struct {
	Semantic float64 `json:"semantic_weight" yaml:"semantic_weight"`
	Keyword  float64 `json:"keyword_weight" yaml:"keyword_weight"`
}

// Valid reports whether the weights are usable.
func (w Weights) Valid() bool {
	return w.Semantic >= 0 && w.Keyword >= 0 && w.Semantic+w.Keyword > 0
}
