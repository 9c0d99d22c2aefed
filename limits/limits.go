// Package limits decides how many document chunks and web results a request
// asks for, from query complexity and the token budget.
package limits

import (
	"math"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/query"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// Limits are the initial topK values for each source type.
type Limits struct {
	Chunks int `json:"chunks"`
	Web    int `json:"web"`
}

// Calculator computes Limits. It is safe for concurrent use.
type Calculator struct {
	cfg config.LimitsConfig
}

// New fills in default values for cfg.
func New(cfg config.LimitsConfig) *Calculator {
	def := config.DefaultPipeline().Limits
	if cfg.MinChunks <= 0 {
		cfg.MinChunks = def.MinChunks
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = def.MaxChunks
	}
	if cfg.MaxChunks < cfg.MinChunks {
		cfg.MaxChunks = cfg.MinChunks
	}
	if cfg.MinWeb <= 0 {
		cfg.MinWeb = def.MinWeb
	}
	if cfg.MaxWeb <= 0 {
		cfg.MaxWeb = def.MaxWeb
	}
	if cfg.MaxWeb < cfg.MinWeb {
		cfg.MaxWeb = cfg.MinWeb
	}
	if cfg.AvgChunkTokens <= 0 {
		cfg.AvgChunkTokens = def.AvgChunkTokens
	}
	if cfg.AvgWebTokens <= 0 {
		cfg.AvgWebTokens = def.AvgWebTokens
	}
	if cfg.UndershootRatio <= 0 || cfg.UndershootRatio > 1 {
		cfg.UndershootRatio = def.UndershootRatio
	}
	return &Calculator{cfg: cfg}
}

// Config returns the effective configuration.
func (c *Calculator) Config() config.LimitsConfig { return c.cfg }

// Compute scales each count between its bounds by query complexity, then caps
// it by what the remaining budget can hold. The result never drops below the
// configured minimum.
func (c *Calculator) Compute(a query.Analysis, b schema.TokenBudget) Limits {
	complexity := a.Complexity
	// Comparisons need material for every side.
	if a.Comparative && complexity < 0.5 {
		complexity = 0.5
	}
	if a.Type == query.TypeFactual && !a.MultiPart {
		complexity *= 0.75
	}
	return Limits{
		Chunks: scale(c.cfg.MinChunks, c.cfg.MaxChunks, complexity, b.Remaining.DocumentContext, c.avgTokens(schema.SourceDocument)),
		Web:    scale(c.cfg.MinWeb, c.cfg.MaxWeb, complexity, b.Remaining.WebContext, c.avgTokens(schema.SourceWeb)),
	}
}

// avgTokens is the expected size of one candidate of the given source.
func (c *Calculator) avgTokens(st schema.SourceType) int {
	if st == schema.SourceWeb {
		return c.cfg.AvgWebTokens
	}
	return c.cfg.AvgChunkTokens
}

func scale(lo, hi int, complexity float64, remaining, avg int) int {
	if complexity < 0 {
		complexity = 0
	}
	if complexity > 1 {
		complexity = 1
	}
	n := lo + int(math.Round(float64(hi-lo)*complexity))
	if avg > 0 {
		if fit := remaining / avg; fit < n {
			n = fit
		}
	}
	if n < lo {
		n = lo
	}
	return n
}

// Refine re-checks the bucket of source st once candidate sizes are known. used and
// allowance are the bucket's tokens after assembly, current the number of
// candidates kept and available how many reserve candidates could be added.
// It returns how many reserve candidates to pull in; zero when the context
// is close enough to its allowance.
func (c *Calculator) Refine(st schema.SourceType, used, allowance, current, available int) int {
	if allowance <= 0 || available <= 0 {
		return 0
	}
	if float64(used) >= c.cfg.UndershootRatio*float64(allowance) {
		return 0
	}
	avg := c.avgTokens(st)
	if current > 0 && used > 0 {
		avg = int(math.Ceil(float64(used) / float64(current)))
	}
	extra := (allowance - used) / avg
	if extra > available {
		extra = available
	}
	if extra < 0 {
		extra = 0
	}
	return extra
}
