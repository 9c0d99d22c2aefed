// Package assembler turns the ranked candidate lists into the final context:
// ordering, summarization, compression, prioritization and token budgeting,
// each stage toggled by config.
package assembler

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/budget"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/post"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// Priority weights.
const (
	weightRelevance  = 0.55
	weightRecency    = 0.15
	weightAuthority  = 0.15
	weightSourceType = 0.15

	// orderingRecencyShare is the share of the ordering score taken by recency.
	orderingRecencyShare = 0.15
	undatedRecency       = 0.5
)

// Assembler is safe for concurrent use once built.
type Assembler struct {
	cfg        config.AssemblerConfig
	counter    budget.Counter
	summarizer post.Summarizer
	compressor post.Compressor
	log        *zap.Logger
	now        func() time.Time
}

type Option func(*Assembler)

func WithSummarizer(s post.Summarizer) Option { return func(a *Assembler) { a.summarizer = s } }

func WithCompressor(c post.Compressor) Option { return func(a *Assembler) { a.compressor = c } }

func WithLogger(l *zap.Logger) Option { return func(a *Assembler) { a.log = l } }

// WithClock overrides the time source used for recency.
func WithClock(now func() time.Time) Option { return func(a *Assembler) { a.now = now } }

// New builds an assembler. A nil counter uses the heuristic counter; stages
// whose helper is missing are skipped.
func New(cfg config.AssemblerConfig, counter budget.Counter, opts ...Option) *Assembler {
	def := config.DefaultPipeline().Assembler
	if cfg.SummarizeTriggerTokens <= 0 {
		cfg.SummarizeTriggerTokens = def.SummarizeTriggerTokens
	}
	if cfg.MinSavings <= 0 || cfg.MinSavings >= 1 {
		cfg.MinSavings = def.MinSavings
	}
	if cfg.MaxCandidateTokens <= 0 {
		cfg.MaxCandidateTokens = def.MaxCandidateTokens
	}
	if cfg.RecencyHalfLifeDays <= 0 {
		cfg.RecencyHalfLifeDays = def.RecencyHalfLifeDays
	}
	if cfg.MinKeep < 0 {
		cfg.MinKeep = 0
	}
	if counter == nil {
		counter = budget.HeuristicCounter{}
	}
	a := &Assembler{cfg: cfg, counter: counter, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	a.log = logger.OrDefault(a.log, "assembler")
	return a
}

type Input struct {
	Query     string
	Documents []schema.Candidate
	Web       []schema.Candidate
	// Budget is the plan for this request; the result carries it updated.
	Budget schema.TokenBudget
}

type Stats struct {
	Summarized  int `json:"summarized"`
	Compressed  int `json:"compressed"`
	Trimmed     int `json:"trimmed"`
	TokensSaved int `json:"tokens_saved"`
}

type Result struct {
	Documents []schema.Candidate
	Web       []schema.Candidate
	Budget    schema.TokenBudget
	// OverBudget is set when a bucket still exceeds its allowance after
	// trimming down to MinKeep candidates.
	OverBudget bool
	// Trimmed holds the candidates dropped by budgeting, lowest priority last.
	Trimmed []schema.Candidate
	Stats   Stats
}

// Assemble runs the enabled stages in order. It never fails: stage errors
// keep the candidate as it was.
func (a *Assembler) Assemble(ctx context.Context, in Input) Result {
	docs := schema.CloneAll(in.Documents)
	web := schema.CloneAll(in.Web)
	res := Result{Budget: in.Budget}
	a.count(docs)
	a.count(web)

	if a.cfg.EnableOrdering {
		a.order(docs)
		a.order(web)
	}
	if a.cfg.EnableSummarize && a.summarizer != nil {
		// Web snippets are already short.
		a.summarize(ctx, in.Query, docs, &res.Stats)
	}
	if a.cfg.EnableCompress && a.compressor != nil {
		a.compress(ctx, in.Query, docs, &res.Stats)
		a.compress(ctx, in.Query, web, &res.Stats)
	}
	if a.cfg.EnablePrioritize {
		a.prioritize(docs)
		a.prioritize(web)
	}
	res.Documents = a.fit(docs, schema.ComponentDocumentContext, &res)
	res.Web = a.fit(web, schema.ComponentWebContext, &res)
	return res
}

// Extend adds reserve candidates to one bucket of an assembled result while
// the bucket's remaining budget allows. It returns how many were added.
func (a *Assembler) Extend(ctx context.Context, q string, res *Result, component string, extra []schema.Candidate) int {
	if len(extra) == 0 {
		return 0
	}
	cands := schema.CloneAll(extra)
	a.count(cands)
	if a.cfg.EnableOrdering {
		a.order(cands)
	}
	if a.cfg.EnableCompress && a.compressor != nil {
		a.compress(ctx, q, cands, &res.Stats)
	}
	if a.cfg.EnablePrioritize {
		a.prioritize(cands)
	}
	target := &res.Documents
	if component == schema.ComponentWebContext {
		target = &res.Web
	}
	added := 0
	for _, c := range cands {
		if !res.Budget.Consume(component, c.Tokens) {
			continue
		}
		*target = append(*target, c)
		added++
	}
	if added > 0 && a.cfg.EnablePrioritize {
		sortDesc(*target, func(c schema.Candidate) float64 { return c.Priority })
	}
	return added
}

func (a *Assembler) count(cands []schema.Candidate) {
	for i := range cands {
		cands[i].Tokens = a.counter.Count(cands[i].Content)
	}
}

// recency decays by half every RecencyHalfLifeDays. Undated candidates sit in
// the middle.
func (a *Assembler) recency(c schema.Candidate) float64 {
	if c.Metadata.PublishedAt.IsZero() {
		return undatedRecency
	}
	age := a.now().Sub(c.Metadata.PublishedAt).Hours() / 24
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, age/a.cfg.RecencyHalfLifeDays)
}

func (a *Assembler) order(cands []schema.Candidate) {
	for i := range cands {
		cands[i].OrderingScore = (1-orderingRecencyShare)*cands[i].NormalizedScore + orderingRecencyShare*a.recency(cands[i])
	}
	sortDesc(cands, func(c schema.Candidate) float64 { return c.OrderingScore })
}

func (a *Assembler) summarize(ctx context.Context, q string, cands []schema.Candidate, st *Stats) {
	for i := range cands {
		if ctx.Err() != nil {
			return
		}
		c := &cands[i]
		if c.Tokens <= a.cfg.SummarizeTriggerTokens {
			continue
		}
		target := int(float64(c.Tokens) * (1 - a.cfg.MinSavings))
		if target > a.cfg.MaxCandidateTokens {
			target = a.cfg.MaxCandidateTokens
		}
		summary, err := a.summarizer.Summarize(ctx, c.Content, q, target)
		if err != nil || strings.TrimSpace(summary) == "" {
			a.log.Debug("summary skipped", zap.String("candidate", c.Key()), zap.Error(err))
			continue
		}
		n := a.counter.Count(summary)
		if float64(c.Tokens-n) < a.cfg.MinSavings*float64(c.Tokens) {
			continue
		}
		st.Summarized++
		st.TokensSaved += c.Tokens - n
		c.Content, c.Tokens, c.Summarized = summary, n, true
	}
}

func (a *Assembler) compress(ctx context.Context, q string, cands []schema.Candidate, st *Stats) {
	limit := a.cfg.MaxCandidateTokens
	for i := range cands {
		if ctx.Err() != nil {
			return
		}
		c := &cands[i]
		if c.Tokens <= limit {
			continue
		}
		out, err := a.compressor.Compress(ctx, c.Content, q, limit)
		if err != nil {
			// The compressor still returns a truncated text on errors.
			a.log.Debug("compressor failed", zap.String("candidate", c.Key()), zap.Error(err))
		}
		if strings.TrimSpace(out) == "" {
			out = a.counter.Truncate(c.Content, limit)
		}
		n := a.counter.Count(out)
		if n > limit {
			out = a.counter.Truncate(out, limit)
			n = a.counter.Count(out)
		}
		if n >= c.Tokens {
			continue
		}
		st.Compressed++
		st.TokensSaved += c.Tokens - n
		c.Content, c.Tokens, c.Compressed = out, n, true
	}
}

func authority(c schema.Candidate) float64 {
	if c.SourceType == schema.SourceWeb {
		d := strings.ToLower(c.Metadata.Domain)
		switch {
		case strings.HasSuffix(d, ".gov"), strings.HasSuffix(d, ".edu"):
			return 1
		case strings.HasSuffix(d, ".org"):
			return 0.7
		}
		return 0.5
	}
	s := 0.7
	if c.Metadata.Author != "" {
		s += 0.15
	}
	if c.Title != "" || c.SourceName != "" {
		s += 0.15
	}
	return s
}

func sourceTypeWeight(t schema.SourceType) float64 {
	if t == schema.SourceWeb {
		return 0.7
	}
	return 1
}

func (a *Assembler) prioritize(cands []schema.Candidate) {
	for i := range cands {
		c := &cands[i]
		p := weightRelevance*c.NormalizedScore +
			weightRecency*a.recency(*c) +
			weightAuthority*authority(*c) +
			weightSourceType*sourceTypeWeight(c.SourceType)
		c.Priority = math.Max(0, math.Min(1, p))
	}
	sortDesc(cands, func(c schema.Candidate) float64 { return c.Priority })
}

// rank is the score budgeting drops by.
func (a *Assembler) rank(c schema.Candidate) float64 {
	switch {
	case a.cfg.EnablePrioritize:
		return c.Priority
	case a.cfg.EnableOrdering:
		return c.OrderingScore
	}
	return c.NormalizedScore
}

// fit drops the lowest ranked candidates until the bucket fits its remaining
// allowance, keeping at least MinKeep, then charges the bucket.
func (a *Assembler) fit(cands []schema.Candidate, component string, res *Result) []schema.Candidate {
	if !a.cfg.EnableBudget || len(cands) == 0 {
		return cands
	}
	allowance := res.Budget.Remaining.DocumentContext
	if component == schema.ComponentWebContext {
		allowance = res.Budget.Remaining.WebContext
	}
	total := 0
	for _, c := range cands {
		total += c.Tokens
	}
	minKeep := a.cfg.MinKeep
	if minKeep > len(cands) {
		minKeep = len(cands)
	}

	// Drop order: lowest rank first, later position first among ties.
	idx := make([]int, len(cands))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		ri, rj := a.rank(cands[idx[i]]), a.rank(cands[idx[j]])
		if ri != rj {
			return ri < rj
		}
		return idx[i] > idx[j]
	})
	dropped := make(map[int]bool)
	for _, i := range idx {
		if total <= allowance || len(cands)-len(dropped) <= minKeep {
			break
		}
		dropped[i] = true
		total -= cands[i].Tokens
	}

	kept := make([]schema.Candidate, 0, len(cands)-len(dropped))
	for i, c := range cands {
		if dropped[i] {
			continue
		}
		kept = append(kept, c)
	}
	var trimmed []schema.Candidate
	for _, i := range idx {
		if dropped[i] {
			trimmed = append([]schema.Candidate{cands[i]}, trimmed...)
		}
	}
	res.Trimmed = append(res.Trimmed, trimmed...)
	res.Stats.Trimmed += len(dropped)

	if total > allowance {
		res.OverBudget = true
		a.log.Error("context exceeds token budget after trimming",
			zap.String("bucket", component),
			zap.Int("tokens", total),
			zap.Int("allowance", allowance),
			zap.Int("kept", len(kept)))
		total = allowance
	}
	res.Budget.Consume(component, total)
	return kept
}

func sortDesc(cands []schema.Candidate, score func(schema.Candidate) float64) {
	sort.SliceStable(cands, func(i, j int) bool { return score(cands[i]) > score(cands[j]) })
}
