package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/assembler"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/budget"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/cache"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/dedup"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/diversity"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/fusion"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/limits"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/post"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/query"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/resilience"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/retriever"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/threshold"
)

// Pipeline stages, in execution order.
const (
	StageInit        = "init"
	StageCacheLookup = "cache_lookup"
	StageFanOut      = "fan_out"
	StageFuse        = "fuse"
	StageRerank      = "rerank"
	StageDedup       = "dedup"
	StageDiversify   = "diversify"
	StageAssemble    = "assemble"
	StageRefine      = "refine"
	StageAnnotate    = "annotate"
	StageCacheWrite  = "cache_write"
	StageDone        = "done"
)

// poolFactor sizes each backend request relative to the final limit so that
// diversity and refinement have candidates to pick from.
const poolFactor = 2

// VectorSearcher is a SemanticSearcher that can also search with a vector the
// caller already has, such as the one computed for the cache lookup.
type VectorSearcher interface {
	retriever.SemanticSearcher
	SearchVector(ctx context.Context, vec []float32, qtype query.Type, opts schema.SearchOptions) (threshold.Result, error)
}

// Deps are the collaborators of an Orchestrator. Nil searchers disable their
// source; nil pipeline components get defaults built from the pipeline config.
type Deps struct {
	Vector  retriever.SemanticSearcher
	Keyword retriever.DocumentSearcher
	Web     retriever.WebSearcher
	// Embedder computes the query vector for similarity cache lookups.
	Embedder retriever.Embedder
	Cache    *cache.Semantic

	Registry *resilience.Registry
	Tracker  *resilience.Tracker
	Planner  *budget.Planner
	Limits   *limits.Calculator
	Dedup    *dedup.Engine
	Selector *fusion.Selector

	Reranker   post.Reranker
	Summarizer post.Summarizer
	Compressor post.Compressor

	Log *zap.Logger
}

// Orchestrator runs the retrieval pipeline. It is safe for concurrent use.
type Orchestrator struct {
	cfg        *config.PipelineConfig
	deps       Deps
	strategies map[string]fusion.Strategy
	log        *zap.Logger
	now        func() time.Time
}

// New validates the fusion settings and fills in default components.
func New(cfg *config.PipelineConfig, d Deps) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultPipeline()
	}
	log := logger.OrDefault(d.Log, "orchestrator")
	strategies := make(map[string]fusion.Strategy, 2)
	for _, name := range []string{"weighted", "rrf"} {
		fc := cfg.Fusion
		fc.Strategy = name
		s, err := fusion.NewStrategy(fc)
		if err != nil {
			return nil, fmt.Errorf("fusion %s: %w", name, err)
		}
		strategies[name] = s
	}
	if _, err := fusion.NewStrategy(cfg.Fusion); err != nil {
		return nil, err
	}
	if d.Planner == nil {
		d.Planner = budget.NewPlanner(config.Default().Budget, log)
	}
	if d.Limits == nil {
		d.Limits = limits.New(cfg.Limits)
	}
	if d.Dedup == nil {
		d.Dedup = dedup.New(cfg.Dedup, log)
	}
	if d.Selector == nil {
		d.Selector = fusion.NewSelector(cfg.Fusion, nil, log)
	}
	if d.Tracker == nil {
		d.Tracker = resilience.NewTracker(d.Registry, config.BackendVector, config.BackendKeyword)
	}
	return &Orchestrator{cfg: cfg, deps: d, strategies: strategies, log: log, now: time.Now}, nil
}

// Defaults returns the request options implied by the pipeline config.
func (o *Orchestrator) Defaults() Options { return DefaultOptions(o.cfg) }

// branch is the outcome of one fan-out call.
type branch struct {
	backend   string
	attempted bool
	cands     []schema.Candidate
	threshold *threshold.Result
	err       error
	elapsed   time.Duration
}

func (b branch) ok() bool { return b.attempted && b.err == nil }

// run holds the state of one RetrieveContext call.
type run struct {
	q        string
	opts     Options
	rec      *metrics.RetrievalRecord
	log      *zap.Logger
	analysis query.Analysis
	plan     schema.TokenBudget
	limits   limits.Limits
	key      cache.Query
	qvec     []float32

	vector, keyword, web branch
	used, failed         []string
	failures             *multierror.Error
	warnings             []string

	docs, webs              []schema.Candidate
	reserveDocs, reserveWeb []schema.Candidate
}

func (r *run) timed(stage string) func() {
	start := time.Now()
	return func() { r.rec.RecordStage(stage, time.Since(start)) }
}

// RetrieveContext retrieves, ranks and assembles the context for q. Backend
// failures never fail the call: they leave their source empty and mark the
// result partial. Errors are returned for invalid input, for a caller context
// that ended, and in strict mode when no source succeeded.
func (o *Orchestrator) RetrieveContext(ctx context.Context, q string, opts Options) (*schema.RAGContext, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, errs.Validation("query", "query is empty")
	}
	if limit := o.cfg.MaxQueryLength; limit > 0 && utf8.RuneCountInString(q) > limit {
		return nil, errs.Validation("query", fmt.Sprintf("query is longer than %d characters", limit))
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	start := o.now()
	id := uuid.NewString()
	r := &run{
		q:    q,
		opts: opts,
		rec:  metrics.NewRetrievalRecord(id, q),
		log:  o.log.With(zap.String("request_id", id)),
	}
	defer func() {
		r.rec.TotalLatencyMs = time.Since(start).Milliseconds()
		r.rec.Log(r.log)
	}()

	o.init(r)

	if rc := o.lookup(ctx, r); rc != nil {
		rc.RequestID = id
		r.rec.CacheHit = string(rc.CacheHit)
		r.rec.Success = true
		r.rec.RecordStage(StageDone, 0)
		return rc, nil
	}

	o.fanOut(ctx, r)
	if err := ctx.Err(); err != nil {
		r.rec.ErrorMsg = err.Error()
		return nil, &errs.Error{Kind: errs.KindTimeout, Op: "retrieve", Err: err}
	}
	if err := o.strict(r); err != nil {
		r.rec.ErrorMsg = err.Error()
		return nil, err
	}

	o.fuse(ctx, r)
	o.rerank(ctx, r)
	o.dedup(ctx, r)
	o.diversify(r)
	res := o.assemble(ctx, r)
	o.refine(ctx, r, res)

	rc := o.annotate(r, id, res)
	o.store(ctx, r, rc)

	r.rec.Success = true
	r.rec.RecordStage(StageDone, 0)
	return rc, nil
}

// init analyzes the query, plans the token budget and sizes the requests.
func (o *Orchestrator) init(r *run) {
	defer r.timed(StageInit)()
	opts := r.opts
	r.analysis = query.Analyze(r.q)
	r.rec.QueryType = string(r.analysis.Type)

	wantDocs := (opts.EnableVector && o.deps.Vector != nil) || (opts.EnableKeyword && o.deps.Keyword != nil)
	wantWeb := opts.EnableWeb && o.deps.Web != nil
	r.plan = o.deps.Planner.Plan(budget.PlanInput{
		Model:              opts.Model,
		SystemPrompt:       opts.SystemPrompt,
		SystemPromptTokens: opts.SystemPromptTokens,
		History:            opts.History,
		HistoryTokens:      opts.HistoryTokens,
		ResponseReserve:    opts.ResponseReserve,
		Documents:          wantDocs,
		Web:                wantWeb,
	})
	r.limits = o.deps.Limits.Compute(r.analysis, r.plan)
	if opts.MaxChunks > 0 {
		r.limits.Chunks = opts.MaxChunks
	}
	if opts.MaxWebResults > 0 {
		r.limits.Web = opts.MaxWebResults
	}
	r.rec.ChunkLimit = r.limits.Chunks
	r.rec.WebLimit = r.limits.Web

	r.key = cache.Query{
		UserID:      opts.UserID,
		TopicID:     opts.TopicID,
		DocumentIDs: opts.DocumentIDs,
		Modes:       opts.modes(),
		Limits:      fmt.Sprintf("c%d-w%d", r.limits.Chunks, r.limits.Web),
		Text:        r.q,
	}
}

// lookup returns a cached context or nil. Cache errors are logged and
// treated as a miss.
func (o *Orchestrator) lookup(ctx context.Context, r *run) *schema.RAGContext {
	if !r.opts.EnableCache || o.deps.Cache == nil {
		return nil
	}
	defer r.timed(StageCacheLookup)()
	var embed cache.EmbedFunc
	if o.deps.Embedder != nil && r.opts.EnableVector {
		embed = func(ctx context.Context) ([]float32, error) {
			return o.deps.Embedder.Embed(ctx, r.q, "", 0)
		}
	}
	res, err := o.deps.Cache.Lookup(ctx, r.key, embed)
	if err != nil {
		metrics.IncCacheLookup("error")
		r.log.Warn("semantic cache lookup failed", zap.Error(err))
		return nil
	}
	r.qvec = res.Embedding
	if res.Context == nil || res.Hit == schema.CacheMiss {
		metrics.IncCacheLookup("miss")
		return nil
	}
	metrics.IncCacheLookup(string(res.Hit))
	r.log.Debug("serving cached context", zap.String("hit", string(res.Hit)), zap.Float64("similarity", res.Similarity))
	rc := res.Context.Clone()
	rc.CacheHit = res.Hit
	return rc
}

func (o *Orchestrator) searchOptions(r *run, topK int, minScore float64) schema.SearchOptions {
	return schema.SearchOptions{
		UserScope:     r.opts.UserID,
		TopicScope:    r.opts.TopicID,
		DocumentScope: r.opts.DocumentIDs,
		TopK:          topK,
		MinScore:      minScore,
	}
}

// fanOut calls every enabled source concurrently and waits for all of them.
// One failure never cancels the others.
func (o *Orchestrator) fanOut(ctx context.Context, r *run) {
	defer r.timed(StageFanOut)()
	var wg sync.WaitGroup
	opts := r.opts

	if opts.EnableVector && o.deps.Vector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.vector = o.searchVector(ctx, r)
		}()
	}
	if opts.EnableKeyword && o.deps.Keyword != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.keyword = o.searchKeyword(ctx, r)
		}()
	}
	if opts.EnableWeb && o.deps.Web != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.web = o.searchWeb(ctx, r)
		}()
	}
	wg.Wait()

	for _, b := range []branch{r.vector, r.keyword, r.web} {
		if !b.attempted {
			continue
		}
		r.used = append(r.used, b.backend)
		stats := metrics.BackendStats{Backend: b.backend, LatencyMs: b.elapsed.Milliseconds(), ResultCount: len(b.cands)}
		if len(b.cands) > 0 {
			stats.TopScore = b.cands[0].Score()
		}
		if b.err != nil {
			kind := errs.KindOf(b.err)
			stats.Error = b.err.Error()
			r.failed = append(r.failed, b.backend)
			if cause := errs.BackendOf(b.err); cause != "" && cause != b.backend {
				r.failed = append(r.failed, cause)
			}
			r.failures = multierror.Append(r.failures, b.err)
			metrics.IncBackendError(b.backend, kind.String())
			r.log.Warn("search backend failed",
				zap.String("backend", b.backend),
				zap.String("kind", kind.String()),
				zap.Duration("elapsed", b.elapsed),
				zap.Error(b.err))
		}
		r.rec.AddBackendStats(stats)
	}
	if r.vector.attempted {
		// the query embedding is part of every vector search
		r.used = append(r.used, config.BackendEmbedding)
	}
	if r.vector.threshold != nil {
		r.rec.Threshold = r.vector.threshold.Threshold
		r.rec.ThresholdRelaxed = r.vector.threshold.Relaxed
	}
	if len(r.used) == 0 {
		r.warnings = append(r.warnings, "no search source is enabled")
	}
}

func (o *Orchestrator) searchVector(ctx context.Context, r *run) branch {
	b := branch{backend: config.BackendVector, attempted: true}
	start := time.Now()
	so := o.searchOptions(r, r.limits.Chunks*poolFactor, r.opts.MinScore)
	var (
		res threshold.Result
		err error
	)
	if vs, ok := o.deps.Vector.(VectorSearcher); ok && len(r.qvec) > 0 {
		res, err = vs.SearchVector(ctx, r.qvec, r.analysis.Type, so)
	} else {
		res, err = o.deps.Vector.SearchSemantic(ctx, r.q, r.analysis.Type, so)
	}
	b.elapsed = time.Since(start)
	if err != nil {
		b.err = err
		return b
	}
	b.cands = res.Candidates
	b.threshold = &res
	metrics.ObserveBackend(b.backend, start, len(b.cands))
	return b
}

func (o *Orchestrator) searchKeyword(ctx context.Context, r *run) branch {
	b := branch{backend: config.BackendKeyword, attempted: true}
	start := time.Now()
	// keyword scores are only comparable after fusion normalizes them
	cands, err := o.deps.Keyword.Search(ctx, r.q, o.searchOptions(r, r.limits.Chunks*poolFactor, 0))
	b.elapsed = time.Since(start)
	if err != nil {
		b.err = err
		return b
	}
	b.cands = cands
	metrics.ObserveBackend(b.backend, start, len(cands))
	return b
}

func (o *Orchestrator) searchWeb(ctx context.Context, r *run) branch {
	b := branch{backend: config.BackendWeb, attempted: true}
	start := time.Now()
	w := r.opts.Web
	cands, err := o.deps.Web.Search(ctx, r.q, schema.WebSearchOptions{
		Topic:      w.Topic,
		TimeRange:  w.TimeRange,
		DateFrom:   w.DateFrom,
		DateTo:     w.DateTo,
		Country:    w.Country,
		MaxResults: r.limits.Web * poolFactor,
		MinScore:   r.opts.MinScore,
	})
	b.elapsed = time.Since(start)
	if err != nil {
		b.err = err
		return b
	}
	kept := make([]schema.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Score() >= r.opts.MinScore {
			kept = append(kept, c)
		}
	}
	b.cands = kept
	metrics.ObserveBackend(b.backend, start, len(kept))
	return b
}

// strict fails the call when strict mode is on and no source succeeded.
func (o *Orchestrator) strict(r *run) error {
	if !r.opts.Strict {
		return nil
	}
	if r.vector.ok() || r.keyword.ok() || r.web.ok() {
		return nil
	}
	if len(r.used) == 0 {
		return errs.NotConfigured("", "strict mode: no search source is enabled")
	}
	return &errs.Error{Kind: errs.KindUnavailable, Op: "strict mode: every search source failed", Err: r.failures.ErrorOrNil()}
}

// fuse merges the document lists. Weighted fusion only runs when both
// document sources produced a list; otherwise the lists are concatenated in
// score order.
func (o *Orchestrator) fuse(ctx context.Context, r *run) {
	defer r.timed(StageFuse)()
	r.webs = schema.CloneAll(r.web.cands)
	if !(r.opts.EnableFusion && r.vector.ok() && r.keyword.ok()) {
		r.docs = byScore(r.vector.cands, r.keyword.cands)
		return
	}
	sel := o.deps.Selector.Select(ctx, r.opts.Weights, stableID(r.opts))
	name := r.opts.FusionStrategy
	if name == "" {
		name = o.cfg.Fusion.Strategy
	}
	strategy, ok := o.strategies[strings.ToLower(name)]
	if !ok {
		strategy = o.strategies["weighted"]
	}
	var lists []fusion.List
	// List treats a zero weight as 1, so a zero-weighted source is left out.
	if sel.Weights.Semantic > 0 {
		lists = append(lists, fusion.List{Retriever: schema.RetrieverVector, Candidates: r.vector.cands, Weight: sel.Weights.Semantic})
	}
	if sel.Weights.Keyword > 0 {
		lists = append(lists, fusion.List{Retriever: schema.RetrieverKeyword, Candidates: r.keyword.cands, Weight: sel.Weights.Keyword})
	}
	fused, err := strategy.Fuse(ctx, lists)
	if err != nil {
		r.log.Warn("fusion failed, concatenating lists", zap.String("strategy", strategy.Name()), zap.Error(err))
		r.docs = byScore(r.vector.cands, r.keyword.cands)
		return
	}
	r.docs = fused
	r.rec.RecordFusion(strategy.Name(), len(lists), len(fused), sel.Source)
	metrics.ObserveFusion(len(lists))
	if sel.Variant != "" {
		r.log.Debug("fusion weights from experiment", zap.String("variant", sel.Variant))
	}
}

func stableID(o Options) string {
	if o.ExperimentID != "" {
		return o.ExperimentID
	}
	return o.UserID
}

// byScore concatenates lists and sorts them by score, highest first.
func byScore(lists ...[]schema.Candidate) []schema.Candidate {
	var out []schema.Candidate
	for _, l := range lists {
		out = append(out, schema.CloneAll(l)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score() > out[j].Score() })
	return out
}

func (o *Orchestrator) rerank(ctx context.Context, r *run) {
	if !r.opts.EnableRerank || o.deps.Reranker == nil || len(r.docs) == 0 {
		return
	}
	defer r.timed(StageRerank)()
	r.rec.RerankEnabled = true
	out, err := o.deps.Reranker.Rerank(ctx, r.q, r.docs, r.opts.RerankTopN)
	if err != nil {
		kind := errs.KindOf(err)
		metrics.IncBackendError(config.BackendRerank, kind.String())
		r.log.Warn("rerank failed, keeping fused order",
			zap.String("reranker", o.deps.Reranker.Name()), zap.String("kind", kind.String()), zap.Error(err))
		if errs.Is(err, errs.KindCircuitOpen) || errs.Is(err, errs.KindUnavailable) || errs.Is(err, errs.KindTimeout) {
			r.used = append(r.used, config.BackendRerank)
			r.failed = append(r.failed, config.BackendRerank)
		}
	}
	if len(out) > 0 {
		r.docs = out
	}
	r.rec.RerankResultCount = len(r.docs)
}

func (o *Orchestrator) dedup(ctx context.Context, r *run) {
	if !r.opts.EnableDedup {
		return
	}
	defer r.timed(StageDedup)()
	mode := dedup.ParseMode(r.opts.DedupMode)
	if !r.vector.attempted && !r.keyword.attempted {
		mode = dedup.ModeQuick
	}
	for _, bucket := range []*[]schema.Candidate{&r.docs, &r.webs} {
		if len(*bucket) == 0 {
			continue
		}
		res := o.deps.Dedup.Run(ctx, *bucket, mode)
		*bucket = res.Candidates
		r.rec.DedupExact += res.ExactRemoved
		r.rec.DedupNear += res.NearRemoved
		r.rec.DedupDeadlineHit = r.rec.DedupDeadlineHit || res.DeadlineExceeded
		metrics.AddDedupRemoved("exact", res.ExactRemoved)
		metrics.AddDedupRemoved("near", res.NearRemoved)
	}
}

// diversify cuts each bucket to its limit, by MMR when enabled. What does not
// make the cut is kept as reserve for refinement.
func (o *Orchestrator) diversify(r *run) {
	defer r.timed(StageDiversify)()
	if r.opts.EnableDiversity {
		m := diversity.New(r.opts.Diversity)
		r.docs, r.reserveDocs = m.Select(r.docs, r.limits.Chunks)
		r.webs, r.reserveWeb = m.Select(r.webs, r.limits.Web)
		r.rec.DiversityDropped = len(r.reserveDocs) + len(r.reserveWeb)
		return
	}
	r.docs, r.reserveDocs = cut(r.docs, r.limits.Chunks)
	r.webs, r.reserveWeb = cut(r.webs, r.limits.Web)
}

func cut(in []schema.Candidate, n int) (head, rest []schema.Candidate) {
	if n <= 0 || n >= len(in) {
		return in, nil
	}
	return in[:n], in[n:]
}

func (o *Orchestrator) assembler(r *run) *assembler.Assembler {
	return assembler.New(r.opts.Assembler, o.deps.Planner.Counter(r.plan.Model),
		assembler.WithSummarizer(o.deps.Summarizer),
		assembler.WithCompressor(o.deps.Compressor),
		assembler.WithLogger(r.log),
		assembler.WithClock(o.now))
}

func (o *Orchestrator) assemble(ctx context.Context, r *run) *assembler.Result {
	defer r.timed(StageAssemble)()
	res := o.assembler(r).Assemble(ctx, assembler.Input{
		Query:     r.q,
		Documents: r.docs,
		Web:       r.webs,
		Budget:    r.plan,
	})
	r.rec.Summarized = res.Stats.Summarized
	r.rec.Compressed = res.Stats.Compressed
	r.rec.Trimmed = res.Stats.Trimmed
	r.rec.OverBudget = res.OverBudget
	return &res
}

// refine pulls reserve candidates into a bucket whose context came out well
// under its allowance. It only runs when the budget stage is on.
func (o *Orchestrator) refine(ctx context.Context, r *run, res *assembler.Result) {
	if !r.opts.Assembler.EnableBudget {
		return
	}
	if len(r.reserveDocs) == 0 && len(r.reserveWeb) == 0 {
		return
	}
	defer r.timed(StageRefine)()
	asm := o.assembler(r)
	for _, b := range []struct {
		component string
		source    schema.SourceType
		current   int
		reserve   []schema.Candidate
	}{
		{schema.ComponentDocumentContext, schema.SourceDocument, len(res.Documents), r.reserveDocs},
		{schema.ComponentWebContext, schema.SourceWeb, len(res.Web), r.reserveWeb},
	} {
		extra := o.deps.Limits.Refine(b.source, used(res.Budget, b.component), res.Budget.Allowance(b.component), b.current, len(b.reserve))
		if extra <= 0 {
			continue
		}
		added := asm.Extend(ctx, r.q, res, b.component, b.reserve[:extra])
		r.rec.Refined += added
		if added > 0 {
			r.log.Debug("refined context", zap.String("bucket", b.component), zap.Int("added", added))
		}
	}
}

func used(b schema.TokenBudget, component string) int {
	if component == schema.ComponentWebContext {
		return b.Usage.WebContext
	}
	return b.Usage.DocumentContext
}

// annotate builds the result and attaches the degradation state.
func (o *Orchestrator) annotate(r *run, id string, res *assembler.Result) *schema.RAGContext {
	defer r.timed(StageAnnotate)()
	deg := o.deps.Tracker.Assess(uniq(r.used), uniq(r.failed))
	metrics.SetDegradation(int(deg.Level))
	partial := r.vector.err != nil || r.keyword.err != nil || r.web.err != nil

	warnings := r.warnings
	if r.rec.DedupDeadlineHit {
		warnings = append(warnings, "deduplication deadline reached, remaining candidates were not checked")
	}
	if res.OverBudget {
		warnings = append(warnings, "context exceeds the token budget")
	}
	spent := res.Budget
	rc := &schema.RAGContext{
		RequestID:   id,
		Query:       r.q,
		Documents:   nonNil(res.Documents),
		Web:         nonNil(res.Web),
		Degradation: deg,
		Partial:     partial,
		Budget:      &spent,
		OverBudget:  res.OverBudget,
		Warnings:    warnings,
		CreatedAt:   o.now(),
		Stats:       r.rec,
	}
	r.rec.Degradation = deg.Level.String()
	r.rec.Partial = partial
	return rc
}

// store writes complete results to the cache. Partial results are not cached
// so that a recovered backend is used on the next call.
func (o *Orchestrator) store(ctx context.Context, r *run, rc *schema.RAGContext) {
	if !r.opts.EnableCache || o.deps.Cache == nil || rc.Partial {
		return
	}
	defer r.timed(StageCacheWrite)()
	if err := o.deps.Cache.Put(ctx, r.key, rc, r.qvec); err != nil {
		r.log.Warn("semantic cache write failed", zap.Error(err))
	}
}

func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func nonNil(in []schema.Candidate) []schema.Candidate {
	if in == nil {
		return []schema.Candidate{}
	}
	return in
}

// InvalidateUser drops every cached context of a user.
func (o *Orchestrator) InvalidateUser(ctx context.Context, userID string) (int, error) {
	if o.deps.Cache == nil {
		return 0, nil
	}
	return o.deps.Cache.InvalidateUser(ctx, userID)
}

// InvalidateTopic drops every cached context scoped to a topic.
func (o *Orchestrator) InvalidateTopic(ctx context.Context, topicID string) (int, error) {
	if o.deps.Cache == nil {
		return 0, nil
	}
	return o.deps.Cache.InvalidateTopic(ctx, topicID)
}

// InvalidateDocument drops every cached context scoped to a document.
func (o *Orchestrator) InvalidateDocument(ctx context.Context, docID string) (int, error) {
	if o.deps.Cache == nil {
		return 0, nil
	}
	return o.deps.Cache.InvalidateDocument(ctx, docID)
}
