package orchestrator

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/budget"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/cache"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/query"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/resilience"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/retriever"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/threshold"
)

type fakeSemantic struct {
	res   threshold.Result
	err   error
	calls atomic.Int32
}

func (f *fakeSemantic) Type() string { return schema.RetrieverVector }

func (f *fakeSemantic) SearchSemantic(ctx context.Context, _ string, _ query.Type, _ schema.SearchOptions) (threshold.Result, error) {
	f.calls.Inc()
	if err := ctx.Err(); err != nil {
		return threshold.Result{}, err
	}
	return f.res, f.err
}

type fakeKeyword struct {
	out   []schema.Candidate
	err   error
	calls atomic.Int32
	opts  schema.SearchOptions
}

func (f *fakeKeyword) Type() string { return schema.RetrieverKeyword }

func (f *fakeKeyword) Search(ctx context.Context, _ string, opts schema.SearchOptions) ([]schema.Candidate, error) {
	f.calls.Inc()
	f.opts = opts
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.out, f.err
}

type fakeWeb struct {
	out   []schema.Candidate
	err   error
	calls atomic.Int32
}

func (f *fakeWeb) Type() string { return schema.RetrieverWeb }

func (f *fakeWeb) Search(ctx context.Context, _ string, _ schema.WebSearchOptions) ([]schema.Candidate, error) {
	f.calls.Inc()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.out, f.err
}

// timeoutStore is a vector store whose every query times out.
type timeoutStore struct{ calls atomic.Int32 }

func (s *timeoutStore) GetProviderType() string { return "fake" }
func (s *timeoutStore) Close() error            { return nil }
func (s *timeoutStore) Query(context.Context, []float32, schema.SearchOptions) ([]schema.Candidate, error) {
	s.calls.Inc()
	return nil, errs.Timeout(config.BackendVector, "query")
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(context.Context, string, string, int) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func doc(id string, score float64, content string) schema.Candidate {
	return schema.Candidate{
		SourceID:        id,
		Content:         content,
		SourceType:      schema.SourceDocument,
		Retriever:       schema.RetrieverVector,
		RawScore:        score,
		NormalizedScore: score,
	}
}

func webResult(url string, score float64, content string) schema.Candidate {
	return schema.Candidate{
		SourceID:        url,
		URL:             url,
		Content:         content,
		SourceType:      schema.SourceWeb,
		Retriever:       schema.RetrieverWeb,
		RawScore:        score,
		NormalizedScore: score,
	}
}

func photosynthesisDocs() []schema.Candidate {
	return []schema.Candidate{
		doc("bio-101", 0.92, "Photosynthesis converts light energy into chemical energy stored in glucose."),
		doc("bio-102", 0.81, "Chlorophyll in the chloroplast absorbs mostly red and blue wavelengths."),
		doc("bio-103", 0.65, "The Calvin cycle fixes carbon dioxide using ATP and NADPH from the light reactions."),
	}
}

func keywordDocs() []schema.Candidate {
	out := photosynthesisDocs()
	scores := []float64{8.1, 4.2, 6.3}
	for i := range out {
		out[i].Retriever = schema.RetrieverKeyword
		out[i].RawScore = scores[i]
		out[i].NormalizedScore = scores[i] / 8.1
	}
	return out
}

func photosynthesisWeb() []schema.Candidate {
	return []schema.Candidate{
		webResult("https://plants.example.edu/photosynthesis", 0.9, "Plants, algae and cyanobacteria perform photosynthesis to make sugar from light."),
		webResult("https://blog.example.com/garden-tips", 0.4, "Ten tips to keep your houseplants alive over winter."),
	}
}

func testPlanner() *budget.Planner {
	return budget.NewPlanner(config.Default().Budget, nil).WithCounter(budget.HeuristicCounter{})
}

func newTestOrchestrator(t *testing.T, d Deps) *Orchestrator {
	t.Helper()
	if d.Planner == nil {
		d.Planner = testPlanner()
	}
	o, err := New(config.DefaultPipeline(), d)
	require.NoError(t, err)
	return o
}

func testOptions() Options {
	opts := DefaultOptions(nil)
	opts.EnableCache = false
	return opts
}

func keys(cands []schema.Candidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.SourceID)
	}
	return out
}

func TestRetrieveContextPhotosynthesis(t *testing.T) {
	vec := &fakeSemantic{res: threshold.Result{Candidates: photosynthesisDocs(), Threshold: 0.6, Relaxed: true}}
	kw := &fakeKeyword{out: keywordDocs()}
	web := &fakeWeb{out: photosynthesisWeb()}
	o := newTestOrchestrator(t, Deps{Vector: vec, Keyword: kw, Web: web})

	rc, err := o.RetrieveContext(context.Background(), "What is photosynthesis?", testOptions())
	require.NoError(t, err)

	require.Len(t, rc.Documents, 3)
	require.Len(t, rc.Web, 1)
	assert.Equal(t, "https://plants.example.edu/photosynthesis", rc.Web[0].URL)
	assert.ElementsMatch(t, []string{"bio-101", "bio-102", "bio-103"}, keys(rc.Documents))
	assert.True(t, sort.SliceIsSorted(rc.Documents, func(i, j int) bool {
		return rc.Documents[i].Score() > rc.Documents[j].Score()
	}), "documents are ordered by combined score")
	for _, d := range rc.Documents {
		assert.Equal(t, "vector+keyword", d.Retriever, d.SourceID)
	}

	assert.False(t, rc.Partial)
	assert.Equal(t, schema.DegradationNone, rc.Degradation.Level)
	assert.NotEmpty(t, rc.RequestID)
	assert.Equal(t, 0.0, kw.opts.MinScore, "keyword scores are filtered after fusion")

	require.NotNil(t, rc.Budget)
	assert.NoError(t, rc.Budget.Check())
	assert.Positive(t, rc.Budget.Usage.DocumentContext)

	rec, ok := rc.Stats.(*metrics.RetrievalRecord)
	require.True(t, ok)
	assert.Equal(t, "weighted", rec.FusionMethod)
	assert.Equal(t, 2, rec.FusionInputLists)
	assert.True(t, rec.ThresholdRelaxed)
	assert.Contains(t, rec.StagesMs, StageFanOut)
	assert.Contains(t, rec.StagesMs, StageAssemble)
	assert.Equal(t, string(query.TypeFactual), rec.QueryType)
}

func TestRetrieveContextCircuitOpensOnVectorTimeouts(t *testing.T) {
	reg := resilience.NewRegistry(config.ResilienceConfig{Defaults: config.BackendPolicy{
		TimeoutMs:          1000,
		FailureThreshold:   5,
		MonitoringWindowMs: 60000,
		ResetTimeoutMs:     3600000,
	}})
	store := &timeoutStore{}
	vec := &retriever.VectorRetriever{Embed: fixedEmbedder{}, Store: store, Guard: reg.Guard(config.BackendVector)}
	kw := &fakeKeyword{out: keywordDocs()}
	web := &fakeWeb{out: photosynthesisWeb()}
	o := newTestOrchestrator(t, Deps{Vector: vec, Keyword: kw, Web: web, Registry: reg})

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		rc, err := o.RetrieveContext(ctx, "What is photosynthesis?", testOptions())
		require.NoError(t, err)
		assert.True(t, rc.Partial)
	}
	assert.EqualValues(t, 5, store.calls.Load(), "the circuit opened on the fifth timeout")
	assert.Equal(t, resilience.StateOpen, reg.State(config.BackendVector))

	rc, err := o.RetrieveContext(ctx, "What is photosynthesis?", testOptions())
	require.NoError(t, err)
	assert.EqualValues(t, 5, store.calls.Load(), "an open circuit does not contact the backend")

	assert.True(t, rc.Partial)
	assert.NotEmpty(t, rc.Documents, "keyword results still populate the context")
	assert.NotEmpty(t, rc.Web)
	assert.True(t, rc.Degradation.Degraded)
	assert.Contains(t, rc.Degradation.AffectedBackends, config.BackendVector)

	rec := rc.Stats.(*metrics.RetrievalRecord)
	assert.Contains(t, rec.Backends[config.BackendVector].Error, errs.KindCircuitOpen.String())
	assert.Empty(t, rec.FusionMethod, "fusion needs both document lists")
}

func TestRetrieveContextAllSourcesFail(t *testing.T) {
	o := newTestOrchestrator(t, Deps{
		Vector:  &fakeSemantic{err: errs.FromStatus(config.BackendVector, 503)},
		Keyword: &fakeKeyword{err: errs.FromStatus(config.BackendKeyword, 503)},
		Web:     &fakeWeb{err: errs.FromStatus(config.BackendWeb, 503)},
	})
	rc, err := o.RetrieveContext(context.Background(), "What is photosynthesis?", testOptions())
	require.NoError(t, err)
	assert.True(t, rc.Partial)
	assert.Empty(t, rc.Documents)
	assert.Empty(t, rc.Web)
	assert.NotNil(t, rc.Documents)
	assert.Equal(t, schema.DegradationSevere, rc.Degradation.Level)
	assert.Equal(t, []string{config.BackendKeyword, config.BackendVector, config.BackendWeb}, rc.Degradation.AffectedBackends)
}

func TestRetrieveContextStrict(t *testing.T) {
	down := errs.FromStatus(config.BackendKeyword, 503)
	o := newTestOrchestrator(t, Deps{Keyword: &fakeKeyword{err: down}, Web: &fakeWeb{err: down}})
	opts := testOptions()
	opts.Strict = true

	_, err := o.RetrieveContext(context.Background(), "What is photosynthesis?", opts)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindUnavailable))

	none := newTestOrchestrator(t, Deps{})
	_, err = none.RetrieveContext(context.Background(), "What is photosynthesis?", opts)
	assert.True(t, errs.Is(err, errs.KindNotConfigured))

	live := newTestOrchestrator(t, Deps{Keyword: &fakeKeyword{err: down}, Web: &fakeWeb{out: photosynthesisWeb()}})
	rc, err := live.RetrieveContext(context.Background(), "What is photosynthesis?", opts)
	require.NoError(t, err)
	assert.True(t, rc.Partial)
	assert.Len(t, rc.Web, 1)
}

func TestRetrieveContextValidation(t *testing.T) {
	kw := &fakeKeyword{out: keywordDocs()}
	o := newTestOrchestrator(t, Deps{Keyword: kw})

	tests := []struct {
		name  string
		query string
		edit  func(*Options)
	}{
		{"empty query", "   ", nil},
		{"query too long", strings.Repeat("a", 2001), nil},
		{"min score above one", "photosynthesis", func(o *Options) { o.MinScore = 1.5 }},
		{"unknown fusion strategy", "photosynthesis", func(o *Options) { o.FusionStrategy = "borda" }},
		{"unknown dedup mode", "photosynthesis", func(o *Options) { o.DedupMode = "fuzzy" }},
		{"bad time range", "photosynthesis", func(o *Options) { o.Web.TimeRange = "decade" }},
		{"lambda out of range", "photosynthesis", func(o *Options) { o.Diversity.Lambda = 2 }},
		{"dates reversed", "photosynthesis", func(o *Options) {
			o.Web.DateFrom = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
			o.Web.DateTo = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			if tt.edit != nil {
				tt.edit(&opts)
			}
			_, err := o.RetrieveContext(context.Background(), tt.query, opts)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindValidation), err.Error())
		})
	}
	assert.Zero(t, kw.calls.Load(), "invalid requests never reach a backend")
}

func TestRetrieveContextCallerCancel(t *testing.T) {
	o := newTestOrchestrator(t, Deps{Keyword: &fakeKeyword{out: keywordDocs()}, Web: &fakeWeb{out: photosynthesisWeb()}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.RetrieveContext(ctx, "What is photosynthesis?", testOptions())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTimeout))
	assert.ErrorIs(t, err, context.Canceled)
}

func newCache(t *testing.T) *cache.Semantic {
	t.Helper()
	sc, err := cache.NewSemantic(cache.NewMemoryStore(64, time.Hour), cache.SemanticConfig{Prefix: "test"}, nil)
	require.NoError(t, err)
	return sc
}

func TestRetrieveContextCacheHit(t *testing.T) {
	kw := &fakeKeyword{out: keywordDocs()}
	web := &fakeWeb{out: photosynthesisWeb()}
	o := newTestOrchestrator(t, Deps{Keyword: kw, Web: web, Cache: newCache(t)})
	opts := testOptions()
	opts.EnableCache = true
	opts.UserID = "u-1"
	ctx := context.Background()

	first, err := o.RetrieveContext(ctx, "What is photosynthesis?", opts)
	require.NoError(t, err)
	assert.Equal(t, schema.CacheMiss, first.CacheHit)

	second, err := o.RetrieveContext(ctx, "What is photosynthesis?", opts)
	require.NoError(t, err)
	assert.Equal(t, schema.CacheExact, second.CacheHit)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, keys(first.Documents), keys(second.Documents))
	assert.Equal(t, keys(first.Web), keys(second.Web))
	assert.EqualValues(t, 1, kw.calls.Load())
	assert.EqualValues(t, 1, web.calls.Load())

	n, err := o.InvalidateUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	third, err := o.RetrieveContext(ctx, "What is photosynthesis?", opts)
	require.NoError(t, err)
	assert.Equal(t, schema.CacheMiss, third.CacheHit)
	assert.EqualValues(t, 2, kw.calls.Load())
}

func TestRetrieveContextPartialNotCached(t *testing.T) {
	kw := &fakeKeyword{out: keywordDocs()}
	web := &fakeWeb{err: errs.FromStatus(config.BackendWeb, 502)}
	o := newTestOrchestrator(t, Deps{Keyword: kw, Web: web, Cache: newCache(t)})
	opts := testOptions()
	opts.EnableCache = true

	for i := 0; i < 2; i++ {
		rc, err := o.RetrieveContext(context.Background(), "What is photosynthesis?", opts)
		require.NoError(t, err)
		assert.True(t, rc.Partial)
		assert.Equal(t, schema.CacheMiss, rc.CacheHit)
	}
	assert.EqualValues(t, 2, kw.calls.Load())
}

func TestRetrieveContextLimitsOverride(t *testing.T) {
	var many []schema.Candidate
	for i, text := range []string{
		"alpha beta gamma", "delta epsilon zeta", "eta theta iota", "kappa lambda mu",
		"nu xi omicron", "pi rho sigma", "tau upsilon phi", "chi psi omega",
	} {
		many = append(many, doc(string(rune('a'+i)), 0.9-float64(i)*0.05, text))
	}
	kw := &fakeKeyword{out: many}
	o := newTestOrchestrator(t, Deps{Keyword: kw})
	opts := testOptions()
	opts.MaxChunks = 2
	opts.EnableWeb = false
	opts.Assembler.EnableBudget = false

	rc, err := o.RetrieveContext(context.Background(), "What is photosynthesis?", opts)
	require.NoError(t, err)
	assert.Len(t, rc.Documents, 2)
	assert.Equal(t, 4, kw.opts.TopK, "backends are asked for a pool twice the limit")
}

func TestRetrieveContextRefinesUnderfilledContext(t *testing.T) {
	var many []schema.Candidate
	for i, text := range []string{
		"alpha beta gamma", "delta epsilon zeta", "eta theta iota", "kappa lambda mu",
	} {
		many = append(many, doc(string(rune('a'+i)), 0.9-float64(i)*0.05, text))
	}
	o := newTestOrchestrator(t, Deps{Keyword: &fakeKeyword{out: many}})
	opts := testOptions()
	opts.MaxChunks = 2
	opts.EnableWeb = false

	rc, err := o.RetrieveContext(context.Background(), "What is photosynthesis?", opts)
	require.NoError(t, err)
	assert.Len(t, rc.Documents, 4, "reserve candidates fill an almost empty budget")
	assert.Equal(t, 2, rc.Stats.(*metrics.RetrievalRecord).Refined)
	assert.NoError(t, rc.Budget.Check())
}
