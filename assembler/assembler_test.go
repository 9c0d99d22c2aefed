package assembler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/budget"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/post"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// cand builds a document whose heuristic token count is exactly tokens.
func cand(id string, score float64, tokens int) schema.Candidate {
	return schema.Candidate{
		SourceID:        id,
		Content:         strings.Repeat("abc ", tokens),
		SourceType:      schema.SourceDocument,
		NormalizedScore: score,
	}
}

func ids(cs []schema.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.SourceID
	}
	return out
}

func docBudget(n int) schema.TokenBudget {
	return schema.TokenBudget{ModelLimit: n, Remaining: schema.Remaining{DocumentContext: n}}
}

type fakeSummarizer struct {
	out   string
	calls []int
}

func (f *fakeSummarizer) Name() string { return "fake" }

func (f *fakeSummarizer) Summarize(_ context.Context, _, _ string, maxTokens int) (string, error) {
	f.calls = append(f.calls, maxTokens)
	return f.out, nil
}

type failingCompressor struct{}

func (failingCompressor) Name() string { return "failing" }

func (failingCompressor) Compress(context.Context, string, string, int) (string, error) {
	return "", errors.New("compress service down")
}

func TestBudgetTrimsLowestPriority(t *testing.T) {
	a := New(config.DefaultPipeline().Assembler, budget.HeuristicCounter{})
	in := Input{
		Query:     "q",
		Documents: []schema.Candidate{cand("b", 0.8, 100), cand("c", 0.7, 100), cand("a", 0.9, 100)},
		Budget:    docBudget(250),
	}

	res := a.Assemble(context.Background(), in)
	assert.Equal(t, []string{"a", "b"}, ids(res.Documents))
	assert.Equal(t, []string{"c"}, ids(res.Trimmed))
	assert.False(t, res.OverBudget)
	assert.Equal(t, 1, res.Stats.Trimmed)
	assert.Equal(t, 200, res.Budget.Usage.DocumentContext)
	assert.Equal(t, 50, res.Budget.Remaining.DocumentContext)
	require.NoError(t, res.Budget.Check())

	// Input is untouched.
	assert.Equal(t, 0, in.Documents[0].Tokens)
	assert.Equal(t, 0.0, in.Documents[0].Priority)
}

func TestOverBudgetIsFlaggedAndLogged(t *testing.T) {
	log, logs := logger.NewObserved(zapcore.ErrorLevel)
	a := New(config.DefaultPipeline().Assembler, budget.HeuristicCounter{}, WithLogger(log))

	res := a.Assemble(context.Background(), Input{Documents: []schema.Candidate{cand("a", 0.9, 100)}, Budget: docBudget(50)})
	assert.True(t, res.OverBudget)
	assert.Equal(t, []string{"a"}, ids(res.Documents))
	assert.Equal(t, 1, logs.FilterMessage("context exceeds token budget after trimming").Len())
	assert.Equal(t, 0, res.Budget.Remaining.DocumentContext)
	require.NoError(t, res.Budget.Check())

	cfg := config.DefaultPipeline().Assembler
	cfg.MinKeep = 0
	res = New(cfg, nil).Assemble(context.Background(), Input{Documents: []schema.Candidate{cand("a", 0.9, 100)}, Budget: docBudget(50)})
	assert.False(t, res.OverBudget)
	assert.Empty(t, res.Documents)
	assert.Equal(t, []string{"a"}, ids(res.Trimmed))
}

func TestOrderingBlendsRecency(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a := New(config.AssemblerConfig{EnableOrdering: true}, nil, WithClock(func() time.Time { return now }))
	old := cand("x", 0.8, 10)
	old.Metadata.PublishedAt = now.AddDate(0, 0, -730)
	fresh := cand("y", 0.8, 10)
	fresh.Metadata.PublishedAt = now.AddDate(0, 0, -10)
	undated := cand("z", 0.95, 10)

	res := a.Assemble(context.Background(), Input{Documents: []schema.Candidate{old, fresh, undated}})
	assert.Equal(t, []string{"z", "y", "x"}, ids(res.Documents))
	assert.InDelta(t, 0.8825, res.Documents[0].OrderingScore, 1e-9)
}

func TestPrioritizeWebByAuthority(t *testing.T) {
	a := New(config.AssemblerConfig{EnablePrioritize: true}, nil)
	web := func(id, domain string) schema.Candidate {
		c := cand(id, 0.6, 10)
		c.SourceType = schema.SourceWeb
		c.Metadata.Domain = domain
		return c
	}
	res := a.Assemble(context.Background(), Input{Web: []schema.Candidate{web("w", "blog.com"), web("o", "en.wiki.org"), web("g", "nasa.gov")}})
	assert.Equal(t, []string{"g", "o", "w"}, ids(res.Web))
	assert.InDelta(t, 0.66, res.Web[0].Priority, 1e-9)
}

func TestSummarizeKeepsOnlyMeaningfulSavings(t *testing.T) {
	cfg := config.AssemblerConfig{EnableSummarize: true, SummarizeTriggerTokens: 50, MinSavings: 0.2, MaxCandidateTokens: 800}

	s := &fakeSummarizer{out: "short summary"}
	res := New(cfg, nil, WithSummarizer(s)).Assemble(context.Background(), Input{
		Documents: []schema.Candidate{cand("long", 0.9, 100), cand("short", 0.8, 30)},
	})
	assert.Equal(t, []int{80}, s.calls)
	assert.True(t, res.Documents[0].Summarized)
	assert.Equal(t, "short summary", res.Documents[0].Content)
	assert.Equal(t, 4, res.Documents[0].Tokens)
	assert.False(t, res.Documents[1].Summarized)
	assert.Equal(t, 1, res.Stats.Summarized)
	assert.Equal(t, 96, res.Stats.TokensSaved)

	s = &fakeSummarizer{out: strings.Repeat("abc ", 90)}
	res = New(cfg, nil, WithSummarizer(s)).Assemble(context.Background(), Input{
		Documents: []schema.Candidate{cand("long", 0.9, 100)},
	})
	assert.False(t, res.Documents[0].Summarized)
	assert.Equal(t, 100, res.Documents[0].Tokens)
}

func TestCompressCapsCandidates(t *testing.T) {
	cfg := config.AssemblerConfig{EnableCompress: true, MaxCandidateTokens: 50}
	web := cand("w", 0.5, 120)
	web.SourceType = schema.SourceWeb

	res := New(cfg, nil, WithCompressor(&post.TruncateCompressor{})).Assemble(context.Background(), Input{
		Documents: []schema.Candidate{cand("d", 0.9, 100), cand("s", 0.8, 20)},
		Web:       []schema.Candidate{web},
	})
	assert.True(t, res.Documents[0].Compressed)
	assert.LessOrEqual(t, res.Documents[0].Tokens, 50)
	assert.False(t, res.Documents[1].Compressed)
	assert.True(t, res.Web[0].Compressed)
	assert.Equal(t, 2, res.Stats.Compressed)

	res = New(cfg, nil, WithCompressor(failingCompressor{})).Assemble(context.Background(), Input{
		Documents: []schema.Candidate{cand("d", 0.9, 100)},
	})
	assert.True(t, res.Documents[0].Compressed)
	assert.LessOrEqual(t, res.Documents[0].Tokens, 50)
}

func TestDisabledStagesPassThrough(t *testing.T) {
	a := New(config.AssemblerConfig{}, nil)
	b := docBudget(10)
	res := a.Assemble(context.Background(), Input{Documents: []schema.Candidate{cand("b", 0.5, 100), cand("a", 0.9, 100)}, Budget: b})
	assert.Equal(t, []string{"b", "a"}, ids(res.Documents))
	assert.Equal(t, b, res.Budget)
	assert.False(t, res.OverBudget)
	assert.Equal(t, 100, res.Documents[0].Tokens)
}

func TestExtendUsesRemainingBudget(t *testing.T) {
	a := New(config.DefaultPipeline().Assembler, nil)
	res := a.Assemble(context.Background(), Input{Documents: []schema.Candidate{cand("a", 0.9, 100)}, Budget: docBudget(250)})
	require.Equal(t, 150, res.Budget.Remaining.DocumentContext)

	added := a.Extend(context.Background(), "q", &res, schema.ComponentDocumentContext,
		[]schema.Candidate{cand("e", 0.4, 100), cand("d", 0.5, 100)})
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"a", "d"}, ids(res.Documents))
	assert.Equal(t, 50, res.Budget.Remaining.DocumentContext)
	require.NoError(t, res.Budget.Check())

	assert.Equal(t, 0, a.Extend(context.Background(), "q", &res, schema.ComponentDocumentContext, nil))
}
