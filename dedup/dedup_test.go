package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/textsim"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

func doc(id, content string, score float64) schema.Candidate {
	return schema.Candidate{SourceID: id, Content: content, NormalizedScore: score, SourceType: schema.SourceDocument}
}

func web(u, title, content string, score float64) schema.Candidate {
	return schema.Candidate{SourceID: u, URL: u, Title: title, Content: content, NormalizedScore: score, SourceType: schema.SourceWeb}
}

func engine() *Engine { return New(config.DefaultPipeline().Dedup, nil) }

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://www.Example.com/Path/":   "example.com/Path",
		"http://example.com/Path#section": "example.com/Path",
		"example.com/path?B=2&a=1":        "example.com/path?a=1&b=2",
		"https://example.com:8443/x":      "example.com:8443/x",
		"https://example.com:443/x?":      "example.com/x",
		"":                                "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeURL(in), in)
	}
}

func TestSameURLKeepsHigherScore(t *testing.T) {
	in := []schema.Candidate{
		web("https://www.example.com/a/", "A", "first snippet about leaves", 0.6),
		web("http://example.com/a", "A", "second snippet on chlorophyll", 0.8),
	}
	res := engine().Run(context.Background(), in, ModeFull)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, 0.8, res.Candidates[0].NormalizedScore)
	assert.Equal(t, 1, res.ExactRemoved)
	assert.Equal(t, 0.6, in[0].NormalizedScore, "input untouched")
}

func TestExactContentHash(t *testing.T) {
	in := []schema.Candidate{
		doc("a", "Plants  convert LIGHT into energy", 0.5),
		doc("b", "plants convert light into energy", 0.9),
		doc("c", "Something else entirely", 0.4),
	}
	res := engine().Run(context.Background(), in, ModeFull)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "b", res.Candidates[0].SourceID)
	assert.Equal(t, "c", res.Candidates[1].SourceID)
}

func TestNearDuplicates(t *testing.T) {
	base := "photosynthesis is the process used by plants algae and bacteria to convert light energy into chemical energy stored in glucose"
	in := []schema.Candidate{
		doc("a", base, 0.7),
		doc("b", base+" molecules", 0.9),
		doc("c", "the calvin cycle fixes carbon dioxide in the stroma of chloroplasts", 0.6),
	}
	res := engine().Run(context.Background(), in, ModeFull)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "b", res.Candidates[0].SourceID)
	assert.Equal(t, 1, res.NearRemoved)
	assert.False(t, res.DeadlineExceeded)
}

func TestWebTitleSimilarity(t *testing.T) {
	in := []schema.Candidate{
		web("https://a.example/1", "Photosynthesis explained for students", "plants use sunlight water and carbon dioxide to make sugar", 0.9),
		web("https://b.example/2", "Photosynthesis explained for students", "plants use sunlight and water to make sugar and oxygen", 0.7),
	}
	full := engine().Run(context.Background(), in, ModeFull)
	assert.Len(t, full.Candidates, 1)
	quick := engine().Run(context.Background(), in, ModeQuick)
	assert.Len(t, quick.Candidates, 2, "quick mode ignores titles")
}

func TestQuickModeUsesShortWindow(t *testing.T) {
	dup := "alpha beta gamma delta epsilon zeta eta theta iota kappa"
	in := []schema.Candidate{doc("first", dup, 0.9)}
	for i := 0; i < quickWindow; i++ {
		in = append(in, doc(fmt.Sprintf("filler-%d", i), fmt.Sprintf("unrelated filler text number %d", i), 0.5))
	}
	in = append(in, doc("late", dup+" lambda", 0.4))

	quick := engine().Run(context.Background(), in, ModeQuick)
	assert.Len(t, quick.Candidates, len(in), "duplicate is outside the quick window")
	full := engine().Run(context.Background(), in, ModeFull)
	assert.Len(t, full.Candidates, len(in)-1)
}

func TestOutputsBelowThreshold(t *testing.T) {
	words := []string{"light", "water", "leaf", "sugar", "oxygen", "carbon", "energy", "cell"}
	var in []schema.Candidate
	for i := 0; i < 30; i++ {
		content := ""
		for j := 0; j < 6; j++ {
			content += words[(i+j*j)%len(words)] + " "
		}
		in = append(in, doc(fmt.Sprintf("d%d", i), content, float64(i%7)/7))
	}
	res := engine().Run(context.Background(), in, ModeFull)
	assert.LessOrEqual(t, len(res.Candidates), len(in))
	for i := range res.Candidates {
		for j := i + 1; j < len(res.Candidates); j++ {
			a, b := textsim.WordSet(res.Candidates[i].Content), textsim.WordSet(res.Candidates[j].Content)
			assert.Less(t, textsim.Jaccard(a, b), 0.85)
		}
	}
}

func TestDeadlinePassesThrough(t *testing.T) {
	log, logs := logger.NewObserved(zapcore.WarnLevel)
	e := New(config.DedupConfig{DeadlineMs: 150}, log)
	now := time.Unix(0, 0)
	e.now = func() time.Time {
		now = now.Add(60 * time.Millisecond)
		return now
	}
	in := []schema.Candidate{
		doc("a", "same words here", 0.9),
		doc("b", "same words here too", 0.5),
		doc("c", "same words here", 0.4),
		doc("d", "same words here again", 0.3),
	}
	res := e.Run(context.Background(), in, ModeFull)
	assert.True(t, res.DeadlineExceeded)
	assert.Equal(t, 1, res.ExactRemoved)
	assert.Len(t, res.Candidates, 3, "nothing after the deadline is dropped")
	assert.Equal(t, 1, logs.FilterMessage("dedup deadline exceeded, passing remaining candidates through").Len())
}

func TestCancelledContextPassesThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := []schema.Candidate{doc("a", "one two three", 0.9), doc("b", "one two three four", 0.8)}
	res := engine().Run(ctx, in, ModeFull)
	assert.True(t, res.DeadlineExceeded)
	assert.Len(t, res.Candidates, 2)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeQuick, ParseMode("quick"))
	assert.Equal(t, ModeFull, ParseMode(""))
	assert.Equal(t, ModeFull, ParseMode("other"))
}
