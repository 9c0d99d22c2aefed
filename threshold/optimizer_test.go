package threshold

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/query"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// scoredProber honours MinScore and TopK like a real vector store.
type scoredProber struct {
	scores []float64
	calls  []schema.SearchOptions
	err    error
}

func (p *scoredProber) Query(_ context.Context, _ []float32, opts schema.SearchOptions) ([]schema.Candidate, error) {
	p.calls = append(p.calls, opts)
	if p.err != nil {
		return nil, p.err
	}
	var out []schema.Candidate
	for i, s := range p.scores {
		if s < opts.MinScore || (opts.TopK > 0 && len(out) >= opts.TopK) {
			continue
		}
		out = append(out, schema.Candidate{SourceID: "d", ChunkIndex: i, NormalizedScore: s, RawScore: s})
	}
	return out, nil
}

func newOptimizer() *Optimizer {
	return New(config.DefaultPipeline().Threshold, nil)
}

func TestCutoffPercentilesByType(t *testing.T) {
	o := newOptimizer()
	scores := []float64{0.4, 0.5, 0.6, 0.7, 0.8}

	assert.InDelta(t, 0.7, o.Cutoff(scores, query.TypeFactual, 0), 1e-9)
	assert.InDelta(t, 0.6, o.Cutoff(scores, query.TypeComparative, 0), 1e-9)
	assert.InDelta(t, 0.56, o.Cutoff(scores, query.TypeExploratory, 0), 1e-9)
	assert.Less(t, o.Cutoff(scores, query.TypeExploratory, 0), o.Cutoff(scores, query.TypeFactual, 0))

	// clamped to [0.3, 0.9]
	assert.Equal(t, 0.9, o.Cutoff([]float64{0.99, 0.98}, query.TypeFactual, 0))
	assert.Equal(t, 0.3, o.Cutoff([]float64{0.1, 0.15}, query.TypeFactual, 0))
	// empty sample falls back to requested min score
	assert.Equal(t, 0.7, o.Cutoff(nil, query.TypeFactual, 0.7))
	assert.Equal(t, 0.9, o.Cutoff(nil, query.TypeFactual, 0.95))
}

func TestRelax(t *testing.T) {
	o := newOptimizer()
	assert.InDelta(t, 0.55, o.Relax(0.8), 1e-9)
	assert.Equal(t, 0.3, o.Relax(0.3))
}

func TestSearchUsesProbedThreshold(t *testing.T) {
	p := &scoredProber{scores: []float64{0.95, 0.9, 0.85, 0.8, 0.5, 0.45, 0.4, 0.3, 0.25}}
	res, err := newOptimizer().Search(context.Background(), p, []float32{1}, query.TypeExploratory, schema.SearchOptions{TopK: 10, UserScope: "u"})
	require.NoError(t, err)

	require.Len(t, p.calls, 2)
	assert.Equal(t, 50, p.calls[0].TopK)
	assert.Equal(t, 0.1, p.calls[0].MinScore)
	assert.Equal(t, "u", p.calls[0].UserScope)
	assert.Equal(t, 10, p.calls[1].TopK)

	assert.True(t, res.Probed)
	assert.False(t, res.Relaxed)
	assert.Equal(t, 9, res.SampleSize)
	assert.InDelta(t, 0.46, res.Threshold, 1e-9)
	assert.Len(t, res.Candidates, 5)
}

func TestSearchRelaxesOnce(t *testing.T) {
	p := &scoredProber{scores: []float64{0.9, 0.5, 0.45, 0.44, 0.43, 0.42, 0.41}}
	o := newOptimizer()
	res, err := o.Search(context.Background(), p, []float32{1}, query.TypeFactual, schema.SearchOptions{TopK: 10})
	require.NoError(t, err)

	require.Len(t, p.calls, 3)
	assert.True(t, res.Relaxed)
	assert.InDelta(t, 0.475, p.calls[1].MinScore, 1e-9)
	assert.InDelta(t, 0.3875, res.Threshold, 1e-9)
	assert.Len(t, res.Candidates, 7)
}

func TestSearchHardFloor(t *testing.T) {
	// a backend that ignores MinScore still never yields sub-floor results
	p := &scoredProber{scores: []float64{0.9, 0.19, 0.05}}
	cfg := config.DefaultPipeline().Threshold
	cfg.Enable = false
	res, err := New(cfg, nil).Search(context.Background(), ignoreMin{p}, []float32{1}, query.TypeFactual, schema.SearchOptions{TopK: 10})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, 0.9, res.Candidates[0].NormalizedScore)
	assert.Equal(t, 0.2, res.Threshold)
}

type ignoreMin struct{ p *scoredProber }

func (i ignoreMin) Query(ctx context.Context, v []float32, opts schema.SearchOptions) ([]schema.Candidate, error) {
	opts.MinScore = 0
	return i.p.Query(ctx, v, opts)
}

func TestSearchPropagatesProbeError(t *testing.T) {
	boom := errors.New("down")
	_, err := newOptimizer().Search(context.Background(), &scoredProber{err: boom}, []float32{1}, query.TypeFactual, schema.SearchOptions{})
	assert.ErrorIs(t, err, boom)
}
