package fusion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

func cand(id string, score float64) schema.Candidate {
	return schema.Candidate{SourceID: id, Content: id, NormalizedScore: score, SourceType: schema.SourceDocument}
}

func keys(cs []schema.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.SourceID
	}
	return out
}

func TestWeightedCombinesLists(t *testing.T) {
	s := NewWeightedStrategy(NormalizeNone)
	got, err := s.Fuse(context.Background(), []List{
		{Retriever: schema.RetrieverVector, Weight: 0.6, Candidates: []schema.Candidate{cand("a", 0.9), cand("b", 0.6)}},
		{Retriever: schema.RetrieverKeyword, Weight: 0.4, Candidates: []schema.Candidate{cand("b", 1.0), cand("c", 0.5)}},
	})
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"b", "a", "c"}, keys(got)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 0.76, got[0].NormalizedScore, 1e-9)
	assert.InDelta(t, 0.54, got[1].NormalizedScore, 1e-9)
	assert.InDelta(t, 0.2, got[2].NormalizedScore, 1e-9)
	assert.Equal(t, "vector+keyword", got[0].Retriever)
	assert.Equal(t, schema.RetrieverKeyword, got[2].Retriever)
	assert.InDelta(t, 0.6, got[0].Signals[schema.RetrieverVector], 1e-9)
	assert.InDelta(t, 1.0, got[0].Signals[schema.RetrieverKeyword], 1e-9)
}

func TestWeightedTieBreaks(t *testing.T) {
	s := NewWeightedStrategy(NormalizeNone)
	got, err := s.Fuse(context.Background(), []List{
		{Retriever: "vector", Weight: 0.4, Candidates: []schema.Candidate{cand("y", 0.5)}},
		{Retriever: "keyword", Weight: 0.8, Candidates: []schema.Candidate{cand("x", 0.25), cand("w", 0.25)}},
	})
	require.NoError(t, err)
	// y has the higher individual score; w and x tie fully and fall back to key order.
	if diff := cmp.Diff([]string{"y", "w", "x"}, keys(got)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestWeightedDoesNotMutateInput(t *testing.T) {
	in := []schema.Candidate{cand("a", 0.4)}
	_, err := NewWeightedStrategy(NormalizeMax).Fuse(context.Background(), []List{{Retriever: "vector", Candidates: in}})
	require.NoError(t, err)
	assert.Equal(t, 0.4, in[0].NormalizedScore)
	assert.Nil(t, in[0].Signals)
}

func TestNormalize(t *testing.T) {
	list := []schema.Candidate{cand("a", 0.8), cand("b", 0.4), cand("c", 0.6)}
	assert.InDeltaSlice(t, []float64{0.8, 0.4, 0.6}, normalize(list, NormalizeNone), 1e-9)
	assert.InDeltaSlice(t, []float64{1, 0.5, 0.75}, normalize(list, NormalizeMax), 1e-9)
	assert.InDeltaSlice(t, []float64{1, 0, 0.5}, normalize(list, NormalizeMinMax), 1e-9)
	same := []schema.Candidate{cand("a", 0.3), cand("b", 0.3)}
	assert.Equal(t, []float64{1, 1}, normalize(same, NormalizeMinMax))
	assert.Empty(t, normalize(nil, NormalizeMax))
}

func TestRRF(t *testing.T) {
	s := NewRRFStrategy(0)
	assert.Equal(t, 60, s.K)
	got, err := s.Fuse(context.Background(), []List{
		{Retriever: "vector", Candidates: []schema.Candidate{cand("b", 0.2), cand("a", 0.9)}},
		{Retriever: "keyword", Candidates: []schema.Candidate{cand("a", 0.7), cand("c", 0.1)}},
	})
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"a", "b", "c"}, keys(got)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 1.0, got[0].NormalizedScore, 1e-9)
	// b and c both rank second once; b wins on its individual score
	assert.InDelta(t, got[1].NormalizedScore, got[2].NormalizedScore, 1e-12)
}

func TestNewStrategy(t *testing.T) {
	s, err := NewStrategy(config.FusionConfig{})
	require.NoError(t, err)
	assert.Equal(t, "weighted", s.Name())
	s, err = NewStrategy(config.FusionConfig{Strategy: "RRF", RRFK: 10})
	require.NoError(t, err)
	assert.Equal(t, 10, s.(*RRFStrategy).K)
	_, err = NewStrategy(config.FusionConfig{Strategy: "linear"})
	assert.Error(t, err)
	_, err = NewStrategy(config.FusionConfig{Normalization: "zscore"})
	assert.Error(t, err)
}

func TestExperimentsSelectIsStable(t *testing.T) {
	exps := &Experiments{Variants: []Variant{
		{Name: "control", Traffic: 50, Weights: Weights{Semantic: 0.6, Keyword: 0.4}},
		{Name: "keyword-heavy", Traffic: 50, Weights: Weights{Semantic: 0.3, Keyword: 0.7}},
	}}
	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		id := "user-" + strconv.Itoa(i)
		v, ok := exps.Select(id)
		require.True(t, ok)
		again, _ := exps.Select(id)
		assert.Equal(t, v.Name, again.Name)
		if Bucket(id) < 50 {
			assert.Equal(t, "control", v.Name)
		} else {
			assert.Equal(t, "keyword-heavy", v.Name)
		}
		seen[v.Name]++
	}
	assert.Len(t, seen, 2)

	_, ok := exps.Select("")
	assert.False(t, ok)
	partial := &Experiments{Variants: []Variant{{Name: "none", Traffic: 0, Weights: Weights{Semantic: 1}}}}
	_, ok = partial.Select("user-1")
	assert.False(t, ok)
}

const experimentsYAML = `version: v1
variants:
  - name: all
    traffic: 100
    semantic_weight: 0.3
    keyword_weight: 0.7
`

func TestExperimentLoaderFileAndTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(experimentsYAML), 0o600))

	l, err := NewExperimentLoader(path, time.Minute, nil)
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	exps, err := l.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", exps.Version)
	require.Len(t, exps.Variants, 1)
	assert.Equal(t, Weights{Semantic: 0.3, Keyword: 0.7}, exps.Variants[0].Weights)

	// a broken document after expiry keeps serving the cached copy
	require.NoError(t, os.WriteFile(path, []byte("variants: ["), 0o600))
	now = now.Add(2 * time.Minute)
	again, err := l.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, exps, again)
	assert.Error(t, l.LastError())
}

func TestExperimentLoaderHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"v2","variants":[{"name":"a","traffic":100,"semantic_weight":0.5,"keyword_weight":0.5}]}`))
	}))
	defer srv.Close()

	l, err := NewExperimentLoader(srv.URL, 0, nil)
	require.NoError(t, err)
	exps, err := l.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", exps.Version)

	_, err = NewExperimentLoader("", 0, nil)
	assert.Error(t, err)
	bad, _ := NewExperimentLoader("ftp://host/x", 0, nil)
	_, err = bad.Get(context.Background())
	assert.Error(t, err)
}

func TestSelectorPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(experimentsYAML), 0o600))
	l, err := NewExperimentLoader(path, time.Minute, nil)
	require.NoError(t, err)

	s := NewSelector(config.DefaultPipeline().Fusion, l, nil)
	got := s.Select(context.Background(), &Weights{Semantic: 1}, "user-1")
	assert.Equal(t, SourceOverride, got.Source)

	got = s.Select(context.Background(), nil, "user-1")
	assert.Equal(t, SourceExperiment, got.Source)
	assert.Equal(t, "all", got.Variant)

	got = s.Select(context.Background(), nil, "")
	assert.Equal(t, SourceDefault, got.Source)
	assert.Equal(t, Weights{Semantic: 0.6, Keyword: 0.4}, got.Weights)
}

func TestFusionIgnoresListOrder(t *testing.T) {
	vector := List{Retriever: schema.RetrieverVector, Weight: 0.7, Candidates: []schema.Candidate{
		cand("a", 0.92), cand("b", 0.81), cand("c", 0.40),
	}}
	keyword := List{Retriever: schema.RetrieverKeyword, Weight: 0.3, Candidates: []schema.Candidate{
		cand("c", 11.5), cand("d", 7.25), cand("a", 3.0),
	}}

	tests := []struct {
		name     string
		strategy Strategy
	}{
		{"weighted none", NewWeightedStrategy(NormalizeNone)},
		{"weighted max", NewWeightedStrategy(NormalizeMax)},
		{"weighted minmax", NewWeightedStrategy(NormalizeMinMax)},
		{"rrf", NewRRFStrategy(60)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forward, err := tt.strategy.Fuse(context.Background(), []List{vector, keyword})
			require.NoError(t, err)
			swapped, err := tt.strategy.Fuse(context.Background(), []List{keyword, vector})
			require.NoError(t, err)

			if diff := cmp.Diff(keys(forward), keys(swapped)); diff != "" {
				t.Fatalf("order depends on list order (-forward +swapped):\n%s", diff)
			}
			for i := range forward {
				assert.InDelta(t, forward[i].NormalizedScore, swapped[i].NormalizedScore, 1e-12, forward[i].SourceID)
			}
		})
	}
}
