package diversity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

func c(id, content string, score float64) schema.Candidate {
	return schema.Candidate{SourceID: id, Content: content, NormalizedScore: score}
}

func ids(cs []schema.Candidate) []string {
	out := make([]string, len(cs))
	for i, x := range cs {
		out[i] = x.SourceID
	}
	return out
}

var pool = []schema.Candidate{
	c("a", "light reactions split water in the thylakoid", 0.95),
	c("b", "light reactions split water in the thylakoid membrane", 0.93),
	c("c", "the calvin cycle fixes carbon in the stroma", 0.80),
	c("d", "stomata regulate gas exchange", 0.50),
}

func TestMMRPrefersDiverseCandidates(t *testing.T) {
	m := New(config.DiversityConfig{Lambda: 0.5})
	selected, rest := m.Select(pool, 3)
	assert.Equal(t, []string{"a", "c", "d"}, ids(selected))
	assert.Equal(t, []string{"b"}, ids(rest))
}

func TestMMRLambdaOneIsRelevanceOrder(t *testing.T) {
	m := &MMR{Lambda: 1}
	selected, rest := m.Select(pool, 0)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(selected))
	assert.Empty(t, rest)
}

func TestMMRLambdaZeroStartsWithBest(t *testing.T) {
	m := &MMR{Lambda: 0}
	selected, _ := m.Select(pool, 2)
	assert.Equal(t, "a", selected[0].SourceID)
	assert.NotEqual(t, "b", selected[1].SourceID)
}

func TestMMRBounds(t *testing.T) {
	m := New(config.DiversityConfig{Lambda: 2, MaxResults: 2})
	assert.Equal(t, DefaultLambda, m.Lambda)
	assert.Equal(t, DefaultLambda, New(config.DiversityConfig{}).Lambda)
	selected, rest := m.Select(pool, 0)
	assert.Len(t, selected, 2)
	assert.Len(t, rest, 2)

	selected, rest = m.Select(nil, 5)
	assert.Empty(t, selected)
	assert.Empty(t, rest)
}

func TestMMRCustomSimilarity(t *testing.T) {
	calls := 0
	m := &MMR{Lambda: 0.7, Sim: func(a, b schema.Candidate) float64 { calls++; return 0 }}
	selected, _ := m.Select(pool, 4)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(selected))
	assert.Positive(t, calls)
}
