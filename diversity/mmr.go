// Package diversity reorders ranked candidates with Maximal Marginal
// Relevance.
package diversity

import (
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/textsim"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// Similarity returns a content similarity in [0,1].
type Similarity func(a, b schema.Candidate) float64

// WordJaccard compares the word sets of two candidates' content.
func WordJaccard(a, b schema.Candidate) float64 {
	return textsim.Jaccard(textsim.WordSet(a.Content), textsim.WordSet(b.Content))
}

// MMR greedily selects candidates maximizing
// Lambda*relevance - (1-Lambda)*max similarity to the already selected ones.
// Lambda 1 is pure relevance ranking, 0 pure diversity.
type MMR struct {
	Lambda     float64
	MaxResults int
	Sim        Similarity
}

// DefaultLambda applies when the configured lambda is unset or out of range.
const DefaultLambda = 0.7

// New builds an MMR from cfg. A zero Lambda reads as unset; construct MMR
// directly for pure diversity.
func New(cfg config.DiversityConfig) *MMR {
	lambda := cfg.Lambda
	if lambda <= 0 || lambda > 1 {
		lambda = DefaultLambda
	}
	return &MMR{Lambda: lambda, MaxResults: cfg.MaxResults, Sim: WordJaccard}
}

// Select returns the selected candidates in selection order and the rest in
// their original order. maxResults overrides MMR.MaxResults when positive.
func (m *MMR) Select(candidates []schema.Candidate, maxResults int) (selected, rest []schema.Candidate) {
	if maxResults <= 0 {
		maxResults = m.MaxResults
	}
	if maxResults <= 0 || maxResults > len(candidates) {
		maxResults = len(candidates)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sets := make([]textsim.Set, len(candidates))
	similarity := func(i, j int) float64 {
		if m.Sim != nil {
			return m.Sim(candidates[i], candidates[j])
		}
		if sets[i] == nil {
			sets[i] = textsim.WordSet(candidates[i].Content)
		}
		if sets[j] == nil {
			sets[j] = textsim.WordSet(candidates[j].Content)
		}
		return textsim.Jaccard(sets[i], sets[j])
	}

	used := make([]bool, len(candidates))
	// maxSim[i] is the highest similarity of i to any selected candidate.
	maxSim := make([]float64, len(candidates))
	selected = make([]schema.Candidate, 0, maxResults)
	for len(selected) < maxResults {
		best, bestScore := -1, 0.0
		for i, c := range candidates {
			if used[i] {
				continue
			}
			score := m.Lambda*c.NormalizedScore - (1-m.Lambda)*maxSim[i]
			if len(selected) == 0 {
				score = c.NormalizedScore
			}
			if best < 0 || score > bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		selected = append(selected, candidates[best])
		for i := range candidates {
			if used[i] {
				continue
			}
			if s := similarity(best, i); s > maxSim[i] {
				maxSim[i] = s
			}
		}
	}
	for i, c := range candidates {
		if !used[i] {
			rest = append(rest, c)
		}
	}
	return selected, rest
}
