package fusion

import (
	"context"
	"sort"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// RRFStrategy implements Reciprocal Rank Fusion. Scores only decide the rank
// inside each list; the fused score is rescaled so a candidate ranked first in
// every list gets 1.
type RRFStrategy struct {
	K int // RRF parameter (default: 60)
}

// NewRRFStrategy creates a new RRF fusion strategy
func NewRRFStrategy(k int) *RRFStrategy {
	if k <= 0 {
		k = 60
	}
	return &RRFStrategy{K: k}
}

func (s *RRFStrategy) Name() string { return "rrf" }

func (s *RRFStrategy) Fuse(ctx context.Context, lists []List) ([]schema.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := float64(s.K)
	byKey := map[string]*agg{}
	var order []string
	ceiling := 0.0
	for _, l := range lists {
		weight := l.Weight
		if weight == 0 {
			weight = 1
		}
		if len(l.Candidates) > 0 {
			ceiling += weight / (k + 1)
		}
		ranked := make([]schema.Candidate, len(l.Candidates))
		copy(ranked, l.Candidates)
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].NormalizedScore > ranked[j].NormalizedScore })
		for idx, c := range ranked {
			key := c.Key()
			a, ok := byKey[key]
			if !ok {
				a = &agg{cand: c.Clone()}
				byKey[key] = a
				order = append(order, key)
			}
			// RRF: 1 / (k + rank)
			a.score += weight / (k + float64(idx+1))
			if c.NormalizedScore > a.best {
				a.best = c.NormalizedScore
			}
			a.add(l.Retriever, c.NormalizedScore)
		}
	}
	if ceiling > 0 {
		for _, a := range byKey {
			a.score /= ceiling
		}
	}
	return collect(byKey, order), nil
}
