package fusion

import (
	"context"
	"sort"
	"strings"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// WeightedStrategy combines per-list normalized scores linearly. A candidate
// found in several lists gets the sum of its weighted scores, one found in a
// single list gets its own weighted score.
type WeightedStrategy struct {
	// Normalization is the default for lists that do not set one.
	Normalization string
}

// NewWeightedStrategy creates a new weighted fusion strategy
func NewWeightedStrategy(normalization string) *WeightedStrategy {
	if normalization == "" {
		normalization = NormalizeMax
	}
	return &WeightedStrategy{Normalization: normalization}
}

func (s *WeightedStrategy) Name() string { return "weighted" }

type agg struct {
	cand       schema.Candidate
	score      float64
	best       float64
	retrievers []string
}

// Fuse implements weighted score fusion.
func (s *WeightedStrategy) Fuse(ctx context.Context, lists []List) ([]schema.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	byKey := map[string]*agg{}
	var order []string
	for _, l := range lists {
		mode := l.Normalization
		if mode == "" {
			mode = s.Normalization
		}
		weight := l.Weight
		if weight == 0 {
			weight = 1
		}
		norm := normalize(l.Candidates, mode)
		for i, c := range l.Candidates {
			key := c.Key()
			a, ok := byKey[key]
			if !ok {
				a = &agg{cand: c.Clone()}
				byKey[key] = a
				order = append(order, key)
			}
			a.score += weight * norm[i]
			if norm[i] > a.best {
				a.best = norm[i]
			}
			a.add(l.Retriever, norm[i])
		}
	}
	return collect(byKey, order), nil
}

func (a *agg) add(retriever string, score float64) {
	if retriever == "" {
		return
	}
	if a.cand.Signals == nil {
		a.cand.Signals = map[string]float64{}
	}
	if prev, ok := a.cand.Signals[retriever]; !ok || score > prev {
		a.cand.Signals[retriever] = score
	}
	for _, r := range a.retrievers {
		if r == retriever {
			return
		}
	}
	a.retrievers = append(a.retrievers, retriever)
}

// collect emits candidates sorted by fused score, then by the best individual
// score, then by key.
func collect(byKey map[string]*agg, order []string) []schema.Candidate {
	aggs := make([]*agg, 0, len(order))
	for _, k := range order {
		aggs = append(aggs, byKey[k])
	}
	sort.SliceStable(aggs, func(i, j int) bool {
		if aggs[i].score != aggs[j].score {
			return aggs[i].score > aggs[j].score
		}
		if aggs[i].best != aggs[j].best {
			return aggs[i].best > aggs[j].best
		}
		return aggs[i].cand.Key() < aggs[j].cand.Key()
	})
	out := make([]schema.Candidate, 0, len(aggs))
	for _, a := range aggs {
		c := a.cand
		c.SetNormalized(clamp01(a.score))
		if len(a.retrievers) > 0 {
			c.Retriever = strings.Join(a.retrievers, "+")
		}
		if c.Signals == nil {
			c.Signals = map[string]float64{}
		}
		c.Signals["fusion"] = a.score
		out = append(out, c)
	}
	return out
}

// normalize maps a list's normalized scores through the given mode.
func normalize(list []schema.Candidate, mode string) []float64 {
	out := make([]float64, len(list))
	if len(list) == 0 {
		return out
	}
	lo, hi := list[0].NormalizedScore, list[0].NormalizedScore
	for i, c := range list {
		out[i] = c.NormalizedScore
		if c.NormalizedScore < lo {
			lo = c.NormalizedScore
		}
		if c.NormalizedScore > hi {
			hi = c.NormalizedScore
		}
	}
	switch mode {
	case NormalizeMax:
		if hi > 0 {
			for i := range out {
				out[i] /= hi
			}
		}
	case NormalizeMinMax:
		span := hi - lo
		for i := range out {
			if span > 0 {
				out[i] = (out[i] - lo) / span
			} else {
				out[i] = 1 // all scores are the same
			}
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
