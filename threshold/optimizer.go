// Package threshold picks a vector similarity cutoff per query from the live
// score distribution of a broad probe.
package threshold

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/query"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// Prober is the vector backend the optimizer queries.
type Prober interface {
	Query(ctx context.Context, vector []float32, opts schema.SearchOptions) ([]schema.Candidate, error)
}

// Result of one optimized search.
type Result struct {
	Candidates []schema.Candidate `json:"-"`
	Threshold  float64            `json:"threshold"`
	Relaxed    bool               `json:"relaxed"`
	SampleSize int                `json:"sample_size"`
	Probed     bool               `json:"probed"`
}

// percentiles per query type. Broad questions keep more of the distribution.
var percentiles = map[query.Type]float64{
	query.TypeFactual:     75,
	query.TypeAnalytical:  60,
	query.TypeComparative: 50,
	query.TypeProcedural:  65,
	query.TypeExploratory: 40,
	query.TypeUnknown:     60,
}

type Optimizer struct {
	cfg config.ThresholdConfig
	log *zap.Logger
}

func New(cfg config.ThresholdConfig, log *zap.Logger) *Optimizer {
	def := config.DefaultPipeline().Threshold
	if cfg.ProbeTopK <= 0 {
		cfg.ProbeTopK = def.ProbeTopK
	}
	if cfg.MaxThreshold <= 0 {
		cfg.MaxThreshold = def.MaxThreshold
	}
	if cfg.MinThreshold > cfg.MaxThreshold {
		cfg.MinThreshold = cfg.MaxThreshold
	}
	if cfg.RelaxFactor <= 0 || cfg.RelaxFactor > 1 {
		cfg.RelaxFactor = def.RelaxFactor
	}
	return &Optimizer{cfg: cfg, log: logger.OrDefault(log, "threshold")}
}

// Percentile returns the score percentile used for t.
func (o *Optimizer) Percentile(t query.Type) float64 {
	if p, ok := percentiles[t]; ok {
		return p
	}
	return percentiles[query.TypeUnknown]
}

// Cutoff derives the threshold from probe scores. With no sample the
// requested score is used. The result is clamped to [Min, Max].
func (o *Optimizer) Cutoff(scores []float64, t query.Type, requested float64) float64 {
	if len(scores) == 0 {
		return o.clamp(requested)
	}
	return o.clamp(percentile(scores, o.Percentile(t)))
}

// Relax moves t toward MinThreshold by RelaxFactor.
func (o *Optimizer) Relax(t float64) float64 {
	return o.clamp(t - (t-o.cfg.MinThreshold)*o.cfg.RelaxFactor)
}

func (o *Optimizer) clamp(v float64) float64 {
	return math.Max(o.cfg.MinThreshold, math.Min(v, o.cfg.MaxThreshold))
}

// Search probes the backend, queries it at the derived threshold and relaxes
// once when fewer than MinResults come back. When the optimizer is disabled a
// single query runs at the requested score. Results under HardFloor are
// always dropped.
func (o *Optimizer) Search(ctx context.Context, p Prober, vector []float32, t query.Type, opts schema.SearchOptions) (Result, error) {
	if !o.cfg.Enable {
		opts.MinScore = math.Max(opts.MinScore, o.cfg.HardFloor)
		got, err := p.Query(ctx, vector, opts)
		if err != nil {
			return Result{}, err
		}
		return Result{Candidates: o.floor(got), Threshold: opts.MinScore}, nil
	}

	probe := opts
	probe.TopK = o.cfg.ProbeTopK
	probe.MinScore = o.cfg.ProbeThreshold
	sample, err := p.Query(ctx, vector, probe)
	if err != nil {
		return Result{}, err
	}
	scores := make([]float64, 0, len(sample))
	for _, c := range sample {
		scores = append(scores, c.NormalizedScore)
	}
	res := Result{Probed: true, SampleSize: len(scores)}
	res.Threshold = math.Max(o.Cutoff(scores, t, opts.MinScore), o.cfg.HardFloor)

	search := opts
	search.MinScore = res.Threshold
	got, err := p.Query(ctx, vector, search)
	if err != nil {
		return Result{}, err
	}
	got = o.floor(got)

	if len(got) < o.cfg.MinResults {
		relaxed := math.Max(o.Relax(res.Threshold), o.cfg.HardFloor)
		if relaxed < res.Threshold {
			search.MinScore = relaxed
			again, err := p.Query(ctx, vector, search)
			if err != nil {
				return Result{}, err
			}
			o.log.Debug("relaxed vector threshold",
				zap.Float64("from", res.Threshold), zap.Float64("to", relaxed),
				zap.Int("before", len(got)), zap.Int("after", len(again)))
			got = o.floor(again)
			res.Threshold = relaxed
			res.Relaxed = true
		}
	}
	res.Candidates = got
	return res, nil
}

func (o *Optimizer) floor(in []schema.Candidate) []schema.Candidate {
	out := in[:0:0]
	for _, c := range in {
		if c.NormalizedScore >= o.cfg.HardFloor {
			out = append(out, c)
		}
	}
	return out
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	if len(s) == 1 {
		return s[0]
	}
	rank := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return s[lo]
	}
	return s[lo] + (s[hi]-s[lo])*(rank-float64(lo))
}
