package fusion

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
)

// NewStrategy constructs a strategy from config.
func NewStrategy(cfg config.FusionConfig) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case "", "weighted":
		switch cfg.Normalization {
		case "", NormalizeNone, NormalizeMax, NormalizeMinMax:
		default:
			return nil, fmt.Errorf("unsupported fusion normalization: %s", cfg.Normalization)
		}
		return NewWeightedStrategy(cfg.Normalization), nil
	case "rrf":
		return NewRRFStrategy(cfg.RRFK), nil
	default:
		return nil, fmt.Errorf("unsupported fusion strategy: %s", cfg.Strategy)
	}
}

// Source names where a request's weights came from.
const (
	SourceDefault    = "default"
	SourceExperiment = "experiment"
	SourceOverride   = "override"
)

// Selection is the outcome of weight resolution for one request.
type Selection struct {
	Weights Weights
	Source  string
	Variant string
}

// Selector resolves per-request weights: an explicit override wins, then the
// experiment variant for the stable id, then the configured defaults.
type Selector struct {
	Defaults Weights
	Loader   *ExperimentLoader
	Log      *zap.Logger
}

// NewSelector builds a selector from config. The experiment loader is only
// created when an experiments uri is configured.
func NewSelector(cfg config.FusionConfig, loader *ExperimentLoader, log *zap.Logger) *Selector {
	def := Weights{Semantic: cfg.SemanticWeight, Keyword: cfg.KeywordWeight}
	if !def.Valid() {
		def = Weights{Semantic: 0.6, Keyword: 0.4}
	}
	return &Selector{Defaults: def, Loader: loader, Log: logger.OrDefault(log, "fusion")}
}

func (s *Selector) Select(ctx context.Context, override *Weights, stableID string) Selection {
	if override != nil && override.Valid() {
		return Selection{Weights: *override, Source: SourceOverride}
	}
	if s.Loader != nil && stableID != "" {
		exps, err := s.Loader.Get(ctx)
		if err != nil {
			s.Log.Warn("fusion: experiments unavailable, using default weights", zap.Error(err))
		} else if v, ok := exps.Select(stableID); ok {
			return Selection{Weights: v.Weights, Source: SourceExperiment, Variant: v.Name}
		}
	}
	return Selection{Weights: s.Defaults, Source: SourceDefault}
}
