package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/fusion"
)

// Options configure one RetrieveContext call. Start from Defaults and
// override what the request needs; zero values are meaningful.
type Options struct {
	UserID      string   `json:"user_id,omitempty" validate:"max=256"`
	TopicID     string   `json:"topic_id,omitempty" validate:"max=256"`
	DocumentIDs []string `json:"document_ids,omitempty" validate:"max=1000,dive,required,max=256"`
	// ExperimentID picks the fusion weight variant; UserID when empty.
	ExperimentID string `json:"experiment_id,omitempty"`

	EnableVector    bool `json:"enable_vector"`
	EnableKeyword   bool `json:"enable_keyword"`
	EnableWeb       bool `json:"enable_web"`
	EnableFusion    bool `json:"enable_fusion"`
	EnableRerank    bool `json:"enable_rerank"`
	EnableDedup     bool `json:"enable_dedup"`
	EnableDiversity bool `json:"enable_diversity"`
	EnableCache     bool `json:"enable_cache"`
	// Strict fails the call when no backend succeeded.
	Strict bool `json:"strict,omitempty"`

	MinScore float64 `json:"min_score" validate:"gte=0,lte=1"`
	// MaxChunks and MaxWebResults replace the computed limits when positive.
	MaxChunks     int `json:"max_chunks,omitempty" validate:"gte=0,lte=200"`
	MaxWebResults int `json:"max_web_results,omitempty" validate:"gte=0,lte=50"`

	Weights        *fusion.Weights `json:"weights,omitempty"`
	FusionStrategy string          `json:"fusion_strategy,omitempty" validate:"omitempty,oneof=weighted rrf"`
	DedupMode      string          `json:"dedup_mode,omitempty" validate:"omitempty,oneof=quick full"`
	RerankTopN     int             `json:"rerank_top_n,omitempty" validate:"gte=0"`

	Diversity config.DiversityConfig `json:"diversity"`
	Assembler config.AssemblerConfig `json:"assembler"`
	Web       WebOptions             `json:"web"`

	// Prompt material reserved ahead of the context.
	Model              string   `json:"model,omitempty"`
	SystemPrompt       string   `json:"system_prompt,omitempty"`
	SystemPromptTokens int      `json:"system_prompt_tokens,omitempty" validate:"gte=0"`
	History            []string `json:"history,omitempty"`
	HistoryTokens      int      `json:"history_tokens,omitempty" validate:"gte=0"`
	ResponseReserve    int      `json:"response_reserve,omitempty" validate:"gte=0"`
}

// WebOptions are passed to the web search backend.
type WebOptions struct {
	Topic     string    `json:"topic,omitempty" validate:"omitempty,oneof=general news finance"`
	TimeRange string    `json:"time_range,omitempty" validate:"omitempty,oneof=day week month year"`
	DateFrom  time.Time `json:"date_from,omitempty"`
	DateTo    time.Time `json:"date_to,omitempty"`
	Country   string    `json:"country,omitempty" validate:"omitempty,max=64"`
}

// DefaultOptions returns the options implied by the pipeline config.
func DefaultOptions(p *config.PipelineConfig) Options {
	if p == nil {
		p = config.DefaultPipeline()
	}
	return Options{
		EnableVector:    p.EnableVector,
		EnableKeyword:   p.EnableKeyword,
		EnableWeb:       p.EnableWeb,
		EnableFusion:    p.EnableFusion,
		EnableRerank:    p.EnableRerank,
		EnableDedup:     p.EnableDedup,
		EnableDiversity: p.EnableDiversity,
		EnableCache:     p.EnableCache,
		Strict:          p.Strict,
		MinScore:        p.MinScore,
		FusionStrategy:  p.Fusion.Strategy,
		DedupMode:       p.Dedup.Mode,
		RerankTopN:      p.Post.Rerank.TopN,
		Diversity:       p.Diversity,
		Assembler:       p.Assembler,
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	err := validatorInstance().Struct(o)
	if err == nil {
		err = o.check()
	}
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
		}
		return errs.Validation("options", strings.Join(msgs, "; "))
	}
	return errs.Validation("options", err.Error())
}

func (o Options) check() error {
	if o.Diversity.Lambda < 0 || o.Diversity.Lambda > 1 {
		return fmt.Errorf("diversity lambda %.2f outside [0,1]", o.Diversity.Lambda)
	}
	if o.Weights != nil && !o.Weights.Valid() {
		return fmt.Errorf("fusion weights must be non-negative and not both zero")
	}
	if !o.Web.DateFrom.IsZero() && !o.Web.DateTo.IsZero() && o.Web.DateTo.Before(o.Web.DateFrom) {
		return fmt.Errorf("web date_to is before date_from")
	}
	return nil
}

// modes is the cache key segment for the search flags.
func (o Options) modes() string {
	var b strings.Builder
	for _, f := range []struct {
		on bool
		c  byte
	}{
		{o.EnableVector, 'v'}, {o.EnableKeyword, 'k'}, {o.EnableWeb, 'w'}, {o.EnableFusion, 'f'},
		{o.EnableRerank, 'r'}, {o.EnableDedup, 'd'}, {o.EnableDiversity, 'm'},
	} {
		if f.on {
			b.WriteByte(f.c)
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}
