package budget

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// DefaultWindow is used for models missing from the window table.
const DefaultWindow = 8192

var modelWindows = map[string]int{
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
	"gpt-4.1":           1047576,
	"gpt-4.1-mini":      1047576,
	"gpt-4-turbo":       128000,
	"gpt-4-32k":         32768,
	"gpt-4":             8192,
	"gpt-3.5-turbo":     16385,
	"o1":                200000,
	"o3":                200000,
	"o3-mini":           200000,
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-3-opus":     200000,
	"llama-3-8b":        8192,
	"llama-3-70b":       8192,
	"qwen-max":          32768,
	"qwen-plus":         131072,
}

// PlanInput is the non-context prompt material of one request. Explicit token
// counts take precedence over counting the text.
type PlanInput struct {
	Model              string
	SystemPrompt       string
	SystemPromptTokens int
	History            []string
	HistoryTokens      int
	ResponseReserve    int
	// WebShare is the share of the context allowance given to web results
	// when both buckets are wanted.
	WebShare  float64
	Documents bool
	Web       bool
}

type Planner struct {
	cfg     config.BudgetConfig
	windows map[string]int
	// prefixes are window table keys, longest first.
	prefixes []string
	counter  func(model string) Counter
	log      *zap.Logger
}

func NewPlanner(cfg config.BudgetConfig, log *zap.Logger) *Planner {
	p := &Planner{cfg: cfg, windows: make(map[string]int, len(modelWindows)), log: logger.OrDefault(log, "budget")}
	for k, v := range modelWindows {
		p.windows[k] = v
	}
	for k, v := range cfg.ModelWindows {
		p.windows[strings.ToLower(k)] = v
	}
	for k := range p.windows {
		p.prefixes = append(p.prefixes, k)
	}
	sort.Slice(p.prefixes, func(i, j int) bool {
		if len(p.prefixes[i]) != len(p.prefixes[j]) {
			return len(p.prefixes[i]) > len(p.prefixes[j])
		}
		return p.prefixes[i] < p.prefixes[j]
	})
	cache := newCounterCache(p.log)
	p.counter = cache.get
	return p
}

// WithCounter replaces the token counter used for every model.
func (p *Planner) WithCounter(c Counter) *Planner {
	p.counter = func(string) Counter { return c }
	return p
}

// Counter returns the counter for model, falling back to the default model.
func (p *Planner) Counter(model string) Counter {
	if model == "" {
		model = p.cfg.DefaultModel
	}
	return p.counter(model)
}

// Window returns the context window of model: an exact table match, then the
// longest matching prefix, then DefaultWindow. MaxContext caps the result.
func (p *Planner) Window(model string) int {
	m := strings.ToLower(model)
	w, ok := p.windows[m]
	if !ok {
		w = DefaultWindow
		for _, k := range p.prefixes {
			if strings.HasPrefix(m, k) {
				w = p.windows[k]
				break
			}
		}
	}
	if p.cfg.MaxContext > 0 && p.cfg.MaxContext < w {
		w = p.cfg.MaxContext
	}
	return w
}

// Plan computes the budget. When reserved material alone exceeds the window,
// the response reserve shrinks first, then history, then the system prompt,
// so that usage plus remaining always equals the model limit.
func (p *Planner) Plan(in PlanInput) schema.TokenBudget {
	model := in.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	limit := p.Window(model)
	counter := p.Counter(model)

	sys := in.SystemPromptTokens
	if sys <= 0 && in.SystemPrompt != "" {
		sys = counter.Count(in.SystemPrompt)
	}
	hist := in.HistoryTokens
	if hist <= 0 {
		for _, h := range in.History {
			hist += counter.Count(h)
		}
	}
	resp := in.ResponseReserve
	if resp <= 0 {
		resp = p.cfg.ResponseReserve
	}

	if over := sys + hist + resp - limit; over > 0 {
		p.log.Warn("reserved prompt material exceeds model window",
			zap.String("model", model), zap.Int("limit", limit), zap.Int("over", over))
		for _, part := range []*int{&resp, &hist, &sys} {
			cut := over
			if cut > *part {
				cut = *part
			}
			*part -= cut
			over -= cut
		}
	}

	b := schema.TokenBudget{Model: model, ModelLimit: limit}
	b.Usage.SystemPrompt = sys
	b.Usage.History = hist
	b.Usage.Response = resp
	available := limit - sys - hist - resp

	share := in.WebShare
	if share <= 0 {
		share = p.cfg.WebShare
	}
	if share > 1 {
		share = 1
	}
	switch {
	case in.Documents && in.Web:
		b.Remaining.WebContext = int(float64(available) * share)
		b.Remaining.DocumentContext = available - b.Remaining.WebContext
	case in.Web:
		b.Remaining.WebContext = available
	default:
		b.Remaining.DocumentContext = available
	}
	return b
}

type counterCache struct {
	log      *zap.Logger
	counters map[string]Counter
}

func newCounterCache(log *zap.Logger) *counterCache {
	return &counterCache{log: log, counters: map[string]Counter{}}
}

func (c *counterCache) get(model string) Counter {
	name := EncodingForModel(model)
	encMu.Lock()
	cached, ok := c.counters[name]
	encMu.Unlock()
	if ok {
		return cached
	}
	counter := NewCounter(model, c.log)
	encMu.Lock()
	c.counters[name] = counter
	encMu.Unlock()
	return counter
}
