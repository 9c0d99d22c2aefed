// Package budget counts tokens and plans how a model's context window is
// split between reserved prompt material and retrieved context.
package budget

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
)

const (
	encodingCL100K = "cl100k_base"
	encodingO200K  = "o200k_base"
)

// Counter counts and truncates text in model tokens.
type Counter interface {
	Count(text string) int
	// Truncate returns the longest prefix of text within max tokens.
	Truncate(text string, max int) string
	Name() string
}

// HeuristicCounter estimates one token per four characters.
type HeuristicCounter struct{}

func (HeuristicCounter) Name() string { return "heuristic" }

func (HeuristicCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Truncate cuts at the last word boundary inside the character allowance.
func (h HeuristicCounter) Truncate(text string, max int) string {
	if max <= 0 {
		return ""
	}
	if h.Count(text) <= max {
		return text
	}
	runes := []rune(text)
	cut := string(runes[:max*4])
	if i := strings.LastIndexAny(cut, " \n\t"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}

// TiktokenCounter counts with a BPE encoding.
type TiktokenCounter struct {
	encodingName string
	tke          *tiktoken.Tiktoken
}

var (
	encMu    sync.Mutex
	encCache = map[string]*tiktoken.Tiktoken{}
)

// NewTiktokenCounter loads the encoding used by model. Loaded encodings are
// shared process-wide.
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	name := EncodingForModel(model)
	encMu.Lock()
	defer encMu.Unlock()
	if tke, ok := encCache[name]; ok {
		return &TiktokenCounter{encodingName: name, tke: tke}, nil
	}
	tke, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	encCache[name] = tke
	return &TiktokenCounter{encodingName: name, tke: tke}, nil
}

func (tc *TiktokenCounter) Name() string { return tc.encodingName }

func (tc *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(tc.tke.Encode(text, nil, nil))
}

func (tc *TiktokenCounter) Truncate(text string, max int) string {
	if max <= 0 {
		return ""
	}
	tokens := tc.tke.Encode(text, nil, nil)
	if len(tokens) <= max {
		return text
	}
	return strings.TrimSpace(tc.tke.Decode(tokens[:max]))
}

// EncodingForModel maps a model name onto its tiktoken encoding. Unknown
// models use cl100k_base.
func EncodingForModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4.1"), strings.HasPrefix(m, "gpt-5"),
		strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return encodingO200K
	}
	return encodingCL100K
}

// NewCounter returns a tiktoken counter for model, or the heuristic counter
// when the encoding cannot be loaded.
func NewCounter(model string, log *zap.Logger) Counter {
	c, err := NewTiktokenCounter(model)
	if err != nil {
		logger.OrDefault(log, "budget").Warn("tiktoken encoding unavailable, using heuristic token counter",
			zap.String("model", model), zap.Error(err))
		return HeuristicCounter{}
	}
	return c
}
