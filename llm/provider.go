// Package llm wraps the completion model used by the LLM compressor and
// summarizer.
package llm

import (
	"context"
	"fmt"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
)

const (
	PROVIDER_TYPE_OPENAI = "openai"
)

// Provider generates a completion for a single prompt.
type Provider interface {
	GetProviderType() string
	GenerateCompletion(ctx context.Context, prompt string) (string, error)
}

// NewLLMProvider returns nil, nil when no provider is configured.
func NewLLMProvider(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case PROVIDER_TYPE_OPENAI:
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider type: %s", cfg.Provider)
	}
}
