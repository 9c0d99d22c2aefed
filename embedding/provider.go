package embedding

import (
	"context"
	"fmt"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
)

const (
	PROVIDER_TYPE_OPENAI = "openai"
)

// Provider embeds texts in one call. Failures are *errs.Error with kind
// RateLimited, Unavailable or InvalidInput.
type Provider interface {
	GetProviderType() string
	Embed(ctx context.Context, texts []string, model string, dims int) ([][]float32, error)
}

// NewProvider builds the embedding provider named by cfg.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case PROVIDER_TYPE_OPENAI:
		return NewOpenAIProvider(cfg)
	case "":
		return nil, errs.NotConfigured(config.BackendEmbedding, "embedding provider is not set")
	default:
		return nil, fmt.Errorf("unknown embedding provider type: %s", cfg.Provider)
	}
}
