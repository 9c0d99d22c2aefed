package embedding

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
)

// OpenAIProvider calls an OpenAI-compatible /embeddings endpoint. SDK retries
// are disabled; the caller's guard owns retry policy.
type OpenAIProvider struct {
	client openai.Client
}

func NewOpenAIProvider(cfg config.EmbeddingConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errs.NotConfigured(config.BackendEmbedding, "openai embedding requires api_key or base_url")
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}, nil
}

func (p *OpenAIProvider) GetProviderType() string { return PROVIDER_TYPE_OPENAI }

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string, model string, dims int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	params := openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openai.EmbeddingModel(model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if dims > 0 {
		params.Dimensions = openai.Int(int64(dims))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errs.Wrap(errs.KindUnavailable, config.BackendEmbedding,
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
	}
	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		v := make([]float32, len(d.Embedding))
		for j, x := range d.Embedding {
			v[j] = float32(x)
		}
		out[i] = v
	}
	return out, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		e := errs.FromStatus(config.BackendEmbedding, apiErr.StatusCode)
		e.Err = err
		return e
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &errs.Error{Kind: errs.KindTimeout, Backend: config.BackendEmbedding, Err: err}
	}
	return errs.Wrap(errs.KindUnavailable, config.BackendEmbedding, err)
}
