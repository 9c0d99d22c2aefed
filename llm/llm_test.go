package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
)

func TestOpenAIProviderCompletion(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  plants make sugar \n"}}]}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(config.LLMConfig{BaseURL: srv.URL, APIKey: "k", Model: "m", MaxTokens: 64})
	require.NoError(t, err)
	out, err := p.GenerateCompletion(context.Background(), "summarize")
	require.NoError(t, err)
	assert.Equal(t, "plants make sugar", out)
	assert.Equal(t, "m", got["model"])
	assert.EqualValues(t, 64, got["max_tokens"])
}

func TestOpenAIProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(config.LLMConfig{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)
	_, err = p.GenerateCompletion(context.Background(), "x")
	assert.True(t, errs.Is(err, errs.KindInvalidInput))
	assert.Equal(t, config.BackendLLM, errs.BackendOf(err))
}

func TestNewLLMProvider(t *testing.T) {
	p, err := NewLLMProvider(config.LLMConfig{})
	assert.NoError(t, err)
	assert.Nil(t, p)
	_, err = NewLLMProvider(config.LLMConfig{Provider: "claude"})
	assert.Error(t, err)
	_, err = NewLLMProvider(config.LLMConfig{Provider: "openai"})
	assert.True(t, errs.Is(err, errs.KindNotConfigured))
}
