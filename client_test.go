package ragctx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/budget"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/resilience"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

const esHits = `{"hits":{"max_score":8.0,"hits":[
 {"_id":"a","_score":8.0,"_source":{"content":"Photosynthesis converts light energy into chemical energy stored in glucose.","title":"Plants","document_id":"doc-1","chunk_index":0,"user_id":"u1"}},
 {"_id":"b","_score":6.0,"_source":{"content":"Chlorophyll absorbs mostly blue and red light for photosynthesis.","title":"Pigments","document_id":"doc-2","chunk_index":0,"user_id":"u1"}}
]}}`

type esBackend struct {
	srv    *httptest.Server
	calls  atomic.Int32
	status atomic.Int32
}

func newESBackend(t *testing.T) *esBackend {
	t.Helper()
	b := &esBackend{}
	b.status.Store(http.StatusOK)
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		status := int(b.status.Load())
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(esHits))
			return
		}
		_, _ = w.Write([]byte(`{"error":"unavailable"}`))
	}))
	t.Cleanup(b.srv.Close)
	return b
}

// keywordConfig is a deployment with only the keyword backend.
func keywordConfig(endpoint string) *config.Config {
	cfg := config.Default()
	cfg.Embedding.Provider = ""
	cfg.Keyword.Enable = true
	cfg.Keyword.Endpoint = endpoint
	cfg.Resilience.Defaults.MaxRetries = 0
	cfg.Resilience.Defaults.InitialDelayMs = 1
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), cfg, WithCounter(budget.HeuristicCounter{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientKeywordOnly(t *testing.T) {
	es := newESBackend(t)
	c := newTestClient(t, keywordConfig(es.srv.URL))

	opts := c.Defaults()
	opts.UserID = "u1"
	rc, err := c.Retrieve(context.Background(), "How does photosynthesis work?", opts)
	require.NoError(t, err)

	require.NotEmpty(t, rc.Documents)
	assert.Equal(t, "doc-1", rc.Documents[0].SourceID)
	assert.False(t, rc.Partial)
	assert.False(t, rc.Degradation.Degraded)
	assert.EqualValues(t, 1, es.calls.Load())

	rc, err = c.Retrieve(context.Background(), "How does photosynthesis work?", opts)
	require.NoError(t, err)
	assert.NotEmpty(t, rc.Documents)
	assert.EqualValues(t, 1, es.calls.Load(), "second call served from cache")

	n, err := c.Invalidate(context.Background(), ScopeUser, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClientInvalidateValidation(t *testing.T) {
	c := newTestClient(t, keywordConfig("http://127.0.0.1:1"))

	_, err := c.Invalidate(context.Background(), "tenant", "x")
	assert.True(t, errs.Is(err, errs.KindValidation))
	_, err = c.Invalidate(context.Background(), ScopeDocument, "")
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestClientReportsBreakerState(t *testing.T) {
	es := newESBackend(t)
	es.status.Store(http.StatusServiceUnavailable)
	cfg := keywordConfig(es.srv.URL)
	cfg.Resilience.Defaults.FailureThreshold = 2
	c := newTestClient(t, cfg)

	opts := c.Defaults()
	opts.EnableCache = false
	for i := 0; i < 3; i++ {
		rc, err := c.Retrieve(context.Background(), "photosynthesis", opts)
		require.NoError(t, err)
		assert.True(t, rc.Partial)
		assert.Empty(t, rc.Documents)
	}
	assert.EqualValues(t, 2, es.calls.Load())

	var state resilience.State
	for _, s := range c.Backends() {
		if s.Name == config.BackendKeyword {
			state = s.State
		}
	}
	assert.Equal(t, resilience.StateOpen, state)
}

func TestClientRedisStores(t *testing.T) {
	mr := miniredis.RunT(t)
	es := newESBackend(t)
	cfg := keywordConfig(es.srv.URL)
	cfg.Cache.Store = "redis"
	cfg.Cache.Redis.Address = mr.Addr()
	cfg.Session.Store = "redis"
	c := newTestClient(t, cfg)

	opts := c.Defaults()
	opts.UserID = "u1"
	_, err := c.Retrieve(context.Background(), "photosynthesis", opts)
	require.NoError(t, err)
	assert.NotEmpty(t, mr.Keys(), "result cached in redis")

	require.NoError(t, c.Sessions().Append(context.Background(), "s1", userMessage("hello")))
	assert.True(t, mr.Exists("ragctx:session:s1"))
}

func TestNewClientRejectsUnknownStores(t *testing.T) {
	cfg := keywordConfig("http://127.0.0.1:1")
	cfg.Cache.Store = "etcd"
	_, err := NewClient(context.Background(), cfg)
	assert.Error(t, err)

	cfg = keywordConfig("http://127.0.0.1:1")
	cfg.Session.Store = "etcd"
	_, err = NewClient(context.Background(), cfg)
	assert.Error(t, err)
}

type constEmbedder struct{}

func (constEmbedder) GetProviderType() string { return "const" }

func (constEmbedder) Embed(_ context.Context, texts []string, _ string, dims int) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, dims)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

type staticVectors struct{}

func (staticVectors) GetProviderType() string { return "static" }

func (staticVectors) Query(context.Context, []float32, schema.SearchOptions) ([]schema.Candidate, error) {
	return []schema.Candidate{{
		SourceID: "doc-9", Content: "Leaves capture sunlight.", SourceType: schema.SourceDocument,
		Retriever: schema.RetrieverVector, RawScore: 0.9, NormalizedScore: 0.9, Normalized: true,
	}}, nil
}

func (staticVectors) Close() error { return nil }

func TestClientEmbeddingKeysUseCachePrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Cache.Store = "redis"
	cfg.Cache.Redis.Address = mr.Addr()
	cfg.Embedding.Dimensions = 4
	c, err := NewClient(context.Background(), cfg,
		WithCounter(budget.HeuristicCounter{}),
		WithEmbeddingProvider(constEmbedder{}),
		WithVectorStore(staticVectors{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Retrieve(context.Background(), "how do leaves use light", c.Defaults())
	require.NoError(t, err)

	var emb []string
	for _, k := range mr.Keys() {
		if strings.Contains(k, ":emb:") {
			emb = append(emb, k)
		}
	}
	require.NotEmpty(t, emb)
	for _, k := range emb {
		assert.True(t, strings.HasPrefix(k, cfg.Cache.Prefix+":emb:"), k)
		assert.NotContains(t, k, ":emb:emb:")
	}
}
