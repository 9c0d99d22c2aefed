package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(0, 0)
	s := NewMemoryStore(8, time.Minute)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 10*time.Second))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	now = now.Add(11 * time.Second)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2, time.Minute)
	_ = s.Set(ctx, "a", []byte("1"), 0)
	_ = s.Set(ctx, "b", []byte("2"), 0)
	_, _ = s.Get(ctx, "a")
	_ = s.Set(ctx, "c", []byte("3"), 0)

	_, err := s.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "a")
	assert.NoError(t, err)
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStoreDeletePattern(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(16, time.Minute)
	for _, k := range []string{"p:u=1:x", "p:u=1:y", "p:u=2:x"} {
		_ = s.Set(ctx, k, []byte("v"), 0)
	}
	n, err := s.DeletePattern(ctx, "p:u=1:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = s.Get(ctx, "p:u=2:x")
	assert.NoError(t, err)
}

func TestRedisStoreRoundTripAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(config.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreDeletePattern(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(config.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	ctx := context.Background()

	for _, k := range []string{"x:d=,aa,bb,:q=1", "x:d=,bb,:q=2", "x:d=,cc,:q=3"} {
		require.NoError(t, s.Set(ctx, k, []byte("v"), time.Minute))
	}
	n, err := s.DeletePattern(ctx, "x:*,bb,*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, mr.Exists("x:d=,cc,:q=3"))
	require.NoError(t, s.Delete(ctx, "x:d=,cc,:q=3"))
	assert.False(t, mr.Exists("x:d=,cc,:q=3"))
}

func sampleContext(docs, web int) *schema.RAGContext {
	rc := &schema.RAGContext{Query: "what is photosynthesis"}
	for i := 0; i < docs; i++ {
		rc.Documents = append(rc.Documents, schema.Candidate{SourceID: "doc-1", ChunkIndex: i, Content: "chlorophyll", SourceType: schema.SourceDocument})
	}
	for i := 0; i < web; i++ {
		rc.Web = append(rc.Web, schema.Candidate{SourceID: "https://example.com", Content: "light", SourceType: schema.SourceWeb})
	}
	return rc
}

func newSemantic(t *testing.T) *Semantic {
	t.Helper()
	c, err := NewSemantic(NewMemoryStore(64, time.Hour), SemanticConfig{Prefix: "test", Similarity: true, SimilarityThreshold: 0.9}, nil)
	require.NoError(t, err)
	return c
}

func TestSemanticExactHit(t *testing.T) {
	ctx := context.Background()
	c := newSemantic(t)
	q := Query{UserID: "u1", TopicID: "t1", DocumentIDs: []string{"doc-1"}, Modes: "vkw", Limits: "5/3", Text: "What is photosynthesis?"}

	res, err := c.Lookup(ctx, q, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Context)

	require.NoError(t, c.Put(ctx, q, sampleContext(2, 1), nil))

	q.Text = "  what IS photosynthesis?  "
	res, err = c.Lookup(ctx, q, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Context)
	assert.Equal(t, schema.CacheExact, res.Hit)
	assert.Len(t, res.Context.Documents, 2)
}

func TestSemanticSimilarityHitWithinScope(t *testing.T) {
	ctx := context.Background()
	c := newSemantic(t)
	q := Query{UserID: "u1", Modes: "v", Text: "how do plants make food"}
	require.NoError(t, c.Put(ctx, q, sampleContext(1, 0), []float32{1, 0, 0}))

	embedCalls := 0
	near := func(context.Context) ([]float32, error) { embedCalls++; return []float32{0.99, 0.05, 0}, nil }

	res, err := c.Lookup(ctx, Query{UserID: "u1", Modes: "v", Text: "how plants produce food"}, near)
	require.NoError(t, err)
	assert.Equal(t, schema.CacheSimilar, res.Hit)
	assert.Greater(t, res.Similarity, 0.9)
	assert.Equal(t, 1, embedCalls)

	// another user never sees it
	res, err = c.Lookup(ctx, Query{UserID: "u2", Modes: "v", Text: "how plants produce food"}, near)
	require.NoError(t, err)
	assert.Nil(t, res.Context)
	assert.NotEmpty(t, res.Embedding)

	far := func(context.Context) ([]float32, error) { return []float32{0, 1, 0}, nil }
	res, err = c.Lookup(ctx, Query{UserID: "u1", Modes: "v", Text: "stock prices"}, far)
	require.NoError(t, err)
	assert.Nil(t, res.Context)
}

func TestSemanticInvalidation(t *testing.T) {
	ctx := context.Background()
	c := newSemantic(t)
	a := Query{UserID: "u1", TopicID: "bio", DocumentIDs: []string{"doc-1", "doc-2"}, Text: "a"}
	b := Query{UserID: "u2", TopicID: "bio", DocumentIDs: []string{"doc-3"}, Text: "b"}
	d := Query{UserID: "u2", TopicID: "chem", Text: "d"}
	for _, q := range []Query{a, b, d} {
		require.NoError(t, c.Put(ctx, q, sampleContext(1, 0), []float32{1, 1}))
	}

	n, err := c.InvalidateDocument(ctx, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	res, _ := c.Lookup(ctx, a, nil)
	assert.Nil(t, res.Context)

	// a similarity match that points at a deleted entry is a miss
	res, err = c.Lookup(ctx, Query{UserID: "u1", TopicID: "bio", DocumentIDs: []string{"doc-2", "doc-1"}, Text: "a2"},
		func(context.Context) ([]float32, error) { return []float32{1, 1}, nil })
	require.NoError(t, err)
	assert.Nil(t, res.Context)

	n, err = c.InvalidateTopic(ctx, "bio")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.InvalidateUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSemanticTTLByVolatility(t *testing.T) {
	c := newSemantic(t)
	assert.Equal(t, 15*time.Minute, c.TTLFor(sampleContext(0, 2)))
	assert.Equal(t, 4*time.Hour, c.TTLFor(sampleContext(2, 0)))
	assert.Equal(t, time.Hour, c.TTLFor(sampleContext(1, 1)))
}

func TestSemanticSkipsEmptyAndExpired(t *testing.T) {
	ctx := context.Background()
	c := newSemantic(t)
	q := Query{Text: "nothing"}
	require.NoError(t, c.Put(ctx, q, &schema.RAGContext{}, nil))
	res, err := c.Lookup(ctx, q, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Context)

	now := time.Now()
	c.now = func() time.Time { return now }
	require.NoError(t, c.Put(ctx, q, sampleContext(0, 1), nil))
	c.now = func() time.Time { return now.Add(16 * time.Minute) }
	res, err = c.Lookup(ctx, q, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Context)
}

type brokenStore struct{ MemoryStore }

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("conn refused") }

func TestSemanticStoreErrorsAreCacheKind(t *testing.T) {
	c, err := NewSemantic(&brokenStore{}, SemanticConfig{}, nil)
	require.NoError(t, err)
	_, err = c.Lookup(context.Background(), Query{Text: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache [semantic-cache]")
}
