package retriever

import (
	"context"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/query"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/resilience"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/threshold"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/vectordb"
)

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text, model string, dims int) ([]float32, error)
}

// VectorRetriever implements SemanticSearcher using embedding+vector store backend.
type VectorRetriever struct {
	Embed Embedder
	Store vectordb.Store
	// Optimizer is optional; without it one query runs at opts.MinScore.
	Optimizer *threshold.Optimizer
	// Guard wraps every store query, not the embedding call.
	Guard *resilience.Guard
}

func (r *VectorRetriever) Type() string { return schema.RetrieverVector }

func (r *VectorRetriever) SearchSemantic(ctx context.Context, q string, qtype query.Type, opts schema.SearchOptions) (threshold.Result, error) {
	if r.Store == nil || r.Embed == nil {
		return threshold.Result{}, errs.NotConfigured(config.BackendVector, "vector search is not configured")
	}
	vec, err := r.Embed.Embed(ctx, q, "", 0)
	if err != nil {
		return threshold.Result{}, err
	}
	return r.SearchVector(ctx, vec, qtype, opts)
}

// SearchVector runs the search for a precomputed query vector.
func (r *VectorRetriever) SearchVector(ctx context.Context, vec []float32, qtype query.Type, opts schema.SearchOptions) (threshold.Result, error) {
	if r.Store == nil {
		return threshold.Result{}, errs.NotConfigured(config.BackendVector, "vector search is not configured")
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	p := guardedStore{store: r.Store, guard: r.Guard}
	if r.Optimizer == nil {
		got, err := p.Query(ctx, vec, opts)
		if err != nil {
			return threshold.Result{}, err
		}
		return threshold.Result{Candidates: got, Threshold: opts.MinScore}, nil
	}
	return r.Optimizer.Search(ctx, p, vec, qtype, opts)
}

type guardedStore struct {
	store vectordb.Store
	guard *resilience.Guard
}

func (g guardedStore) Query(ctx context.Context, vec []float32, opts schema.SearchOptions) ([]schema.Candidate, error) {
	if g.guard == nil {
		return g.store.Query(ctx, vec, opts)
	}
	return resilience.Call(ctx, g.guard, func(ctx context.Context) ([]schema.Candidate, error) {
		return g.store.Query(ctx, vec, opts)
	})
}
