package retriever

import (
	"context"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/query"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/threshold"
)

// DocumentSearcher is a document backend that takes the query text.
type DocumentSearcher interface {
	Type() string
	Search(ctx context.Context, query string, opts schema.SearchOptions) ([]schema.Candidate, error)
}

// WebSearcher is a web search backend.
type WebSearcher interface {
	Type() string
	Search(ctx context.Context, query string, opts schema.WebSearchOptions) ([]schema.Candidate, error)
}

// SemanticSearcher embeds the query and searches a vector store. qtype
// steers the adaptive threshold.
type SemanticSearcher interface {
	Type() string
	SearchSemantic(ctx context.Context, query string, qtype query.Type, opts schema.SearchOptions) (threshold.Result, error)
}
