package vectordb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

const (
	PROVIDER_TYPE_CHROMEM = "chromem"
	PROVIDER_TYPE_QDRANT  = "qdrant"
	PROVIDER_TYPE_MILVUS  = "milvus"
)

// Store answers nearest-neighbour queries over document chunks. Results are
// sorted by descending similarity and carry SourceType document.
type Store interface {
	GetProviderType() string
	Query(ctx context.Context, vector []float32, opts schema.SearchOptions) ([]schema.Candidate, error)
	Close() error
}

// Chunk is one indexed piece of a document.
type Chunk struct {
	DocumentID string
	ChunkIndex int
	Title      string
	Content    string
	UserID     string
	TopicID    string
	Vector     []float32
	Metadata   map[string]string
}

func (c Chunk) ID() string { return c.DocumentID + "#" + strconv.Itoa(c.ChunkIndex) }

// NewStore builds the vector store named by cfg.Provider.
func NewStore(ctx context.Context, cfg config.VectorDBConfig, dims int) (Store, error) {
	switch strings.ToLower(cfg.Provider) {
	case PROVIDER_TYPE_CHROMEM:
		return NewChromemStore(cfg)
	case PROVIDER_TYPE_QDRANT:
		return NewQdrantStore(cfg)
	case PROVIDER_TYPE_MILVUS:
		return NewMilvusStore(ctx, cfg, dims)
	case "":
		return nil, errs.NotConfigured(config.BackendVector, "vectordb provider is not set")
	default:
		return nil, fmt.Errorf("unknown vector database provider type: %s", cfg.Provider)
	}
}

// mapping fills unset field names with the defaults.
func mapping(m config.MappingConfig) config.MappingConfig {
	def := config.Default().VectorDB.Mapping
	if m.IDField == "" {
		m.IDField = def.IDField
	}
	if m.ContentField == "" {
		m.ContentField = def.ContentField
	}
	if m.VectorField == "" {
		m.VectorField = def.VectorField
	}
	if m.TitleField == "" {
		m.TitleField = def.TitleField
	}
	if m.DocumentField == "" {
		m.DocumentField = def.DocumentField
	}
	if m.ChunkField == "" {
		m.ChunkField = def.ChunkField
	}
	if m.UserField == "" {
		m.UserField = def.UserField
	}
	if m.TopicField == "" {
		m.TopicField = def.TopicField
	}
	if m.MetricType == "" {
		m.MetricType = def.MetricType
	}
	if m.SearchEF <= 0 {
		m.SearchEF = def.SearchEF
	}
	return m
}

// candidate converts a scored hit into a document candidate. Fields consumed
// by the mapping are removed from meta.
func candidate(m config.MappingConfig, id, content string, score float64, meta map[string]string) schema.Candidate {
	c := schema.Candidate{
		SourceID:        id,
		Content:         content,
		SourceType:      schema.SourceDocument,
		Retriever:       schema.RetrieverVector,
		RawScore:        score,
		NormalizedScore: clamp01(score),
		Normalized:      true,
	}
	if v, ok := meta[m.DocumentField]; ok && v != "" {
		c.SourceID = v
		delete(meta, m.DocumentField)
	}
	if v, ok := meta[m.ChunkField]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.ChunkIndex = n
		}
		delete(meta, m.ChunkField)
	}
	if v, ok := meta[m.TitleField]; ok {
		c.Title, c.SourceName = v, v
		delete(meta, m.TitleField)
	}
	if v, ok := meta["author"]; ok {
		c.Metadata.Author = v
		delete(meta, "author")
	}
	if v, ok := meta["file_type"]; ok {
		c.Metadata.FileType = v
		delete(meta, "file_type")
	}
	delete(meta, m.UserField)
	delete(meta, m.TopicField)
	if len(meta) > 0 {
		c.Metadata.Extra = meta
	}
	return c
}

// inScope reports whether a document id passes a document scope filter.
func inScope(scope []string, id string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		if s == id {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func topK(opts schema.SearchOptions) int {
	if opts.TopK <= 0 {
		return 10
	}
	return opts.TopK
}
