package vectordb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	chromem "github.com/philippgille/chromem-go"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

var errNoEmbedder = errors.New("chromem collection only accepts precomputed embeddings")

// ChromemStore is an embedded vector store, used for local runs and tests.
// Chunks must be added with their vectors.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	mapping    config.MappingConfig
}

func NewChromemStore(cfg config.VectorDBConfig) (*ChromemStore, error) {
	m := mapping(cfg.Mapping)
	var (
		db  *chromem.DB
		err error
	)
	if m.PersistentPath != "" {
		db, err = chromem.NewPersistentDB(m.PersistentPath, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db at %s: %w", m.PersistentPath, err)
		}
	} else {
		db = chromem.NewDB()
	}
	name := cfg.Collection
	if name == "" {
		name = "ragctx"
	}
	col, err := db.GetOrCreateCollection(name, nil, func(context.Context, string) ([]float32, error) {
		return nil, errNoEmbedder
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chromem collection %s: %w", name, err)
	}
	return &ChromemStore{db: db, collection: col, mapping: m}, nil
}

func (s *ChromemStore) GetProviderType() string { return PROVIDER_TYPE_CHROMEM }

// AddChunks indexes chunks with their precomputed vectors.
func (s *ChromemStore) AddChunks(ctx context.Context, chunks []Chunk) error {
	for _, c := range chunks {
		if len(c.Vector) == 0 {
			return errs.Validation("vector", "chunk "+c.ID()+" has no vector")
		}
		meta := make(map[string]string, len(c.Metadata)+5)
		for k, v := range c.Metadata {
			meta[k] = v
		}
		meta[s.mapping.DocumentField] = c.DocumentID
		meta[s.mapping.ChunkField] = strconv.Itoa(c.ChunkIndex)
		if c.Title != "" {
			meta[s.mapping.TitleField] = c.Title
		}
		if c.UserID != "" {
			meta[s.mapping.UserField] = c.UserID
		}
		if c.TopicID != "" {
			meta[s.mapping.TopicField] = c.TopicID
		}
		vec := make([]float32, len(c.Vector))
		copy(vec, c.Vector)
		if err := s.collection.AddDocument(ctx, chromem.Document{
			ID:        c.ID(),
			Metadata:  meta,
			Embedding: vec,
			Content:   c.Content,
		}); err != nil {
			return errs.Wrap(errs.KindUnavailable, config.BackendVector, fmt.Errorf("add chunk %s: %w", c.ID(), err))
		}
	}
	return nil
}

// Count returns the number of indexed chunks.
func (s *ChromemStore) Count() int { return s.collection.Count() }

func (s *ChromemStore) Query(ctx context.Context, vector []float32, opts schema.SearchOptions) ([]schema.Candidate, error) {
	total := s.collection.Count()
	if total == 0 {
		return []schema.Candidate{}, nil
	}
	where := map[string]string{}
	if opts.UserScope != "" {
		where[s.mapping.UserField] = opts.UserScope
	}
	if opts.TopicScope != "" {
		where[s.mapping.TopicField] = opts.TopicScope
	}
	if len(where) == 0 {
		where = nil
	}

	k := topK(opts)
	// document scope is filtered after the query, so ask for everything
	n := k
	if len(opts.DocumentScope) > 0 || n > total {
		n = total
	}
	q := make([]float32, len(vector))
	copy(q, vector)
	results, err := s.collection.QueryEmbedding(ctx, q, n, where, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Wrap(errs.KindUnavailable, config.BackendVector, err)
	}

	out := make([]schema.Candidate, 0, k)
	for _, r := range results {
		if float64(r.Similarity) < opts.MinScore {
			continue
		}
		meta := make(map[string]string, len(r.Metadata))
		for key, v := range r.Metadata {
			meta[key] = v
		}
		c := candidate(s.mapping, r.ID, r.Content, float64(r.Similarity), meta)
		if !inScope(opts.DocumentScope, c.SourceID) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RawScore > out[j].RawScore })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *ChromemStore) Close() error { return nil }
