package vectordb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// MilvusStore runs ANN searches against a Milvus collection.
type MilvusStore struct {
	client     client.Client
	collection string
	dims       int
	mapping    config.MappingConfig
}

func NewMilvusStore(ctx context.Context, cfg config.VectorDBConfig, dims int) (*MilvusStore, error) {
	if cfg.Host == "" {
		return nil, errs.NotConfigured(config.BackendVector, "milvus host is not set")
	}
	port := cfg.Port
	if port == 0 {
		port = 19530
	}
	c, err := client.NewClient(ctx, client.Config{
		Address:       fmt.Sprintf("%s:%d", cfg.Host, port),
		Username:      cfg.Username,
		Password:      cfg.Password,
		DBName:        cfg.Database,
		APIKey:        cfg.APIKey,
		EnableTLSAuth: cfg.UseTLS,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, config.BackendVector, fmt.Errorf("connect milvus: %w", err))
	}
	return &MilvusStore{client: c, collection: cfg.Collection, dims: dims, mapping: mapping(cfg.Mapping)}, nil
}

func (s *MilvusStore) GetProviderType() string { return PROVIDER_TYPE_MILVUS }

func (s *MilvusStore) Query(ctx context.Context, vector []float32, opts schema.SearchOptions) ([]schema.Candidate, error) {
	if s.dims > 0 && len(vector) != s.dims {
		return nil, errs.Validation("vector", fmt.Sprintf("expected %d dimensions, got %d", s.dims, len(vector)))
	}
	sp, err := entity.NewIndexHNSWSearchParam(s.mapping.SearchEF)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, config.BackendVector, err)
	}
	m := s.mapping
	fields := []string{m.ContentField, m.TitleField, m.DocumentField, m.ChunkField}
	metric := entity.MetricType(strings.ToUpper(m.MetricType))

	results, err := s.client.Search(ctx, s.collection, nil, s.expr(opts), fields,
		[]entity.Vector{entity.FloatVector(vector)}, m.VectorField, metric, topK(opts), sp)
	if err != nil {
		return nil, classifyGRPC(ctx, err)
	}

	var out []schema.Candidate
	for _, r := range results {
		if r.Err != nil {
			return nil, errs.Wrap(errs.KindUnavailable, config.BackendVector, r.Err)
		}
		for i := 0; i < r.ResultCount; i++ {
			score := float64(r.Scores[i])
			if metric == entity.L2 {
				// smaller distance is closer
				score = 1 / (1 + score)
			}
			if score < opts.MinScore {
				continue
			}
			meta := make(map[string]string, 3)
			for _, name := range []string{m.TitleField, m.DocumentField, m.ChunkField} {
				if col := r.Fields.GetColumn(name); col != nil {
					if v, err := col.Get(i); err == nil {
						meta[name] = fmt.Sprint(v)
					}
				}
			}
			content := ""
			if col := r.Fields.GetColumn(m.ContentField); col != nil {
				content, _ = col.GetAsString(i)
			}
			id := ""
			if r.IDs != nil {
				if v, err := r.IDs.Get(i); err == nil {
					id = fmt.Sprint(v)
				}
			}
			out = append(out, candidate(m, id, content, score, meta))
		}
	}
	return out, nil
}

// expr builds the boolean filter expression for the search scope.
func (s *MilvusStore) expr(opts schema.SearchOptions) string {
	var parts []string
	if opts.UserScope != "" {
		parts = append(parts, fmt.Sprintf("%s == %s", s.mapping.UserField, strconv.Quote(opts.UserScope)))
	}
	if opts.TopicScope != "" {
		parts = append(parts, fmt.Sprintf("%s == %s", s.mapping.TopicField, strconv.Quote(opts.TopicScope)))
	}
	if len(opts.DocumentScope) > 0 {
		quoted := make([]string, len(opts.DocumentScope))
		for i, d := range opts.DocumentScope {
			quoted[i] = strconv.Quote(d)
		}
		parts = append(parts, fmt.Sprintf("%s in [%s]", s.mapping.DocumentField, strings.Join(quoted, ", ")))
	}
	return strings.Join(parts, " && ")
}

func (s *MilvusStore) Close() error { return s.client.Close() }
