package vectordb

import (
	"context"
	"fmt"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// QdrantStore queries a Qdrant collection over gRPC.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	mapping    config.MappingConfig
}

func NewQdrantStore(cfg config.VectorDBConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		return nil, errs.NotConfigured(config.BackendVector, "qdrant host is not set")
	}
	port := cfg.Port
	if port == 0 {
		port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, config.BackendVector, fmt.Errorf("connect qdrant: %w", err))
	}
	return &QdrantStore{client: client, collection: cfg.Collection, mapping: mapping(cfg.Mapping)}, nil
}

func (s *QdrantStore) GetProviderType() string { return PROVIDER_TYPE_QDRANT }

func (s *QdrantStore) Query(ctx context.Context, vector []float32, opts schema.SearchOptions) ([]schema.Candidate, error) {
	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK(opts))),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         s.filter(opts),
		Params:         &qdrant.SearchParams{HnswEf: qdrant.PtrOf(uint64(s.mapping.SearchEF))},
	}
	if opts.MinScore > 0 {
		req.ScoreThreshold = qdrant.PtrOf(float32(opts.MinScore))
	}
	points, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, classifyGRPC(ctx, err)
	}
	out := make([]schema.Candidate, 0, len(points))
	for _, p := range points {
		meta := make(map[string]string, len(p.Payload))
		content := ""
		for k, v := range p.Payload {
			if k == s.mapping.ContentField {
				content = v.GetStringValue()
				continue
			}
			meta[k] = payloadString(v)
		}
		out = append(out, candidate(s.mapping, pointID(p.Id), content, float64(p.Score), meta))
	}
	return out, nil
}

func (s *QdrantStore) filter(opts schema.SearchOptions) *qdrant.Filter {
	var must []*qdrant.Condition
	keyword := func(key, v string) *qdrant.Condition {
		return &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   key,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}},
				},
			},
		}
	}
	if opts.UserScope != "" {
		must = append(must, keyword(s.mapping.UserField, opts.UserScope))
	}
	if opts.TopicScope != "" {
		must = append(must, keyword(s.mapping.TopicField, opts.TopicScope))
	}
	if len(opts.DocumentScope) > 0 {
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: s.mapping.DocumentField,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keywords{
						Keywords: &qdrant.RepeatedStrings{Strings: opts.DocumentScope},
					}},
				},
			},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func (s *QdrantStore) Close() error { return s.client.Close() }

func payloadString(v *qdrant.Value) string {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return strconv.FormatInt(k.IntegerValue, 10)
	case *qdrant.Value_DoubleValue:
		return strconv.FormatFloat(k.DoubleValue, 'f', -1, 64)
	case *qdrant.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue)
	default:
		return ""
	}
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

// classifyGRPC maps gRPC status codes onto error kinds.
func classifyGRPC(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st, ok := status.FromError(err)
	if !ok {
		return errs.Wrap(errs.KindUnavailable, config.BackendVector, err)
	}
	kind := errs.KindUnavailable
	switch st.Code() {
	case codes.DeadlineExceeded:
		kind = errs.KindTimeout
	case codes.ResourceExhausted:
		kind = errs.KindRateLimited
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition:
		kind = errs.KindInvalidInput
	case codes.Unauthenticated, codes.PermissionDenied:
		kind = errs.KindNotConfigured
	}
	return &errs.Error{Kind: kind, Backend: config.BackendVector, Op: "query", Err: err}
}
