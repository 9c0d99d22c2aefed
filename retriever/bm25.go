package retriever

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"path"

	"github.com/tidwall/gjson"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/resilience"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// BM25Retriever queries an Elasticsearch-like backend using a bool query with
// a multi_match clause and scope filters.
// Endpoint example: http://es:9200
// Index example: ragctx
type BM25Retriever struct {
	Endpoint string
	Index    string
	Username string
	Password string
	Fields   []string
	MaxTopK  int
	// RawMinScore is sent as the backend-native min_score when positive.
	// opts.MinScore applies to the normalized score after the call.
	RawMinScore float64
	Mapping     config.MappingConfig
	Client      *httpx.Client
	Guard       *resilience.Guard
}

// NewBM25Retriever builds the keyword retriever from config.
func NewBM25Retriever(cfg config.KeywordConfig, m config.MappingConfig, client *httpx.Client, guard *resilience.Guard) *BM25Retriever {
	return &BM25Retriever{
		Endpoint: cfg.Endpoint,
		Index:    cfg.Index,
		Username: cfg.Username,
		Password: cfg.Password,
		Fields:   cfg.Fields,
		MaxTopK:  cfg.MaxTopK,
		Mapping:  m,
		Client:   client,
		Guard:    guard,
	}
}

func (r *BM25Retriever) Type() string { return schema.RetrieverKeyword }

// request builds the search body.
func (r *BM25Retriever) request(q string, opts schema.SearchOptions, size int) map[string]interface{} {
	fields := r.Fields
	if len(fields) == 0 {
		fields = []string{"content^2", "title", "metadata.*"}
	}
	m := r.mapping()
	var filter []interface{}
	if opts.UserScope != "" {
		filter = append(filter, map[string]interface{}{"term": map[string]interface{}{m.UserField: opts.UserScope}})
	}
	if opts.TopicScope != "" {
		filter = append(filter, map[string]interface{}{"term": map[string]interface{}{m.TopicField: opts.TopicScope}})
	}
	if len(opts.DocumentScope) > 0 {
		filter = append(filter, map[string]interface{}{"terms": map[string]interface{}{m.DocumentField: opts.DocumentScope}})
	}
	boolQuery := map[string]interface{}{
		"must": []interface{}{
			map[string]interface{}{"multi_match": map[string]interface{}{"query": q, "fields": fields}},
		},
	}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	body := map[string]interface{}{
		"size":  size,
		"query": map[string]interface{}{"bool": boolQuery},
	}
	if r.RawMinScore > 0 {
		body["min_score"] = r.RawMinScore
	}
	return body
}

func (r *BM25Retriever) mapping() config.MappingConfig {
	m := r.Mapping
	def := config.Default().VectorDB.Mapping
	if m.ContentField == "" {
		m.ContentField = def.ContentField
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
	return m
}

func (r *BM25Retriever) Search(ctx context.Context, q string, opts schema.SearchOptions) ([]schema.Candidate, error) {
	if r.Endpoint == "" || r.Index == "" {
		return nil, errs.NotConfigured(config.BackendKeyword, "keyword endpoint or index is not set")
	}
	if r.Client == nil {
		return nil, errs.NotConfigured(config.BackendKeyword, "bm25 http client not configured")
	}
	size := opts.TopK
	if size <= 0 {
		size = 10
	}
	if r.MaxTopK > 0 && r.MaxTopK < size {
		size = r.MaxTopK
	}
	// Build URL: {endpoint}/{index}/_search
	u, err := url.Parse(r.Endpoint)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotConfigured, config.BackendKeyword, err)
	}
	u.Path = path.Join(u.Path, r.Index, "_search")
	headers := map[string]string{}
	if r.Username != "" {
		headers["Authorization"] = basicAuth(r.Username, r.Password)
	}
	body := r.request(q, opts, size)

	call := func(ctx context.Context) ([]byte, error) {
		return r.Client.DoJSON(ctx, config.BackendKeyword, http.MethodPost, u.String(), headers, body)
	}
	var raw []byte
	if r.Guard != nil {
		raw, err = resilience.Call(ctx, r.Guard, call)
	} else {
		raw, err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	return r.parse(raw, opts), nil
}

// parse converts hits into candidates normalized by the highest score in the
// response.
func (r *BM25Retriever) parse(raw []byte, opts schema.SearchOptions) []schema.Candidate {
	m := r.mapping()
	res := gjson.ParseBytes(raw)
	hits := res.Get("hits.hits").Array()
	top := res.Get("hits.max_score").Float()
	for _, h := range hits {
		if s := h.Get("_score").Float(); s > top {
			top = s
		}
	}
	out := make([]schema.Candidate, 0, len(hits))
	for _, h := range hits {
		src := h.Get("_source")
		content := src.Get(m.ContentField).String()
		title := src.Get(m.TitleField).String()
		// fallback: if no content, use the title
		if content == "" {
			content = title
		}
		if content == "" {
			continue
		}
		score := h.Get("_score").Float()
		c := schema.Candidate{
			SourceID:   h.Get("_id").String(),
			SourceName: title,
			Title:      title,
			Content:    content,
			SourceType: schema.SourceDocument,
			Retriever:  schema.RetrieverKeyword,
			RawScore:   score,
		}
		if top > 0 {
			c.SetNormalized(score / top)
		} else {
			c.SetNormalized(0)
		}
		if doc := src.Get(m.DocumentField).String(); doc != "" {
			c.SourceID = doc
		}
		if idx := src.Get(m.ChunkField); idx.Exists() {
			c.ChunkIndex = int(idx.Int())
		}
		if a := src.Get("metadata.author"); a.Exists() {
			c.Metadata.Author = a.String()
		}
		if ft := src.Get("metadata.file_type"); ft.Exists() {
			c.Metadata.FileType = ft.String()
		}
		if c.NormalizedScore < opts.MinScore {
			continue
		}
		out = append(out, c)
	}
	return out
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}
