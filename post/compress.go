package post

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/budget"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/textsim"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/llm"
)

// ================================================================================
// Compressor Interface
// ================================================================================

// Compressor shortens one text to at most maxTokens, keeping what matters for
// query. On error the returned text is still usable: implementations fall back
// to token truncation.
type Compressor interface {
	Compress(ctx context.Context, text, query string, maxTokens int) (string, error)
	Name() string
}

// CompressionRatio is the share of characters removed, in [0,1].
func CompressionRatio(original, compressed string) float64 {
	if len(original) == 0 {
		return 0
	}
	reduction := float64(len(original)-len(compressed)) / float64(len(original))
	if reduction < 0 {
		return 0
	}
	return reduction
}

func counterOrDefault(c budget.Counter) budget.Counter {
	if c == nil {
		return budget.HeuristicCounter{}
	}
	return c
}

// ================================================================================
// 1. Truncate Compressor
// ================================================================================

// TruncateCompressor is a query-agnostic compressor that keeps the head of
// the text.
type TruncateCompressor struct {
	Counter budget.Counter
}

func (t *TruncateCompressor) Name() string { return "truncate" }

func (t *TruncateCompressor) Compress(_ context.Context, text, _ string, maxTokens int) (string, error) {
	return counterOrDefault(t.Counter).Truncate(text, maxTokens), nil
}

// ================================================================================
// 2. Query Compressor
// ================================================================================

// QueryCompressor keeps the sentences sharing the most terms with the query,
// in their original order, up to the token cap.
type QueryCompressor struct {
	Counter budget.Counter
}

func (q *QueryCompressor) Name() string { return "query" }

func (q *QueryCompressor) Compress(_ context.Context, text, query string, maxTokens int) (string, error) {
	counter := counterOrDefault(q.Counter)
	if counter.Count(text) <= maxTokens {
		return text, nil
	}
	terms := textsim.Terms(query)
	sentences := textsim.Sentences(text)
	if len(terms) == 0 || len(sentences) < 2 {
		return counter.Truncate(text, maxTokens), nil
	}
	type scored struct {
		idx    int
		score  float64
		tokens int
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		ranked[i] = scored{idx: i, score: textsim.Overlap(terms, textsim.WordSet(s)), tokens: counter.Count(s)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	used := 0
	var keep []int
	for _, r := range ranked {
		if r.score == 0 && len(keep) > 0 {
			break
		}
		if used+r.tokens > maxTokens {
			continue
		}
		keep = append(keep, r.idx)
		used += r.tokens
	}
	if len(keep) == 0 {
		return counter.Truncate(text, maxTokens), nil
	}
	sort.Ints(keep)
	out := make([]string, len(keep))
	for i, idx := range keep {
		out[i] = sentences[idx]
	}
	return strings.Join(out, " "), nil
}

// ================================================================================
// 3. Extraction Compressor (LLM)
// ================================================================================

// ExtractionCompressor asks an LLM for the exact sentences relevant to the
// query.
type ExtractionCompressor struct {
	Provider llm.Provider
	Counter  budget.Counter
	Log      *zap.Logger
}

const extractionSystemPrompt = `You are an expert at information extraction.
Your task is to extract ONLY the exact sentences from the document chunk that contain information relevant 
to answering the user's query.

Your output should:
1. Include ONLY direct quotes of relevant sentences from the original text
2. Preserve the original wording (do not modify the text)
3. Include ONLY sentences that directly relate to the query
4. Separate extracted sentences with newlines
5. Do not add any commentary or additional text

Format your response as plain text with no additional comments.`

func (e *ExtractionCompressor) Name() string { return "llm" }

func (e *ExtractionCompressor) Compress(ctx context.Context, text, query string, maxTokens int) (string, error) {
	counter := counterOrDefault(e.Counter)
	if e.Provider == nil {
		return counter.Truncate(text, maxTokens), nil
	}
	userPrompt := fmt.Sprintf(`Query: %s

Document Chunk:
%s

Extract only the exact sentences that are relevant to answering this query.`, query, text)

	compressed, err := e.Provider.GenerateCompletion(ctx, extractionSystemPrompt+"\n\n"+userPrompt)
	if err != nil {
		logger.OrDefault(e.Log, "post").Warn("extraction compressor failed, truncating", zap.Error(err))
		return counter.Truncate(text, maxTokens), err
	}
	compressed = strings.TrimSpace(compressed)
	if compressed == "" {
		return counter.Truncate(text, maxTokens), nil
	}
	return counter.Truncate(compressed, maxTokens), nil
}

// ================================================================================
// 4. HTTP Compressor (External microservice, e.g., LLMLingua)
// ================================================================================

// HTTPCompressor delegates compression to an external HTTP service.
// Request:  {"query":"...","target_tokens":200,"documents":[{"id":"0","text":"..."}]}
// Response: {"documents":[{"id":"0","text":"..."}]}
type HTTPCompressor struct {
	Endpoint string
	Client   *httpx.Client
	Headers  map[string]string
	Counter  budget.Counter
}

type httpCompressRequest struct {
	Query        string                 `json:"query"`
	TargetTokens int                    `json:"target_tokens,omitempty"`
	Documents    []httpCompressDocument `json:"documents"`
}

type httpCompressDocument struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type httpCompressResponse struct {
	Documents []httpCompressDocument `json:"documents"`
}

func (h *HTTPCompressor) Name() string { return "http" }

func (h *HTTPCompressor) Compress(ctx context.Context, text, query string, maxTokens int) (string, error) {
	counter := counterOrDefault(h.Counter)
	if h.Endpoint == "" || text == "" {
		return counter.Truncate(text, maxTokens), nil
	}
	if h.Client == nil {
		h.Client = httpx.NewFromConfig(nil)
	}
	req := httpCompressRequest{
		Query:        query,
		TargetTokens: maxTokens,
		Documents:    []httpCompressDocument{{ID: "0", Text: text}},
	}
	raw, err := h.Client.DoJSON(ctx, "compress-service", http.MethodPost, h.Endpoint, h.Headers, req)
	if err != nil {
		return counter.Truncate(text, maxTokens), err
	}
	var resp httpCompressResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return counter.Truncate(text, maxTokens), fmt.Errorf("http compressor decode response: %w", err)
	}
	for _, d := range resp.Documents {
		if d.ID == "0" && strings.TrimSpace(d.Text) != "" {
			return counter.Truncate(d.Text, maxTokens), nil
		}
	}
	return counter.Truncate(text, maxTokens), nil
}

// ================================================================================
// Compressor Factory
// ================================================================================

// CompressorOption configures the HTTP/remote compressor factory.
type CompressorOption func(*compressorOptions)

type compressorOptions struct {
	endpoint string
	headers  map[string]string
	client   *httpx.Client
	provider llm.Provider
	log      *zap.Logger
}

// WithHTTPEndpoint sets the remote compressor endpoint.
func WithHTTPEndpoint(endpoint string) CompressorOption {
	return func(opts *compressorOptions) { opts.endpoint = endpoint }
}

// WithHTTPHeaders sets static headers (e.g., Authorization) for the HTTP compressor.
func WithHTTPHeaders(headers map[string]string) CompressorOption {
	return func(opts *compressorOptions) {
		if len(headers) == 0 {
			return
		}
		if opts.headers == nil {
			opts.headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			opts.headers[k] = v
		}
	}
}

// WithHTTPClient injects a custom httpx.Client.
func WithHTTPClient(client *httpx.Client) CompressorOption {
	return func(opts *compressorOptions) { opts.client = client }
}

// WithLLM sets the completion provider used by the llm method.
func WithLLM(p llm.Provider) CompressorOption {
	return func(opts *compressorOptions) { opts.provider = p }
}

func WithLogger(l *zap.Logger) CompressorOption {
	return func(opts *compressorOptions) { opts.log = l }
}

// NewCompressor creates a Compressor for method. Methods whose dependency is
// missing fall back to the query compressor.
func NewCompressor(method string, counter budget.Counter, opts ...CompressorOption) Compressor {
	options := compressorOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	log := logger.OrDefault(options.log, "post")

	switch strings.ToLower(method) {
	case "http", "llmlingua", "llm-lingua":
		if options.endpoint == "" {
			log.Warn("HTTP compression requires endpoint, falling back to query compression")
			return &QueryCompressor{Counter: counter}
		}
		return &HTTPCompressor{Endpoint: options.endpoint, Client: options.client, Headers: options.headers, Counter: counter}
	case "llm", "extraction":
		if options.provider == nil {
			log.Warn("LLM compression requires an llm provider, falling back to query compression")
			return &QueryCompressor{Counter: counter}
		}
		return &ExtractionCompressor{Provider: options.provider, Counter: counter, Log: options.log}
	case "truncate":
		return &TruncateCompressor{Counter: counter}
	case "query", "":
		return &QueryCompressor{Counter: counter}
	default:
		log.Warn("unknown compression method, using query compression", zap.String("method", method))
		return &QueryCompressor{Counter: counter}
	}
}
