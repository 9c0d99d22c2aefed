package post

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/llm"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/resilience"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// Reranker reorders candidates. On failure it returns the input order, cut to
// topN, together with the error.
type Reranker interface {
	Rerank(ctx context.Context, query string, in []schema.Candidate, topN int) ([]schema.Candidate, error)
	Name() string
}

func passthrough(in []schema.Candidate, topN int) []schema.Candidate {
	out := schema.CloneAll(in)
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// rescore sets the rerank score as the candidate's normalized score. Scores
// above 1 are scaled by the maximum.
func rescore(out []schema.Candidate, scores []float64) {
	top := 0.0
	for _, s := range scores {
		if s > top {
			top = s
		}
	}
	for i := range out {
		s := scores[i]
		if top > 1 {
			s /= top
		}
		if s < 0 {
			s = 0
		}
		if out[i].Signals == nil {
			out[i].Signals = map[string]float64{}
		}
		out[i].Signals["rerank"] = scores[i]
		out[i].SetNormalized(s)
	}
}

func sortByScore(out []schema.Candidate, topN int) []schema.Candidate {
	sort.SliceStable(out, func(i, j int) bool { return out[i].NormalizedScore > out[j].NormalizedScore })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// ================================================================================
// HTTP Reranker (cross-encoder service)
// ================================================================================

// HTTPReranker posts candidates to an external cross-encoder service. Both
// the Cohere/BGE response shape {"results":[{"index":0,"relevance_score":0.9}]}
// and the id based shape {"ranking":[{"id":"","score":0.9}]} are accepted.
type HTTPReranker struct {
	Endpoint string
	Model    string
	APIKey   string
	Client   *httpx.Client
	Guard    *resilience.Guard
	Log      *zap.Logger
}

type rerankReq struct {
	Query      string            `json:"query"`
	Documents  []string          `json:"documents"`
	Candidates []rerankCandidate `json:"candidates"`
	Model      string            `json:"model,omitempty"`
	TopN       int               `json:"top_n,omitempty"`
}

type rerankCandidate struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func (h *HTTPReranker) Name() string { return "http" }

func (h *HTTPReranker) Rerank(ctx context.Context, query string, in []schema.Candidate, topN int) ([]schema.Candidate, error) {
	if len(in) == 0 {
		return nil, nil
	}
	if h.Endpoint == "" {
		return passthrough(in, topN), errs.NotConfigured(config.BackendRerank, "rerank endpoint is not set")
	}
	if h.Client == nil {
		h.Client = httpx.NewFromConfig(nil)
	}
	req := rerankReq{Query: query, Model: h.Model, TopN: topN}
	idx := make(map[string]int, len(in))
	for i, c := range in {
		idx[c.Key()] = i
		req.Documents = append(req.Documents, c.Content)
		req.Candidates = append(req.Candidates, rerankCandidate{ID: c.Key(), Text: c.Content})
	}
	headers := map[string]string{}
	if h.APIKey != "" {
		headers["Authorization"] = "Bearer " + h.APIKey
	}
	call := func(ctx context.Context) ([]byte, error) {
		return h.Client.DoJSON(ctx, config.BackendRerank, http.MethodPost, h.Endpoint, headers, req)
	}
	var (
		raw []byte
		err error
	)
	if h.Guard != nil {
		raw, err = resilience.Call(ctx, h.Guard, call)
	} else {
		raw, err = call(ctx)
	}
	if err != nil {
		logger.OrDefault(h.Log, "post").Warn("rerank request failed, using original order", zap.Error(err))
		return passthrough(in, topN), err
	}

	var (
		out    []schema.Candidate
		scores []float64
	)
	res := gjson.ParseBytes(raw)
	if results := res.Get("results"); results.IsArray() {
		for _, r := range results.Array() {
			i := int(r.Get("index").Int())
			if i < 0 || i >= len(in) {
				continue
			}
			out = append(out, in[i].Clone())
			scores = append(scores, r.Get("relevance_score").Float())
		}
	} else {
		for _, r := range res.Get("ranking").Array() {
			if i, ok := idx[r.Get("id").String()]; ok {
				out = append(out, in[i].Clone())
				scores = append(scores, r.Get("score").Float())
			}
		}
	}
	if len(out) == 0 {
		err := errs.New(errs.KindUnavailable, config.BackendRerank, "rerank response matched no candidates")
		return passthrough(in, topN), err
	}
	rescore(out, scores)
	return sortByScore(out, topN), nil
}

// ================================================================================
// Keyword-based Reranker
// ================================================================================

// KeywordReranker performs reranking based on keyword matching and positioning.
type KeywordReranker struct {
	MinKeywordLength int     // Minimum length for a word to be considered a keyword (default: 3)
	BaseScoreWeight  float64 // Weight for original similarity score (default: 0.5)
}

func (k *KeywordReranker) Name() string { return "keyword" }

func (k *KeywordReranker) Rerank(_ context.Context, query string, in []schema.Candidate, topN int) ([]schema.Candidate, error) {
	minLen := k.MinKeywordLength
	if minLen == 0 {
		minLen = 3
	}
	baseWeight := k.BaseScoreWeight
	if baseWeight == 0 {
		baseWeight = 0.5
	}

	// Extract keywords from query (words longer than minLen)
	var keywords []string
	for _, word := range strings.Fields(strings.ToLower(query)) {
		word = strings.Trim(word, ".,;:!?\"'()")
		if len(word) > minLen {
			keywords = append(keywords, word)
		}
	}

	out := schema.CloneAll(in)
	scores := make([]float64, len(out))
	for i, c := range out {
		documentText := strings.ToLower(c.Title + " " + c.Content)
		keywordScore := 0.0
		for _, keyword := range keywords {
			first := strings.Index(documentText, keyword)
			if first < 0 {
				continue
			}
			// Base keyword match: +0.1
			keywordScore += 0.1
			// Position bonus: if keyword appears in first quarter, add extra
			if first < len(documentText)/4 {
				keywordScore += 0.1
			}
			// Frequency bonus, at most 0.2
			keywordScore += minFloat(0.05*float64(strings.Count(documentText, keyword)), 0.2)
		}
		scores[i] = c.NormalizedScore*baseWeight + keywordScore
	}
	rescore(out, scores)
	return sortByScore(out, topN), nil
}

// ================================================================================
// LLM-based Reranker
// ================================================================================

// LLMReranker uses an LLM to score documents from 0 to 10.
type LLMReranker struct {
	Provider llm.Provider
	Log      *zap.Logger
}

const llmRerankSystemPrompt = `You are an expert at evaluating document relevance for search queries.
Your task is to rate documents on a scale from 0 to 10 based on how well they answer the given query.

Guidelines:
- Score 0-2: Document is completely irrelevant
- Score 3-5: Document has some relevant information but doesn't directly answer the query
- Score 6-8: Document is relevant and partially answers the query
- Score 9-10: Document is highly relevant and directly answers the query

You MUST respond with ONLY a single integer score between 0 and 10. Do not include ANY other text.`

var scoreRegex = regexp.MustCompile(`\b(10|[0-9])\b`)

func (l *LLMReranker) Name() string { return "llm" }

func (l *LLMReranker) Rerank(ctx context.Context, query string, in []schema.Candidate, topN int) ([]schema.Candidate, error) {
	if l.Provider == nil {
		return passthrough(in, topN), errs.NotConfigured(config.BackendLLM, "llm reranker has no provider")
	}
	log := logger.OrDefault(l.Log, "post")
	out := schema.CloneAll(in)
	scores := make([]float64, len(out))
	for i, c := range out {
		userPrompt := fmt.Sprintf(`Query: %s
Document:
%s

Rate this document's relevance to the query on a scale from 0 to 10:`, query, c.Content)

		// Unscored documents keep their original score
		scores[i] = c.NormalizedScore
		response, err := l.Provider.GenerateCompletion(ctx, llmRerankSystemPrompt+"\n\n"+userPrompt)
		if err != nil {
			log.Warn("llm reranker failed to score document", zap.Int("index", i), zap.Error(err))
			continue
		}
		match := scoreRegex.FindStringSubmatch(strings.TrimSpace(response))
		if match == nil {
			log.Warn("llm reranker could not extract score", zap.String("response", response))
			continue
		}
		if parsed, err := strconv.ParseFloat(match[1], 64); err == nil {
			scores[i] = parsed / 10
		}
	}
	rescore(out, scores)
	return sortByScore(out, topN), nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// NewReranker builds the reranker named by provider ("http", "keyword" or
// "llm"). Unknown or unusable providers fall back to the keyword reranker.
func NewReranker(provider, endpoint, model, apiKey string, client *httpx.Client, guard *resilience.Guard, p llm.Provider, log *zap.Logger) Reranker {
	switch strings.ToLower(provider) {
	case "http", "model":
		if endpoint != "" {
			return &HTTPReranker{Endpoint: endpoint, Model: model, APIKey: apiKey, Client: client, Guard: guard, Log: log}
		}
		logger.OrDefault(log, "post").Warn("http reranker requires endpoint, using keyword reranker")
	case "llm":
		if p != nil {
			return &LLMReranker{Provider: p, Log: log}
		}
		logger.OrDefault(log, "post").Warn("llm reranker requires an llm provider, using keyword reranker")
	}
	return &KeywordReranker{}
}
