package retriever

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/resilience"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

const (
	WEB_PROVIDER_TAVILY     = "tavily"
	WEB_PROVIDER_BING       = "bing"
	WEB_PROVIDER_DUCKDUCKGO = "duckduckgo"
)

var defaultWebEndpoints = map[string]string{
	WEB_PROVIDER_TAVILY:     "https://api.tavily.com/search",
	WEB_PROVIDER_BING:       "https://api.bing.microsoft.com/v7.0/search",
	WEB_PROVIDER_DUCKDUCKGO: "https://api.duckduckgo.com/",
}

// WebSearchRetriever calls a web search API (Tavily, Bing v7 or DuckDuckGo).
type WebSearchRetriever struct {
	Provider    string
	Endpoint    string
	APIKey      string
	SearchDepth string
	Client      *httpx.Client
	Guard       *resilience.Guard
	Log         *zap.Logger

	now func() time.Time
}

// webHit is one provider result before filtering.
type webHit struct {
	Title     string
	URL       string
	Snippet   string
	Score     float64
	HasScore  bool
	Published time.Time
}

func NewWebSearchRetriever(cfg config.WebConfig, client *httpx.Client, guard *resilience.Guard, log *zap.Logger) *WebSearchRetriever {
	return &WebSearchRetriever{
		Provider:    strings.ToLower(cfg.Provider),
		Endpoint:    cfg.Endpoint,
		APIKey:      cfg.APIKey,
		SearchDepth: cfg.SearchDepth,
		Client:      client,
		Guard:       guard,
		Log:         log,
	}
}

func (r *WebSearchRetriever) Type() string { return schema.RetrieverWeb }

func (r *WebSearchRetriever) endpoint() string {
	if r.Endpoint != "" {
		return r.Endpoint
	}
	return defaultWebEndpoints[r.Provider]
}

func (r *WebSearchRetriever) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Search calls the provider, scores unscored hits by rank and filters by date
// range and MinScore.
func (r *WebSearchRetriever) Search(ctx context.Context, q string, opts schema.WebSearchOptions) ([]schema.Candidate, error) {
	if r.Client == nil {
		return nil, errs.NotConfigured(config.BackendWeb, "web http client not configured")
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}
	var fetch func(ctx context.Context) ([]webHit, error)
	switch r.Provider {
	case WEB_PROVIDER_TAVILY:
		if r.APIKey == "" {
			return nil, errs.NotConfigured(config.BackendWeb, "tavily search requires api key")
		}
		fetch = func(ctx context.Context) ([]webHit, error) { return r.searchTavily(ctx, q, opts) }
	case WEB_PROVIDER_BING:
		if r.APIKey == "" {
			return nil, errs.NotConfigured(config.BackendWeb, "bing search requires api key")
		}
		fetch = func(ctx context.Context) ([]webHit, error) { return r.searchBing(ctx, q, opts) }
	case WEB_PROVIDER_DUCKDUCKGO:
		fetch = func(ctx context.Context) ([]webHit, error) { return r.searchDuckDuckGo(ctx, q, opts) }
	default:
		return nil, errs.NotConfigured(config.BackendWeb, fmt.Sprintf("unknown web search provider %q", r.Provider))
	}

	var (
		hits []webHit
		err  error
	)
	if r.Guard != nil {
		hits, err = resilience.Call(ctx, r.Guard, fetch)
	} else {
		hits, err = fetch(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := r.filter(hits, opts)
	logger.OrDefault(r.Log, "web").Debug("web search finished",
		zap.String("provider", r.Provider), zap.Int("hits", len(hits)), zap.Int("kept", len(out)))
	return out, nil
}

// rankScore is the score given to the i-th result of a provider without
// relevance scores.
func rankScore(i int) float64 { return 1 / (1 + 0.15*float64(i)) }

func (r *WebSearchRetriever) filter(hits []webHit, opts schema.WebSearchOptions) []schema.Candidate {
	from, to := dateRange(opts, r.clock())
	out := make([]schema.Candidate, 0, len(hits))
	for i, h := range hits {
		if h.URL == "" || strings.TrimSpace(h.Snippet) == "" {
			continue
		}
		score := h.Score
		if !h.HasScore {
			score = rankScore(i)
		}
		if score < opts.MinScore {
			continue
		}
		// results without a date are kept
		if !h.Published.IsZero() {
			if !from.IsZero() && h.Published.Before(from) {
				continue
			}
			if !to.IsZero() && h.Published.After(to) {
				continue
			}
		}
		c := schema.Candidate{
			SourceID:        h.URL,
			SourceName:      h.Title,
			Title:           h.Title,
			URL:             h.URL,
			Content:         h.Snippet,
			SourceType:      schema.SourceWeb,
			Retriever:       schema.RetrieverWeb,
			RawScore:        score,
			NormalizedScore: clamp(score),
			Normalized:      true,
		}
		c.Metadata.PublishedAt = h.Published
		if u, err := url.Parse(h.URL); err == nil {
			c.Metadata.Domain = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		}
		out = append(out, c)
		if len(out) >= opts.MaxResults {
			break
		}
	}
	return out
}

// dateRange resolves explicit dates first, then the relative time range.
func dateRange(opts schema.WebSearchOptions, now time.Time) (time.Time, time.Time) {
	if !opts.DateFrom.IsZero() || !opts.DateTo.IsZero() {
		return opts.DateFrom, opts.DateTo
	}
	switch strings.ToLower(opts.TimeRange) {
	case "day", "d":
		return now.AddDate(0, 0, -1), time.Time{}
	case "week", "w":
		return now.AddDate(0, 0, -7), time.Time{}
	case "month", "m":
		return now.AddDate(0, -1, 0), time.Time{}
	case "year", "y":
		return now.AddDate(-1, 0, 0), time.Time{}
	}
	return time.Time{}, time.Time{}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", time.RFC1123, time.RFC1123Z} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// searchTavily posts to the Tavily search API.
func (r *WebSearchRetriever) searchTavily(ctx context.Context, q string, opts schema.WebSearchOptions) ([]webHit, error) {
	body := map[string]interface{}{
		"query":       q,
		"max_results": opts.MaxResults,
	}
	if r.SearchDepth != "" {
		body["search_depth"] = r.SearchDepth
	}
	if opts.Topic != "" {
		body["topic"] = opts.Topic
	}
	if opts.TimeRange != "" {
		body["time_range"] = opts.TimeRange
	}
	if !opts.DateFrom.IsZero() {
		body["start_date"] = opts.DateFrom.Format("2006-01-02")
	}
	if !opts.DateTo.IsZero() {
		body["end_date"] = opts.DateTo.Format("2006-01-02")
	}
	if opts.Country != "" {
		body["country"] = opts.Country
	}
	raw, err := r.Client.DoJSON(ctx, config.BackendWeb, http.MethodPost, r.endpoint(),
		map[string]string{"Authorization": "Bearer " + r.APIKey}, body)
	if err != nil {
		return nil, err
	}
	results := gjson.GetBytes(raw, "results").Array()
	hits := make([]webHit, 0, len(results))
	for _, v := range results {
		h := webHit{
			Title:     v.Get("title").String(),
			URL:       v.Get("url").String(),
			Snippet:   v.Get("content").String(),
			Published: parseDate(v.Get("published_date").String()),
		}
		if s := v.Get("score"); s.Exists() {
			h.Score, h.HasScore = s.Float(), true
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// searchBing performs a Bing Web Search using Bing Search API v7
func (r *WebSearchRetriever) searchBing(ctx context.Context, q string, opts schema.WebSearchOptions) ([]webHit, error) {
	u, err := url.Parse(r.endpoint())
	if err != nil {
		return nil, errs.Wrap(errs.KindNotConfigured, config.BackendWeb, err)
	}
	params := u.Query()
	params.Set("q", q)
	params.Set("count", fmt.Sprintf("%d", opts.MaxResults))
	if f := bingFreshness(opts); f != "" {
		params.Set("freshness", f)
	}
	if opts.Country != "" {
		params.Set("cc", opts.Country)
	}
	u.RawQuery = params.Encode()
	// Bing API key header
	raw, err := r.Client.DoJSON(ctx, config.BackendWeb, http.MethodGet, u.String(),
		map[string]string{"Ocp-Apim-Subscription-Key": r.APIKey}, nil)
	if err != nil {
		return nil, err
	}
	values := gjson.GetBytes(raw, "webPages.value").Array()
	hits := make([]webHit, 0, len(values))
	for _, v := range values {
		published := parseDate(v.Get("datePublished").String())
		if published.IsZero() {
			published = parseDate(v.Get("dateLastCrawled").String())
		}
		hits = append(hits, webHit{
			Title:     v.Get("name").String(),
			URL:       v.Get("url").String(),
			Snippet:   v.Get("snippet").String(),
			Published: published,
		})
	}
	return hits, nil
}

func bingFreshness(opts schema.WebSearchOptions) string {
	if !opts.DateFrom.IsZero() {
		to := opts.DateTo
		if to.IsZero() {
			to = time.Now()
		}
		return opts.DateFrom.Format("2006-01-02") + ".." + to.Format("2006-01-02")
	}
	switch strings.ToLower(opts.TimeRange) {
	case "day", "d":
		return "Day"
	case "week", "w":
		return "Week"
	case "month", "m":
		return "Month"
	}
	return ""
}

// searchDuckDuckGo uses the Instant Answer API. It returns the abstract and
// related topics, none of which carry scores or dates.
func (r *WebSearchRetriever) searchDuckDuckGo(ctx context.Context, q string, opts schema.WebSearchOptions) ([]webHit, error) {
	u, err := url.Parse(r.endpoint())
	if err != nil {
		return nil, errs.Wrap(errs.KindNotConfigured, config.BackendWeb, err)
	}
	params := u.Query()
	params.Set("q", q)
	params.Set("format", "json")
	params.Set("no_html", "1")
	u.RawQuery = params.Encode()
	raw, err := r.Client.DoJSON(ctx, config.BackendWeb, http.MethodGet, u.String(), nil, nil)
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(raw)
	hits := make([]webHit, 0, opts.MaxResults)
	// Add abstract if available
	if text := res.Get("AbstractText").String(); text != "" {
		hits = append(hits, webHit{
			Title:   res.Get("AbstractSource").String(),
			URL:     res.Get("AbstractURL").String(),
			Snippet: text,
		})
	}
	// Add related topics
	for _, topic := range res.Get("RelatedTopics").Array() {
		text, link := topic.Get("Text").String(), topic.Get("FirstURL").String()
		if text == "" || link == "" {
			continue
		}
		// Extract title from text (usually before " - ")
		title := text
		if i := strings.Index(title, " - "); i > 0 {
			title = title[:i]
		}
		if len(title) > 100 {
			title = title[:100]
		}
		hits = append(hits, webHit{Title: title, URL: link, Snippet: text})
	}
	return hits, nil
}
