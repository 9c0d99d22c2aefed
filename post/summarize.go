package post

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/budget"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/textsim"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/llm"
)

// Summarizer produces a query-directed summary of at most maxTokens.
type Summarizer interface {
	Summarize(ctx context.Context, text, query string, maxTokens int) (string, error)
	Name() string
}

// FrequencySummarizer ranks sentences by normalized word frequency, boosted
// for query terms, and keeps the best ones in their original order.
type FrequencySummarizer struct {
	Counter budget.Counter
	// QueryBoost is added per query term found in a sentence (default 1).
	QueryBoost float64

	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

// NewFrequencySummarizer creates a frequency-based sentence ranker summarizer.
func NewFrequencySummarizer(counter budget.Counter) *FrequencySummarizer {
	return &FrequencySummarizer{
		Counter:      counter,
		QueryBoost:   1,
		tokenPattern: regexp.MustCompile(`[\p{L}\p{N}]+(?:['’]\p{L}+)*`),
		stopwords:    defaultStopwords(),
	}
}

func (s *FrequencySummarizer) Name() string { return "frequency" }

func (s *FrequencySummarizer) Summarize(_ context.Context, text, query string, maxTokens int) (string, error) {
	counter := counterOrDefault(s.Counter)
	sentences := textsim.Sentences(text)
	if len(sentences) < 2 {
		return counter.Truncate(strings.TrimSpace(text), maxTokens), nil
	}
	// Compute word frequencies
	freq := map[string]float64{}
	for _, sent := range sentences {
		for _, tok := range s.tokens(sent) {
			if _, ok := s.stopwords[tok]; ok {
				continue
			}
			freq[tok]++
		}
	}
	maxF := 0.0
	for _, v := range freq {
		if v > maxF {
			maxF = v
		}
	}
	if maxF > 0 {
		for k, v := range freq {
			freq[k] = v / maxF
		}
	}
	terms := textsim.Terms(query)

	type pair struct {
		idx    int
		score  float64
		tokens int
	}
	scores := make([]pair, len(sentences))
	for i, sent := range sentences {
		toks := s.tokens(sent)
		score := 0.0
		seen := map[string]bool{}
		for _, tok := range toks {
			score += freq[tok]
			if _, ok := terms[tok]; ok && !seen[tok] {
				score += s.QueryBoost
				seen[tok] = true
			}
		}
		// Normalize by sentence length to avoid bias
		if l := float64(len(toks)); l > 0 {
			score /= math.Sqrt(l)
		}
		scores[i] = pair{idx: i, score: score, tokens: counter.Count(sent)}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	used := 0
	var selected []int
	for _, p := range scores {
		if used+p.tokens > maxTokens {
			continue
		}
		selected = append(selected, p.idx)
		used += p.tokens
	}
	if len(selected) == 0 {
		return counter.Truncate(sentences[scores[0].idx], maxTokens), nil
	}
	// Keep original order among selected
	sort.Ints(selected)
	out := make([]string, len(selected))
	for i, idx := range selected {
		out[i] = sentences[idx]
	}
	return strings.Join(out, " "), nil
}

func (s *FrequencySummarizer) tokens(text string) []string {
	return s.tokenPattern.FindAllString(strings.ToLower(text), -1)
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// LLMSummarizer creates a concise summary focusing on query-relevant
// information.
type LLMSummarizer struct {
	Provider llm.Provider
	Counter  budget.Counter
	Log      *zap.Logger
}

const summarySystemPrompt = `You are an expert at summarization. 
Your task is to create a concise summary of the provided chunk that focuses ONLY on 
information relevant to the user's query.

Your output should:
1. Be brief but comprehensive regarding query-relevant information
2. Focus exclusively on information related to the query
3. Omit irrelevant details
4. Be written in a neutral, factual tone

Format your response as plain text with no additional comments.`

func (s *LLMSummarizer) Name() string { return "llm" }

func (s *LLMSummarizer) Summarize(ctx context.Context, text, query string, maxTokens int) (string, error) {
	counter := counterOrDefault(s.Counter)
	if s.Provider == nil {
		return text, fmt.Errorf("llm summarizer has no provider")
	}
	userPrompt := fmt.Sprintf(`Query: %s

Document Chunk:
%s

Create a concise summary of at most %d tokens focusing only on information relevant to the query.`, query, text, maxTokens)

	summary, err := s.Provider.GenerateCompletion(ctx, summarySystemPrompt+"\n\n"+userPrompt)
	if err != nil {
		logger.OrDefault(s.Log, "post").Warn("llm summarizer failed, keeping original", zap.Error(err))
		return text, err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return text, fmt.Errorf("llm summarizer returned empty summary")
	}
	return counter.Truncate(summary, maxTokens), nil
}

// NewSummarizer picks the summarizer for method, falling back to the
// frequency summarizer when no llm provider is available.
func NewSummarizer(method string, counter budget.Counter, provider llm.Provider, log *zap.Logger) Summarizer {
	if strings.EqualFold(method, "llm") {
		if provider != nil {
			return &LLMSummarizer{Provider: provider, Counter: counter, Log: log}
		}
		logger.OrDefault(log, "post").Warn("LLM summarization requires an llm provider, falling back to frequency")
	}
	return NewFrequencySummarizer(counter)
}
