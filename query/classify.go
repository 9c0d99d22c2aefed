// Package query classifies user questions and estimates their complexity.
package query

import (
	"math"
	"regexp"
	"strings"
)

// Type is a coarse query class.
type Type string

const (
	TypeFactual     Type = "factual"
	TypeAnalytical  Type = "analytical"
	TypeComparative Type = "comparative"
	TypeProcedural  Type = "procedural"
	TypeExploratory Type = "exploratory"
	TypeUnknown     Type = "unknown"
)

type rule struct {
	t  Type
	re *regexp.Regexp
}

// Rules are tried in order; comparative wins over procedural wins over
// analytical and so on.
var rules = []rule{
	{TypeComparative, regexp.MustCompile(`(?i)\b(compare|comparison|versus|vs\.?|differ(ence|ences|ent)?|better than|worse than|pros and cons|similarit(y|ies))\b`)},
	{TypeProcedural, regexp.MustCompile(`(?i)(^|\b)(how (do|does|can|should|to)|steps? (to|for)|guide|tutorial|set ?up|install|configure|implement)\b`)},
	{TypeAnalytical, regexp.MustCompile(`(?i)(^|\b)(why|analy[sz]e|analysis|explain|impact|effects? of|cause[sd]?|implications?|evaluate|assess)\b`)},
	{TypeFactual, regexp.MustCompile(`(?i)^\s*(what|who|when|where|which|is|are|was|were|does|did|define|name|list)\b`)},
	{TypeExploratory, regexp.MustCompile(`(?i)\b(overview|tell me about|learn about|explore|ideas?|brainstorm|possibilit(y|ies)|options for|what are some)\b`)},
}

// Classify returns the first matching type, or TypeUnknown.
func Classify(q string) Type {
	q = strings.TrimSpace(q)
	if q == "" {
		return TypeUnknown
	}
	// "what are some ..." reads as exploratory even though it starts like a fact.
	if rules[4].re.MatchString(q) && !rules[0].re.MatchString(q) && !rules[1].re.MatchString(q) {
		return TypeExploratory
	}
	for _, r := range rules {
		if r.re.MatchString(q) {
			return r.t
		}
	}
	return TypeUnknown
}

// Analysis describes the shape of a query.
type Analysis struct {
	Query       string  `json:"query"`
	Type        Type    `json:"type"`
	Words       int     `json:"words"`
	Parts       int     `json:"parts"`
	MultiPart   bool    `json:"multi_part"`
	Comparative bool    `json:"comparative"`
	Complexity  float64 `json:"complexity"`
}

var (
	partSplit   = regexp.MustCompile(`\?+|;|\band also\b|\. `)
	conjunction = regexp.MustCompile(`(?i)\b(and|as well as|along with)\b`)
)

// Analyze classifies q and scores its complexity in [0,1] from length, the
// number of question parts and its type.
func Analyze(q string) Analysis {
	a := Analysis{Query: q, Type: Classify(q), Words: len(strings.Fields(q))}
	for _, p := range partSplit.Split(q, -1) {
		if strings.TrimSpace(p) != "" {
			a.Parts++
		}
	}
	if a.Parts == 0 && a.Words > 0 {
		a.Parts = 1
	}
	a.Comparative = a.Type == TypeComparative
	a.MultiPart = a.Parts > 1 || (a.Words > 8 && conjunction.MatchString(q))

	length := math.Min(float64(a.Words)/40, 1)
	parts := math.Min(float64(a.Parts-1)/3, 1)
	if parts < 0 {
		parts = 0
	}
	score := 0.45*length + 0.25*parts + 0.3*typeWeight[a.Type]
	if a.MultiPart {
		score += 0.1
	}
	a.Complexity = math.Max(0, math.Min(score, 1))
	return a
}

var typeWeight = map[Type]float64{
	TypeFactual:     0.1,
	TypeProcedural:  0.4,
	TypeExploratory: 0.5,
	TypeUnknown:     0.4,
	TypeAnalytical:  0.8,
	TypeComparative: 1.0,
}
