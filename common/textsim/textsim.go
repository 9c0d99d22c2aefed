// Package textsim holds the lexical similarity helpers shared by dedup,
// diversity, compression and reranking.
package textsim

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"unicode"
)

// Normalize lowercases s and collapses every run of whitespace to one space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Hash returns a stable hex digest of the normalized text.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(Normalize(s)))
	return hex.EncodeToString(sum[:])
}

// Words splits s into lowercase alphanumeric tokens.
func Words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Set is a word set.
type Set map[string]struct{}

// WordSet returns the set of words in s.
func WordSet(s string) Set {
	ws := Words(s)
	set := make(Set, len(ws))
	for _, w := range ws {
		set[w] = struct{}{}
	}
	return set
}

// PrefixSet returns the word set of the first n words of s.
func PrefixSet(s string, n int) Set {
	ws := Words(s)
	if n > 0 && len(ws) > n {
		ws = ws[:n]
	}
	set := make(Set, len(ws))
	for _, w := range ws {
		set[w] = struct{}{}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b|. Two empty sets are identical.
func Jaccard(a, b Set) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Overlap returns the share of query words present in text.
func Overlap(query Set, text Set) float64 {
	if len(query) == 0 {
		return 0
	}
	hit := 0
	for w := range query {
		if _, ok := text[w]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(query))
}

// Cosine returns the cosine similarity of two vectors, 0 when either is empty
// or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Sentences splits text on sentence terminators, keeping them attached.
func Sentences(text string) []string {
	var out []string
	var b strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		b.WriteRune(r)
		end := r == '.' || r == '!' || r == '?' || r == '。' || r == '\n'
		if end && (i+1 == len(runes) || unicode.IsSpace(runes[i+1]) || r == '\n' || r == '。') {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {}, "of": {}, "to": {},
	"in": {}, "on": {}, "and": {}, "or": {}, "for": {}, "with": {}, "what": {}, "how": {}, "why": {},
	"does": {}, "do": {}, "it": {}, "this": {}, "that": {}, "be": {}, "by": {}, "as": {}, "at": {},
}

// Terms returns the word set of s without common stopwords.
func Terms(s string) Set {
	set := WordSet(s)
	for w := range set {
		if _, ok := stopwords[w]; ok {
			delete(set, w)
		}
	}
	return set
}
