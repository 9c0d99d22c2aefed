package schema

import (
	"strconv"
	"time"
)

// SourceType separates document chunks from web results.
type SourceType string

const (
	SourceDocument SourceType = "document"
	SourceWeb      SourceType = "web"
)

// Retriever names the backend that produced a candidate.
const (
	RetrieverVector  = "vector"
	RetrieverKeyword = "keyword"
	RetrieverWeb     = "web"
)

// Metadata is optional descriptive data attached by a backend.
type Metadata struct {
	Author      string            `json:"author,omitempty"`
	PublishedAt time.Time         `json:"published_at,omitempty"`
	FileSize    int64             `json:"file_size,omitempty"`
	FileType    string            `json:"file_type,omitempty"`
	Domain      string            `json:"domain,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Candidate is one retrieved unit. Values produced by a backend are treated as
// immutable: stages that change scores or content work on a Clone.
type Candidate struct {
	SourceID        string     `json:"source_id"`
	SourceName      string     `json:"source_name,omitempty"`
	ChunkIndex      int        `json:"chunk_index"`
	Content         string     `json:"content"`
	Title           string     `json:"title,omitempty"`
	URL             string     `json:"url,omitempty"`
	SourceType      SourceType `json:"source_type"`
	Retriever       string     `json:"retriever,omitempty"`
	RawScore        float64    `json:"raw_score"`
	NormalizedScore float64    `json:"normalized_score"`
	// Normalized is set once NormalizedScore holds a comparable value, zero
	// included.
	Normalized      bool       `json:"normalized,omitempty"`
	Metadata        Metadata   `json:"metadata,omitempty"`

	// Derived by downstream stages.
	Priority      float64            `json:"priority,omitempty"`
	OrderingScore float64            `json:"ordering_score,omitempty"`
	Weight        float64            `json:"weight,omitempty"`
	Signals       map[string]float64 `json:"signals,omitempty"`
	Tokens        int                `json:"tokens,omitempty"`
	Compressed    bool               `json:"compressed,omitempty"`
	Summarized    bool               `json:"summarized,omitempty"`
}

// Key identifies a candidate across result lists.
func (c Candidate) Key() string {
	return c.SourceID + "#" + strconv.Itoa(c.ChunkIndex)
}

// Clone returns a deep copy.
func (c Candidate) Clone() Candidate {
	out := c
	if c.Signals != nil {
		out.Signals = make(map[string]float64, len(c.Signals))
		for k, v := range c.Signals {
			out.Signals[k] = v
		}
	}
	if c.Metadata.Extra != nil {
		out.Metadata.Extra = make(map[string]string, len(c.Metadata.Extra))
		for k, v := range c.Metadata.Extra {
			out.Metadata.Extra[k] = v
		}
	}
	return out
}

// CloneAll deep-copies a slice of candidates.
func CloneAll(in []Candidate) []Candidate {
	if in == nil {
		return nil
	}
	out := make([]Candidate, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// Score returns NormalizedScore once a stage has normalized the candidate and
// RawScore before that.
func (c Candidate) Score() float64 {
	if c.Normalized || c.NormalizedScore != 0 {
		return c.NormalizedScore
	}
	return c.RawScore
}

// SetNormalized records a normalized score.
func (c *Candidate) SetNormalized(v float64) {
	c.NormalizedScore = v
	c.Normalized = true
}

// SetSignal records a named derived score.
func (c *Candidate) SetSignal(name string, v float64) {
	if c.Signals == nil {
		c.Signals = make(map[string]float64, 2)
	}
	c.Signals[name] = v
}
