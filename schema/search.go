package schema

import "time"

// SearchOptions scope a document search (vector or keyword).
type SearchOptions struct {
	UserScope     string   `json:"user_scope,omitempty"`
	TopicScope    string   `json:"topic_scope,omitempty"`
	DocumentScope []string `json:"document_scope,omitempty"`
	TopK          int      `json:"top_k"`
	MinScore      float64  `json:"min_score,omitempty"`
}

// WebSearchOptions configure a web search call.
type WebSearchOptions struct {
	Topic string `json:"topic,omitempty"`
	// TimeRange is one of day, week, month, year; DateFrom/DateTo take precedence.
	TimeRange  string    `json:"time_range,omitempty"`
	DateFrom   time.Time `json:"date_from,omitempty"`
	DateTo     time.Time `json:"date_to,omitempty"`
	Country    string    `json:"country,omitempty"`
	MaxResults int       `json:"max_results"`
	MinScore   float64   `json:"min_score,omitempty"`
}
