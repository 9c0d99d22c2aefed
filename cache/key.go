package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/textsim"
)

// Query identifies a cacheable retrieval. Modes and Limits are opaque strings
// built by the caller from its search flags and topK values.
type Query struct {
	UserID      string
	TopicID     string
	DocumentIDs []string
	Modes       string
	Limits      string
	Text        string
}

// Keys are laid out as
//
//	<prefix>:u=<h(user)>:t=<h(topic)>:d=,<h(doc1)>,<h(doc2)>,:m=<modes>:l=<limits>:q=<h(query)>
//
// so that every invalidation is a single glob.
const (
	segUser  = ":u="
	segTopic = ":t="
	segDocs  = ":d="
	segModes = ":m="
	segLimit = ":l="
	segQuery = ":q="
	noScope  = "-"
)

func shortHash(s string) string {
	if s == "" {
		return noScope
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func docSegment(ids []string) string {
	if len(ids) == 0 {
		return noScope
	}
	hs := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		h := shortHash(id)
		if !seen[h] {
			seen[h] = true
			hs = append(hs, h)
		}
	}
	sort.Strings(hs)
	return "," + strings.Join(hs, ",") + ","
}

func sanitize(s string) string {
	// glob metacharacters and the segment separator never appear inside a segment
	return strings.NewReplacer(":", "_", "*", "_", "?", "_", "[", "_", "]", "_").Replace(s)
}

// scope is the key without its query segment.
func (k *Keyer) scope(q Query) string {
	var b strings.Builder
	b.WriteString(k.prefix)
	b.WriteString(segUser)
	b.WriteString(shortHash(q.UserID))
	b.WriteString(segTopic)
	b.WriteString(shortHash(q.TopicID))
	b.WriteString(segDocs)
	b.WriteString(docSegment(q.DocumentIDs))
	b.WriteString(segModes)
	b.WriteString(sanitize(q.Modes))
	b.WriteString(segLimit)
	b.WriteString(sanitize(q.Limits))
	return b.String()
}

// Keyer builds cache keys and invalidation patterns.
type Keyer struct {
	prefix string
}

func NewKeyer(prefix string) *Keyer {
	if prefix == "" {
		prefix = "ragctx"
	}
	return &Keyer{prefix: sanitize(prefix) + ":ctx"}
}

// Key returns the exact-match key for q.
func (k *Keyer) Key(q Query) string {
	return k.scope(q) + segQuery + shortHash(textsim.Normalize(q.Text))
}

func (k *Keyer) UserPattern(userID string) string {
	return k.prefix + segUser + shortHash(userID) + ":*"
}

func (k *Keyer) TopicPattern(topicID string) string {
	return k.prefix + segUser + "*" + segTopic + shortHash(topicID) + ":*"
}

func (k *Keyer) DocumentPattern(docID string) string {
	return k.prefix + ":*," + shortHash(docID) + ",*"
}
