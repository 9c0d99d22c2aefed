package orchestrator

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// Prompt styles.
const (
	StyleMarkdown = "markdown"
	StyleXML      = "xml"
)

// FormatOptions control FormatContextForPrompt.
type FormatOptions struct {
	Style           string `json:"style,omitempty" validate:"omitempty,oneof=markdown xml"`
	IncludeScores   bool   `json:"include_scores,omitempty"`
	IncludeMetadata bool   `json:"include_metadata,omitempty"`
	// MaxCharsPerSource cuts each source's content when positive.
	MaxCharsPerSource int `json:"max_chars_per_source,omitempty" validate:"gte=0"`
}

const noContext = "No relevant context was found."

// FormatContextForPrompt renders rc as numbered document and web sources for
// an LLM prompt. Sources are numbered across both sections so citations stay
// unambiguous.
func FormatContextForPrompt(rc *schema.RAGContext, opts FormatOptions) string {
	if opts.Style == StyleXML {
		return formatXML(rc, opts)
	}
	return formatMarkdown(rc, opts)
}

func formatMarkdown(rc *schema.RAGContext, opts FormatOptions) string {
	var b strings.Builder
	if notice := degradationNotice(rc); notice != "" {
		b.WriteString("> ")
		b.WriteString(notice)
		b.WriteString("\n\n")
	}
	if rc.Empty() {
		b.WriteString(noContext)
		b.WriteString("\n")
		return b.String()
	}
	n := 0
	section := func(title string, cands []schema.Candidate) {
		if len(cands) == 0 {
			return
		}
		fmt.Fprintf(&b, "## %s\n\n", title)
		for _, c := range cands {
			n++
			fmt.Fprintf(&b, "### [%d] %s\n", n, label(c))
			if c.URL != "" {
				fmt.Fprintf(&b, "URL: %s\n", c.URL)
			}
			if opts.IncludeScores {
				fmt.Fprintf(&b, "Score: %.3f\n", c.Score())
			}
			if opts.IncludeMetadata {
				for _, kv := range metadata(c) {
					fmt.Fprintf(&b, "%s: %s\n", kv[0], kv[1])
				}
			}
			b.WriteString("\n")
			b.WriteString(clip(c.Content, opts.MaxCharsPerSource))
			b.WriteString("\n\n")
		}
	}
	section("Documents", rc.Documents)
	section("Web Results", rc.Web)
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func formatXML(rc *schema.RAGContext, opts FormatOptions) string {
	var b strings.Builder
	b.WriteString("<context>\n")
	if notice := degradationNotice(rc); notice != "" {
		fmt.Fprintf(&b, "<notice>%s</notice>\n", html.EscapeString(notice))
	}
	if rc.Empty() {
		fmt.Fprintf(&b, "<empty>%s</empty>\n</context>\n", noContext)
		return b.String()
	}
	n := 0
	section := func(tag string, cands []schema.Candidate) {
		if len(cands) == 0 {
			return
		}
		fmt.Fprintf(&b, "<%s>\n", tag)
		for _, c := range cands {
			n++
			fmt.Fprintf(&b, `<source id="%d" type="%s" title="%s"`, n, c.SourceType, html.EscapeString(label(c)))
			if c.URL != "" {
				fmt.Fprintf(&b, ` url="%s"`, html.EscapeString(c.URL))
			}
			if opts.IncludeScores {
				fmt.Fprintf(&b, ` score="%.3f"`, c.Score())
			}
			if opts.IncludeMetadata {
				for _, kv := range metadata(c) {
					fmt.Fprintf(&b, ` %s="%s"`, kv[0], html.EscapeString(kv[1]))
				}
			}
			b.WriteString(">\n")
			b.WriteString(html.EscapeString(clip(c.Content, opts.MaxCharsPerSource)))
			b.WriteString("\n</source>\n")
		}
		fmt.Fprintf(&b, "</%s>\n", tag)
	}
	section("documents", rc.Documents)
	section("web", rc.Web)
	b.WriteString("</context>\n")
	return b.String()
}

func label(c schema.Candidate) string {
	switch {
	case c.Title != "":
		return c.Title
	case c.SourceName != "":
		return c.SourceName
	case c.URL != "":
		return c.URL
	}
	return c.SourceID
}

// metadata lists the set metadata fields as name/value pairs.
func metadata(c schema.Candidate) [][2]string {
	var out [][2]string
	if c.Metadata.Author != "" {
		out = append(out, [2]string{"author", c.Metadata.Author})
	}
	if !c.Metadata.PublishedAt.IsZero() {
		out = append(out, [2]string{"published", c.Metadata.PublishedAt.Format("2006-01-02")})
	}
	if c.Metadata.Domain != "" {
		out = append(out, [2]string{"domain", c.Metadata.Domain})
	}
	if c.Metadata.FileType != "" {
		out = append(out, [2]string{"file_type", c.Metadata.FileType})
	}
	return out
}

// clip cuts s to max runes on a word boundary when one is near.
func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)[:max]
	out := string(r)
	if i := strings.LastIndexAny(out, " \n\t"); i > len(out)/2 {
		out = out[:i]
	}
	return strings.TrimRight(out, " \n\t.,;:") + "..."
}

func degradationNotice(rc *schema.RAGContext) string {
	if rc == nil {
		return ""
	}
	switch {
	case rc.Degradation.Level == schema.DegradationSevere:
		return "Warning: document search is degraded, the context below may be incomplete (" +
			strings.Join(rc.Degradation.AffectedBackends, ", ") + ")."
	case rc.Degradation.Degraded || rc.Partial:
		if len(rc.Degradation.AffectedBackends) == 0 {
			return "Note: some sources were unavailable, the context below may be incomplete."
		}
		return "Note: some sources were unavailable (" + strings.Join(rc.Degradation.AffectedBackends, ", ") +
			"), the context below may be incomplete."
	}
	return ""
}
