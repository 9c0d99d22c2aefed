package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/orchestrator"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// printContext writes the prompt context followed by a one-line summary.
func printContext(w io.Writer, rc *schema.RAGContext, opts orchestrator.FormatOptions) error {
	if _, err := io.WriteString(w, orchestrator.FormatContextForPrompt(rc, opts)); err != nil {
		return err
	}
	parts := []string{
		fmt.Sprintf("documents=%d", len(rc.Documents)),
		fmt.Sprintf("web=%d", len(rc.Web)),
	}
	if rc.CacheHit != schema.CacheMiss {
		parts = append(parts, "cache="+string(rc.CacheHit))
	}
	if rc.Partial {
		parts = append(parts, "partial")
	}
	if rc.Budget != nil {
		parts = append(parts, fmt.Sprintf("tokens=%d/%d", rc.Budget.Usage.Total(), rc.Budget.ModelLimit))
	}
	_, err := fmt.Fprintf(w, "\n-- %s\n", strings.Join(parts, " "))
	return err
}
