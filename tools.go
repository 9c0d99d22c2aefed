package ragctx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/fusion"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/memory"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/orchestrator"
)

// Output formats of retrieve-context.
const (
	OutputPrompt = "prompt"
	OutputJSON   = "json"
)

// RetrieveArgs are the retrieve-context arguments. Pointer fields keep the
// configured default when absent.
type RetrieveArgs struct {
	Query        string   `json:"query"`
	UserID       string   `json:"user_id,omitempty"`
	TopicID      string   `json:"topic_id,omitempty"`
	DocumentIDs  []string `json:"document_ids,omitempty"`
	ExperimentID string   `json:"experiment_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`

	EnableVector  *bool    `json:"enable_vector,omitempty"`
	EnableKeyword *bool    `json:"enable_keyword,omitempty"`
	EnableWeb     *bool    `json:"enable_web,omitempty"`
	EnableRerank  *bool    `json:"enable_rerank,omitempty"`
	EnableCache   *bool    `json:"enable_cache,omitempty"`
	Strict        *bool    `json:"strict,omitempty"`
	MinScore      *float64 `json:"min_score,omitempty"`

	MaxChunks      int             `json:"max_chunks,omitempty"`
	MaxWebResults  int             `json:"max_web_results,omitempty"`
	FusionStrategy string          `json:"fusion_strategy,omitempty"`
	Weights        *fusion.Weights `json:"weights,omitempty"`
	WebTopic       string          `json:"web_topic,omitempty"`
	WebTimeRange   string          `json:"web_time_range,omitempty"`

	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	Output            string `json:"output,omitempty"`
	Style             string `json:"style,omitempty"`
	IncludeScores     bool   `json:"include_scores,omitempty"`
	IncludeMetadata   bool   `json:"include_metadata,omitempty"`
	MaxCharsPerSource int    `json:"max_chars_per_source,omitempty"`
}

func (a RetrieveArgs) apply(o *orchestrator.Options) {
	o.UserID, o.TopicID, o.DocumentIDs, o.ExperimentID = a.UserID, a.TopicID, a.DocumentIDs, a.ExperimentID
	setBool(&o.EnableVector, a.EnableVector)
	setBool(&o.EnableKeyword, a.EnableKeyword)
	setBool(&o.EnableWeb, a.EnableWeb)
	setBool(&o.EnableRerank, a.EnableRerank)
	setBool(&o.EnableCache, a.EnableCache)
	setBool(&o.Strict, a.Strict)
	if a.MinScore != nil {
		o.MinScore = *a.MinScore
	}
	o.MaxChunks, o.MaxWebResults = a.MaxChunks, a.MaxWebResults
	if a.FusionStrategy != "" {
		o.FusionStrategy = a.FusionStrategy
	}
	o.Weights = a.Weights
	o.Web.Topic, o.Web.TimeRange = a.WebTopic, a.WebTimeRange
	o.Model, o.SystemPrompt = a.Model, a.SystemPrompt
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// HandleRetrieveContext runs retrieve-context. Request errors come back as
// tool errors so the calling model can correct its arguments.
func HandleRetrieveContext(c *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args RetrieveArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args.Output != "" && args.Output != OutputPrompt && args.Output != OutputJSON {
			return mcp.NewToolResultError(fmt.Sprintf("output must be %q or %q", OutputPrompt, OutputJSON)), nil
		}
		format := orchestrator.FormatOptions{
			Style:             args.Style,
			IncludeScores:     args.IncludeScores,
			IncludeMetadata:   args.IncludeMetadata,
			MaxCharsPerSource: args.MaxCharsPerSource,
		}
		if format.Style != "" && format.Style != orchestrator.StyleMarkdown && format.Style != orchestrator.StyleXML {
			return mcp.NewToolResultError(fmt.Sprintf("style must be %q or %q", orchestrator.StyleMarkdown, orchestrator.StyleXML)), nil
		}

		opts := c.Defaults()
		args.apply(&opts)
		if args.SessionID != "" {
			history, err := c.Sessions().Recent(ctx, args.SessionID, 0)
			if err != nil {
				c.log.Warn("session history unavailable", zap.String("session_id", args.SessionID), zap.Error(err))
			}
			opts.History = memory.Lines(history)
		}

		rc, err := c.Retrieve(ctx, args.Query, opts)
		if err != nil {
			if errs.Is(err, errs.KindValidation) {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("retrieve context failed: %v", err)), nil
		}

		if args.SessionID != "" {
			msg := memory.Message{Role: memory.RoleUser, Content: args.Query, Timestamp: time.Now()}
			if err := c.Sessions().Append(ctx, args.SessionID, msg); err != nil {
				c.log.Warn("session append failed", zap.String("session_id", args.SessionID), zap.Error(err))
			}
		}

		if args.Output == OutputJSON {
			b, err := json.Marshal(rc)
			if err != nil {
				return nil, fmt.Errorf("encode context: %w", err)
			}
			return mcp.NewToolResultText(string(b)), nil
		}
		return mcp.NewToolResultText(orchestrator.FormatContextForPrompt(rc, format)), nil
	}
}

// HandleInvalidate runs invalidate-context-cache.
func HandleInvalidate(c *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			Scope string `json:"scope"`
			ID    string `json:"id"`
		}
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		n, err := c.Invalidate(ctx, args.Scope, args.ID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(`{"scope":%q,"id":%q,"removed":%d}`, args.Scope, args.ID, n)), nil
	}
}

// HandleClearSession runs clear-session.
func HandleClearSession(c *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := c.Sessions().Clear(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("clear session failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(`{"session_id":%q,"cleared":true}`, id)), nil
	}
}

// HandleBackendStatus runs backend-status.
func HandleBackendStatus(c *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(map[string]interface{}{"backends": c.Backends()})
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(b)), nil
	}
}

func GetRetrieveContextSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "The question or search text", "minLength": 1, "maxLength": 2000},
    "user_id": {"type": "string", "description": "Restrict document search to this user's documents"},
    "topic_id": {"type": "string", "description": "Restrict document search to one topic"},
    "document_ids": {"type": "array", "items": {"type": "string"}, "description": "Restrict document search to these documents"},
    "experiment_id": {"type": "string", "description": "Fusion weight experiment bucket; defaults to user_id"},
    "session_id": {"type": "string", "description": "Conversation whose history counts against the token budget"},
    "enable_vector": {"type": "boolean"},
    "enable_keyword": {"type": "boolean"},
    "enable_web": {"type": "boolean"},
    "enable_rerank": {"type": "boolean"},
    "enable_cache": {"type": "boolean"},
    "strict": {"type": "boolean", "description": "Fail when no backend succeeds instead of returning an empty context"},
    "min_score": {"type": "number", "minimum": 0, "maximum": 1},
    "max_chunks": {"type": "integer", "minimum": 0, "maximum": 200},
    "max_web_results": {"type": "integer", "minimum": 0, "maximum": 50},
    "fusion_strategy": {"type": "string", "enum": ["weighted", "rrf"]},
    "weights": {
      "type": "object",
      "properties": {
        "semantic_weight": {"type": "number", "minimum": 0},
        "keyword_weight": {"type": "number", "minimum": 0}
      }
    },
    "web_topic": {"type": "string", "enum": ["general", "news", "finance"]},
    "web_time_range": {"type": "string", "enum": ["day", "week", "month", "year"]},
    "model": {"type": "string", "description": "Target LLM; sets the context window used for the token budget"},
    "system_prompt": {"type": "string", "description": "System prompt the context will be sent with"},
    "output": {"type": "string", "enum": ["prompt", "json"], "default": "prompt"},
    "style": {"type": "string", "enum": ["markdown", "xml"], "default": "markdown"},
    "include_scores": {"type": "boolean"},
    "include_metadata": {"type": "boolean"},
    "max_chars_per_source": {"type": "integer", "minimum": 0}
  },
  "required": ["query"]
}`)
}

func GetInvalidateSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "scope": {"type": "string", "enum": ["user", "topic", "document"]},
    "id": {"type": "string", "description": "The user, topic or document identifier"}
  },
  "required": ["scope", "id"]
}`)
}

func GetClearSessionSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "session_id": {"type": "string"}
  },
  "required": ["session_id"]
}`)
}

func GetBackendStatusSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}
