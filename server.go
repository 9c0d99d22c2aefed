package ragctx

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	ServerName    = "ragctx"
	ServerVersion = "1.0.0"
)

const instructions = `Use retrieve-context before answering questions that depend on the user's documents or on current web information.
Pass session_id to let earlier turns of the conversation count against the token budget.
Call invalidate-context-cache after a user's documents change.`

// NewServer exposes c as MCP tools.
func NewServer(c *Client) *server.MCPServer {
	mcpServer := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(true),
		server.WithInstructions(instructions),
		server.WithRecovery(),
	)

	// Retrieval
	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("retrieve-context", "Retrieve and rank document chunks and web results for a query, and format them as LLM prompt context within the model's token budget", GetRetrieveContextSchema()),
		HandleRetrieveContext(c),
	)

	// Cache and session management
	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("invalidate-context-cache", "Drop cached retrieval results for a user, topic or document", GetInvalidateSchema()),
		HandleInvalidate(c),
	)
	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("clear-session", "Forget the conversation history of a session", GetClearSessionSchema()),
		HandleClearSession(c),
	)

	// Diagnostics
	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("backend-status", "Report the circuit breaker state of every retrieval backend", GetBackendStatusSchema()),
		HandleBackendStatus(c),
	)

	return mcpServer
}
