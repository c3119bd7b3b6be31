// Package mcp exposes the paraphraser as MCP tools over stdio.
package mcp

import (
	"context"
	"database/sql"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/upbeat/internal/config"
	"github.com/hpungsan/upbeat/internal/ops"
	"github.com/hpungsan/upbeat/internal/service"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"paraphrase": {
		def:     paraphraseToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleParaphrase },
	},
	"paraphrase_history": {
		def:     historyToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHistory },
	},
	"model_status": {
		def:     statusToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleModelStatus },
	},
}

var paraphraseToolDef = mcp.NewTool("paraphrase",
	mcp.WithDescription("Rewrite a sentence with a more positive tone. Input is normalized to ASCII letters, digits and spaces before decoding."),
	mcp.WithString("text", mcp.Required(), mcp.Description("Sentence to paraphrase")),
)

var historyToolDef = mcp.NewTool("paraphrase_history",
	mcp.WithDescription("List recent paraphrase requests, newest first."),
	mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)")),
	mcp.WithNumber("offset", mcp.Description("Rows to skip (default 0)")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var statusToolDef = mcp.NewTool("model_status",
	mcp.WithDescription("Describe the loaded model: lifecycle state, architecture, last training report and recent training runs."),
	mcp.WithReadOnlyHintAnnotation(true),
)

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates a new MCP server with Upbeat tools registered.
// Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(svc *service.Service, db *sql.DB, cfg *config.Config, audit *ops.Auditor, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"upbeat",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	h := NewHandlers(svc, db, audit)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(svc *service.Service, db *sql.DB, cfg *config.Config, audit *ops.Auditor, version string) error {
	s := NewServer(svc, db, cfg, audit, version)
	return server.ServeStdio(s)
}

// ToolHandlerFunc is the signature for tool handlers.
type ToolHandlerFunc func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
