package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/upbeat/internal/db"
	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/ops"
	"github.com/hpungsan/upbeat/internal/service"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	svc   *service.Service
	db    *sql.DB
	audit *ops.Auditor
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc *service.Service, db *sql.DB, audit *ops.Auditor) *Handlers {
	return &Handlers{svc: svc, db: db, audit: audit}
}

// ParaphraseRequest represents the arguments for paraphrase.
type ParaphraseRequest struct {
	Text string `json:"text"`
}

// HistoryRequest represents the arguments for paraphrase_history.
type HistoryRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// StatusOutput is the result of model_status.
type StatusOutput struct {
	Model service.Info `json:"model"`
	Runs  []db.Run     `json:"runs"`
}

// HandleParaphrase handles the paraphrase tool call.
func (h *Handlers) HandleParaphrase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ParaphraseRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Paraphrase(ctx, h.svc, h.audit, ops.ParaphraseInput{Input: input.Text})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleHistory handles the paraphrase_history tool call.
func (h *Handlers) HandleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HistoryRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.History(ctx, h.db, ops.HistoryInput{
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleModelStatus handles the model_status tool call.
func (h *Handlers) HandleModelStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runs, err := ops.Runs(ctx, h.db, ops.RunsInput{Limit: 5})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(StatusOutput{Model: h.svc.Info(), Runs: runs.Items})
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Server-side failures carry a generic message and no details.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var uErr *errors.UpbeatError
	if stderrors.As(err, &uErr) {
		errorObj := map[string]any{
			"code":    uErr.Code,
			"message": uErr.SafeMessage(),
			"status":  uErr.Status,
		}
		if uErr.Status < 500 && uErr.Details != nil {
			errorObj["details"] = uErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
