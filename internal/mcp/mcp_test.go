package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/upbeat/internal/codec"
	"github.com/hpungsan/upbeat/internal/config"
	"github.com/hpungsan/upbeat/internal/db"
	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/model"
	"github.com/hpungsan/upbeat/internal/ops"
	"github.com/hpungsan/upbeat/internal/service"
	"github.com/hpungsan/upbeat/internal/store"
)

// reverseGenerator returns its input reversed.
type reverseGenerator struct{}

func (reverseGenerator) Generate(_ context.Context, _ *model.Model, _ *codec.Codec, input string) (string, error) {
	r := []rune(input)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r), nil
}

// testSetup creates a temporary database, config and loaded service for testing.
func testSetup(t *testing.T) (*sql.DB, *config.Config, *service.Service) {
	t.Helper()

	tmpDir := t.TempDir()
	database, err := db.Init(tmpDir)
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := config.DefaultConfig()
	svcCfg, err := cfg.Service()
	if err != nil {
		t.Fatalf("cfg.Service: %v", err)
	}
	svc, err := service.New(svcCfg, service.WithGenerator(reverseGenerator{}))
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	dir := filepath.Join(tmpDir, "models", "baseline")
	if _, err := store.InitBaseline(dir, model.Config{DModel: 4, FFDim: 6}, 16, 1); err != nil {
		t.Fatalf("InitBaseline: %v", err)
	}
	if err := svc.LoadBaseline(dir); err != nil {
		t.Fatalf("LoadBaseline: %v", err)
	}

	return database, cfg, svc
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func TestHandleParaphrase(t *testing.T) {
	database, _, svc := testSetup(t)
	audit := ops.NewAuditor(database, nil)
	h := NewHandlers(svc, database, audit)
	ctx := context.Background()

	tests := []struct {
		name      string
		args      map[string]any
		wantError bool
		errorCode string
		want      string
	}{
		{
			name: "valid text",
			args: map[string]any{"text": "abc"},
			want: "cba",
		},
		{
			name: "markup is stripped before decoding",
			args: map[string]any{"text": "<b>ab</b>!"},
			want: "ba",
		},
		{
			name:      "missing text",
			args:      map[string]any{},
			wantError: true,
			errorCode: "INVALID_REQUEST",
		},
		{
			name:      "wrong type",
			args:      map[string]any{"text": 42},
			wantError: true,
			errorCode: "INVALID_REQUEST",
		},
		{
			name:      "unknown argument",
			args:      map[string]any{"text": "abc", "tone": "cheerful"},
			wantError: true,
			errorCode: "INVALID_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleParaphrase(ctx, makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}

			if tt.wantError {
				if !result.IsError {
					t.Errorf("expected error result, got success")
				}
				assertErrorCode(t, result, tt.errorCode)
				return
			}
			output := parseOutput(t, result)
			if output["output"] != tt.want {
				t.Errorf("output = %v, want %q", output["output"], tt.want)
			}
		})
	}

	audit.Close()
	n, err := db.CountLogs(ctx, database)
	if err != nil {
		t.Fatalf("CountLogs: %v", err)
	}
	if n != 2 {
		t.Errorf("audited rows = %d, want 2", n)
	}
}

func TestHandleParaphrase_Uninitialized(t *testing.T) {
	database, cfg, _ := testSetup(t)
	svcCfg, _ := cfg.Service()
	svc, err := service.New(svcCfg)
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	h := NewHandlers(svc, database, nil)

	result, err := h.HandleParaphrase(context.Background(), makeRequest(map[string]any{"text": "hello"}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	assertErrorCode(t, result, "INVALID_STATE")
}

func TestHandleHistory(t *testing.T) {
	database, _, svc := testSetup(t)
	h := NewHandlers(svc, database, nil)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		err := db.InsertLog(ctx, database, &db.LogEntry{
			ID:        fmt.Sprintf("h%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
			Input:     "in",
			Output:    fmt.Sprintf("out %d", i),
		})
		if err != nil {
			t.Fatalf("InsertLog: %v", err)
		}
	}

	result, err := h.HandleHistory(ctx, makeRequest(map[string]any{"limit": 2}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	output := parseOutput(t, result)

	items := output["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if first := items[0].(map[string]any); first["id"] != "h2" {
		t.Errorf("first id = %v, want h2", first["id"])
	}
	pagination := output["pagination"].(map[string]any)
	if pagination["total"] != float64(3) || pagination["has_more"] != true {
		t.Errorf("pagination = %v", pagination)
	}

	result, err = h.HandleHistory(ctx, makeRequest(map[string]any{"limit": "ten"}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	assertErrorCode(t, result, "INVALID_REQUEST")
}

func TestHandleModelStatus(t *testing.T) {
	database, _, svc := testSetup(t)
	h := NewHandlers(svc, database, nil)
	ctx := context.Background()

	err := db.InsertRun(ctx, database, &db.Run{
		ID: "r1", StartedAt: time.Now(), FinishedAt: time.Now(),
		Status: db.RunFailed, Source: "x.csv", Epochs: 3, LearningRate: 0.01, BatchSize: 4,
		Error: "EMPTY_CORPUS: no positive entries",
	})
	if err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	result, err := h.HandleModelStatus(ctx, makeRequest(nil))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	output := parseOutput(t, result)

	m := output["model"].(map[string]any)
	if m["state"] != "baseline_loaded" {
		t.Errorf("state = %v, want baseline_loaded", m["state"])
	}
	if m["params"].(float64) <= 0 {
		t.Errorf("params = %v, want positive", m["params"])
	}
	runs := output["runs"].([]any)
	if len(runs) != 1 || runs[0].(map[string]any)["status"] != "failed" {
		t.Errorf("runs = %v", runs)
	}
}

func TestServerRegistration(t *testing.T) {
	database, cfg, svc := testSetup(t)

	s := NewServer(svc, database, cfg, nil, "test")
	tools := s.ListTools()
	if tools == nil {
		t.Fatal("expected tools to be registered, got nil")
	}

	expectedTools := []string{"paraphrase", "paraphrase_history", "model_status"}
	if len(tools) != len(expectedTools) {
		t.Errorf("registered tool count = %d, want %d", len(tools), len(expectedTools))
	}
	for _, name := range expectedTools {
		if _, ok := tools[name]; !ok {
			t.Errorf("missing registered tool: %s", name)
		}
	}
}

func TestServerRegistration_WithDisabledTools(t *testing.T) {
	database, cfg, svc := testSetup(t)

	cfg.DisabledTools = []string{"paraphrase_history", "paraphrase_history"}
	s := NewServer(svc, database, cfg, nil, "test")
	tools := s.ListTools()

	if len(tools) != 2 {
		t.Errorf("registered tool count = %d, want 2", len(tools))
	}
	if _, ok := tools["paraphrase_history"]; ok {
		t.Error("disabled tool 'paraphrase_history' should not be registered")
	}
	if _, ok := tools["paraphrase"]; !ok {
		t.Error("core tool 'paraphrase' should be registered")
	}
}

func TestServerRegistration_AllToolsDisabled(t *testing.T) {
	database, cfg, svc := testSetup(t)

	cfg.DisabledTools = AllToolNames()
	s := NewServer(svc, database, cfg, nil, "test")

	if tools := s.ListTools(); len(tools) != 0 {
		t.Errorf("registered tool count = %d, want 0 (all disabled)", len(tools))
	}
}

func TestValidateDisabledTools(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		wantLen int
	}{
		{"all valid", []string{"paraphrase", "model_status"}, 0},
		{"one unknown", []string{"paraphrase", "fake_tool"}, 1},
		{"all unknown", []string{"foo", "bar", "baz"}, 3},
		{"empty list", []string{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unknown := ValidateDisabledTools(tt.input)
			if len(unknown) != tt.wantLen {
				t.Errorf("ValidateDisabledTools() returned %d unknown, want %d", len(unknown), tt.wantLen)
			}
		})
	}
}

func TestAllToolNames(t *testing.T) {
	names := AllToolNames()
	if len(names) != 3 {
		t.Errorf("AllToolNames() returned %d names, want 3", len(names))
	}
	if unknown := ValidateDisabledTools(names); len(unknown) != 0 {
		t.Errorf("AllToolNames() returned invalid names: %v", unknown)
	}
}

func TestErrorResult_InternalDoesNotExposeDetails(t *testing.T) {
	r := errorResult(errors.NewInternal(fmt.Errorf("sql error: open /tmp/secret.db: permission denied")))
	if !r.IsError {
		t.Fatal("expected IsError=true")
	}

	errObj := errorObject(t, r)
	if errObj["code"] != string(errors.ErrInternal) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrInternal)
	}
	if _, ok := errObj["details"]; ok {
		t.Fatal("expected INTERNAL errors to omit details")
	}
	if strings.Contains(errObj["message"].(string), "secret") {
		t.Fatal("message leaked internal detail")
	}
}

func TestErrorResult_WrappedErrorKeepsCode(t *testing.T) {
	wrapped := fmt.Errorf("decode: %w", errors.NewEncoding('é', 3))

	errObj := errorObject(t, errorResult(wrapped))
	if errObj["code"] != string(errors.ErrEncoding) {
		t.Errorf("code=%v, want %v", errObj["code"], errors.ErrEncoding)
	}
	details, ok := errObj["details"].(map[string]any)
	if !ok || details["position"] != float64(3) {
		t.Errorf("details = %v, want position 3", errObj["details"])
	}
}

func TestErrorResult_TimeoutUsesSafeMessage(t *testing.T) {
	errObj := errorObject(t, errorResult(errors.NewGenerationTimeout(10, 10)))
	if errObj["status"] != float64(504) {
		t.Errorf("status=%v, want 504", errObj["status"])
	}
	if !strings.Contains(errObj["message"].(string), "too long") {
		t.Errorf("message=%v", errObj["message"])
	}
}

func TestErrorResult_PlainError(t *testing.T) {
	errObj := errorObject(t, errorResult(fmt.Errorf("boom")))
	if errObj["code"] != string(errors.ErrInternal) || errObj["message"] != "an internal error occurred" {
		t.Errorf("errObj = %v", errObj)
	}
}

// Helper functions

// parseOutput extracts and unmarshals the JSON output from an MCP result.
func parseOutput(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("expected success, got error: %v", extractErrorMessage(result))
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &output); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return output
}

func errorObject(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &payload); err != nil {
		t.Fatalf("failed to unmarshal error payload: %v", err)
	}
	errObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in payload: %v", payload)
	}
	return errObj
}

func assertErrorCode(t *testing.T, result *mcp.CallToolResult, expectedCode string) {
	t.Helper()
	if len(result.Content) == 0 {
		t.Errorf("no content in error result")
		return
	}
	code, _ := errorObject(t, result)["code"].(string)
	if code != expectedCode {
		t.Errorf("got error code %q, want %q", code, expectedCode)
	}
}

func extractErrorMessage(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return "<no content>"
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return "<not text content>"
	}
	return text.Text
}
