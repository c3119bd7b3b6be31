package ops

import (
	"context"
	"database/sql"

	"github.com/hpungsan/upbeat/internal/db"
)

// HistoryInput contains parameters for the History operation.
type HistoryInput struct {
	Limit  int // default: 20, max: 100
	Offset int // default: 0
}

// HistoryOutput contains the result of the History operation.
type HistoryOutput struct {
	Items      []db.LogEntry `json:"items"`
	Pagination Pagination    `json:"pagination"`
	Sort       string        `json:"sort"`
}

// History returns audited paraphrases, newest first.
func History(ctx context.Context, database *sql.DB, input HistoryInput) (*HistoryOutput, error) {
	limit := clampLimit(input.Limit, DefaultListLimit, MaxListLimit)
	offset := max(input.Offset, 0)

	items, err := db.ListLogs(ctx, database, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := db.CountLogs(ctx, database)
	if err != nil {
		return nil, err
	}

	return &HistoryOutput{
		Items: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(items) < total,
			Total:   total,
		},
		Sort: "created_at_desc",
	}, nil
}

// RunsInput contains parameters for the Runs operation.
type RunsInput struct {
	Limit int // default: 10, max: 100
}

// RunsOutput contains the result of the Runs operation.
type RunsOutput struct {
	Items []db.Run `json:"items"`
}

// Runs returns recorded fine-tuning runs, newest first.
func Runs(ctx context.Context, database *sql.DB, input RunsInput) (*RunsOutput, error) {
	runs, err := db.ListRuns(ctx, database, clampLimit(input.Limit, DefaultRunsLimit, MaxRunsLimit))
	if err != nil {
		return nil, err
	}
	return &RunsOutput{Items: runs}, nil
}
