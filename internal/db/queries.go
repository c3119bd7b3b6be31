package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/hpungsan/upbeat/internal/errors"
)

// timeLayout is ISO-8601 with fixed-width fractional seconds, so string
// order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// LogEntry is one successful paraphrase request.
type LogEntry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
}

// Run statuses.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one fine-tuning attempt.
type Run struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Status       string    `json:"status"`
	Source       string    `json:"source"`
	Epochs       int       `json:"epochs"`
	LearningRate float64   `json:"learning_rate"`
	BatchSize    int       `json:"batch_size"`
	CorpusSize   int       `json:"corpus_size"`
	FinalLoss    *float64  `json:"final_loss,omitempty"`
	ReportJSON   string    `json:"report_json,omitempty"`
	Checkpoint   string    `json:"checkpoint,omitempty"`
	Error        string    `json:"error,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// InsertLog appends a paraphrase audit row.
func InsertLog(ctx context.Context, db *sql.DB, e *LogEntry) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO paraphrase_log (id, created_at, input_text, output_text) VALUES (?, ?, ?, ?)`,
		e.ID, formatTime(e.CreatedAt), e.Input, e.Output,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListLogs returns audit rows, newest first.
func ListLogs(ctx context.Context, db *sql.DB, limit, offset int) ([]LogEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, created_at, input_text, output_text
		FROM paraphrase_log
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	entries := []LogEntry{}
	for rows.Next() {
		var (
			e       LogEntry
			created string
		)
		if err := rows.Scan(&e.ID, &created, &e.Input, &e.Output); err != nil {
			return nil, errors.NewInternal(err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, errors.NewInternal(err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return entries, nil
}

// CountLogs returns the number of audit rows.
func CountLogs(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM paraphrase_log`).Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// InsertRun records a fine-tuning attempt.
func InsertRun(ctx context.Context, db *sql.DB, r *Run) error {
	var finalLoss sql.NullFloat64
	if r.FinalLoss != nil {
		finalLoss = sql.NullFloat64{Float64: *r.FinalLoss, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO training_runs (
			id, started_at, finished_at, status, source,
			epochs, learning_rate, batch_size, corpus_size,
			final_loss, report_json, checkpoint, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, formatTime(r.StartedAt), formatTime(r.FinishedAt), r.Status, r.Source,
		r.Epochs, r.LearningRate, r.BatchSize, r.CorpusSize,
		finalLoss, toNullString(r.ReportJSON), toNullString(r.Checkpoint), toNullString(r.Error),
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListRuns returns fine-tuning runs, newest first.
func ListRuns(ctx context.Context, db *sql.DB, limit int) ([]Run, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, status, source,
			epochs, learning_rate, batch_size, corpus_size,
			final_loss, report_json, checkpoint, error
		FROM training_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r                    Run
			started, finished    string
			finalLoss            sql.NullFloat64
			report, ckpt, errMsg sql.NullString
		)
		err := rows.Scan(&r.ID, &started, &finished, &r.Status, &r.Source,
			&r.Epochs, &r.LearningRate, &r.BatchSize, &r.CorpusSize,
			&finalLoss, &report, &ckpt, &errMsg)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, errors.NewInternal(err)
		}
		if r.FinishedAt, err = parseTime(finished); err != nil {
			return nil, errors.NewInternal(err)
		}
		if finalLoss.Valid {
			v := finalLoss.Float64
			r.FinalLoss = &v
		}
		r.ReportJSON = report.String
		r.Checkpoint = ckpt.String
		r.Error = errMsg.String
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return runs, nil
}

// toNullString converts an empty string to SQL NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
