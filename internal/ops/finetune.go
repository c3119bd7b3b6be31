package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/hpungsan/upbeat/internal/config"
	"github.com/hpungsan/upbeat/internal/corpus"
	"github.com/hpungsan/upbeat/internal/db"
	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/train"
)

// Tuner fine-tunes and persists the live model. *service.Service satisfies it.
type Tuner interface {
	FineTune(ctx context.Context, src corpus.Source, progress func(train.EpochReport)) (*train.Report, error)
	Save(path string) error
}

// FineTuneInput contains parameters for the FineTune operation.
type FineTuneInput struct {
	Dataset    string        // path to a .jsonl, .ndjson or .csv file
	Source     corpus.Source // used instead of Dataset when set
	Checkpoint string        // directory to save to; empty skips saving
	Progress   func(train.EpochReport)
}

// FineTuneOutput contains the result of the FineTune operation.
type FineTuneOutput struct {
	RunID      string        `json:"run_id"`
	Source     string        `json:"source"`
	Checkpoint string        `json:"checkpoint,omitempty"`
	FinalLoss  float64       `json:"final_loss"`
	Report     *train.Report `json:"report"`
}

// FineTune trains the live model on the positive entries of a dataset,
// saves the result and records the attempt in training_runs. Failed
// attempts are recorded too; a failure to record is returned only when
// training itself succeeded.
func FineTune(ctx context.Context, t Tuner, database *sql.DB, cfg *config.Config, input FineTuneInput) (*FineTuneOutput, error) {
	src := input.Source
	if src == nil {
		path, err := ValidateDatasetPath(input.Dataset)
		if err != nil {
			return nil, err
		}
		src = corpus.FileSource{Path: path}
	}

	runID, err := generateULID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	hp := cfg.Train()
	run := &db.Run{
		ID:           runID,
		StartedAt:    time.Now().UTC(),
		Source:       src.Name(),
		Epochs:       hp.Epochs,
		LearningRate: hp.LearningRate,
		BatchSize:    hp.BatchSize,
	}

	report, err := t.FineTune(ctx, src, input.Progress)
	if err == nil && input.Checkpoint != "" {
		err = t.Save(input.Checkpoint)
		run.Checkpoint = input.Checkpoint
	}
	run.FinishedAt = time.Now().UTC()

	if err != nil {
		run.Status = db.RunFailed
		run.Error = err.Error()
		if report != nil {
			run.CorpusSize = report.CorpusSize
		}
		// The training error is the one the caller needs.
		_ = db.InsertRun(context.WithoutCancel(ctx), database, run)
		return nil, err
	}

	loss := report.FinalLoss()
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	run.Status = db.RunSucceeded
	run.CorpusSize = report.CorpusSize
	run.FinalLoss = &loss
	run.ReportJSON = string(raw)
	if err := db.InsertRun(context.WithoutCancel(ctx), database, run); err != nil {
		return nil, err
	}

	return &FineTuneOutput{
		RunID:      runID,
		Source:     src.Name(),
		Checkpoint: run.Checkpoint,
		FinalLoss:  loss,
		Report:     report,
	}, nil
}
