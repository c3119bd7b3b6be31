package ops

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hpungsan/upbeat/internal/config"
	"github.com/hpungsan/upbeat/internal/corpus"
	"github.com/hpungsan/upbeat/internal/db"
	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/train"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

type echoParaphraser struct {
	err error
}

func (e echoParaphraser) Paraphrase(_ context.Context, input string) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return strings.ToUpper(input), nil
}

type fakeTuner struct {
	err     error
	saveErr error
	saved   string
}

func (f *fakeTuner) FineTune(ctx context.Context, src corpus.Source, progress func(train.EpochReport)) (*train.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	entries, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}
	ep := train.EpochReport{Epoch: 1, MeanLoss: 1.5, Batches: 1}
	if progress != nil {
		progress(ep)
	}
	return &train.Report{Epochs: []train.EpochReport{ep}, CorpusSize: len(entries)}, nil
}

func (f *fakeTuner) Save(path string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = path
	return nil
}

func TestValidateInput(t *testing.T) {
	if err := ValidateInput("hello"); err != nil {
		t.Errorf("ValidateInput(hello) = %v", err)
	}
	if err := ValidateInput("   "); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("ValidateInput(blank) = %v, want INVALID_REQUEST", err)
	}
	if err := ValidateInput(strings.Repeat("a", MaxInputChars+1)); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("ValidateInput(long) = %v, want INVALID_REQUEST", err)
	}
}

func TestParaphrase_RecordsAudit(t *testing.T) {
	database := openDB(t)
	audit := NewAuditor(database, nil)

	out, err := Paraphrase(context.Background(), echoParaphraser{}, audit, ParaphraseInput{Input: "good day"})
	if err != nil {
		t.Fatalf("Paraphrase failed: %v", err)
	}
	if out.Output != "GOOD DAY" || out.Input != "good day" {
		t.Errorf("Paraphrase = %+v", out)
	}
	if out.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}

	audit.Close()

	hist, err := History(context.Background(), database, HistoryInput{})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(hist.Items) != 1 {
		t.Fatalf("History items = %d, want 1", len(hist.Items))
	}
	if hist.Items[0].Output != "GOOD DAY" {
		t.Errorf("logged output = %q", hist.Items[0].Output)
	}
}

func TestParaphrase_ErrorNotRecorded(t *testing.T) {
	database := openDB(t)
	audit := NewAuditor(database, nil)

	_, err := Paraphrase(context.Background(), echoParaphraser{err: errors.NewGenerationTimeout(5, 5)}, audit, ParaphraseInput{Input: "x"})
	if !errors.Is(err, errors.ErrGenerationTimeout) {
		t.Fatalf("err = %v, want GENERATION_TIMEOUT", err)
	}
	audit.Close()

	n, err := db.CountLogs(context.Background(), database)
	if err != nil {
		t.Fatalf("CountLogs failed: %v", err)
	}
	if n != 0 {
		t.Errorf("CountLogs = %d, want 0", n)
	}
}

func TestParaphrase_NilAuditor(t *testing.T) {
	out, err := Paraphrase(context.Background(), echoParaphraser{}, nil, ParaphraseInput{Input: "ok"})
	if err != nil || out.Output != "OK" {
		t.Fatalf("Paraphrase = %+v, %v", out, err)
	}
}

func TestAuditor_RecordAfterCloseIsDropped(t *testing.T) {
	database := openDB(t)
	audit := NewAuditor(database, nil)
	audit.Close()
	audit.Record(&ParaphraseOutput{Input: "a", Output: "b", Timestamp: time.Now()})
	audit.Close()

	n, _ := db.CountLogs(context.Background(), database)
	if n != 0 {
		t.Errorf("CountLogs = %d, want 0", n)
	}
}

func TestHistory_Pagination(t *testing.T) {
	database := openDB(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		err := db.InsertLog(ctx, database, &db.LogEntry{
			ID:        fmt.Sprintf("id%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Input:     fmt.Sprintf("in %d", i),
			Output:    fmt.Sprintf("out %d", i),
		})
		if err != nil {
			t.Fatalf("InsertLog failed: %v", err)
		}
	}

	out, err := History(ctx, database, HistoryInput{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(out.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(out.Items))
	}
	if out.Items[0].ID != "id3" {
		t.Errorf("first item = %s, want id3 (newest first)", out.Items[0].ID)
	}
	if !out.Pagination.HasMore || out.Pagination.Total != 5 {
		t.Errorf("Pagination = %+v", out.Pagination)
	}

	out, err = History(ctx, database, HistoryInput{Limit: 1000, Offset: -3})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if out.Pagination.Limit != MaxListLimit || out.Pagination.Offset != 0 {
		t.Errorf("Pagination = %+v, want clamped", out.Pagination)
	}
	if out.Pagination.HasMore {
		t.Error("HasMore = true, want false")
	}
}

func TestFineTune_Success(t *testing.T) {
	database := openDB(t)
	tuner := &fakeTuner{}
	ckpt := filepath.Join(t.TempDir(), "fine-tuned")
	var epochs int

	out, err := FineTune(context.Background(), tuner, database, config.DefaultConfig(), FineTuneInput{
		Source:     corpus.SliceSource{{Text: "great", Label: corpus.Positive}, {Text: "nice", Label: corpus.Positive}},
		Checkpoint: ckpt,
		Progress:   func(train.EpochReport) { epochs++ },
	})
	if err != nil {
		t.Fatalf("FineTune failed: %v", err)
	}
	if out.RunID == "" || out.FinalLoss != 1.5 || out.Checkpoint != ckpt {
		t.Errorf("FineTune = %+v", out)
	}
	if tuner.saved != ckpt {
		t.Errorf("saved to %q, want %q", tuner.saved, ckpt)
	}
	if epochs != 1 {
		t.Errorf("progress calls = %d, want 1", epochs)
	}

	runs, err := Runs(context.Background(), database, RunsInput{})
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs.Items) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs.Items))
	}
	r := runs.Items[0]
	if r.Status != db.RunSucceeded || r.CorpusSize != 2 || r.FinalLoss == nil || *r.FinalLoss != 1.5 {
		t.Errorf("run = %+v", r)
	}
	if r.Source != "memory" || r.ReportJSON == "" {
		t.Errorf("run = %+v", r)
	}
}

func TestFineTune_FailureRecorded(t *testing.T) {
	database := openDB(t)
	tuner := &fakeTuner{err: errors.NewEmptyCorpus(3)}

	_, err := FineTune(context.Background(), tuner, database, config.DefaultConfig(), FineTuneInput{
		Source: corpus.SliceSource{},
	})
	if !errors.Is(err, errors.ErrEmptyCorpus) {
		t.Fatalf("err = %v, want EMPTY_CORPUS", err)
	}

	runs, err := Runs(context.Background(), database, RunsInput{})
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs.Items) != 1 || runs.Items[0].Status != db.RunFailed {
		t.Fatalf("runs = %+v, want one failed run", runs.Items)
	}
	if !strings.Contains(runs.Items[0].Error, "EMPTY_CORPUS") {
		t.Errorf("Error = %q", runs.Items[0].Error)
	}
}

func TestFineTune_SaveFailure(t *testing.T) {
	database := openDB(t)
	tuner := &fakeTuner{saveErr: errors.NewInternal(fmt.Errorf("disk full"))}

	_, err := FineTune(context.Background(), tuner, database, config.DefaultConfig(), FineTuneInput{
		Source:     corpus.SliceSource{{Text: "ok", Label: corpus.Positive}},
		Checkpoint: filepath.Join(t.TempDir(), "out"),
	})
	if !errors.Is(err, errors.ErrInternal) {
		t.Fatalf("err = %v, want INTERNAL", err)
	}
	runs, _ := Runs(context.Background(), database, RunsInput{})
	if len(runs.Items) != 1 || runs.Items[0].Status != db.RunFailed || runs.Items[0].CorpusSize != 1 {
		t.Errorf("runs = %+v", runs.Items)
	}
}

func TestFineTune_DatasetPath(t *testing.T) {
	database := openDB(t)
	path := filepath.Join(t.TempDir(), "reviews.jsonl")
	if err := os.WriteFile(path, []byte(`{"text":"lovely","label":1}`+"\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	out, err := FineTune(context.Background(), &fakeTuner{}, database, config.DefaultConfig(), FineTuneInput{Dataset: path})
	if err != nil {
		t.Fatalf("FineTune failed: %v", err)
	}
	if out.Source != path {
		t.Errorf("Source = %q, want %q", out.Source, path)
	}
}

func TestValidateDatasetPath(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(good, []byte("text,label\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	link := filepath.Join(dir, "link.csv")
	if err := os.Symlink(good, link); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}
	subdir := filepath.Join(dir, "dir.jsonl")
	if err := os.Mkdir(subdir, 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	if got, err := ValidateDatasetPath(good); err != nil || got != good {
		t.Errorf("ValidateDatasetPath(good) = %q, %v", got, err)
	}

	tests := []struct {
		name string
		path string
		code errors.ErrorCode
	}{
		{"empty", "", errors.ErrInvalidRequest},
		{"extension", filepath.Join(dir, "data.txt"), errors.ErrInvalidRequest},
		{"missing", filepath.Join(dir, "missing.jsonl"), errors.ErrDataSource},
		{"symlink", link, errors.ErrInvalidRequest},
		{"directory", subdir, errors.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateDatasetPath(tt.path)
			if !errors.Is(err, tt.code) {
				t.Errorf("ValidateDatasetPath(%q) = %v, want %s", tt.path, err, tt.code)
			}
		})
	}
}
