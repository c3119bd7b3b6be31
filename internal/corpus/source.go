package corpus

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Label is a binary sentiment class.
type Label int

const (
	Negative Label = 0
	Positive Label = 1
)

// ParseLabel accepts 0/1 and the names neg/negative/pos/positive.
func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "pos", "positive":
		return Positive, nil
	case "0", "neg", "negative":
		return Negative, nil
	}
	return 0, errors.Errorf("unknown label %q", s)
}

// UnmarshalJSON accepts a number or a string label.
func (l *Label) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		parsed, err := ParseLabel(strconv.Itoa(n))
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Errorf("label must be a number or string, got %s", data)
	}
	parsed, err := ParseLabel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Entry is one labeled dataset row.
type Entry struct {
	Text  string `json:"text"`
	Label Label  `json:"label"`
}

// Source loads labeled entries.
type Source interface {
	Load(ctx context.Context) ([]Entry, error)
	Name() string
}

// SliceSource serves entries from memory.
type SliceSource []Entry

// Load returns a copy of the entries.
func (s SliceSource) Load(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]Entry(nil), s...), nil
}

// Name implements Source.
func (s SliceSource) Name() string { return "memory" }

// FileSource reads a .jsonl or .csv dataset file.
//
// JSONL rows are objects with "text" and "label" fields. CSV files need a
// header row naming "text" and "label" columns; other columns are ignored.
type FileSource struct {
	Path string
}

// Name implements Source.
func (f FileSource) Name() string { return f.Path }

// Load reads every row of the file.
func (f FileSource) Load(ctx context.Context) ([]Entry, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open dataset")
	}
	defer file.Close()

	switch ext := strings.ToLower(filepath.Ext(f.Path)); ext {
	case ".jsonl", ".ndjson":
		return readJSONL(ctx, file)
	case ".csv":
		return readCSV(ctx, file)
	default:
		return nil, errors.Errorf("unsupported dataset format %q (want .jsonl or .csv)", ext)
	}
}

func readJSONL(ctx context.Context, r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read dataset")
	}
	return entries, nil
}

func readCSV(ctx context.Context, r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read csv header")
	}
	textCol, labelCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "text":
			textCol = i
		case "label":
			labelCol = i
		}
	}
	if textCol < 0 || labelCol < 0 {
		return nil, errors.New("csv header must contain text and label columns")
	}

	var entries []Entry
	for row := 2; ; row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", row)
		}
		if textCol >= len(record) || labelCol >= len(record) {
			return nil, errors.Errorf("row %d: expected at least %d fields", row, max(textCol, labelCol)+1)
		}
		label, err := ParseLabel(record[labelCol])
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", row)
		}
		entries = append(entries, Entry{Text: record[textCol], Label: label})
	}
	return entries, nil
}
