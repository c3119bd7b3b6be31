package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/upbeat/internal/errors"
)

// datasetExts are the file formats corpus.FileSource can read.
var datasetExts = map[string]bool{
	".jsonl":  true,
	".ndjson": true,
	".csv":    true,
}

// ValidateDatasetPath checks that path names a readable dataset file.
// It returns the cleaned absolute path.
//
// The file must exist, have a supported extension and be a regular file.
// Symlinks are rejected so the file that is validated is the file that is read.
func ValidateDatasetPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.NewInvalidRequest("dataset path is required")
	}

	cleaned := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleaned))
	if !datasetExts[ext] {
		return "", errors.NewInvalidRequest(
			fmt.Sprintf("dataset must be .jsonl, .ndjson or .csv, got %q", filepath.Ext(cleaned)))
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", errors.NewInvalidRequest(fmt.Sprintf("invalid path: %v", err))
	}

	info, err := os.Lstat(absPath)
	if os.IsNotExist(err) {
		return "", errors.NewDataSource(path, fmt.Errorf("file does not exist"))
	}
	if err != nil {
		return "", errors.NewDataSource(path, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", errors.NewInvalidRequest("dataset path must not be a symlink")
	}
	if !info.Mode().IsRegular() {
		return "", errors.NewInvalidRequest("dataset path must be a regular file")
	}
	return absPath, nil
}
