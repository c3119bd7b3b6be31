// Package ops implements the request-level operations shared by the CLI,
// the MCP server and the web UI. Each operation takes explicit inputs and
// returns JSON-friendly outputs; persistence goes through internal/db.
package ops

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/upbeat/internal/errors"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
	DefaultRunsLimit = 10
	MaxRunsLimit     = 100
)

// MaxInputChars bounds a single paraphrase request before normalization.
const MaxInputChars = 4096

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// clampLimit applies the default and upper bound to a requested page size.
func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, maxLimit)
}

// ValidateInput rejects paraphrase input that is blank or too long.
func ValidateInput(input string) error {
	if strings.TrimSpace(input) == "" {
		return errors.NewInvalidRequest("input is required")
	}
	if n := len([]rune(input)); n > MaxInputChars {
		return errors.NewInvalidRequest("input exceeds maximum length")
	}
	return nil
}

// generateULID generates a new ULID.
func generateULID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
