package ops

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/upbeat/internal/db"
)

// auditTimeout bounds a single audit insert.
const auditTimeout = 5 * time.Second

// Auditor writes paraphrase results to the audit log in the background.
// A failed write is logged and dropped; it never fails the request.
type Auditor struct {
	db     *sql.DB
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAuditor returns an Auditor writing to database.
func NewAuditor(database *sql.DB, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{db: database, logger: logger}
}

// Record queues out for insertion. It is a no-op on a nil or closed Auditor.
func (a *Auditor) Record(out *ParaphraseOutput) {
	if a == nil || out == nil {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		if err := a.write(out); err != nil {
			a.logger.Warn("audit write failed", zap.Error(err))
		}
	}()
}

func (a *Auditor) write(out *ParaphraseOutput) error {
	id, err := generateULID()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	return db.InsertLog(ctx, a.db, &db.LogEntry{
		ID:        id,
		CreatedAt: out.Timestamp,
		Input:     out.Input,
		Output:    out.Output,
	})
}

// Close stops accepting records and waits for pending writes.
func (a *Auditor) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}
