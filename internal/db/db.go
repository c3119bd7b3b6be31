package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/upbeat/internal/config"
	_ "modernc.org/sqlite"
)

// migrations holds one schema step per version; migrations[i] takes the
// database from user_version i to i+1. Append only.
var migrations = []string{
	// 1: paraphrase audit log
	`
	CREATE TABLE IF NOT EXISTS paraphrase_log (
	  id          TEXT PRIMARY KEY,
	  created_at  TEXT NOT NULL,
	  input_text  TEXT NOT NULL,
	  output_text TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_paraphrase_log_created
	ON paraphrase_log(created_at DESC);
	`,
	// 2: fine-tuning run history
	`
	CREATE TABLE IF NOT EXISTS training_runs (
	  id            TEXT PRIMARY KEY,
	  started_at    TEXT NOT NULL,
	  finished_at   TEXT NOT NULL,
	  status        TEXT NOT NULL,
	  source        TEXT NOT NULL,
	  epochs        INTEGER NOT NULL,
	  learning_rate REAL NOT NULL,
	  batch_size    INTEGER NOT NULL,
	  corpus_size   INTEGER NOT NULL,
	  final_loss    REAL,
	  report_json   TEXT,
	  checkpoint    TEXT,
	  error         TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_training_runs_started
	ON training_runs(started_at DESC);
	`,
}

// CurrentSchemaVersion is the latest schema version.
var CurrentSchemaVersion = len(migrations)

// Init initializes the SQLite database at baseDir/upbeat.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.upbeat.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Explicit chmod (best-effort, may not work on all platforms)
	_ = os.Chmod(baseDir, 0700)

	// Checkpoints live under models/
	modelsDir := filepath.Join(baseDir, "models")
	if err := os.MkdirAll(modelsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}
	_ = os.Chmod(modelsDir, 0700)

	// Open database with pragmas in connection string (applies to all connections)
	dbPath := filepath.Join(baseDir, "upbeat.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations (this creates the file if it doesn't exist)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Set file permissions after file exists (best-effort)
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
// Call after Init if you need to tune pool behavior for contention.
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies pending migrations, each in its own transaction
// together with the user_version bump.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, len(migrations))
	}

	for v := version; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: begin: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", v+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d", v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: set user_version: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", v+1, err)
		}
	}
	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
