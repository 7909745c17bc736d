package tracking

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	internal "github.com/ZanzyTHEbar/maskgit-trainer/mgt"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"
)

// Tracker records run metadata and per-step metrics.
type Tracker interface {
	RunID() string
	LogStep(step int, metrics map[string]float64) error
	Close() error
}

// RunTracker persists run metadata and metrics to a local libsql database in
// the experiment output directory, replacing a hosted experiment tracker.
type RunTracker struct {
	db    *sql.DB
	runID string
}

// NewRunTracker opens or initializes the run database under outputDir and
// registers a new run with the given project name and resolved config blob.
func NewRunTracker(outputDir, project, configBlob string) (*RunTracker, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}

	dbPath := filepath.Join(outputDir, internal.DefaultRunsDBName)
	slog.Info("Run database path:", "path", dbPath)

	db, err := sql.Open("libsql", "file:"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open run database: %w", err)
	}

	t := &RunTracker{db: db, runID: uuid.New().String()}
	if err := t.init(project, configBlob); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

// init sets up the run-tracking tables and inserts this run.
func (t *RunTracker) init(project, configBlob string) error {
	_, err := t.db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY UNIQUE,
		project TEXT,
		config TEXT,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	_, err = t.db.Exec(`CREATE TABLE IF NOT EXISTS metrics (
		run_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		logged_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create metrics table: %w", err)
	}

	_, err = t.db.Exec(`INSERT INTO runs (id, project, config) VALUES (?, ?, ?)`,
		t.runID, project, configBlob)
	if err != nil {
		return fmt.Errorf("failed to register run: %w", err)
	}
	return nil
}

// RunID returns this run's unique id.
func (t *RunTracker) RunID() string { return t.runID }

// LogStep writes one batch of metrics for a global step.
func (t *RunTracker) LogStep(step int, metrics map[string]float64) error {
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin metrics transaction: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for name, value := range metrics {
		if _, err := tx.Exec(`INSERT INTO metrics (run_id, step, name, value, logged_at) VALUES (?, ?, ?, ?, ?)`,
			t.runID, step, name, value, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to log metric %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// Close releases the database handle.
func (t *RunTracker) Close() error {
	return t.db.Close()
}

// NoopTracker discards all metrics. Used when run tracking is not wanted,
// e.g. in tests and dry runs.
type NoopTracker struct{}

func (NoopTracker) RunID() string                         { return "noop" }
func (NoopTracker) LogStep(int, map[string]float64) error { return nil }
func (NoopTracker) Close() error                          { return nil }
