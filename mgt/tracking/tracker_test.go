package tracking

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopTracker(t *testing.T) {
	var tr Tracker = NoopTracker{}

	assert.Equal(t, "noop", tr.RunID())
	assert.NoError(t, tr.LogStep(1, map[string]float64{"loss": 1.0}))
	assert.NoError(t, tr.Close())
}

func TestRunTracker(t *testing.T) {
	dir := t.TempDir()

	tr, err := NewRunTracker(dir, "test-project", `{"training":{"batchSize":2}}`)
	require.NoError(t, err)
	assert.NotEmpty(t, tr.RunID())

	require.NoError(t, tr.LogStep(1, map[string]float64{"step_loss": 3.5, "lr": 1e-4}))
	require.NoError(t, tr.LogStep(2, map[string]float64{"step_loss": 3.1}))
	require.NoError(t, tr.Close())

	// Reopen the database and verify the run and its metrics were recorded.
	db, err := sql.Open("libsql", "file:"+filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	defer db.Close()

	var project string
	require.NoError(t, db.QueryRow(`SELECT project FROM runs WHERE id = ?`, tr.RunID()).Scan(&project))
	assert.Equal(t, "test-project", project)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM metrics WHERE run_id = ?`, tr.RunID()).Scan(&count))
	assert.Equal(t, 3, count)

	var loss float64
	require.NoError(t, db.QueryRow(
		`SELECT value FROM metrics WHERE run_id = ? AND step = 1 AND name = 'step_loss'`,
		tr.RunID()).Scan(&loss))
	assert.Equal(t, 3.5, loss)
}

func TestRunTrackerSeparateRuns(t *testing.T) {
	dir := t.TempDir()

	a, err := NewRunTracker(dir, "p", "{}")
	require.NoError(t, err)
	b, err := NewRunTracker(dir, "p", "{}")
	require.NoError(t, err)

	assert.NotEqual(t, a.RunID(), b.RunID())

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}
