package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralphlite/internal/schema"
)

func testCatalog() schema.Catalog {
	return schema.Catalog{
		"implement": schema.Object(
			schema.F("ticketId", schema.String()),
			schema.F("summary", schema.String()),
			schema.F("filesChanged", schema.List(schema.String())),
			schema.F("status", schema.StatusEnum),
			schema.F("notes", schema.Nullable(schema.String())),
		),
	}
}

func openTestStore(t *testing.T, runID string) *OutputStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outputs.db")
	s, err := OpenOutputStore(path, runID, testCatalog())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func implementPayload(summary string) map[string]any {
	return map[string]any{
		"ticketId":     "T-1",
		"summary":      summary,
		"filesChanged": []string{"a.go"},
		"status":       "complete",
		"notes":        nil,
	}
}

func TestPutGetExact(t *testing.T) {
	s := openTestStore(t, "run-1")

	require.NoError(t, s.Put("implement", "T-1:implement", 0, implementPayload("first")))

	row, ok, err := s.GetExact("implement", "T-1:implement", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", row.Payload["summary"])

	_, ok, err = s.GetExact("implement", "T-1:implement", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutUpsertsOnConflict(t *testing.T) {
	s := openTestStore(t, "run-1")

	require.NoError(t, s.Put("implement", "T-1:implement", 0, implementPayload("first")))
	require.NoError(t, s.Put("implement", "T-1:implement", 0, implementPayload("retry")))

	rows, err := s.Scan("implement")
	require.NoError(t, err)
	require.Len(t, rows, 1, "unique key invariant: one row per (run,node,iteration)")
	assert.Equal(t, "retry", rows[0].Payload["summary"])
}

func TestPutRejectsSchemaMismatch(t *testing.T) {
	s := openTestStore(t, "run-1")

	bad := implementPayload("x")
	delete(bad, "notes") // undefined, not null
	err := s.Put("implement", "T-1:implement", 0, bad)
	require.Error(t, err)
	var se *schema.Error
	assert.ErrorAs(t, err, &se)

	bad = implementPayload("x")
	bad["status"] = "done" // outside the closed enum
	assert.Error(t, s.Put("implement", "T-1:implement", 0, bad))
}

func TestGetLatestPicksMaxIteration(t *testing.T) {
	s := openTestStore(t, "run-1")

	require.NoError(t, s.Put("implement", "T-1:implement", 0, implementPayload("iter0")))
	require.NoError(t, s.Put("implement", "T-1:implement", 2, implementPayload("iter2")))

	row, ok, err := s.GetLatest("implement", "T-1:implement")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, row.Iteration)
	assert.Equal(t, "iter2", row.Payload["summary"])
}

func TestScanIterationAscending(t *testing.T) {
	s := openTestStore(t, "run-1")

	require.NoError(t, s.Put("implement", "T-1:implement", 3, implementPayload("c")))
	require.NoError(t, s.Put("implement", "T-1:implement", 1, implementPayload("a")))
	require.NoError(t, s.Put("implement", "T-1:implement", 2, implementPayload("b")))

	rows, err := s.Scan("implement")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{rows[0].Iteration, rows[1].Iteration, rows[2].Iteration})
}

func TestScanAllRunsExcludesCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outputs.db")

	s1, err := OpenOutputStore(path, "run-1", testCatalog())
	require.NoError(t, err)
	require.NoError(t, s1.Put("implement", "T-1:implement", 0, implementPayload("old")))
	require.NoError(t, s1.Close())

	s2, err := OpenOutputStore(path, "run-2", testCatalog())
	require.NoError(t, err)
	defer s2.Close()

	rows, err := s2.ScanAllRuns("implement", "run-2")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "run-1", rows[0].RunID)

	// The new run's own accessor sees nothing.
	_, ok, err := s2.GetLatest("implement", "T-1:implement")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRelationsFlattenTopLevelFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outputs.db")
	s, err := OpenOutputStore(path, "run-1", testCatalog())
	require.NoError(t, err)
	require.NoError(t, s.Put("implement", "T-1:implement", 0, implementPayload("first")))
	require.NoError(t, s.Close())

	// External readers see one column per top-level field: scalars as
	// native values, composite values as JSON text.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var summary, status, files string
	var notes sql.NullString
	err = db.QueryRow(
		`SELECT summary, status, "filesChanged", notes FROM out_implement WHERE node_id = ?`,
		"T-1:implement").Scan(&summary, &status, &files, &notes)
	require.NoError(t, err)
	assert.Equal(t, "first", summary)
	assert.Equal(t, "complete", status)
	assert.JSONEq(t, `["a.go"]`, files)
	assert.False(t, notes.Valid, "null payload value stored as SQL NULL")
}

func TestAttemptLifecycle(t *testing.T) {
	s := openTestStore(t, "run-1")

	id, err := s.StartAttempt("T-1:implement", 0, "claude-main")
	require.NoError(t, err)

	running, err := s.InProgress("T-1:implement", 0)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, s.FinishAttempt(id, AttemptFailed))

	running, err = s.InProgress("T-1:implement", 0)
	require.NoError(t, err)
	assert.False(t, running)

	n, err := s.FailureCount("T-1:implement", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCancelledAttemptsDoNotCountAsFailures(t *testing.T) {
	s := openTestStore(t, "run-1")

	id, err := s.StartAttempt("T-1:implement", 0, "claude-main")
	require.NoError(t, err)
	require.NoError(t, s.FinishAttempt(id, AttemptCancelled))

	n, err := s.FailureCount("T-1:implement", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecoverStaleAttempts(t *testing.T) {
	s := openTestStore(t, "run-1")

	_, err := s.StartAttempt("T-1:implement", 0, "claude-main")
	require.NoError(t, err)

	// Fresh attempts survive.
	n, err := s.RecoverStaleAttempts(StaleAttemptThreshold)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Anything older than the threshold is cancelled.
	n, err = s.RecoverStaleAttempts(-time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	running, err := s.InProgress("T-1:implement", 0)
	require.NoError(t, err)
	assert.False(t, running)
}
