package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ralphlite/internal/logging"
)

// Job is one entry in the transient active-job queue. JobID doubles as the
// node id of the task the reconciler renders for it.
type Job struct {
	JobID       string
	JobType     string // discovery | progress-update | codebase-review | integration-test | ticket:<stage>
	AgentID     string
	TicketID    string // empty for global jobs
	FocusID     string
	CreatedAtMs int64
}

// JobQueue is the authoritative in-flight job set, persisted separately from
// the output store because the output store has no notion of "currently
// running".
type JobQueue struct {
	mu    sync.Mutex
	db    *sql.DB
	runID string
}

// OpenJobQueue opens (creating if needed) the job-queue database at path.
func OpenJobQueue(path, runID string) (*JobQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create state dir: %v", ErrStorageUnavailable, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open job queue: %v", ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("pragma failed: %v", err)
	}

	ddl := `
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		job_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		job_type TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		ticket_id TEXT,
		focus_id TEXT,
		created_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_run ON scheduled_tasks(run_id, created_at_ms);
	`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create scheduled_tasks: %v", ErrStorageUnavailable, err)
	}
	return &JobQueue{db: db, runID: runID}, nil
}

// InsertIfAbsent inserts a job keyed on job_id. Re-inserting an existing id
// is a no-op.
func (q *JobQueue) InsertIfAbsent(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.Exec(
		`INSERT OR IGNORE INTO scheduled_tasks
		 (job_id, run_id, job_type, agent_id, ticket_id, focus_id, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, q.runID, job.JobType, job.AgentID,
		nullable(job.TicketID), nullable(job.FocusID), job.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("%w: insert job %s: %v", ErrStorageUnavailable, job.JobID, err)
	}
	return nil
}

// Remove deletes a job by id. Removing a missing id is a no-op.
func (q *JobQueue) Remove(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.Exec(`DELETE FROM scheduled_tasks WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("%w: remove job %s: %v", ErrStorageUnavailable, jobID, err)
	}
	return nil
}

// Active returns the current run's jobs ordered ascending by creation time.
func (q *JobQueue) Active() ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rows, err := q.db.Query(
		`SELECT job_id, job_type, agent_id, ticket_id, focus_id, created_at_ms
		 FROM scheduled_tasks WHERE run_id = ? ORDER BY created_at_ms ASC, job_id ASC`,
		q.runID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var ticketID, focusID sql.NullString
		if err := rows.Scan(&j.JobID, &j.JobType, &j.AgentID, &ticketID, &focusID, &j.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("%w: scan job: %v", ErrStorageUnavailable, err)
		}
		j.TicketID = ticketID.String
		j.FocusID = focusID.String
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Clear removes every job for the current run. Called on run termination.
func (q *JobQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.Exec(`DELETE FROM scheduled_tasks WHERE run_id = ?`, q.runID)
	if err != nil {
		return fmt.Errorf("%w: clear jobs: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Close closes the database connection.
func (q *JobQueue) Close() error { return q.db.Close() }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
