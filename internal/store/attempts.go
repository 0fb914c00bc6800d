package store

import (
	"fmt"
	"time"

	"ralphlite/internal/logging"
)

// Attempt statuses.
const (
	AttemptInProgress = "in-progress"
	AttemptFinished   = "finished"
	AttemptFailed     = "failed"
	AttemptCancelled  = "cancelled"
)

// StaleAttemptThreshold is how old an in-progress attempt may be before the
// startup recovery pass marks it cancelled.
const StaleAttemptThreshold = 15 * time.Minute

// StartAttempt records a new in-progress attempt and returns its id.
func (s *OutputStore) StartAttempt(nodeID string, iteration int, agentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`INSERT INTO attempts (run_id, node_id, iteration, agent_id, status, started_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.runID, nodeID, iteration, agentID, AttemptInProgress, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: start attempt: %v", ErrStorageUnavailable, err)
	}
	return res.LastInsertId()
}

// FinishAttempt moves an attempt to a terminal status.
func (s *OutputStore) FinishAttempt(id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE attempts SET status = ?, finished_at_ms = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("%w: finish attempt: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// FailureCount returns how many attempts for (node, iteration) have failed
// in the current run. Cancelled attempts do not count against the retry
// budget; the node reverts to pending instead.
func (s *OutputStore) FailureCount(nodeID string, iteration int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM attempts WHERE run_id = ? AND node_id = ? AND iteration = ? AND status = ?`,
		s.runID, nodeID, iteration, AttemptFailed,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: failure count: %v", ErrStorageUnavailable, err)
	}
	return n, nil
}

// InProgress reports whether an attempt is currently running for the node.
func (s *OutputStore) InProgress(nodeID string, iteration int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM attempts WHERE run_id = ? AND node_id = ? AND iteration = ? AND status = ?`,
		s.runID, nodeID, iteration, AttemptInProgress,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: in-progress check: %v", ErrStorageUnavailable, err)
	}
	return n > 0, nil
}

// RecoverStaleAttempts marks in-progress attempts older than the threshold
// as cancelled, across all runs. Their nodes revert to pending on the next
// render. Called once at engine start.
func (s *OutputStore) RecoverStaleAttempts(threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-threshold).UnixMilli()
	res, err := s.db.Exec(
		`UPDATE attempts SET status = ?, finished_at_ms = ?
		 WHERE status = ? AND started_at_ms < ?`,
		AttemptCancelled, time.Now().UnixMilli(), AttemptInProgress, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: recover stale attempts: %v", ErrStorageUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("recovered %d stale attempts", n)
	}
	return int(n), nil
}
