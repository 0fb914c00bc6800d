package pipeline

import (
	"strings"
	"time"

	"ralphlite/internal/logging"
	"ralphlite/internal/schema"
	"ralphlite/internal/store"
)

// Global job types. Ticket jobs use "ticket:<stage>".
const (
	JobDiscovery       = "discovery"
	JobProgressUpdate  = "progress-update"
	JobCodebaseReview  = "codebase-review"
	JobIntegrationTest = "integration-test"
)

// globalJobSchemas maps global job types to their output schema keys.
var globalJobSchemas = map[string]string{
	JobDiscovery:       schema.KeyDiscover,
	JobProgressUpdate:  schema.KeyProgress,
	JobCodebaseReview:  schema.KeyCategoryReview,
	JobIntegrationTest: schema.KeyIntegrationTest,
}

// JobSchemaKey resolves the schema key a job's output row is written under.
func JobSchemaKey(jobType string) (string, bool) {
	if key, ok := globalJobSchemas[jobType]; ok {
		return key, true
	}
	if stage, ok := strings.CutPrefix(jobType, "ticket:"); ok {
		key := StageSchema(Stage(stage))
		return key, key != ""
	}
	return "", false
}

// IsRepeating reports whether a job type reruns across loop iterations.
// Repeating jobs check completion with the iteration-scoped accessor so a
// fresh iteration can schedule them again; one-shot ticket stages use the
// cross-iteration accessor.
func IsRepeating(jobType string) bool {
	return jobType == JobDiscovery || jobType == JobProgressUpdate
}

// RateLimitNote is a scheduler-reported agent rate limit.
type RateLimitNote struct {
	AgentID    string
	ResumeAtMs int64
}

// Bridge converts scheduler-agent output into job-queue mutations and reaps
// jobs whose output has appeared. Both operations run at frame boundaries
// only.
type Bridge struct {
	outputs *store.OutputStore
	queue   *store.JobQueue
	now     func() time.Time
}

// NewBridge wires the bridge over the two stores.
func NewBridge(outputs *store.OutputStore, queue *store.JobQueue) *Bridge {
	return &Bridge{outputs: outputs, queue: queue, now: time.Now}
}

// Reap deletes every active job whose corresponding output row exists.
// Idempotent: with no new outputs, repeating it is a fixed point.
func (b *Bridge) Reap(iteration int) (int, error) {
	jobs, err := b.queue.Active()
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, job := range jobs {
		done, err := b.jobComplete(job, iteration)
		if err != nil {
			return reaped, err
		}
		if done {
			if err := b.queue.Remove(job.JobID); err != nil {
				return reaped, err
			}
			logging.Pipeline("reaped job %s (%s)", job.JobID, job.JobType)
			reaped++
		}
	}
	return reaped, nil
}

// jobComplete checks whether the output for a job exists, using the
// iteration-scoped accessor for repeating job types and the cross-iteration
// accessor for one-shot jobs. Ticket stage rows at or below the ticket's
// eviction floor are stale: a restarted stage counts as complete only once
// a row above the floor exists.
func (b *Bridge) jobComplete(job store.Job, iteration int) (bool, error) {
	key, ok := JobSchemaKey(job.JobType)
	if !ok {
		// Unknown type can never complete; drop it so it cannot wedge
		// termination.
		return true, nil
	}
	if IsRepeating(job.JobType) {
		_, found, err := b.outputs.GetExact(key, job.JobID, iteration)
		return found, err
	}
	row, found, err := b.outputs.GetLatest(key, job.JobID)
	if err != nil || !found {
		return false, err
	}
	if strings.HasPrefix(job.JobType, "ticket:") && job.TicketID != "" {
		floor, err := EvictionFloor(b.outputs, job.TicketID)
		if err != nil {
			return false, err
		}
		return row.Iteration > floor, nil
	}
	return true, nil
}

// Reconcile inserts jobs from the latest schedule that have no output yet.
// Structural rules the scheduler agent is instructed to follow are also
// enforced here, since agent output is untrusted:
//   - no two concurrent stages for one ticket
//   - a ticket job must be the ticket's next tier stage
//   - review-fix only after a review with severity above none
func (b *Bridge) Reconcile(scheduleRow *store.Row, tickets []Ticket, iteration int) (int, error) {
	if scheduleRow == nil {
		return 0, nil
	}
	byID := make(map[string]Ticket, len(tickets))
	for _, t := range tickets {
		byID[t.ID] = t
	}

	active, err := b.queue.Active()
	if err != nil {
		return 0, err
	}
	busyTickets := make(map[string]bool)
	for _, job := range active {
		if job.TicketID != "" {
			busyTickets[job.TicketID] = true
		}
	}

	jobs, _ := scheduleRow.Payload["jobs"].([]any)
	inserted := 0
	for _, raw := range jobs {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		job := store.Job{
			JobID:       str(obj["jobId"]),
			JobType:     str(obj["jobType"]),
			AgentID:     str(obj["agentId"]),
			TicketID:    str(obj["ticketId"]),
			FocusID:     str(obj["focusId"]),
			CreatedAtMs: b.now().UnixMilli(),
		}
		if job.JobID == "" || job.JobType == "" {
			continue
		}
		done, err := b.jobComplete(job, iteration)
		if err != nil {
			return inserted, err
		}
		if done {
			continue
		}
		if reason := b.rejectTicketJob(job, byID, busyTickets); reason != "" {
			logging.Pipeline("rejecting scheduled job %s: %s", job.JobID, reason)
			continue
		}
		if err := b.queue.InsertIfAbsent(job); err != nil {
			return inserted, err
		}
		if job.TicketID != "" {
			busyTickets[job.TicketID] = true
		}
		inserted++
	}
	return inserted, nil
}

// rejectTicketJob applies the per-ticket scheduling rules. Returns the
// rejection reason, or empty to accept.
func (b *Bridge) rejectTicketJob(job store.Job, tickets map[string]Ticket, busy map[string]bool) string {
	stageName, isTicketJob := strings.CutPrefix(job.JobType, "ticket:")
	if !isTicketJob {
		return ""
	}
	if job.TicketID == "" {
		return "ticket job without ticket id"
	}
	if busy[job.TicketID] {
		return "ticket already has an active stage"
	}
	t, ok := tickets[job.TicketID]
	if !ok {
		return "unknown ticket"
	}
	next, done, err := NextStage(b.outputs, t)
	if err != nil {
		return "next-stage lookup failed: " + err.Error()
	}
	if done {
		return "tier already complete"
	}
	if Stage(stageName) != next {
		return "stage " + stageName + " is not the ticket's next stage (" + string(next) + ")"
	}
	if Stage(stageName) == StageReviewFix {
		needed, err := ReviewNeedsFix(b.outputs, t)
		if err != nil {
			return "review lookup failed: " + err.Error()
		}
		if !needed {
			return "no review with severity above none"
		}
	}
	return ""
}

// RateLimits extracts the scheduler's rate-limit annotations.
func RateLimits(scheduleRow *store.Row) []RateLimitNote {
	if scheduleRow == nil {
		return nil
	}
	items, _ := scheduleRow.Payload["rateLimitedAgents"].([]any)
	var out []RateLimitNote
	for _, raw := range items {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		ms, _ := obj["resumeAtMs"].(float64)
		out = append(out, RateLimitNote{AgentID: str(obj["agentId"]), ResumeAtMs: int64(ms)})
	}
	return out
}
