package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"ralphlite/internal/pipeline"
	"ralphlite/internal/schema"
	"ralphlite/internal/store"
)

// SchedulerProps is the full state snapshot the scheduler agent sees.
type SchedulerProps struct {
	Tickets    []pipeline.Ticket
	NextStages map[string]pipeline.Stage // ticket id -> next tier stage; absent = tier complete
	ActiveJobs []store.Job
	Resumable  []pipeline.ResumableTicket
	RateLimits []pipeline.RateLimitNote
	FreeSlots  int
	Iteration  int
}

// Scheduler renders the scheduling prompt. The agent is instructed to issue
// exactly FreeSlots jobs subject to the rules; the bridge re-checks every
// rule on the way in, so the prompt is guidance, not enforcement.
func (p *Builder) Scheduler(props SchedulerProps) string {
	var b strings.Builder
	p.header(&b, "scheduler")

	fmt.Fprintf(&b, "Loop iteration: %d. Free worker slots: %d.\n\n", props.Iteration, props.FreeSlots)

	section(&b, "Tickets", ticketTable(props.Tickets, props.NextStages))
	section(&b, "Active jobs", jobTable(props.ActiveJobs))
	section(&b, "Agent pool", p.agentTable(props.RateLimits))
	section(&b, "Resumable tickets", resumableTable(props.Resumable))

	section(&b, "Rules", strings.Join([]string{
		fmt.Sprintf("1. Issue exactly %d jobs, or fewer only when nothing is schedulable.", props.FreeSlots),
		"2. A ticket job must target the ticket's next stage shown in the table; never skip stages.",
		"3. Never schedule two jobs for the same ticket, and never re-issue a job already active.",
		"4. Schedule ticket:review-fix only when a review reported severity above none.",
		"5. Use jobId \"{ticketId}:{stage}\" for ticket jobs and the job type name for global jobs.",
		"6. Prefer resumable tickets over scheduling a new discovery.",
		"7. Load-balance across agents; skip agents listed as rate limited.",
		"8. Schedule discovery again only when every known ticket is complete or blocked.",
	}, "\n"))

	p.schemaFooter(&b, schema.KeyTicketSchedule)
	return b.String()
}

func ticketTable(tickets []pipeline.Ticket, next map[string]pipeline.Stage) string {
	if len(tickets) == 0 {
		return "none discovered yet"
	}
	var body strings.Builder
	body.WriteString("id | priority | tier | next stage | title\n")
	for _, t := range tickets {
		stage, ok := next[t.ID]
		stageName := string(stage)
		if !ok {
			stageName = "(tier complete)"
		}
		fmt.Fprintf(&body, "%s | %s | %s | %s | %s\n", t.ID, t.Priority, t.Tier, stageName, t.Title)
	}
	return body.String()
}

func jobTable(jobs []store.Job) string {
	if len(jobs) == 0 {
		return "none"
	}
	var body strings.Builder
	for _, j := range jobs {
		fmt.Fprintf(&body, "- %s (%s, agent %s)\n", j.JobID, j.JobType, j.AgentID)
	}
	return body.String()
}

func (p *Builder) agentTable(limits []pipeline.RateLimitNote) string {
	limited := make(map[string]int64, len(limits))
	for _, l := range limits {
		limited[l.AgentID] = l.ResumeAtMs
	}
	ids := make([]string, 0, len(p.cfg.Agents))
	for id := range p.cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var body strings.Builder
	for _, id := range ids {
		spec := p.cfg.Agents[id]
		fmt.Fprintf(&body, "- %s: %s/%s", id, spec.Type, spec.Model)
		if ms, ok := limited[id]; ok {
			fmt.Fprintf(&body, " (rate limited until %s)", time.UnixMilli(ms).UTC().Format(time.RFC3339))
		}
		body.WriteString("\n")
	}
	return body.String()
}

func resumableTable(resumable []pipeline.ResumableTicket) string {
	if len(resumable) == 0 {
		return ""
	}
	var body strings.Builder
	body.WriteString("In-progress tickets from previous runs; schedule these before new discovery:\n")
	for _, rt := range resumable {
		fmt.Fprintf(&body, "- %s reached stage %s (run %s)\n", rt.TicketID, rt.Stage, rt.RunID)
	}
	return body.String()
}
