// Package orchestrator assembles a run: stores, agent pool, prompt builder,
// VCS client, merge queue, and the render function the engine reconciles.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"ralphlite/internal/agent"
	"ralphlite/internal/config"
	"ralphlite/internal/engine"
	"ralphlite/internal/logging"
	"ralphlite/internal/mergequeue"
	"ralphlite/internal/pipeline"
	"ralphlite/internal/prompt"
	"ralphlite/internal/schema"
	"ralphlite/internal/store"
	"ralphlite/internal/vcs"
	"ralphlite/internal/workspace"
)

const (
	// maxLoopIterations bounds the main loop. Return-last keeps partial
	// progress in the report when the bound is hit.
	maxLoopIterations = 48

	// jobRetries is the per-iteration attempt budget for scheduled jobs and
	// the scheduler task itself.
	jobRetries = 2

	schedulerNodeID = "ticket-scheduler"
	mergeNodeID     = "merge-pass"
	mainLoopID      = "main-loop"
)

// Orchestrator owns the per-run wiring. Build with New, drive with Run,
// release with Close.
type Orchestrator struct {
	cfg         *config.Config
	runID       string
	outputs     *store.OutputStore
	queue       *store.JobQueue
	pool        *agent.Pool
	invoker     engine.Invoker
	prompts     *prompt.Builder
	workspaces  *workspace.Manager
	bridge      *pipeline.Bridge
	merge       *mergequeue.Coordinator
	resumable   []pipeline.ResumableTicket
	objective   string
	schedulerID string
}

// New opens the run's stores under cfg.StateDir and wires the production
// dependency graph.
func New(cfg *config.Config, runID string) (*Orchestrator, error) {
	schedulerID := cfg.SchedulerAgent()
	if schedulerID == "" {
		return nil, fmt.Errorf("config: no agent is flagged is_scheduler")
	}

	catalog := schema.DefaultCatalog()
	outputs, err := store.OpenOutputStore(filepath.Join(cfg.StateDir, "outputs.db"), runID, catalog)
	if err != nil {
		return nil, err
	}
	queue, err := store.OpenJobQueue(filepath.Join(cfg.StateDir, "jobs.db"), runID)
	if err != nil {
		outputs.Close()
		return nil, err
	}

	pool := agent.NewPool(cfg.Agents)
	invoker := agent.NewInvoker(pool)
	prompts := prompt.NewBuilder(cfg, catalog)
	client := vcs.NewClient(cfg.RepoRoot)
	workspaces := workspace.NewManager(client, "")

	var reviewer mergequeue.Reviewer
	if r := mergequeue.NewAgentReviewer(cfg, invoker, prompts, catalog); r != nil {
		reviewer = r
	}

	o := &Orchestrator{
		cfg:         cfg,
		runID:       runID,
		outputs:     outputs,
		queue:       queue,
		pool:        pool,
		invoker:     invoker,
		prompts:     prompts,
		workspaces:  workspaces,
		bridge:      pipeline.NewBridge(outputs, queue),
		merge:       mergequeue.New(cfg, outputs, client, workspaces, reviewer, mergequeue.ExecChecks),
		objective:   loadObjective(cfg),
		schedulerID: schedulerID,
	}
	return o, nil
}

// loadObjective reads the specs file the discovery prompt works from,
// falling back to the project name.
func loadObjective(cfg *config.Config) string {
	if cfg.SpecsPath != "" {
		if data, err := os.ReadFile(cfg.SpecsPath); err == nil {
			return string(data)
		}
		logging.Get(logging.CategoryBoot).Warnf("specs file %s unreadable, using project name", cfg.SpecsPath)
	}
	return cfg.ProjectName
}

// Run registers the run, recovers prior state, and drives the engine to
// termination.
func (o *Orchestrator) Run(ctx context.Context) (*engine.Report, error) {
	if err := o.outputs.RegisterRun(time.Now().UnixMilli()); err != nil {
		return nil, err
	}
	resumable, err := pipeline.ScanResumable(o.outputs, o.runID)
	if err != nil {
		return nil, err
	}
	o.resumable = resumable
	if err := pipeline.AdoptResumable(o.outputs, resumable); err != nil {
		return nil, err
	}
	o.workspaces.ReapOrphans(ctx)

	eng := engine.New(o.outputs, o.queue, o.invoker, o.render, o.cfg.MaxConcurrency)
	eng.WorkspacePath = func(ctx context.Context, id string) (string, error) {
		return o.workspaces.Ensure(ctx, id, o.cfg.MainBranch)
	}
	eng.AfterFrame = o.afterFrame
	return eng.Run(ctx)
}

// Close releases the stores.
func (o *Orchestrator) Close() error {
	qerr := o.queue.Close()
	if err := o.outputs.Close(); err != nil {
		return err
	}
	return qerr
}

// afterFrame is the engine's frame hook: reap finished jobs, reconcile the
// iteration's schedule into the queue, apply scheduler-reported rate limits,
// and drop jobs whose task exhausted its budget so they cannot wedge
// termination.
func (o *Orchestrator) afterFrame(iteration int) error {
	if _, err := o.bridge.Reap(iteration); err != nil {
		return err
	}

	scheduleRow, _, err := o.outputs.GetExact(schema.KeyTicketSchedule, schedulerNodeID, iteration)
	if err != nil {
		return err
	}
	tickets, err := o.tickets()
	if err != nil {
		return err
	}
	if _, err := o.bridge.Reconcile(scheduleRow, tickets, iteration); err != nil {
		return err
	}
	for _, note := range pipeline.RateLimits(scheduleRow) {
		o.pool.SetResumeAt(note.AgentID, note.ResumeAtMs)
	}

	active, err := o.queue.Active()
	if err != nil {
		return err
	}
	for _, job := range active {
		failures, err := o.outputs.FailureCount(job.JobID, iteration)
		if err != nil {
			return err
		}
		if failures >= jobRetries+1 {
			logging.Pipeline("dropping job %s after %d failed attempts", job.JobID, failures)
			if err := o.queue.Remove(job.JobID); err != nil {
				return err
			}
		}
	}
	return nil
}

// tickets folds the discovery relation into the current ticket table.
func (o *Orchestrator) tickets() ([]pipeline.Ticket, error) {
	rows, err := o.outputs.Scan(schema.KeyDiscover)
	if err != nil {
		return nil, err
	}
	return pipeline.FoldDiscovery(rows), nil
}

// agentChain builds a fallback chain: the assigned agent first, then every
// other configured agent in stable order.
func (o *Orchestrator) agentChain(primary string) []string {
	ids := o.pool.IDs()
	sort.Strings(ids)
	chain := make([]string, 0, len(ids)+1)
	if primary != "" {
		chain = append(chain, primary)
	}
	for _, id := range ids {
		if id != primary {
			chain = append(chain, id)
		}
	}
	return chain
}

// rateNotes converts the pool's live rate limits for the scheduler prompt.
func (o *Orchestrator) rateNotes() []pipeline.RateLimitNote {
	limits := o.pool.RateLimits()
	out := make([]pipeline.RateLimitNote, 0, len(limits))
	for _, l := range limits {
		out = append(out, pipeline.RateLimitNote{AgentID: l.AgentID, ResumeAtMs: l.ResumeAtMs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
