package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"ralphlite/internal/agent"
	"ralphlite/internal/logging"
	"ralphlite/internal/schema"
	"ralphlite/internal/store"
	"ralphlite/internal/workflow"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Report is the structured run summary returned at termination.
type Report struct {
	Outcome     Outcome
	Frames      int
	Landed      []string          // ticket ids
	Evicted     map[string]string // ticket id -> reason
	FailedNodes []string
}

// RenderFunc builds the component tree for one frame. It must be pure over
// the accessor: same store state, same tree.
type RenderFunc func(ctx *Ctx, iterations map[string]int) (*workflow.Node, error)

// Invoker abstracts the agent subprocess layer for tests.
type Invoker interface {
	Invoke(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// FrameHook runs at the end of every frame, before loop advances are
// applied. The scheduler-agent bridge's reap/reconcile pass is wired here.
type FrameHook func(iteration int) error

// Engine owns the frame loop.
type Engine struct {
	outputs *store.OutputStore
	queue   *store.JobQueue
	invoker Invoker
	render  RenderFunc

	// WorkspacePath resolves a descriptor's workspace id to a directory for
	// the agent subprocess. Nil leaves agents in the process cwd.
	WorkspacePath func(ctx context.Context, id string) (string, error)

	// AfterFrame is the optional frame hook.
	AfterFrame FrameHook

	maxConcurrency int64
	iterations     map[string]int
}

// New assembles an engine.
func New(outputs *store.OutputStore, queue *store.JobQueue, invoker Invoker, render RenderFunc, maxConcurrency int) *Engine {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Engine{
		outputs:        outputs,
		queue:          queue,
		invoker:        invoker,
		render:         render,
		maxConcurrency: int64(maxConcurrency),
		iterations:     map[string]int{},
	}
}

// Run drives frames until termination: a frame with no runnable tasks, no
// loop advances, and no active jobs completes the run; cancellation and
// fatal task failures end it early.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	sched := NewScheduler(e.outputs)
	sem := semaphore.NewWeighted(e.maxConcurrency)
	report := &Report{Outcome: OutcomeCompleted, Evicted: map[string]string{}}

	if _, err := e.outputs.RecoverStaleAttempts(store.StaleAttemptThreshold); err != nil {
		return nil, err
	}

	for {
		if ctx.Err() != nil {
			report.Outcome = OutcomeCancelled
			break
		}
		report.Frames++
		frameIter := e.iterations["main-loop"]

		accessor := NewCtx(e.outputs, frameIter)
		tree, err := e.render(accessor, e.iterations)
		if err != nil {
			return nil, fmt.Errorf("render frame %d: %w", report.Frames, err)
		}
		plan, err := workflow.Flatten(tree)
		if err != nil {
			return nil, fmt.Errorf("flatten frame %d: %w", report.Frames, err)
		}
		logging.EngineDebug("frame %d render:\n%s", report.Frames, plan.Snapshot)

		frame, err := sched.Plan(plan)
		if err != nil {
			return nil, err
		}
		if frame.Fatal != "" {
			logging.Engine("fatal failure at node %s", frame.Fatal)
			report.Outcome = OutcomeFailed
			report.FailedNodes = append(report.FailedNodes, frame.Fatal)
			break
		}
		if len(frame.MaxedOut) > 0 {
			logging.Engine("loop %s hit max iterations with fail policy", frame.MaxedOut[0])
			report.Outcome = OutcomeFailed
			report.FailedNodes = append(report.FailedNodes, frame.MaxedOut...)
			break
		}

		if err := e.dispatch(ctx, sem, frame.Runnable); err != nil {
			if errors.Is(err, context.Canceled) {
				report.Outcome = OutcomeCancelled
				break
			}
			return nil, err
		}

		if e.AfterFrame != nil {
			if err := e.AfterFrame(frameIter); err != nil {
				return nil, fmt.Errorf("frame hook: %w", err)
			}
		}

		for _, loopID := range frame.Advances {
			e.iterations[loopID]++
			logging.Engine("loop %s advances to iteration %d", loopID, e.iterations[loopID])
		}

		active, err := e.queue.Active()
		if err != nil {
			return nil, err
		}
		if len(frame.Runnable) == 0 && len(frame.Advances) == 0 && len(active) == 0 {
			logging.Engine("fixpoint reached after %d frames", report.Frames)
			break
		}
		collectFailed(frame, report)
	}

	e.summarize(report)
	return report, nil
}

// collectFailed records continueOnFail nodes that exhausted their budget.
func collectFailed(frame *Frame, report *Report) {
	for nodeID, state := range frame.States {
		if state == StateFailed {
			report.FailedNodes = appendUnique(report.FailedNodes, nodeID)
		}
	}
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}

// dispatch runs every runnable task of the frame and waits for all of them.
// Loop iteration advance depends on this barrier: no task crosses frames.
func (e *Engine) dispatch(ctx context.Context, sem *semaphore.Weighted, runnable []workflow.Descriptor) error {
	if len(runnable) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range runnable {
		d := d
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return e.runTask(gctx, &d)
		})
	}
	return g.Wait()
}

// runTask executes one descriptor and records its attempt. Task-level
// failures are contained here; only storage errors and cancellation
// propagate.
func (e *Engine) runTask(ctx context.Context, d *workflow.Descriptor) error {
	attemptID, err := e.outputs.StartAttempt(d.NodeID, d.Iteration, firstAgent(d))
	if err != nil {
		return err
	}

	payload, runErr := e.taskPayload(ctx, d)
	switch {
	case runErr == nil:
		if err := e.outputs.Put(d.SchemaKey, d.NodeID, d.Iteration, payload); err != nil {
			var schemaErr *schema.Error
			if errors.As(err, &schemaErr) {
				logging.Engine("task %s produced invalid payload: %v", d.NodeID, err)
				return e.outputs.FinishAttempt(attemptID, store.AttemptFailed)
			}
			return err
		}
		return e.outputs.FinishAttempt(attemptID, store.AttemptFinished)

	case isCancellation(runErr):
		// The node reverts to pending; cancelled attempts do not consume
		// the retry budget.
		if err := e.outputs.FinishAttempt(attemptID, store.AttemptCancelled); err != nil {
			return err
		}
		return context.Canceled

	case errors.Is(runErr, store.ErrStorageUnavailable):
		return runErr

	default:
		logging.Engine("task %s attempt failed: %v", d.NodeID, runErr)
		return e.outputs.FinishAttempt(attemptID, store.AttemptFailed)
	}
}

// taskPayload produces the task's output by class.
func (e *Engine) taskPayload(ctx context.Context, d *workflow.Descriptor) (map[string]any, error) {
	switch d.Class {
	case workflow.ClassStatic:
		return d.Static, nil

	case workflow.ClassCompute:
		timeout := d.Timeout
		if timeout <= 0 {
			timeout = agent.DefaultDeadline
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.Compute(cctx)

	case workflow.ClassAgent:
		dir := ""
		if d.WorkspaceID != "" && e.WorkspacePath != nil {
			var err error
			dir, err = e.WorkspacePath(ctx, d.WorkspaceID)
			if err != nil {
				return nil, fmt.Errorf("workspace for %s: %w", d.NodeID, err)
			}
		}
		failures, err := e.outputs.FailureCount(d.NodeID, d.Iteration)
		if err != nil {
			return nil, err
		}
		res, err := e.invoker.Invoke(ctx, agent.Request{
			Prompt:    d.Prompt,
			SchemaKey: d.SchemaKey,
			Schema:    e.outputs.Catalog().Lookup(d.SchemaKey),
			Agents:    d.Agents,
			Attempt:   failures, // prior failures advance the fallback chain
			Dir:       dir,
			Timeout:   d.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return res.Payload, nil
	}
	return nil, fmt.Errorf("task %s has unknown class %q", d.NodeID, d.Class)
}

func isCancellation(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ae *agent.Error
	return errors.As(err, &ae) && ae.Kind == agent.KindCancelled
}

func firstAgent(d *workflow.Descriptor) string {
	if len(d.Agents) > 0 {
		return d.Agents[0]
	}
	return string(d.Class)
}

// summarize fills the landed/evicted sets from the land and merge-queue
// relations.
func (e *Engine) summarize(report *Report) {
	rows, err := e.outputs.Scan(schema.KeyLand)
	if err != nil {
		logging.Engine("report scan failed: %v", err)
		return
	}
	latest := map[string]store.Row{}
	for _, row := range rows {
		if id, _ := row.Payload["ticketId"].(string); id != "" {
			latest[id] = row
		}
	}
	for id, row := range latest {
		if landed, _ := row.Payload["landed"].(bool); landed {
			report.Landed = appendUnique(report.Landed, id)
			continue
		}
		if evicted, _ := row.Payload["evicted"].(bool); evicted {
			reason, _ := row.Payload["reason"].(string)
			report.Evicted[id] = reason
		}
	}
}
