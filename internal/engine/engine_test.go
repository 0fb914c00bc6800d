package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ralphlite/internal/agent"
	"ralphlite/internal/schema"
	"ralphlite/internal/store"
	"ralphlite/internal/workflow"
)

// fakeInvoker replays canned payloads keyed by schema key and records every
// request it sees.
type fakeInvoker struct {
	mu       sync.Mutex
	payloads map[string]map[string]any
	err      error
	requests []agent.Request
}

func (f *fakeInvoker) Invoke(_ context.Context, req agent.Request) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	payload, ok := f.payloads[req.SchemaKey]
	if !ok {
		return nil, &agent.Error{Kind: agent.KindFailure, Detail: "no canned payload"}
	}
	return &agent.Result{Payload: payload, AgentID: req.Agents[0], Attempts: 1}, nil
}

func openEngineStores(t *testing.T, runID string) (*store.OutputStore, *store.JobQueue) {
	t.Helper()
	dir := t.TempDir()
	outputs, err := store.OpenOutputStore(filepath.Join(dir, "outputs.db"), runID, schema.DefaultCatalog())
	require.NoError(t, err)
	queue, err := store.OpenJobQueue(filepath.Join(dir, "jobs.db"), runID)
	require.NoError(t, err)
	t.Cleanup(func() {
		outputs.Close()
		queue.Close()
	})
	return outputs, queue
}

func TestEngineTerminatesAtFixpoint(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	outputs, queue := openEngineStores(t, "run-1")

	render := func(_ *Ctx, _ map[string]int) (*workflow.Node, error) {
		return workflow.Sequence(workflow.Task(workflow.TaskSpec{
			ID: "seed", SchemaKey: schema.KeyMonitor,
			Static: map[string]any{"healthy": true, "issues": nil},
		})), nil
	}
	e := New(outputs, queue, &fakeInvoker{}, render, 4)

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, 2, report.Frames, "dispatch frame plus the terminating frame")

	_, found, err := outputs.GetExact(schema.KeyMonitor, "seed", 0)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEngineDrivesLoopToMaxIterations(t *testing.T) {
	outputs, queue := openEngineStores(t, "run-1")

	var mu sync.Mutex
	var seen []int
	render := func(_ *Ctx, iterations map[string]int) (*workflow.Node, error) {
		iter := iterations["main-loop"]
		return workflow.Ralph("main-loop", iter, 3, workflow.MaxReturnLast,
			workflow.Task(workflow.TaskSpec{
				ID: "tick", SchemaKey: schema.KeyMonitor,
				Compute: func(context.Context) (map[string]any, error) {
					mu.Lock()
					seen = append(seen, iter)
					mu.Unlock()
					return map[string]any{"healthy": true, "issues": nil}, nil
				},
			}),
		), nil
	}
	e := New(outputs, queue, &fakeInvoker{}, render, 2)

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, []int{0, 1, 2}, seen)

	for i := 0; i < 3; i++ {
		_, found, err := outputs.GetExact(schema.KeyMonitor, "tick", i)
		require.NoError(t, err)
		assert.True(t, found, "iteration %d row", i)
	}
}

func TestEngineCrossIterationDependency(t *testing.T) {
	outputs, queue := openEngineStores(t, "run-1")

	// Stage b reads stage a's output from the previous iteration via the
	// cross-iteration accessor; the iteration-scoped one would miss it.
	var wrongMisses int
	render := func(ctx *Ctx, iterations map[string]int) (*workflow.Node, error) {
		iter := iterations["main-loop"]
		a := workflow.Task(workflow.TaskSpec{
			ID: "a", SchemaKey: schema.KeyMonitor,
			Static: map[string]any{"healthy": true, "issues": nil},
		})
		b := workflow.Task(workflow.TaskSpec{
			ID: "b", SchemaKey: schema.KeyMonitor,
			Compute: func(context.Context) (map[string]any, error) {
				if iter > 0 {
					if _, found, _ := ctx.OutputMaybeAt(schema.KeyMonitor, "a", iter); !found {
						wrongMisses++
					}
					payload, _, found, err := ctx.Latest(schema.KeyMonitor, "a")
					if err != nil || !found {
						return nil, errors.New("latest lookup must see the previous iteration")
					}
					return payload, nil
				}
				return map[string]any{"healthy": true, "issues": nil}, nil
			},
		})
		// Only stage a reruns every iteration in iteration 0; afterwards b
		// depends on a's earlier output.
		if iter > 0 {
			a.Task.Skip = true
		}
		return workflow.Ralph("main-loop", iter, 2, workflow.MaxReturnLast,
			workflow.Sequence(a, b)), nil
	}
	e := New(outputs, queue, &fakeInvoker{}, render, 2)

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, 1, wrongMisses, "iteration-scoped lookup misses the stale dependency")
}

func TestEngineFatalOnRetryExhaustion(t *testing.T) {
	outputs, queue := openEngineStores(t, "run-1")

	render := func(_ *Ctx, _ map[string]int) (*workflow.Node, error) {
		return workflow.Sequence(workflow.Task(workflow.TaskSpec{
			ID: "doomed", SchemaKey: schema.KeyMonitor,
			Compute: func(context.Context) (map[string]any, error) {
				return nil, errors.New("boom")
			},
		})), nil
	}
	e := New(outputs, queue, &fakeInvoker{}, render, 2)

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Contains(t, report.FailedNodes, "doomed")
}

func TestEngineContinueOnFailCompletes(t *testing.T) {
	outputs, queue := openEngineStores(t, "run-1")

	render := func(_ *Ctx, _ map[string]int) (*workflow.Node, error) {
		return workflow.Sequence(
			workflow.Task(workflow.TaskSpec{
				ID: "flaky", SchemaKey: schema.KeyMonitor, ContinueOnFail: true,
				Compute: func(context.Context) (map[string]any, error) {
					return nil, errors.New("boom")
				},
			}),
			workflow.Task(workflow.TaskSpec{
				ID: "after", SchemaKey: schema.KeyMonitor,
				Static: map[string]any{"healthy": true, "issues": nil},
			}),
		), nil
	}
	e := New(outputs, queue, &fakeInvoker{}, render, 2)

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Contains(t, report.FailedNodes, "flaky")

	_, found, err := outputs.GetExact(schema.KeyMonitor, "after", 0)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEngineCancellation(t *testing.T) {
	outputs, queue := openEngineStores(t, "run-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	render := func(_ *Ctx, _ map[string]int) (*workflow.Node, error) {
		return workflow.Sequence(workflow.Task(workflow.TaskSpec{
			ID: "never", SchemaKey: schema.KeyMonitor,
			Static: map[string]any{"healthy": true, "issues": nil},
		})), nil
	}
	e := New(outputs, queue, &fakeInvoker{}, render, 2)

	report, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, report.Outcome)

	_, found, err := outputs.GetExact(schema.KeyMonitor, "never", 0)
	require.NoError(t, err)
	assert.False(t, found, "no dispatch after cancellation")
}

func TestEngineAgentDispatchWiring(t *testing.T) {
	outputs, queue := openEngineStores(t, "run-1")
	inv := &fakeInvoker{payloads: map[string]map[string]any{
		schema.KeyMonitor: {"healthy": true, "issues": nil},
	}}

	render := func(_ *Ctx, _ map[string]int) (*workflow.Node, error) {
		return workflow.Sequence(workflow.Worktree("T-1",
			workflow.Task(workflow.TaskSpec{
				ID: "T-1:implement", SchemaKey: schema.KeyMonitor,
				Agents: []string{"primary", "fallback"}, Prompt: "do it",
			}),
		)), nil
	}
	e := New(outputs, queue, inv, render, 2)
	e.WorkspacePath = func(_ context.Context, id string) (string, error) {
		return "/tmp/workflow-wt-" + id, nil
	}

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)

	require.Len(t, inv.requests, 1)
	req := inv.requests[0]
	assert.Equal(t, "do it", req.Prompt)
	assert.Equal(t, []string{"primary", "fallback"}, req.Agents)
	assert.Equal(t, "/tmp/workflow-wt-T-1", req.Dir)
	assert.Equal(t, 0, req.Attempt)
}

func TestEngineAttemptIndexFollowsFailureCount(t *testing.T) {
	outputs, queue := openEngineStores(t, "run-1")
	inv := &fakeInvoker{payloads: map[string]map[string]any{
		schema.KeyMonitor: {"healthy": true, "issues": nil},
	}}

	// A prior failed attempt advances the fallback index for the retry.
	failID, err := outputs.StartAttempt("T-1:implement", 0, "primary")
	require.NoError(t, err)
	require.NoError(t, outputs.FinishAttempt(failID, store.AttemptFailed))

	render := func(_ *Ctx, _ map[string]int) (*workflow.Node, error) {
		return workflow.Sequence(workflow.Task(workflow.TaskSpec{
			ID: "T-1:implement", SchemaKey: schema.KeyMonitor,
			Agents: []string{"primary", "fallback"}, Prompt: "p", Retries: 2,
		})), nil
	}
	e := New(outputs, queue, inv, render, 2)

	_, err = e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, inv.requests, 1)
	assert.Equal(t, 1, inv.requests[0].Attempt)
}

func TestEngineFrameHookRuns(t *testing.T) {
	outputs, queue := openEngineStores(t, "run-1")

	hooks := 0
	render := func(_ *Ctx, _ map[string]int) (*workflow.Node, error) {
		return workflow.Sequence(workflow.Task(workflow.TaskSpec{
			ID: "seed", SchemaKey: schema.KeyMonitor,
			Static: map[string]any{"healthy": true, "issues": nil},
		})), nil
	}
	e := New(outputs, queue, &fakeInvoker{}, render, 2)
	e.AfterFrame = func(int) error {
		hooks++
		return nil
	}

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.Frames, hooks, "hook runs once per frame")
}
