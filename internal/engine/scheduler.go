package engine

import (
	"ralphlite/internal/logging"
	"ralphlite/internal/store"
	"ralphlite/internal/workflow"
)

// NodeState is the scheduler's verdict on one task for the current frame.
type NodeState string

const (
	StatePending    NodeState = "pending"
	StateInProgress NodeState = "in-progress"
	StateFinished   NodeState = "finished"
	StateFailed     NodeState = "failed"
	StateSkipped    NodeState = "skipped"
)

// Terminal reports whether a state ends the node for its iteration.
func (s NodeState) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateSkipped
}

// Frame is the scheduler's output for one render: what to dispatch, which
// loops advance, and any failure that must stop the run.
type Frame struct {
	Runnable []workflow.Descriptor // dispatch order
	Advances []string              // loop ids whose children all terminated
	MaxedOut []string              // loops at maxIterations with policy fail
	Fatal    string                // node id of a failed non-continueOnFail task
	States   map[string]NodeState
}

// Scheduler computes node states from the store and walks the plan tree for
// runnability.
type Scheduler struct {
	outputs *store.OutputStore
}

// NewScheduler returns a scheduler over the run's output store.
func NewScheduler(outputs *store.OutputStore) *Scheduler {
	return &Scheduler{outputs: outputs}
}

// Plan walks the rendered tree and emits the frame.
func (s *Scheduler) Plan(plan *workflow.Plan) (*Frame, error) {
	f := &Frame{States: make(map[string]NodeState)}
	w := &walker{sched: s, plan: plan, frame: f}
	if _, err := w.walk(plan.Root, walkScope{groupCap: -1}); err != nil {
		return nil, err
	}
	return f, nil
}

// taskState applies the state rules in order: skip, in-progress, finished,
// loop-terminated (handled by the walker via scope), failed, pending.
func (s *Scheduler) taskState(d *workflow.Descriptor) (NodeState, error) {
	if d.Skipped {
		return StateSkipped, nil
	}
	running, err := s.outputs.InProgress(d.NodeID, d.Iteration)
	if err != nil {
		return "", err
	}
	if running {
		return StateInProgress, nil
	}
	_, found, err := s.outputs.GetExact(d.SchemaKey, d.NodeID, d.Iteration)
	if err != nil {
		return "", err
	}
	if found {
		return StateFinished, nil
	}
	failures, err := s.outputs.FailureCount(d.NodeID, d.Iteration)
	if err != nil {
		return "", err
	}
	if failures >= d.Retries+1 {
		return StateFailed, nil
	}
	return StatePending, nil
}

// walkScope carries container context down the runnability walk.
type walkScope struct {
	loopDone bool // an enclosing loop has terminated; descendants skip
	groupCap int  // nearest enclosing group's remaining slots; -1 unbounded
}

type walker struct {
	sched *Scheduler
	plan  *workflow.Plan
	frame *Frame
}

// walk returns whether the subtree is terminal for the current iteration.
func (w *walker) walk(n *workflow.Node, sc walkScope) (bool, error) {
	if n == nil {
		return true, nil
	}
	switch n.Kind {
	case workflow.KindTask:
		return w.walkTask(n, sc)
	case workflow.KindSequence, workflow.KindWorktree, workflow.KindBranch:
		return w.walkSequence(n.ActiveChildren(), sc)
	case workflow.KindParallel, workflow.KindMergeQueue:
		return w.walkParallel(n, sc)
	case workflow.KindLoop:
		return w.walkLoop(n, sc)
	}
	return true, nil
}

func (w *walker) walkTask(n *workflow.Node, sc walkScope) (bool, error) {
	d, ok := w.plan.Descriptor(n.Task.ID)
	if !ok {
		return true, nil
	}
	var state NodeState
	if sc.loopDone {
		state = StateSkipped
	} else {
		var err error
		state, err = w.sched.taskState(d)
		if err != nil {
			return false, err
		}
	}
	w.frame.States[d.NodeID] = state

	if state == StateFailed && !d.ContinueOnFail && w.frame.Fatal == "" {
		w.frame.Fatal = d.NodeID
	}
	if state == StatePending {
		if sc.groupCap != 0 {
			w.frame.Runnable = append(w.frame.Runnable, *d)
		} else {
			logging.Scheduler("group cap defers %s", d.NodeID)
		}
	}
	return state.Terminal(), nil
}

// walkSequence schedules only the first non-terminal child. ContinueOnFail
// failures do not block later siblings; they are terminal.
func (w *walker) walkSequence(children []*workflow.Node, sc walkScope) (bool, error) {
	for _, child := range children {
		terminal, err := w.walk(child, sc)
		if err != nil {
			return false, err
		}
		if !terminal {
			return false, nil
		}
	}
	return true, nil
}

// walkParallel schedules every non-terminal child up to the group's cap.
// In-flight children count against the cap before pending ones claim slots.
func (w *walker) walkParallel(n *workflow.Node, sc walkScope) (bool, error) {
	inner := sc
	inner.groupCap = -1
	if n.Cap > 0 {
		running, err := w.countInProgress(n, sc)
		if err != nil {
			return false, err
		}
		inner.groupCap = n.Cap - running
		if inner.groupCap < 0 {
			inner.groupCap = 0
		}
	}

	allTerminal := true
	for _, child := range n.ActiveChildren() {
		before := len(w.frame.Runnable)
		terminal, err := w.walk(child, inner)
		if err != nil {
			return false, err
		}
		if !terminal {
			allTerminal = false
		}
		if inner.groupCap > 0 {
			inner.groupCap -= len(w.frame.Runnable) - before
			if inner.groupCap < 0 {
				inner.groupCap = 0
			}
		}
	}
	return allTerminal, nil
}

// countInProgress counts running tasks in the group's subtree; they hold
// slots that pending siblings cannot take this frame.
func (w *walker) countInProgress(n *workflow.Node, sc walkScope) (int, error) {
	if sc.loopDone {
		return 0, nil
	}
	count := 0
	var visit func(m *workflow.Node) error
	visit = func(m *workflow.Node) error {
		if m == nil {
			return nil
		}
		if m.Kind == workflow.KindTask {
			running, err := w.sched.outputs.InProgress(m.Task.ID, iterationOf(w.plan, m.Task.ID))
			if err != nil {
				return err
			}
			if running {
				count++
			}
			return nil
		}
		for _, child := range m.ActiveChildren() {
			if err := visit(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(n); err != nil {
		return 0, err
	}
	return count, nil
}

func iterationOf(plan *workflow.Plan, nodeID string) int {
	if d, ok := plan.Descriptor(nodeID); ok {
		return d.Iteration
	}
	return 0
}

// walkLoop treats the body as a sequence for the current iteration. When
// every child is terminal it emits an advance signal, unless the loop is
// done (until predicate) or out of iterations.
func (w *walker) walkLoop(n *workflow.Node, sc walkScope) (bool, error) {
	if n.Done {
		return true, nil
	}
	inner := sc
	terminal, err := w.walkSequence(n.ActiveChildren(), inner)
	if err != nil {
		return false, err
	}
	if !terminal {
		return false, nil
	}
	if n.MaxIterations > 0 && n.Iteration+1 >= n.MaxIterations {
		if n.OnMax == workflow.MaxFail {
			w.frame.MaxedOut = append(w.frame.MaxedOut, n.ID)
		}
		return true, nil
	}
	w.frame.Advances = append(w.frame.Advances, n.ID)
	// An advancing loop is not terminal; the next frame re-renders its body.
	return false, nil
}
