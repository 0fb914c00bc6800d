// Package workflow declares the component tree the engine reconciles: a
// tagged-variant AST built fresh on every frame by a pure render function,
// then flattened into ordered task descriptors.
package workflow

import (
	"context"
	"time"
)

// Kind tags a tree node.
type Kind string

const (
	KindSequence   Kind = "sequence"
	KindParallel   Kind = "parallel"
	KindLoop       Kind = "loop"
	KindBranch     Kind = "branch"
	KindTask       Kind = "task"
	KindWorktree   Kind = "worktree"
	KindMergeQueue Kind = "merge-queue"
)

// MaxPolicy selects what a loop does when maxIterations is reached.
type MaxPolicy string

const (
	MaxFail       MaxPolicy = "fail"
	MaxReturnLast MaxPolicy = "return-last"
)

// ComputeFn is a pure-Go task body. It runs inside the frame's worker pool
// and must honor ctx cancellation.
type ComputeFn func(ctx context.Context) (map[string]any, error)

// TaskSpec declares a leaf task. Exactly one of Agents, Compute, or Static
// must be set.
type TaskSpec struct {
	ID        string
	SchemaKey string

	Agents  []string // fallback chain for agent tasks
	Prompt  string   // rendered prompt for agent tasks
	Compute ComputeFn
	Static  map[string]any

	Retries        int
	Timeout        time.Duration
	ContinueOnFail bool
	Skip           bool // evaluated by the render function
}

// Node is one vertex of the component tree.
type Node struct {
	Kind     Kind
	ID       string
	Children []*Node

	// Parallel / MergeQueue
	Cap int // 0 means unbounded (global cap still applies)

	// Loop
	Iteration     int // current counter, supplied by the engine at render
	MaxIterations int // 0 means unbounded
	OnMax         MaxPolicy
	Done          bool // until predicate, evaluated by the render function

	// Branch
	Active int // index of the live child

	// Worktree
	WorkspaceID string

	// Task
	Task *TaskSpec
}

// Sequence runs children to terminal state in declaration order.
func Sequence(children ...*Node) *Node {
	return &Node{Kind: KindSequence, Children: children}
}

// Parallel schedules every non-terminal child concurrently up to cap.
func Parallel(id string, cap int, children ...*Node) *Node {
	return &Node{Kind: KindParallel, ID: id, Cap: cap, Children: children}
}

// Ralph is the loop construct: children re-render for iteration i+1 once
// every child is terminal at iteration i.
func Ralph(id string, iteration, maxIterations int, onMax MaxPolicy, children ...*Node) *Node {
	return &Node{
		Kind: KindLoop, ID: id, Iteration: iteration,
		MaxIterations: maxIterations, OnMax: onMax, Children: children,
	}
}

// Branch keeps both subtrees in the snapshot but only the active one is
// scheduled. The render function evaluates the predicate.
func Branch(active bool, then, otherwise *Node) *Node {
	n := &Node{Kind: KindBranch, Children: []*Node{then, otherwise}}
	if !active {
		n.Active = 1
	}
	return n
}

// Task wraps a leaf spec.
func Task(spec TaskSpec) *Node {
	return &Node{Kind: KindTask, ID: spec.ID, Task: &spec}
}

// Worktree binds descendant tasks' cwd to a workspace path.
func Worktree(workspaceID string, children ...*Node) *Node {
	return &Node{Kind: KindWorktree, WorkspaceID: workspaceID, Children: children}
}

// MergeQueue is a Parallel with an effective concurrency of one.
func MergeQueue(id string, children ...*Node) *Node {
	return &Node{Kind: KindMergeQueue, ID: id, Cap: 1, Children: children}
}

// ActiveChildren returns the children the scheduler may consider: all of
// them, except a branch's inactive side.
func (n *Node) ActiveChildren() []*Node {
	if n.Kind == KindBranch {
		if n.Active >= 0 && n.Active < len(n.Children) {
			return n.Children[n.Active : n.Active+1]
		}
		return nil
	}
	return n.Children
}
