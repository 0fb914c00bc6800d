package workflow

import (
	"fmt"
	"time"
)

// TaskClass distinguishes how a descriptor is dispatched.
type TaskClass string

const (
	ClassAgent   TaskClass = "agent"
	ClassCompute TaskClass = "compute"
	ClassStatic  TaskClass = "static"
)

// Descriptor is one renderable task with all tree-derived context resolved:
// its enclosing loop, workspace, and concurrency group.
type Descriptor struct {
	NodeID    string
	SchemaKey string
	Class     TaskClass

	Agents  []string
	Prompt  string
	Compute ComputeFn
	Static  map[string]any

	Iteration   int
	LoopID      string
	WorkspaceID string
	GroupID     string

	Retries        int
	Timeout        time.Duration
	ContinueOnFail bool
	Skipped        bool
}

// Plan is the product of one render: the tree itself (walked by the
// scheduler), the ordered descriptors, and an XML snapshot for logs.
type Plan struct {
	Root        *Node
	Descriptors []Descriptor
	Snapshot    string

	byID map[string]int
}

// Descriptor looks up a task by node id.
func (p *Plan) Descriptor(nodeID string) (*Descriptor, bool) {
	i, ok := p.byID[nodeID]
	if !ok {
		return nil, false
	}
	return &p.Descriptors[i], true
}

// Flatten walks the tree depth-first and produces the plan. Node ids must be
// unique within the render; a duplicate is a programming error in the render
// function and fails the frame.
func Flatten(root *Node) (*Plan, error) {
	p := &Plan{Root: root, byID: make(map[string]int)}
	if err := p.walk(root, scope{}); err != nil {
		return nil, err
	}
	p.Snapshot = Snapshot(root)
	return p, nil
}

// scope carries inherited tree context down the walk.
type scope struct {
	iteration   int
	loopID      string
	workspaceID string
	groupID     string
}

func (p *Plan) walk(n *Node, sc scope) error {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case KindLoop:
		sc.loopID = n.ID
		sc.iteration = n.Iteration
	case KindWorktree:
		sc.workspaceID = n.WorkspaceID
	case KindParallel, KindMergeQueue:
		sc.groupID = n.ID
	case KindTask:
		return p.emit(n.Task, sc)
	}
	for _, child := range n.ActiveChildren() {
		if err := p.walk(child, sc); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plan) emit(spec *TaskSpec, sc scope) error {
	if spec.ID == "" {
		return fmt.Errorf("task without id under loop %q", sc.loopID)
	}
	if _, dup := p.byID[spec.ID]; dup {
		return fmt.Errorf("duplicate node id %q in render", spec.ID)
	}
	class, err := classify(spec)
	if err != nil {
		return err
	}
	d := Descriptor{
		NodeID:         spec.ID,
		SchemaKey:      spec.SchemaKey,
		Class:          class,
		Agents:         spec.Agents,
		Prompt:         spec.Prompt,
		Compute:        spec.Compute,
		Static:         spec.Static,
		Iteration:      sc.iteration,
		LoopID:         sc.loopID,
		WorkspaceID:    sc.workspaceID,
		GroupID:        sc.groupID,
		Retries:        spec.Retries,
		Timeout:        spec.Timeout,
		ContinueOnFail: spec.ContinueOnFail,
		Skipped:        spec.Skip,
	}
	p.Descriptors = append(p.Descriptors, d)
	p.byID[spec.ID] = len(p.Descriptors) - 1
	return nil
}

func classify(spec *TaskSpec) (TaskClass, error) {
	set := 0
	var class TaskClass
	if len(spec.Agents) > 0 {
		set++
		class = ClassAgent
	}
	if spec.Compute != nil {
		set++
		class = ClassCompute
	}
	if spec.Static != nil {
		set++
		class = ClassStatic
	}
	if set != 1 {
		return "", fmt.Errorf("task %q must declare exactly one of agents, compute, static", spec.ID)
	}
	if spec.SchemaKey == "" {
		return "", fmt.Errorf("task %q has no output schema", spec.ID)
	}
	return class, nil
}
