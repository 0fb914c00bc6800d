// Package engine drives the workflow fixpoint: render the tree, schedule
// runnable tasks, dispatch a frame, persist outputs, advance loops, repeat
// until nothing remains.
package engine

import (
	"errors"
	"fmt"

	"ralphlite/internal/store"
)

// ErrNotFound is returned by Output when the row does not exist. Callers
// that can tolerate absence use OutputMaybe instead.
var ErrNotFound = errors.New("output not found")

// Ctx is the per-frame read-only view of the output store. The three
// lookups differ only in iteration handling; the distinction is what keeps
// loop dataflow correct:
//
//   - Output / OutputMaybe are iteration-scoped. A repeating task's own
//     completion must be checked this way, or its first iteration pins the
//     result forever.
//   - Latest crosses iterations. A dependency produced in an earlier loop
//     pass must be read this way, or it vanishes after the loop advances.
type Ctx struct {
	outputs   *store.OutputStore
	iteration int // the frame's default iteration
}

// NewCtx builds the accessor over the store at the frame's iteration.
func NewCtx(outputs *store.OutputStore, iteration int) *Ctx {
	return &Ctx{outputs: outputs, iteration: iteration}
}

// Iteration returns the frame's default iteration.
func (c *Ctx) Iteration() int { return c.iteration }

// Output is the exact lookup at the frame's iteration. Absence is an error;
// use it when the dependency must exist.
func (c *Ctx) Output(key, nodeID string) (map[string]any, error) {
	return c.OutputAt(key, nodeID, c.iteration)
}

// OutputAt is the exact lookup at an explicit iteration.
func (c *Ctx) OutputAt(key, nodeID string, iteration int) (map[string]any, error) {
	row, found, err := c.outputs.GetExact(key, nodeID, iteration)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s/%s@%d", ErrNotFound, key, nodeID, iteration)
	}
	return row.Payload, nil
}

// OutputMaybe is the exact lookup at the frame's iteration, tolerating
// absence.
func (c *Ctx) OutputMaybe(key, nodeID string) (map[string]any, bool, error) {
	return c.OutputMaybeAt(key, nodeID, c.iteration)
}

// OutputMaybeAt is OutputMaybe at an explicit iteration.
func (c *Ctx) OutputMaybeAt(key, nodeID string, iteration int) (map[string]any, bool, error) {
	row, found, err := c.outputs.GetExact(key, nodeID, iteration)
	if err != nil || !found {
		return nil, false, err
	}
	return row.Payload, true, nil
}

// Latest is the cross-iteration lookup: the row with the largest iteration
// for (run, node).
func (c *Ctx) Latest(key, nodeID string) (map[string]any, int, bool, error) {
	row, found, err := c.outputs.GetLatest(key, nodeID)
	if err != nil || !found {
		return nil, 0, false, err
	}
	return row.Payload, row.Iteration, true, nil
}

// Scan returns every row for a key in the current run, iteration ascending.
// The discovery fold and the merge queue's ready-set computation use it.
func (c *Ctx) Scan(key string) ([]store.Row, error) {
	return c.outputs.Scan(key)
}
