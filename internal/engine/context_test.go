package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralphlite/internal/schema"
	"ralphlite/internal/store"
)

func openOutputs(t *testing.T, runID string) *store.OutputStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outputs.db")
	outputs, err := store.OpenOutputStore(path, runID, schema.DefaultCatalog())
	require.NoError(t, err)
	t.Cleanup(func() { outputs.Close() })
	return outputs
}

func monitorPayload() map[string]any {
	return map[string]any{"healthy": true, "issues": nil}
}

func TestOutputFailsOnAbsence(t *testing.T) {
	outputs := openOutputs(t, "run-1")
	ctx := NewCtx(outputs, 0)

	_, err := ctx.Output(schema.KeyMonitor, "monitor-0")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, outputs.Put(schema.KeyMonitor, "monitor-0", 0, monitorPayload()))
	payload, err := ctx.Output(schema.KeyMonitor, "monitor-0")
	require.NoError(t, err)
	assert.Equal(t, true, payload["healthy"])
}

func TestIterationScopedVersusLatest(t *testing.T) {
	outputs := openOutputs(t, "run-1")
	require.NoError(t, outputs.Put(schema.KeyMonitor, "monitor-0", 0, monitorPayload()))

	// Frame at iteration 1: the iteration-scoped lookup misses, the
	// cross-iteration lookup still sees iteration 0's row.
	ctx := NewCtx(outputs, 1)

	_, found, err := ctx.OutputMaybe(schema.KeyMonitor, "monitor-0")
	require.NoError(t, err)
	assert.False(t, found, "iteration-scoped lookup must miss until the task reruns")

	payload, iteration, found, err := ctx.Latest(schema.KeyMonitor, "monitor-0")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0, iteration)
	assert.Equal(t, true, payload["healthy"])

	// After the task reruns in iteration 1, both lookups agree.
	require.NoError(t, outputs.Put(schema.KeyMonitor, "monitor-0", 1, monitorPayload()))
	_, found, err = ctx.OutputMaybe(schema.KeyMonitor, "monitor-0")
	require.NoError(t, err)
	assert.True(t, found)

	_, iteration, _, err = ctx.Latest(schema.KeyMonitor, "monitor-0")
	require.NoError(t, err)
	assert.Equal(t, 1, iteration)
}

func TestOutputAtExplicitIteration(t *testing.T) {
	outputs := openOutputs(t, "run-1")
	require.NoError(t, outputs.Put(schema.KeyMonitor, "monitor-0", 3, monitorPayload()))

	ctx := NewCtx(outputs, 0)
	_, err := ctx.OutputAt(schema.KeyMonitor, "monitor-0", 3)
	require.NoError(t, err)
	_, err = ctx.OutputAt(schema.KeyMonitor, "monitor-0", 2)
	require.ErrorIs(t, err, ErrNotFound)
}
