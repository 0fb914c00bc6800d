package mergequeue

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ralphlite/internal/config"
	"ralphlite/internal/pipeline"
	"ralphlite/internal/schema"
	"ralphlite/internal/store"
	"ralphlite/internal/vcs"
)

type fakeVCS struct {
	mu          sync.Mutex
	calls       []string
	rebaseFails map[string]bool // bookmark -> conflict
	pushFails   int             // remaining push failures
}

func (f *fakeVCS) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeVCS) has(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func (f *fakeVCS) Fetch(context.Context) error { f.record("fetch"); return nil }

func (f *fakeVCS) Rebase(_ context.Context, bookmark, dest string) error {
	f.record("rebase %s onto %s", bookmark, dest)
	if f.rebaseFails[bookmark] {
		return fmt.Errorf("%w: simulated conflict", vcs.ErrRebaseConflict)
	}
	return nil
}

func (f *fakeVCS) BookmarkSet(_ context.Context, name, rev string) error {
	f.record("bookmark set %s -> %s", name, rev)
	return nil
}

func (f *fakeVCS) BookmarkDelete(_ context.Context, name string) error {
	f.record("bookmark delete %s", name)
	return nil
}

func (f *fakeVCS) Push(_ context.Context, bookmark string) error {
	f.record("push %s", bookmark)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushFails > 0 {
		f.pushFails--
		return fmt.Errorf("remote rejected")
	}
	return nil
}

func (f *fakeVCS) BranchCommits(_ context.Context, _, bookmark string) (string, error) {
	return "branch-log:" + bookmark, nil
}

func (f *fakeVCS) DiffSummary(_ context.Context, revset string) (string, error) {
	return "summary:" + revset, nil
}

func (f *fakeVCS) MainlineCommitsSince(_ context.Context, _, bookmark string) (string, error) {
	return "mainline-log:" + bookmark, nil
}

type fakeWorkspaces struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeWorkspaces) Ensure(_ context.Context, id, _ string) (string, error) {
	return "/ws/" + id, nil
}

func (f *fakeWorkspaces) Close(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeWorkspaces) didClose(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.closed {
		if c == id {
			return true
		}
	}
	return false
}

func checksFailingFor(dirs ...string) CheckRunner {
	failing := map[string]bool{}
	for _, d := range dirs {
		failing[d] = true
	}
	return func(_ context.Context, dir string, _ []config.Command) (bool, string, error) {
		if failing[dir] {
			return false, "ci boom in " + dir, nil
		}
		return true, "ok", nil
	}
}

type rejectReviewer struct{ reject map[string]bool }

func (r *rejectReviewer) Review(_ context.Context, t pipeline.Ticket, _ pipeline.EvictionContext) (bool, error) {
	return !r.reject[t.ID], nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ProjectName = "widget"
	cfg.RepoRoot = "/repo"
	cfg.MaxSpeculativeDepth = 3
	cfg.PostLandChecks = []config.Command{{Ecosystem: "go", Run: "go test ./..."}}
	return cfg
}

func openOutputs(t *testing.T) *store.OutputStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outputs.db")
	outputs, err := store.OpenOutputStore(path, "run-1", schema.DefaultCatalog())
	require.NoError(t, err)
	t.Cleanup(func() { outputs.Close() })
	return outputs
}

// tierComplete writes the trivial tier's final stage row so the ticket is
// eligible for landing.
func tierComplete(t *testing.T, outputs *store.OutputStore, ticketID string, iteration int) pipeline.Ticket {
	t.Helper()
	require.NoError(t, outputs.Put(schema.KeyBuildVerify,
		pipeline.NodeID(ticketID, pipeline.StageBuildVerify), iteration,
		map[string]any{"ticketId": ticketID, "success": true, "output": "ok"}))
	return pipeline.Ticket{ID: ticketID, Title: ticketID, Priority: "high", Tier: pipeline.TierTrivial}
}

func TestSingleTicketLands(t *testing.T) {
	outputs := openOutputs(t)
	fv := &fakeVCS{}
	fw := &fakeWorkspaces{}
	c := New(testConfig(), outputs, fv, fw, nil, checksFailingFor())

	ch := c.Submit(tierComplete(t, outputs, "T-1", 0), 0)
	landed, evicted, err := c.ProcessOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, landed)
	assert.Equal(t, 0, evicted)

	res := <-ch
	assert.True(t, res.Landed)
	assert.False(t, res.Evicted)

	assert.True(t, fv.has(`rebase ticket/T-1 onto main`))
	assert.True(t, fv.has(`bookmark set main -> bookmark("ticket/T-1")`))
	assert.True(t, fv.has("push main"))
	assert.True(t, fv.has("bookmark delete ticket/T-1"))
	assert.True(t, fw.didClose("T-1"), "ticket workspace removed after land")

	row, found, err := outputs.GetExact(schema.KeyLand, "T-1:land", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, true, row.Payload["landed"])
}

func TestRebaseConflictEvictsWithDiagnostics(t *testing.T) {
	outputs := openOutputs(t)
	fv := &fakeVCS{rebaseFails: map[string]bool{"ticket/T-B": true}}
	fw := &fakeWorkspaces{}
	c := New(testConfig(), outputs, fv, fw, nil, checksFailingFor())

	ch := c.Submit(tierComplete(t, outputs, "T-B", 0), 0)
	landed, evicted, err := c.ProcessOnce(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 0, landed)
	assert.Equal(t, 1, evicted)

	res := <-ch
	assert.True(t, res.Evicted)
	assert.Equal(t, ReasonRebaseConflict, res.Reason)
	assert.Equal(t, "branch-log:ticket/T-B", res.Eviction.BranchLog)
	assert.Equal(t, "mainline-log:ticket/T-B", res.Eviction.MainlineLog)

	assert.False(t, fv.has("bookmark set main"), "mainline unchanged")
	assert.True(t, fw.didClose("T-B"), "evicted ticket workspace cleaned up")

	// The persisted land row carries the artifacts for the next attempt.
	ec, found, err := pipeline.LatestEviction(outputs, "T-B")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "branch-log:ticket/T-B", ec.BranchLog)
	assert.Equal(t, "summary:main..bookmark(\"ticket/T-B\")", ec.SummaryDiff)
}

func TestSpeculativeWindowMiddleFailure(t *testing.T) {
	outputs := openOutputs(t)
	fv := &fakeVCS{}
	fw := &fakeWorkspaces{}
	c := New(testConfig(), outputs, fv, fw, nil, checksFailingFor("/ws/ci-T-2"))

	ch1 := c.Submit(tierComplete(t, outputs, "T-1", 0), 0)
	ch2 := c.Submit(tierComplete(t, outputs, "T-2", 0), 0)
	ch3 := c.Submit(tierComplete(t, outputs, "T-3", 0), 0)

	landed, evicted, err := c.ProcessOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, landed)
	assert.Equal(t, 1, evicted)

	// Stacked rebase order.
	assert.True(t, fv.has(`rebase ticket/T-1 onto main`))
	assert.True(t, fv.has(`rebase ticket/T-2 onto bookmark("ticket/T-1")`))
	assert.True(t, fv.has(`rebase ticket/T-3 onto bookmark("ticket/T-2")`))

	// Fast-forward stops below the failure.
	assert.True(t, fv.has(`bookmark set main -> bookmark("ticket/T-1")`))

	res1 := <-ch1
	assert.True(t, res1.Landed)
	res2 := <-ch2
	assert.True(t, res2.Evicted)
	assert.Equal(t, ReasonCIFailed, res2.Reason)
	assert.Contains(t, res2.CIOutput, "ci boom")

	// T-3 is invalidated exactly once and stays pending.
	assert.Equal(t, 1, c.Invalidations("T-3"))
	assert.Equal(t, []string{"T-3"}, c.Pending())
	select {
	case <-ch3:
		t.Fatal("T-3 must not resolve this round")
	default:
	}

	// Next round lands T-3 with a fresh rebase onto the new mainline.
	landed, evicted, err = c.ProcessOnce(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, landed)
	assert.Equal(t, 0, evicted)
	res3 := <-ch3
	assert.True(t, res3.Landed)
}

func TestHeadFailureLandsNothing(t *testing.T) {
	outputs := openOutputs(t)
	fv := &fakeVCS{}
	fw := &fakeWorkspaces{}
	c := New(testConfig(), outputs, fv, fw, nil, checksFailingFor("/ws/ci-T-1"))

	ch1 := c.Submit(tierComplete(t, outputs, "T-1", 0), 0)
	c.Submit(tierComplete(t, outputs, "T-2", 0), 0)

	landed, evicted, err := c.ProcessOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, landed)
	assert.Equal(t, 1, evicted)

	res1 := <-ch1
	assert.True(t, res1.Evicted)
	assert.False(t, fv.has("bookmark set main"), "mainline not advanced at all")
	assert.Equal(t, 1, c.Invalidations("T-2"))
}

func TestReviewGateEvictsAndTruncatesWindow(t *testing.T) {
	outputs := openOutputs(t)
	fv := &fakeVCS{}
	fw := &fakeWorkspaces{}
	reviewer := &rejectReviewer{reject: map[string]bool{"T-2": true}}
	c := New(testConfig(), outputs, fv, fw, reviewer, checksFailingFor())

	ch1 := c.Submit(tierComplete(t, outputs, "T-1", 0), 0)
	ch2 := c.Submit(tierComplete(t, outputs, "T-2", 0), 0)
	c.Submit(tierComplete(t, outputs, "T-3", 0), 0)

	landed, evicted, err := c.ProcessOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, landed)
	assert.Equal(t, 1, evicted)

	assert.True(t, (<-ch1).Landed, "entries before the rejection still land")
	res2 := <-ch2
	assert.Equal(t, ReasonReviewFailed, res2.Reason)
	assert.Equal(t, 1, c.Invalidations("T-3"))
}

func TestPriorityOrdering(t *testing.T) {
	outputs := openOutputs(t)
	fv := &fakeVCS{}
	c := New(testConfig(), outputs, fv, &fakeWorkspaces{}, nil, checksFailingFor())

	low := tierComplete(t, outputs, "T-low", 0)
	low.Priority = "low"
	crit := tierComplete(t, outputs, "T-crit", 0)
	crit.Priority = "critical"
	c.Submit(low, 0)
	c.Submit(crit, 0)

	_, _, err := c.ProcessOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, fv.has(`rebase ticket/T-crit onto main`))
	assert.True(t, fv.has(`rebase ticket/T-low onto bookmark("ticket/T-crit")`))
}

func TestTicketOrderOrdering(t *testing.T) {
	outputs := openOutputs(t)
	cfg := testConfig()
	cfg.Ordering = config.OrderByTicketOrder
	fv := &fakeVCS{}
	c := New(cfg, outputs, fv, &fakeWorkspaces{}, nil, checksFailingFor())

	second := tierComplete(t, outputs, "T-b", 0)
	second.Index = 1
	first := tierComplete(t, outputs, "T-a", 0)
	first.Index = 0
	c.Submit(second, 0)
	c.Submit(first, 0)

	_, _, err := c.ProcessOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, fv.has(`rebase ticket/T-a onto main`))
	assert.True(t, fv.has(`rebase ticket/T-b onto bookmark("ticket/T-a")`))
}

func TestWindowBoundedByDepth(t *testing.T) {
	outputs := openOutputs(t)
	cfg := testConfig()
	cfg.MaxSpeculativeDepth = 2
	fv := &fakeVCS{}
	c := New(cfg, outputs, fv, &fakeWorkspaces{}, nil, checksFailingFor())

	c.Submit(tierComplete(t, outputs, "T-1", 0), 0)
	c.Submit(tierComplete(t, outputs, "T-2", 0), 0)
	c.Submit(tierComplete(t, outputs, "T-3", 0), 0)

	landed, _, err := c.ProcessOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, landed)
	assert.False(t, fv.has("rebase ticket/T-3"), "third entry waits for the next round")
}

func TestTierIncompleteTicketNotProcessed(t *testing.T) {
	outputs := openOutputs(t)
	fv := &fakeVCS{}
	c := New(testConfig(), outputs, fv, &fakeWorkspaces{}, nil, checksFailingFor())

	c.Submit(pipeline.Ticket{ID: "T-1", Tier: pipeline.TierTrivial, Priority: "high"}, 0)
	landed, evicted, err := c.ProcessOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, landed)
	assert.Zero(t, evicted)
	assert.Empty(t, fv.calls, "no VCS traffic for an ineligible ticket")
}

func TestResolutionReplayAndReopen(t *testing.T) {
	outputs := openOutputs(t)
	c := New(testConfig(), outputs, &fakeVCS{}, &fakeWorkspaces{}, nil, checksFailingFor())

	ticket := tierComplete(t, outputs, "T-1", 0)
	ch := c.Submit(ticket, 0)
	_, _, err := c.ProcessOnce(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, (<-ch).Landed)

	// Same report iteration: the stored resolution replays immediately.
	again := c.Submit(ticket, 0)
	res := <-again
	assert.True(t, res.Landed)

	// Higher report iteration reopens the entry.
	reopened := c.Submit(ticket, 1)
	select {
	case <-reopened:
		t.Fatal("reopened entry must be pending again")
	default:
	}
	assert.Equal(t, []string{"T-1"}, c.Pending())
}

func TestPushRetriesWithRefetch(t *testing.T) {
	outputs := openOutputs(t)
	fv := &fakeVCS{pushFails: 2}
	c := New(testConfig(), outputs, fv, &fakeWorkspaces{}, nil, checksFailingFor())

	ch := c.Submit(tierComplete(t, outputs, "T-1", 0), 0)
	landed, _, err := c.ProcessOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, landed)
	assert.True(t, (<-ch).Landed)

	pushes := 0
	fetches := 0
	for _, call := range fv.calls {
		if strings.HasPrefix(call, "push") {
			pushes++
		}
		if call == "fetch" {
			fetches++
		}
	}
	assert.Equal(t, 3, pushes, "two failures then success")
	assert.Equal(t, 3, fetches, "initial fetch plus one per retry")
}

func TestPushExhaustionEvictsWindow(t *testing.T) {
	outputs := openOutputs(t)
	fv := &fakeVCS{pushFails: 5}
	c := New(testConfig(), outputs, fv, &fakeWorkspaces{}, nil, checksFailingFor())

	ch := c.Submit(tierComplete(t, outputs, "T-1", 0), 0)
	landed, evicted, err := c.ProcessOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, landed)
	assert.Equal(t, 1, evicted)
	res := <-ch
	assert.Equal(t, ReasonPushFailed, res.Reason)
}
