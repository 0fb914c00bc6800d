// Package mergequeue serializes landing of tier-complete tickets onto the
// mainline with speculative stacking: up to D tickets are rebased into a
// stack, checked in parallel, and the mainline fast-forwards to the deepest
// entry below the first failure.
package mergequeue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ralphlite/internal/config"
	"ralphlite/internal/logging"
	"ralphlite/internal/pipeline"
	"ralphlite/internal/schema"
	"ralphlite/internal/store"
	"ralphlite/internal/vcs"
)

// Eviction reasons persisted on land rows.
const (
	ReasonRebaseConflict = "rebase_conflict"
	ReasonReviewFailed   = "review_failed"
	ReasonCIFailed       = "ci_failed"
	ReasonPushFailed     = "push_failed"
	ReasonWorkspace      = "workspace_error"
)

const pushRetries = 3

// VCS is the slice of the jj client the coordinator drives.
type VCS interface {
	pipeline.EvictionSource
	Fetch(ctx context.Context) error
	Rebase(ctx context.Context, bookmark, dest string) error
	BookmarkSet(ctx context.Context, name, rev string) error
	BookmarkDelete(ctx context.Context, name string) error
	Push(ctx context.Context, bookmark string) error
}

// Workspaces creates and tears down working copies for CI and cleanup.
type Workspaces interface {
	Ensure(ctx context.Context, id, atRev string) (string, error)
	Close(ctx context.Context, id string) error
}

// Reviewer is the optional post-rebase semantic gate. Nil disables it.
type Reviewer interface {
	Review(ctx context.Context, t pipeline.Ticket, ec pipeline.EvictionContext) (approved bool, err error)
}

// CheckRunner executes the configured post-land checks in dir. ok is false
// when any check exits non-zero; output carries the failing check's output.
type CheckRunner func(ctx context.Context, dir string, cmds []config.Command) (ok bool, output string, err error)

// Resolution is the single outcome every waiter receives.
type Resolution struct {
	TicketID string
	Landed   bool
	Evicted  bool
	Reason   string
	CIOutput string
	Eviction pipeline.EvictionContext
}

// entry tracks one submitted ticket through pending -> resolved.
type entry struct {
	ticket          pipeline.Ticket
	reportIteration int
	seq             int
	invalidated     int
	resolved        *Resolution
	waiters         []chan Resolution
}

// Coordinator is the per-run speculative merge queue. All processing runs on
// the caller's goroutine; Submit is safe from any goroutine.
type Coordinator struct {
	cfg        *config.Config
	outputs    *store.OutputStore
	client     VCS
	workspaces Workspaces
	reviewer   Reviewer
	checks     CheckRunner

	mu      sync.Mutex
	entries map[string]*entry
	nextSeq int
	rounds  []map[string]any // cumulative merge_queue_result entries
}

// New assembles a coordinator. reviewer may be nil.
func New(cfg *config.Config, outputs *store.OutputStore, client VCS, workspaces Workspaces, reviewer Reviewer, checks CheckRunner) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		outputs:    outputs,
		client:     client,
		workspaces: workspaces,
		reviewer:   reviewer,
		checks:     checks,
		entries:    map[string]*entry{},
	}
}

// Submit enqueues a tier-complete ticket and returns a channel that will
// receive exactly one resolution. Re-submitting at a higher report iteration
// reopens a resolved entry; at the same or lower iteration the previous
// resolution is replayed immediately.
func (c *Coordinator) Submit(t pipeline.Ticket, reportIteration int) <-chan Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Resolution, 1)
	e, ok := c.entries[t.ID]
	if !ok {
		e = &entry{ticket: t, reportIteration: reportIteration, seq: c.nextSeq}
		c.nextSeq++
		c.entries[t.ID] = e
	} else if e.resolved != nil {
		if reportIteration > e.reportIteration {
			logging.Merge("reopening %s at report iteration %d", t.ID, reportIteration)
			e.ticket = t
			e.reportIteration = reportIteration
			e.resolved = nil
			e.invalidated = 0
		} else {
			ch <- *e.resolved
			return ch
		}
	}
	e.waiters = append(e.waiters, ch)
	return ch
}

// Invalidations reports how many times a pending ticket was pushed back by
// failures ahead of it in the window.
func (c *Coordinator) Invalidations(ticketID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[ticketID]; ok {
		return e.invalidated
	}
	return 0
}

// Pending returns the ids of unresolved entries, for the status command.
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, e := range c.entries {
		if e.resolved == nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Results returns every resolution recorded so far, in resolve order,
// shaped as merge_queue_result entries.
func (c *Coordinator) Results() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.rounds...)
}

// ProcessOnce runs one speculative round at the given engine iteration and
// returns how many tickets landed and were evicted. A round with no pending
// entries is a no-op.
func (c *Coordinator) ProcessOnce(ctx context.Context, iteration int) (landed, evicted int, err error) {
	window, err := c.takeWindow()
	if err != nil {
		return 0, 0, err
	}
	if len(window) == 0 {
		return 0, 0, nil
	}
	logging.Merge("round of %d entries: %v", len(window), ids(window))

	if err := c.client.Fetch(ctx); err != nil {
		return 0, 0, fmt.Errorf("fetch before round: %w", err)
	}

	// Stacked rebase: entry 0 onto mainline, each later entry onto its
	// predecessor's branch. The first conflict evicts just that entry and
	// ends the round; untouched entries retry next round.
	for i, e := range window {
		dest := c.cfg.MainBranch
		if i > 0 {
			dest = bookmarkRev(window[i-1].ticket.ID)
		}
		if rerr := c.client.Rebase(ctx, vcs.TicketBookmark(e.ticket.ID), dest); rerr != nil {
			if errors.Is(rerr, vcs.ErrRebaseConflict) {
				c.evict(ctx, e, ReasonRebaseConflict, "", iteration)
				return 0, 1, nil
			}
			return 0, 0, rerr
		}
	}

	// Optional semantic review of every rebased entry. The window truncates
	// at the first rejection: earlier entries still land, later ones are
	// invalidated and retried next round.
	if c.reviewer != nil {
		for i, e := range window {
			ec := pipeline.CollectEvictionContext(ctx, c.client, c.cfg.MainBranch, e.ticket.ID)
			approved, rerr := c.reviewer.Review(ctx, e.ticket, ec)
			if rerr != nil {
				return 0, 0, fmt.Errorf("merge review for %s: %w", e.ticket.ID, rerr)
			}
			if !approved {
				c.evict(ctx, e, ReasonReviewFailed, "", iteration)
				c.invalidate(window[i+1:])
				window = window[:i]
				evicted++
				break
			}
		}
		if len(window) == 0 {
			return 0, evicted, nil
		}
	}

	// Parallel CI in ephemeral workspaces, one per entry.
	results, err := c.runChecks(ctx, window)
	if err != nil {
		return 0, evicted, err
	}
	k := -1
	for i, r := range results {
		if !r.ok {
			k = i
			break
		}
	}

	landCount := len(window)
	if k >= 0 {
		landCount = k
	}

	if landCount > 0 {
		tail := window[landCount-1]
		// Eviction diagnostics must be collected before the fast-forward
		// moves the mainline.
		var failEC pipeline.EvictionContext
		if k >= 0 {
			failEC = pipeline.CollectEvictionContext(ctx, c.client, c.cfg.MainBranch, window[k].ticket.ID)
		}
		if err := c.fastForward(ctx, tail.ticket.ID); err != nil {
			for _, e := range window[:landCount] {
				c.evict(ctx, e, ReasonPushFailed, err.Error(), iteration)
				evicted++
			}
			return 0, evicted, nil
		}
		for _, e := range window[:landCount] {
			c.land(ctx, e, iteration)
			landed++
		}
		if k >= 0 {
			c.evictWith(ctx, window[k], ReasonCIFailed, results[k].output, failEC, iteration)
			c.invalidate(window[k+1:])
			evicted++
		}
		return landed, evicted, nil
	}

	// k == 0: nothing lands, the head is evicted, the rest retry rebased
	// onto an unchanged mainline.
	c.evict(ctx, window[0], ReasonCIFailed, results[0].output, iteration)
	c.invalidate(window[1:])
	return 0, evicted + 1, nil
}

// takeWindow orders pending, tier-complete entries by the configured policy
// and returns the first maxSpeculativeDepth of them.
func (c *Coordinator) takeWindow() ([]*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ready []*entry
	for _, e := range c.entries {
		if e.resolved != nil {
			continue
		}
		complete, err := pipeline.IsTierComplete(c.outputs, e.ticket)
		if err != nil {
			return nil, err
		}
		if complete {
			ready = append(ready, e)
		}
	}
	c.order(ready)
	if len(ready) > c.cfg.MaxSpeculativeDepth {
		ready = ready[:c.cfg.MaxSpeculativeDepth]
	}
	return ready, nil
}

func (c *Coordinator) order(ready []*entry) {
	switch c.cfg.Ordering {
	case config.OrderByTicketOrder:
		sort.Slice(ready, func(i, j int) bool {
			return ready[i].ticket.Index < ready[j].ticket.Index
		})
	case config.OrderReportCompleteFIFO:
		sort.Slice(ready, func(i, j int) bool {
			a, b := c.finalStageIteration(ready[i].ticket), c.finalStageIteration(ready[j].ticket)
			if a != b {
				return a < b
			}
			return ready[i].seq < ready[j].seq
		})
	default: // priority
		sort.Slice(ready, func(i, j int) bool {
			a := pipeline.PriorityWeight(ready[i].ticket.Priority)
			b := pipeline.PriorityWeight(ready[j].ticket.Priority)
			if a != b {
				return a < b
			}
			return ready[i].seq < ready[j].seq
		})
	}
}

// finalStageIteration is when the ticket's terminal stage completed.
func (c *Coordinator) finalStageIteration(t pipeline.Ticket) int {
	final := pipeline.FinalStage(t.Tier)
	row, found, err := c.outputs.GetLatest(pipeline.StageSchema(final), pipeline.NodeID(t.ID, final))
	if err != nil || !found {
		return 0
	}
	return row.Iteration
}

type checkResult struct {
	ok     bool
	output string
}

// runChecks runs post-land checks for every window entry concurrently, each
// in its own ephemeral workspace at the entry's rebased branch.
func (c *Coordinator) runChecks(ctx context.Context, window []*entry) ([]checkResult, error) {
	results := make([]checkResult, len(window))
	var wg sync.WaitGroup
	errs := make([]error, len(window))
	for i, e := range window {
		wg.Add(1)
		go func(i int, e *entry) {
			defer wg.Done()
			wsID := "ci-" + e.ticket.ID
			dir, err := c.workspaces.Ensure(ctx, wsID, bookmarkRev(e.ticket.ID))
			if err != nil {
				errs[i] = err
				results[i] = checkResult{ok: false, output: err.Error()}
				return
			}
			defer func() {
				if cerr := c.workspaces.Close(ctx, wsID); cerr != nil {
					logging.Merge("close ci workspace %s: %v", wsID, cerr)
				}
			}()
			ok, output, err := c.checks(ctx, dir, c.cfg.PostLandChecks)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = checkResult{ok: ok, output: output}
		}(i, e)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// fastForward points the mainline at the tail ticket's branch and pushes,
// re-fetching and retrying up to three times.
func (c *Coordinator) fastForward(ctx context.Context, tailTicketID string) error {
	if err := c.client.BookmarkSet(ctx, c.cfg.MainBranch, bookmarkRev(tailTicketID)); err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= pushRetries; attempt++ {
		if lastErr = c.client.Push(ctx, c.cfg.MainBranch); lastErr == nil {
			return nil
		}
		logging.Merge("push attempt %d failed: %v", attempt, lastErr)
		if attempt < pushRetries {
			if err := c.client.Fetch(ctx); err != nil {
				logging.Merge("re-fetch after push failure: %v", err)
			}
		}
	}
	return fmt.Errorf("push failed after %d attempts: %w", pushRetries, lastErr)
}

// land resolves an entry as landed: bookmark deleted, workspace closed,
// land row persisted.
func (c *Coordinator) land(ctx context.Context, e *entry, iteration int) {
	if err := c.client.BookmarkDelete(ctx, vcs.TicketBookmark(e.ticket.ID)); err != nil {
		logging.Merge("delete bookmark for %s: %v", e.ticket.ID, err)
	}
	if err := c.workspaces.Close(ctx, e.ticket.ID); err != nil {
		logging.Merge("close workspace for %s: %v", e.ticket.ID, err)
	}
	c.resolve(e, Resolution{TicketID: e.ticket.ID, Landed: true}, iteration)
	logging.Merge("landed %s", e.ticket.ID)
}

// evict resolves an entry as evicted, collecting diagnostics first.
func (c *Coordinator) evict(ctx context.Context, e *entry, reason, ciOutput string, iteration int) {
	ec := pipeline.CollectEvictionContext(ctx, c.client, c.cfg.MainBranch, e.ticket.ID)
	c.evictWith(ctx, e, reason, ciOutput, ec, iteration)
}

func (c *Coordinator) evictWith(ctx context.Context, e *entry, reason, ciOutput string, ec pipeline.EvictionContext, iteration int) {
	if err := c.workspaces.Close(ctx, e.ticket.ID); err != nil {
		logging.Merge("close workspace for evicted %s: %v", e.ticket.ID, err)
	}
	c.resolve(e, Resolution{
		TicketID: e.ticket.ID, Evicted: true, Reason: reason,
		CIOutput: ciOutput, Eviction: ec,
	}, iteration)
	logging.Merge("evicted %s (%s)", e.ticket.ID, reason)
}

func (c *Coordinator) invalidate(entries []*entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		e.invalidated++
	}
}

// resolve publishes the outcome to every waiter exactly once and persists
// the land and merge_queue_result rows.
func (c *Coordinator) resolve(e *entry, res Resolution, iteration int) {
	c.mu.Lock()
	e.resolved = &res
	waiters := e.waiters
	e.waiters = nil
	c.rounds = append(c.rounds, resultEntry(res))
	roundsCopy := append([]map[string]any(nil), c.rounds...)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- res
	}

	if err := c.persist(res, roundsCopy, iteration); err != nil {
		logging.Merge("persist resolution for %s: %v", res.TicketID, err)
	}
}

func (c *Coordinator) persist(res Resolution, rounds []map[string]any, iteration int) error {
	land := map[string]any{
		"ticketId":    res.TicketID,
		"landed":      res.Landed,
		"evicted":     res.Evicted,
		"reason":      nullableStr(res.Reason),
		"branchLog":   nullableStr(res.Eviction.BranchLog),
		"summaryDiff": nullableStr(res.Eviction.SummaryDiff),
		"mainlineLog": nullableStr(res.Eviction.MainlineLog),
	}
	node := pipeline.NodeID(res.TicketID, pipeline.StageLand)
	if err := c.outputs.Put(schema.KeyLand, node, iteration, land); err != nil {
		return err
	}
	entries := make([]any, len(rounds))
	for i, r := range rounds {
		entries[i] = any(r)
	}
	return c.outputs.Put(schema.KeyMergeQueueResult, "merge-queue", iteration,
		map[string]any{"entries": entries})
}

func resultEntry(res Resolution) map[string]any {
	return map[string]any{
		"ticketId":    res.TicketID,
		"landed":      res.Landed,
		"evicted":     res.Evicted,
		"reason":      nullableStr(res.Reason),
		"ciOutput":    nullableStr(res.CIOutput),
		"branchLog":   nullableStr(res.Eviction.BranchLog),
		"summaryDiff": nullableStr(res.Eviction.SummaryDiff),
		"mainlineLog": nullableStr(res.Eviction.MainlineLog),
	}
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func bookmarkRev(ticketID string) string {
	return fmt.Sprintf("bookmark(%q)", vcs.TicketBookmark(ticketID))
}

func ids(entries []*entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ticket.ID
	}
	return out
}
