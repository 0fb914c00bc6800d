package pipeline

import (
	"context"

	"ralphlite/internal/schema"
	"ralphlite/internal/vcs"
)

// EvictionSource is the slice of the VCS client the context builder needs.
type EvictionSource interface {
	BranchCommits(ctx context.Context, mainBranch, bookmark string) (string, error)
	DiffSummary(ctx context.Context, revset string) (string, error)
	MainlineCommitsSince(ctx context.Context, mainBranch, bookmark string) (string, error)
}

// EvictionContext carries the three VCS diagnostics collected when a ticket
// fails to land. It is persisted on the land row and injected verbatim into
// the ticket's next research/plan/implement prompts.
type EvictionContext struct {
	BranchLog   string // commits on the branch since the branch point
	SummaryDiff string // files changed by those commits
	MainlineLog string // commits on mainline since the branch point
}

// Empty reports whether no diagnostics were collected.
func (e EvictionContext) Empty() bool {
	return e.BranchLog == "" && e.SummaryDiff == "" && e.MainlineLog == ""
}

// CollectEvictionContext queries the VCS for the three artifacts. Partial
// results are returned; a failing query leaves its field empty rather than
// aborting the eviction.
func CollectEvictionContext(ctx context.Context, client EvictionSource, mainBranch, ticketID string) EvictionContext {
	bookmark := vcs.TicketBookmark(ticketID)
	var ec EvictionContext
	if out, err := client.BranchCommits(ctx, mainBranch, bookmark); err == nil {
		ec.BranchLog = out
	}
	if out, err := client.DiffSummary(ctx, mainBranch+"..bookmark(\""+bookmark+"\")"); err == nil {
		ec.SummaryDiff = out
	}
	if out, err := client.MainlineCommitsSince(ctx, mainBranch, bookmark); err == nil {
		ec.MainlineLog = out
	}
	return ec
}

// LatestEviction scans the ticket's latest land row (then the merge-queue
// result relation) for eviction diagnostics. Found is false when the ticket
// has never been evicted or its last resolution landed.
func LatestEviction(r OutputReader, ticketID string) (EvictionContext, bool, error) {
	row, found, err := r.GetLatest(schema.KeyLand, NodeID(ticketID, StageLand))
	if err != nil {
		return EvictionContext{}, false, err
	}
	if found {
		if evicted, _ := row.Payload["evicted"].(bool); evicted {
			return evictionFromPayload(row.Payload), true, nil
		}
		return EvictionContext{}, false, nil
	}

	mq, found, err := r.GetLatest(schema.KeyMergeQueueResult, "merge-queue")
	if err != nil || !found {
		return EvictionContext{}, false, err
	}
	entries, _ := mq.Payload["entries"].([]any)
	for i := len(entries) - 1; i >= 0; i-- {
		obj, ok := entries[i].(map[string]any)
		if !ok || str(obj["ticketId"]) != ticketID {
			continue
		}
		if evicted, _ := obj["evicted"].(bool); evicted {
			return evictionFromPayload(obj), true, nil
		}
		return EvictionContext{}, false, nil
	}
	return EvictionContext{}, false, nil
}

func evictionFromPayload(obj map[string]any) EvictionContext {
	return EvictionContext{
		BranchLog:   str(obj["branchLog"]),
		SummaryDiff: str(obj["summaryDiff"]),
		MainlineLog: str(obj["mainlineLog"]),
	}
}
