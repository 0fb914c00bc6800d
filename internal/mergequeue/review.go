package mergequeue

import (
	"context"

	"ralphlite/internal/agent"
	"ralphlite/internal/config"
	"ralphlite/internal/pipeline"
	"ralphlite/internal/prompt"
	"ralphlite/internal/schema"
)

// AgentReviewer runs the post-rebase semantic gate through an AI agent with
// the code_review schema. Wired only when an agent is flagged is_merge_queue
// in the pool.
type AgentReviewer struct {
	invoker *agent.Invoker
	prompts *prompt.Builder
	catalog schema.Catalog
	agentID string
}

// NewAgentReviewer returns the reviewer, or nil when no merge-queue agent
// is configured.
func NewAgentReviewer(cfg *config.Config, invoker *agent.Invoker, prompts *prompt.Builder, catalog schema.Catalog) *AgentReviewer {
	for id, spec := range cfg.Agents {
		if spec.IsMergeQueue {
			return &AgentReviewer{invoker: invoker, prompts: prompts, catalog: catalog, agentID: id}
		}
	}
	return nil
}

// Review judges a rebased window entry against what landed since branching.
func (r *AgentReviewer) Review(ctx context.Context, t pipeline.Ticket, ec pipeline.EvictionContext) (bool, error) {
	res, err := r.invoker.Invoke(ctx, agent.Request{
		Prompt: r.prompts.MergeReview(prompt.MergeReviewProps{
			Ticket:      t,
			BranchLog:   ec.BranchLog,
			SummaryDiff: ec.SummaryDiff,
			MainlineLog: ec.MainlineLog,
		}),
		SchemaKey: schema.KeyCodeReview,
		Schema:    r.catalog.Lookup(schema.KeyCodeReview),
		Agents:    []string{r.agentID},
		Retries:   1,
	})
	if err != nil {
		return false, err
	}
	approved, _ := res.Payload["approved"].(bool)
	return approved, nil
}
