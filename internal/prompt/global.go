package prompt

import (
	"fmt"
	"strings"

	"ralphlite/internal/pipeline"
	"ralphlite/internal/schema"
)

// Discovery asks for the ticket breakdown of the user's objective.
func (p *Builder) Discovery(objective string, known []pipeline.Ticket) string {
	var b strings.Builder
	p.header(&b, "discovery")
	section(&b, "Objective", objective)
	if p.cfg.SpecsPath != "" {
		section(&b, "Specs", "Project specifications live under "+p.cfg.SpecsPath+". Consult them first.")
	}
	if len(known) > 0 {
		var body strings.Builder
		for _, t := range known {
			fmt.Fprintf(&body, "- %s [%s/%s] %s\n", t.ID, t.Priority, t.Tier, t.Title)
		}
		section(&b, "Known tickets", body.String()+
			"\nRe-emit a known id only to revise its fields; its complexity tier is fixed.")
	}
	section(&b, "Task", strings.Join([]string{
		"Break the objective into independent tickets. For each, assign:",
		"- a stable id with no ':' character",
		"- a complexity tier: trivial (mechanical one-file change), small (needs a test),",
		"  medium (needs research and review), large (cross-cutting, full pipeline)",
		"- priority, acceptance criteria, and the files involved.",
		"Prefer many small tickets over few large ones.",
	}, "\n"))
	p.schemaFooter(&b, schema.KeyDiscover)
	return b.String()
}

// ProgressUpdate asks for a run-level status summary.
func (p *Builder) ProgressUpdate(tickets []pipeline.Ticket, landed int) string {
	var b strings.Builder
	p.header(&b, "progress")
	fmt.Fprintf(&b, "%d of %d discovered tickets have landed.\n\n", landed, len(tickets))
	section(&b, "Task",
		"Summarize run progress: what has landed, what remains, and any tickets that\n"+
			"appear blocked. Do NOT modify any file.")
	p.schemaFooter(&b, schema.KeyProgress)
	return b.String()
}

// CodebaseReview asks for a category-wide health review.
func (p *Builder) CodebaseReview(category string) string {
	var b strings.Builder
	p.header(&b, "codebase review")
	section(&b, "Task",
		"Review the codebase area \""+category+"\" for consistency with the rest of the\n"+
			"repository: naming, layering, duplicated logic. Do NOT modify any file.")
	p.schemaFooter(&b, schema.KeyCategoryReview)
	return b.String()
}

// IntegrationTest asks for an end-to-end verification pass.
func (p *Builder) IntegrationTest() string {
	var b strings.Builder
	p.header(&b, "integration testing")
	section(&b, "Task",
		"Run the full test suite and exercise the main user flows end to end.\n"+
			"Report every failure with enough output to reproduce it.")
	section(&b, "Test commands", commandList(p.cfg.TestCmds))
	p.schemaFooter(&b, schema.KeyIntegrationTest)
	return b.String()
}

// MergeReviewProps is the input to the post-rebase semantic review gate.
type MergeReviewProps struct {
	Ticket      pipeline.Ticket
	BranchLog   string
	SummaryDiff string
	MainlineLog string
}

// MergeReview renders the semantic review the merge queue runs after a
// stacked rebase, before CI.
func (p *Builder) MergeReview(props MergeReviewProps) string {
	var b strings.Builder
	p.header(&b, "merge review")
	ticketSection(&b, props.Ticket)
	section(&b, "Rebased commits", props.BranchLog)
	section(&b, "Files changed", props.SummaryDiff)
	section(&b, "Landed on mainline since branching", props.MainlineLog)
	section(&b, "Task",
		"Judge whether the rebased change is still semantically valid against what\n"+
			"has landed on mainline since it branched: no duplicated work, no reliance\n"+
			"on code that was since removed or reshaped. approved=false evicts the\n"+
			"ticket for rework. Do NOT modify any file.")
	p.schemaFooter(&b, schema.KeyCodeReview)
	return b.String()
}
