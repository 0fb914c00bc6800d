package prompt

import (
	"strings"

	"ralphlite/internal/pipeline"
	"ralphlite/internal/schema"
)

// StageProps carries everything a stage prompt can draw on. Deps holds the
// latest payload of each earlier stage the prompt wants to embed, keyed by
// stage name.
type StageProps struct {
	Ticket    pipeline.Ticket
	Iteration int
	Deps      map[pipeline.Stage]map[string]any
	Eviction  pipeline.EvictionContext
}

// ForStage dispatches to the producer for one pipeline stage.
func (p *Builder) ForStage(stage pipeline.Stage, props StageProps) string {
	switch stage {
	case pipeline.StageResearch:
		return p.Research(props)
	case pipeline.StagePlan:
		return p.Plan(props)
	case pipeline.StageImplement:
		return p.Implement(props)
	case pipeline.StageTest:
		return p.Test(props)
	case pipeline.StageBuildVerify:
		return p.BuildVerify(props)
	case pipeline.StageSpecReview:
		return p.SpecReview(props)
	case pipeline.StageCodeReview:
		return p.CodeReview(props)
	case pipeline.StageReviewFix:
		return p.ReviewFix(props)
	case pipeline.StageReport:
		return p.Report(props)
	default:
		return ""
	}
}

// Research asks for findings before any code is touched.
func (p *Builder) Research(props StageProps) string {
	var b strings.Builder
	p.header(&b, "research")
	ticketSection(&b, props.Ticket)
	evictionSection(&b, props.Eviction)
	section(&b, "Task",
		"Investigate the codebase to understand how this ticket should be implemented.\n"+
			"Read the relevant files, trace the call paths involved, and note every file\n"+
			"that will need changes. Do NOT modify any file in this stage.")
	if p.cfg.SpecsPath != "" {
		section(&b, "Specs", "Project specifications live under "+p.cfg.SpecsPath+". Consult them first.")
	}
	p.schemaFooter(&b, schema.KeyResearch)
	return b.String()
}

// Plan asks for ordered implementation steps grounded on the research.
func (p *Builder) Plan(props StageProps) string {
	var b strings.Builder
	p.header(&b, "planning")
	ticketSection(&b, props.Ticket)
	evictionSection(&b, props.Eviction)
	depSection(&b, "Research findings", props.Deps[pipeline.StageResearch],
		"findings", "relevantFiles", "risks")
	section(&b, "Task",
		"Produce an ordered implementation plan. Each step names the files it touches\n"+
			"and is small enough to verify independently. Include a test strategy.\n"+
			"Do NOT modify any file in this stage.")
	p.schemaFooter(&b, schema.KeyPlan)
	return b.String()
}

// Implement is the only stage allowed to edit code.
func (p *Builder) Implement(props StageProps) string {
	var b strings.Builder
	p.header(&b, "implementation")
	ticketSection(&b, props.Ticket)
	evictionSection(&b, props.Eviction)
	depSection(&b, "Research findings", props.Deps[pipeline.StageResearch], "findings", "relevantFiles")
	depSection(&b, "Plan", props.Deps[pipeline.StagePlan], "steps", "testStrategy")
	section(&b, "Task",
		"Implement the ticket. Commit your work with a descriptive message when done.\n"+
			"Report status \"partial\" if you ran out of room, \"blocked\" if something\n"+
			"outside this ticket prevents completion.")
	if len(p.cfg.BuildCmds) > 0 {
		section(&b, "Build commands", commandList(p.cfg.BuildCmds))
	}
	p.schemaFooter(&b, schema.KeyImplement)
	return b.String()
}

// Test runs the declared test commands and reports failures.
func (p *Builder) Test(props StageProps) string {
	var b strings.Builder
	p.header(&b, "testing")
	ticketSection(&b, props.Ticket)
	depSection(&b, "Implementation", props.Deps[pipeline.StageImplement], "summary", "filesChanged")
	section(&b, "Task",
		"Write or extend tests covering the implemented change, then run the test\n"+
			"commands below. Fix test failures caused by the change; report failures you\n"+
			"believe are pre-existing.")
	section(&b, "Test commands", commandList(p.cfg.TestCmds))
	p.schemaFooter(&b, schema.KeyTestResults)
	return b.String()
}

// BuildVerify runs the build and reports the outcome verbatim.
func (p *Builder) BuildVerify(props StageProps) string {
	var b strings.Builder
	p.header(&b, "build verification")
	ticketSection(&b, props.Ticket)
	section(&b, "Task",
		"Run the build commands below and report the outcome. If the build fails\n"+
			"because of this ticket's change, fix it and re-run until green.")
	section(&b, "Build commands", commandList(p.cfg.BuildCmds))
	p.schemaFooter(&b, schema.KeyBuildVerify)
	return b.String()
}

// SpecReview checks the change against the ticket's acceptance criteria.
func (p *Builder) SpecReview(props StageProps) string {
	var b strings.Builder
	p.header(&b, "specification review")
	ticketSection(&b, props.Ticket)
	depSection(&b, "Implementation", props.Deps[pipeline.StageImplement], "summary", "filesChanged")
	section(&b, "Task",
		"Review the change strictly against the ticket's description and acceptance\n"+
			"criteria. Severity \"none\" means fully conformant. Do NOT review code style\n"+
			"here; that is a separate stage. Do NOT modify any file.")
	p.schemaFooter(&b, schema.KeySpecReview)
	return b.String()
}

// CodeReview checks quality against the configured checklist.
func (p *Builder) CodeReview(props StageProps) string {
	var b strings.Builder
	p.header(&b, "code review")
	ticketSection(&b, props.Ticket)
	depSection(&b, "Implementation", props.Deps[pipeline.StageImplement], "summary", "filesChanged")
	if len(p.cfg.ReviewChecklist) > 0 {
		var body strings.Builder
		for _, item := range p.cfg.ReviewChecklist {
			body.WriteString("- " + item + "\n")
		}
		section(&b, "Checklist", body.String())
	}
	section(&b, "Task",
		"Review the diff for correctness, clarity, and the checklist above.\n"+
			"Severity \"none\" with approved=true passes the ticket onward. Findings with\n"+
			"severity minor or above must name the file. Do NOT modify any file.")
	p.schemaFooter(&b, schema.KeyCodeReview)
	return b.String()
}

// ReviewFix addresses the findings of the most severe review.
func (p *Builder) ReviewFix(props StageProps) string {
	var b strings.Builder
	p.header(&b, "review fix")
	ticketSection(&b, props.Ticket)
	depSection(&b, "Spec review", props.Deps[pipeline.StageSpecReview], "severity", "findings", "summary")
	depSection(&b, "Code review", props.Deps[pipeline.StageCodeReview], "severity", "findings", "summary")
	section(&b, "Task",
		"Address every review finding above. Commit the fixes with a descriptive\n"+
			"message. Do not introduce unrelated changes.")
	p.schemaFooter(&b, schema.KeyReviewFix)
	return b.String()
}

// Report summarizes a large ticket for the merge queue and the run report.
func (p *Builder) Report(props StageProps) string {
	var b strings.Builder
	p.header(&b, "reporting")
	ticketSection(&b, props.Ticket)
	depSection(&b, "Implementation", props.Deps[pipeline.StageImplement], "summary", "filesChanged", "status")
	depSection(&b, "Test results", props.Deps[pipeline.StageTest], "passed", "output")
	section(&b, "Task",
		"Write a concise completion report for this ticket: what changed, what was\n"+
			"verified, and anything a maintainer should know. Do NOT modify any file.")
	p.schemaFooter(&b, schema.KeyReport)
	return b.String()
}

// stageDeps lists the earlier stages each stage prompt embeds, so callers
// know which latest-rows to fetch before rendering.
var stageDeps = map[pipeline.Stage][]pipeline.Stage{
	pipeline.StagePlan:       {pipeline.StageResearch},
	pipeline.StageImplement:  {pipeline.StageResearch, pipeline.StagePlan},
	pipeline.StageTest:       {pipeline.StageImplement},
	pipeline.StageSpecReview: {pipeline.StageImplement},
	pipeline.StageCodeReview: {pipeline.StageImplement},
	pipeline.StageReviewFix:  {pipeline.StageSpecReview, pipeline.StageCodeReview},
	pipeline.StageReport:     {pipeline.StageImplement, pipeline.StageTest},
}

// DepsForStage returns the stages whose latest output the prompt for the
// given stage embeds.
func DepsForStage(stage pipeline.Stage) []pipeline.Stage {
	return stageDeps[stage]
}
