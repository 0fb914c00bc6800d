// Package pipeline models the complexity-tiered ticket pipeline: which
// stages a ticket passes through, how far it has advanced, and when it is
// eligible for landing.
package pipeline

import (
	"ralphlite/internal/schema"
)

// Stage is one step of a ticket's pipeline.
type Stage string

const (
	StageResearch    Stage = "research"
	StagePlan        Stage = "plan"
	StageImplement   Stage = "implement"
	StageTest        Stage = "test"
	StageBuildVerify Stage = "build-verify"
	StageSpecReview  Stage = "spec-review"
	StageCodeReview  Stage = "code-review"
	StageReviewFix   Stage = "review-fix"
	StageReport      Stage = "report"
	StageLand        Stage = "land"
)

// Tier fixes the ordered stage sequence a ticket must pass before landing.
type Tier string

const (
	TierTrivial Tier = "trivial"
	TierSmall   Tier = "small"
	TierMedium  Tier = "medium"
	TierLarge   Tier = "large"
)

// TierStages is the tier table. Tier assignment happens at discovery and is
// immutable for a ticket id afterwards.
var TierStages = map[Tier][]Stage{
	TierTrivial: {StageImplement, StageBuildVerify},
	TierSmall:   {StageImplement, StageTest, StageBuildVerify},
	TierMedium: {StageResearch, StagePlan, StageImplement, StageTest,
		StageBuildVerify, StageCodeReview},
	TierLarge: {StageResearch, StagePlan, StageImplement, StageTest,
		StageBuildVerify, StageSpecReview, StageCodeReview, StageReviewFix,
		StageReport},
}

// stageSchemas maps each stage to the schema key its output row uses.
var stageSchemas = map[Stage]string{
	StageResearch:    schema.KeyResearch,
	StagePlan:        schema.KeyPlan,
	StageImplement:   schema.KeyImplement,
	StageTest:        schema.KeyTestResults,
	StageBuildVerify: schema.KeyBuildVerify,
	StageSpecReview:  schema.KeySpecReview,
	StageCodeReview:  schema.KeyCodeReview,
	StageReviewFix:   schema.KeyReviewFix,
	StageReport:      schema.KeyReport,
	StageLand:        schema.KeyLand,
}

// stageRank orders stages for the resume scan: furthest-advanced first.
var stageRank = map[Stage]int{
	StageReport:      9,
	StageReviewFix:   8,
	StageCodeReview:  7,
	StageSpecReview:  6,
	StageBuildVerify: 5,
	StageTest:        4,
	StageImplement:   3,
	StagePlan:        2,
	StageResearch:    1,
}

// StageSchema returns the schema key for a stage's output.
func StageSchema(s Stage) string { return stageSchemas[s] }

// StageRank returns a stage's resume-priority rank (higher is further).
func StageRank(s Stage) int { return stageRank[s] }

// NodeID builds the node identifier for a ticket stage, "{ticket}:{stage}".
func NodeID(ticketID string, stage Stage) string {
	return ticketID + ":" + string(stage)
}

// FinalStage returns the last stage of a tier's sequence.
func FinalStage(tier Tier) Stage {
	stages := TierStages[tier]
	return stages[len(stages)-1]
}

// JobTypeForStage returns the job-queue type for a ticket stage.
func JobTypeForStage(stage Stage) string { return "ticket:" + string(stage) }
