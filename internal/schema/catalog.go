package schema

// Well-known schema keys. Each key maps to one output-store relation.
const (
	KeyDiscover         = "discover"
	KeyResearch         = "research"
	KeyPlan             = "plan"
	KeyImplement        = "implement"
	KeyTestResults      = "test_results"
	KeyBuildVerify      = "build_verify"
	KeySpecReview       = "spec_review"
	KeyCodeReview       = "code_review"
	KeyReviewFix        = "review_fix"
	KeyReport           = "report"
	KeyLand             = "land"
	KeyTicketSchedule   = "ticket_schedule"
	KeyMergeQueueResult = "merge_queue_result"
	KeyInterpretConfig  = "interpret_config"
	KeyProgress         = "progress"
	KeyMonitor          = "monitor"
	KeyCategoryReview   = "category_review"
	KeyIntegrationTest  = "integration_test"
)

// TicketSchema describes a discovered ticket as it appears inside a
// discover payload.
var TicketSchema = Object(
	F("id", String()),
	F("title", String()),
	F("description", String()),
	F("category", String()),
	F("priority", PriorityEnum),
	F("complexityTier", TierEnum),
	F("acceptanceCriteria", Nullable(List(String()))),
	F("relevantFiles", List(String())),
	F("referenceFiles", List(String())),
)

// reviewSchema is the shared shape of spec_review, code_review, and
// category_review payloads.
func reviewSchema() *Schema {
	return Object(
		F("ticketId", String()),
		F("severity", SeverityEnum),
		F("approved", Bool()),
		F("findings", List(Object(
			F("file", Nullable(String())),
			F("line", Nullable(Int())),
			F("note", String()),
		))),
		F("summary", String()),
	)
}

// evictionFields returns the three VCS artifacts attached to a failed land.
func evictionFields() []Field {
	return []Field{
		F("branchLog", Nullable(String())),
		F("summaryDiff", Nullable(String())),
		F("mainlineLog", Nullable(String())),
	}
}

// Catalog maps schema keys to their declarative schemas.
type Catalog map[string]*Schema

// Lookup returns the schema for a key, or nil when the key is unknown.
func (c Catalog) Lookup(key string) *Schema { return c[key] }

// Keys returns every registered schema key.
func (c Catalog) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// DefaultCatalog registers every schema the engine knows about.
func DefaultCatalog() Catalog {
	landFields := append([]Field{
		F("ticketId", String()),
		F("landed", Bool()),
		F("evicted", Bool()),
		F("reason", Nullable(String())),
	}, evictionFields()...)

	mergeEntryFields := append([]Field{
		F("ticketId", String()),
		F("landed", Bool()),
		F("evicted", Bool()),
		F("reason", Nullable(String())),
		F("ciOutput", Nullable(String())),
	}, evictionFields()...)

	return Catalog{
		KeyDiscover: Object(
			F("tickets", List(TicketSchema)),
			F("notes", Nullable(String())),
		),
		KeyResearch: Object(
			F("ticketId", String()),
			F("findings", String()),
			F("relevantFiles", List(String())),
			F("risks", Nullable(List(String()))),
		),
		KeyPlan: Object(
			F("ticketId", String()),
			F("steps", List(Object(
				F("description", String()),
				F("files", List(String())),
			))),
			F("testStrategy", Nullable(String())),
		),
		KeyImplement: Object(
			F("ticketId", String()),
			F("summary", String()),
			F("filesChanged", List(String())),
			F("status", StatusEnum),
			F("notes", Nullable(String())),
		),
		KeyTestResults: Object(
			F("ticketId", String()),
			F("passed", Bool()),
			F("output", String()),
			F("failures", Nullable(List(String()))),
		),
		KeyBuildVerify: Object(
			F("ticketId", String()),
			F("success", Bool()),
			F("output", String()),
		),
		KeySpecReview: reviewSchema(),
		KeyCodeReview: reviewSchema(),
		KeyReviewFix: Object(
			F("ticketId", String()),
			F("summary", String()),
			F("filesChanged", List(String())),
		),
		KeyReport: Object(
			F("ticketId", String()),
			F("summary", String()),
			F("status", StatusEnum),
		),
		KeyLand: Object(landFields...),
		KeyTicketSchedule: Object(
			F("jobs", List(Object(
				F("jobId", String()),
				F("jobType", String()),
				F("agentId", String()),
				F("ticketId", Nullable(String())),
				F("focusId", Nullable(String())),
				F("reason", String()),
			))),
			F("rateLimitedAgents", List(Object(
				F("agentId", String()),
				F("resumeAtMs", Int()),
			))),
		),
		KeyMergeQueueResult: Object(
			F("entries", List(Object(mergeEntryFields...))),
		),
		KeyInterpretConfig: Object(
			F("projectName", String()),
			F("mainBranch", String()),
			F("maxConcurrency", Int()),
			F("notes", Nullable(String())),
		),
		KeyProgress: Object(
			F("summary", String()),
			F("ticketsLanded", Int()),
			F("ticketsRemaining", Int()),
			F("blocked", Nullable(List(String()))),
		),
		KeyMonitor: Object(
			F("healthy", Bool()),
			F("issues", Nullable(List(String()))),
		),
		KeyCategoryReview: reviewSchema(),
		KeyIntegrationTest: Object(
			F("passed", Bool()),
			F("output", String()),
			F("failures", Nullable(List(String()))),
		),
	}
}
