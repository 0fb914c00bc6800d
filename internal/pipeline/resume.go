package pipeline

import (
	"sort"
	"strings"

	"ralphlite/internal/logging"
	"ralphlite/internal/schema"
	"ralphlite/internal/store"
)

// ResumableTicket is a ticket found in the output store under a previous
// run with at least one stage row and no successful land.
type ResumableTicket struct {
	TicketID string
	Stage    Stage // furthest-advanced stage with output
	RunID    string
}

// ScanResumable finds in-progress tickets from previous runs and ranks them
// by furthest-advanced stage. The scheduler prompt lists them with priority
// over fresh discovery.
func ScanResumable(s *store.OutputStore, currentRun string) ([]ResumableTicket, error) {
	furthest := make(map[string]ResumableTicket)

	for stage, key := range stageSchemas {
		if stage == StageLand {
			continue
		}
		rows, err := s.ScanAllRuns(key, currentRun)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			ticketID, rowStage, ok := splitNodeID(row.NodeID)
			if !ok || rowStage != stage {
				continue
			}
			prev, seen := furthest[ticketID]
			if !seen || StageRank(stage) > StageRank(prev.Stage) {
				furthest[ticketID] = ResumableTicket{TicketID: ticketID, Stage: stage, RunID: row.RunID}
			}
		}
	}

	// Tickets that already landed in any run are not resumable.
	landRows, err := s.ScanAllRuns(schema.KeyLand, currentRun)
	if err != nil {
		return nil, err
	}
	for _, row := range landRows {
		ticketID, _, ok := splitNodeID(row.NodeID)
		if !ok {
			continue
		}
		if landed, _ := row.Payload["landed"].(bool); landed {
			delete(furthest, ticketID)
		}
	}

	out := make([]ResumableTicket, 0, len(furthest))
	for _, rt := range furthest {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool {
		if StageRank(out[i].Stage) != StageRank(out[j].Stage) {
			return StageRank(out[i].Stage) > StageRank(out[j].Stage)
		}
		return out[i].TicketID < out[j].TicketID
	})
	if len(out) > 0 {
		logging.Get(logging.CategoryBoot).Infof("resume scan found %d in-progress tickets", len(out))
	}
	return out, nil
}

// AdoptResumable copies each resumable ticket's prior-run rows into the
// current run so that run-scoped reads (next-stage walks, dep injection,
// job completion) see its progress. Copied rows keep their relative order
// but are shifted to negative iterations, below anything the new run
// writes. A synthesized discover row re-introduces the tickets themselves.
func AdoptResumable(s *store.OutputStore, resumable []ResumableTicket) error {
	if len(resumable) == 0 {
		return nil
	}
	discoverRows, err := s.ScanAllRuns(schema.KeyDiscover, s.RunID())
	if err != nil {
		return err
	}
	known := make(map[string]Ticket)
	for _, t := range FoldDiscovery(discoverRows) {
		known[t.ID] = t
	}

	var adopted []any
	for _, rt := range resumable {
		t, ok := known[rt.TicketID]
		if !ok {
			logging.Pipeline("resumable ticket %s has no discovery row, skipping", rt.TicketID)
			continue
		}
		if err := adoptTicketRows(s, rt); err != nil {
			return err
		}
		adopted = append(adopted, ticketPayload(t))
	}
	if len(adopted) == 0 {
		return nil
	}
	logging.Pipeline("adopted %d resumable tickets from previous runs", len(adopted))
	return s.Put(schema.KeyDiscover, "resume-adopt", 0, map[string]any{
		"tickets": adopted,
		"notes":   "adopted from previous runs",
	})
}

// adoptTicketRows copies one ticket's live rows from its prior run. Stage
// rows at or below that run's eviction floor stay behind; an evicted land
// row comes along so the eviction diagnostics survive the resume.
func adoptTicketRows(s *store.OutputStore, rt ResumableTicket) error {
	var rows []store.Row

	landRows, err := s.ScanRun(schema.KeyLand, rt.RunID)
	if err != nil {
		return err
	}
	floor := NoEviction
	for i := range landRows {
		if landRows[i].NodeID != NodeID(rt.TicketID, StageLand) {
			continue
		}
		if evicted, _ := landRows[i].Payload["evicted"].(bool); evicted {
			floor = landRows[i].Iteration
			rows = append(rows[:0], landRows[i])
		} else {
			floor = NoEviction
			rows = rows[:0]
		}
	}

	for stage, key := range stageSchemas {
		if stage == StageLand {
			continue
		}
		stageRows, err := s.ScanRun(key, rt.RunID)
		if err != nil {
			return err
		}
		for _, row := range stageRows {
			if row.NodeID != NodeID(rt.TicketID, stage) || row.Iteration <= floor {
				continue
			}
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	maxIter := rows[0].Iteration
	for _, r := range rows[1:] {
		if r.Iteration > maxIter {
			maxIter = r.Iteration
		}
	}
	shift := -(maxIter + 1)
	for _, r := range rows {
		if err := s.Put(r.SchemaKey, r.NodeID, r.Iteration+shift, r.Payload); err != nil {
			return err
		}
	}
	logging.Pipeline("adopted %d rows for ticket %s from run %s", len(rows), rt.TicketID, rt.RunID)
	return nil
}

// ticketPayload rebuilds a ticket's discover-schema object.
func ticketPayload(t Ticket) map[string]any {
	var criteria any
	if t.AcceptanceCriteria != nil {
		criteria = anyList(t.AcceptanceCriteria)
	}
	return map[string]any{
		"id":                 t.ID,
		"title":              t.Title,
		"description":        t.Description,
		"category":           t.Category,
		"priority":           t.Priority,
		"complexityTier":     string(t.Tier),
		"acceptanceCriteria": criteria,
		"relevantFiles":      anyList(t.RelevantFiles),
		"referenceFiles":     anyList(t.ReferenceFiles),
	}
}

func anyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// splitNodeID parses "{ticketId}:{stage}" node ids. Ticket ids never
// contain ':' so the last separator is unambiguous.
func splitNodeID(nodeID string) (string, Stage, bool) {
	i := strings.LastIndex(nodeID, ":")
	if i <= 0 || i == len(nodeID)-1 {
		return "", "", false
	}
	return nodeID[:i], Stage(nodeID[i+1:]), true
}
