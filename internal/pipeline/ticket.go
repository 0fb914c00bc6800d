package pipeline

import (
	"strings"

	"ralphlite/internal/logging"
	"ralphlite/internal/store"
)

// Ticket is a discovered unit of work. The authoritative source for tickets
// is the set of discover rows across all iterations.
type Ticket struct {
	ID                 string
	Title              string
	Description        string
	Category           string
	Priority           string
	Tier               Tier
	AcceptanceCriteria []string
	RelevantFiles      []string
	ReferenceFiles     []string

	// Snapshot index: the position at which the ticket first appeared,
	// used by the positional merge-queue ordering.
	Index int
}

// FoldDiscovery folds discover rows (iteration ascending) into the ticket
// table. Later rows override earlier ones wholesale per ticket id; the
// first-seen position is kept as the snapshot index. Tickets whose tier was
// already fixed keep it (tier is immutable after discovery). Ids containing
// the ':' stage delimiter are rejected.
func FoldDiscovery(rows []store.Row) []Ticket {
	byID := make(map[string]*Ticket)
	var order []string
	tierFixed := make(map[string]Tier)

	for _, row := range rows {
		tickets, _ := row.Payload["tickets"].([]any)
		for _, raw := range tickets {
			obj, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			t := ticketFromPayload(obj)
			if t.ID == "" {
				continue
			}
			if strings.Contains(t.ID, ":") {
				logging.Pipeline("rejecting ticket id %q: contains stage delimiter", t.ID)
				continue
			}
			if fixed, ok := tierFixed[t.ID]; ok {
				t.Tier = fixed
			} else {
				tierFixed[t.ID] = t.Tier
			}
			if existing, ok := byID[t.ID]; ok {
				t.Index = existing.Index
				*existing = t
				continue
			}
			t.Index = len(order)
			order = append(order, t.ID)
			copied := t
			byID[t.ID] = &copied
		}
	}

	out := make([]Ticket, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func ticketFromPayload(obj map[string]any) Ticket {
	t := Ticket{
		ID:          str(obj["id"]),
		Title:       str(obj["title"]),
		Description: str(obj["description"]),
		Category:    str(obj["category"]),
		Priority:    str(obj["priority"]),
		Tier:        Tier(str(obj["complexityTier"])),
	}
	t.AcceptanceCriteria = strList(obj["acceptanceCriteria"])
	t.RelevantFiles = strList(obj["relevantFiles"])
	t.ReferenceFiles = strList(obj["referenceFiles"])
	return t
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// PriorityWeight orders priorities for the merge queue: lower is sooner.
func PriorityWeight(priority string) int {
	switch priority {
	case "critical":
		return 0
	case "high":
		return 1
	case "medium":
		return 2
	case "low":
		return 3
	default:
		return 4
	}
}
