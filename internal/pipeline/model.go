package pipeline

import (
	"math"

	"ralphlite/internal/schema"
	"ralphlite/internal/store"
)

// OutputReader is the cross-iteration read surface the pipeline model needs.
// *store.OutputStore satisfies it.
type OutputReader interface {
	GetLatest(key, nodeID string) (*store.Row, bool, error)
}

// NoEviction is the floor for a ticket that has never been evicted. It sorts
// below every stored iteration, including rows adopted from prior runs at
// negative offsets.
const NoEviction = math.MinInt32

// EvictionFloor returns the iteration of the ticket's latest eviction, or
// NoEviction when the ticket has never been evicted (or its last resolution
// landed). Stage rows at or below the floor are stale: an evicted ticket
// restarts its tier from the first stage, and only rows written after the
// eviction count.
func EvictionFloor(r OutputReader, ticketID string) (int, error) {
	row, found, err := r.GetLatest(schema.KeyLand, ticketID+":"+string(StageLand))
	if err != nil || !found {
		return NoEviction, err
	}
	if evicted, _ := row.Payload["evicted"].(bool); evicted {
		return row.Iteration, nil
	}
	return NoEviction, nil
}

// CurrentStage reverse-walks the ticket's tier sequence and returns the
// furthest-advanced stage whose output row exists above the eviction floor.
// ok is false when no stage has produced output yet.
func CurrentStage(r OutputReader, t Ticket) (Stage, bool, error) {
	floor, err := EvictionFloor(r, t.ID)
	if err != nil {
		return "", false, err
	}
	stages := TierStages[t.Tier]
	for i := len(stages) - 1; i >= 0; i-- {
		row, found, err := r.GetLatest(StageSchema(stages[i]), NodeID(t.ID, stages[i]))
		if err != nil {
			return "", false, err
		}
		if found && row.Iteration > floor {
			return stages[i], true, nil
		}
	}
	return "", false, nil
}

// NextStage returns the first tier stage after the ticket's current stage.
// When nothing has run yet it returns the tier's first stage; done is true
// once the final stage has output. Review-fix is skipped when no review
// found problems, so clean reviews walk straight through to report.
func NextStage(r OutputReader, t Ticket) (next Stage, done bool, err error) {
	stages := TierStages[t.Tier]
	current, started, err := CurrentStage(r, t)
	if err != nil {
		return "", false, err
	}
	if !started {
		return stages[0], false, nil
	}
	for i, s := range stages {
		if s != current {
			continue
		}
		for j := i + 1; j < len(stages); j++ {
			if stages[j] == StageReviewFix {
				needed, err := ReviewNeedsFix(r, t)
				if err != nil {
					return "", false, err
				}
				if !needed {
					continue
				}
			}
			return stages[j], false, nil
		}
		return "", true, nil
	}
	return stages[0], false, nil
}

// ReviewNeedsFix reports whether any review of the ticket above the eviction
// floor returned severity above none.
func ReviewNeedsFix(r OutputReader, t Ticket) (bool, error) {
	floor, err := EvictionFloor(r, t.ID)
	if err != nil {
		return false, err
	}
	for _, stage := range []Stage{StageSpecReview, StageCodeReview} {
		row, found, err := r.GetLatest(StageSchema(stage), NodeID(t.ID, stage))
		if err != nil {
			return false, err
		}
		if !found || row.Iteration <= floor {
			continue
		}
		if sev, _ := row.Payload["severity"].(string); sev != "" && sev != "none" {
			return true, nil
		}
	}
	return false, nil
}

// IsTierComplete reports whether the tier's final stage has an output row
// above the eviction floor. Intermediate stages are not re-verified here;
// stage-by-stage advance is enforced at scheduling time.
func IsTierComplete(r OutputReader, t Ticket) (bool, error) {
	floor, err := EvictionFloor(r, t.ID)
	if err != nil {
		return false, err
	}
	final := FinalStage(t.Tier)
	row, found, err := r.GetLatest(StageSchema(final), NodeID(t.ID, final))
	if err != nil {
		return false, err
	}
	return found && row.Iteration > floor, nil
}

// IsLanded reports whether the ticket's latest land row says landed=yes.
func IsLanded(r OutputReader, ticketID string) (bool, error) {
	row, found, err := r.GetLatest(schema.KeyLand, ticketID+":"+string(StageLand))
	if err != nil || !found {
		return false, err
	}
	landed, _ := row.Payload["landed"].(bool)
	return landed, nil
}
