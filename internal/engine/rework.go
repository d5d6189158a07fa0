package engine

import "yieldline/internal/domain"

type LoopPosition string

const (
	LoopSingle LoopPosition = "single"
	LoopStart  LoopPosition = "start"
	LoopMiddle LoopPosition = "middle"
	LoopEnd    LoopPosition = "end"
)

// TracedExecution is an execution annotated with its rework loop placement.
// LoopOrdinal is 0 and LoopPosition empty outside any loop.
type TracedExecution struct {
	domain.Execution
	LoopOrdinal  int          `json:"loop_ordinal,omitempty"`
	LoopPosition LoopPosition `json:"loop_position,omitempty"`
}

// TrackReworkLoops orders one unit's executions and labels each rework loop
// member with the loop's 1-based ordinal of first appearance and its position
// inside the loop.
func TrackReworkLoops(execs []domain.Execution) []TracedExecution {
	sorted := SortExecutions(execs)
	ordinals := map[string]int{}
	members := map[string][]int{}
	out := make([]TracedExecution, len(sorted))
	for i, e := range sorted {
		out[i] = TracedExecution{Execution: e}
		if !e.InReworkLoop() {
			continue
		}
		id := *e.ReworkLoopID
		if _, ok := ordinals[id]; !ok {
			ordinals[id] = len(ordinals) + 1
		}
		members[id] = append(members[id], i)
	}
	for id, idx := range members {
		for pos, i := range idx {
			out[i].LoopOrdinal = ordinals[id]
			out[i].LoopPosition = loopPosition(pos, len(idx))
		}
	}
	return out
}

// CountReworkLoops returns the number of distinct loop ids.
func CountReworkLoops(execs []domain.Execution) int {
	seen := map[string]struct{}{}
	for _, e := range execs {
		if e.InReworkLoop() {
			seen[*e.ReworkLoopID] = struct{}{}
		}
	}
	return len(seen)
}

func loopPosition(pos, size int) LoopPosition {
	switch {
	case size == 1:
		return LoopSingle
	case pos == 0:
		return LoopStart
	case pos == size-1:
		return LoopEnd
	default:
		return LoopMiddle
	}
}
