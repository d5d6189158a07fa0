package engine

import (
	"sort"
	"time"

	"yieldline/internal/domain"
)

var epoch = time.Unix(0, 0).UTC()

// EffectiveTimestamp is the ordering key for executions: completion time,
// else start time, else the Unix epoch.
func EffectiveTimestamp(e domain.Execution) time.Time {
	switch {
	case e.CompletedAt != nil:
		return *e.CompletedAt
	case e.StartedAt != nil:
		return *e.StartedAt
	default:
		return epoch
	}
}

// SortExecutions returns a copy ordered by effective timestamp. Ties fall back
// to execution id, which the store assigns in arrival order, and then to input
// position. Callers building executions by hand should number ids the same way.
func SortExecutions(execs []domain.Execution) []domain.Execution {
	out := append([]domain.Execution(nil), execs...)
	sort.SliceStable(out, func(i, j int) bool {
		return executionBefore(out[i], out[j])
	})
	return out
}

func executionBefore(a, b domain.Execution) bool {
	ta, tb := EffectiveTimestamp(a), EffectiveTimestamp(b)
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.ID < b.ID
}

// groupByUnit buckets executions per unit, preserving input order within a
// bucket. The returned ids are ascending so iteration is deterministic.
func groupByUnit(execs []domain.Execution) (map[int64][]domain.Execution, []int64) {
	groups := map[int64][]domain.Execution{}
	for _, e := range execs {
		groups[e.UnitID] = append(groups[e.UnitID], e)
	}
	return groups, sortedKeys(groups)
}

func groupByStep(execs []domain.Execution) map[int64][]domain.Execution {
	groups := map[int64][]domain.Execution{}
	for _, e := range execs {
		groups[e.StepID] = append(groups[e.StepID], e)
	}
	return groups
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// latestTimestamp returns the newest effective timestamp, or the zero time
// for an empty set.
func latestTimestamp(execs []domain.Execution) time.Time {
	var latest time.Time
	for _, e := range execs {
		if ts := EffectiveTimestamp(e); ts.After(latest) {
			latest = ts
		}
	}
	return latest
}
