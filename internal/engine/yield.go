package engine

import (
	"sort"

	"yieldline/internal/domain"
)

// StepStats aggregates first-pass results for one step over a unit population.
type StepStats struct {
	StepID         int64   `json:"step_id"`
	StepCode       string  `json:"step_code"`
	UnitsReached   int     `json:"units_reached"`
	FirstPassUnits int     `json:"first_pass_units"`
	ReworkedUnits  int     `json:"reworked_units"`
	ScrappedUnits  int     `json:"scrapped_units"`
	Executions     int     `json:"executions"`
	PassExecutions int     `json:"pass_executions"`
	FPY            float64 `json:"fpy"`
	ExecutionYield float64 `json:"execution_yield"`
	ReworkRate     float64 `json:"rework_rate"`
	ScrapRate      float64 `json:"scrap_rate"`
}

// ComputeStepStats aggregates executions recorded at a single step.
func ComputeStepStats(execs []domain.Execution) StepStats {
	var st StepStats
	if len(execs) > 0 {
		st.StepID = execs[0].StepID
		st.StepCode = execs[0].StepCode
	}
	groups, units := groupByUnit(execs)
	for _, unitID := range units {
		fp := ResolveFirstPass(groups[unitID])
		st.UnitsReached++
		if fp.FirstPass {
			st.FirstPassUnits++
		}
		if fp.Reworked {
			st.ReworkedUnits++
		}
		if fp.Scrapped {
			st.ScrappedUnits++
		}
	}
	for _, e := range execs {
		st.Executions++
		if e.Result == domain.ResultPass {
			st.PassExecutions++
		}
	}
	st.FPY = ratio(st.FirstPassUnits, st.UnitsReached)
	st.ExecutionYield = ratio(st.PassExecutions, st.Executions)
	st.ReworkRate = ratio(st.ReworkedUnits, st.UnitsReached)
	st.ScrapRate = ratio(st.ScrappedUnits, st.UnitsReached)
	return st
}

// ComputeRTY multiplies the FPY of every step that at least one unit reached.
// Unreached steps are skipped; no reached step at all yields 0.
func ComputeRTY(steps []StepStats) float64 {
	rty, reached := 1.0, false
	for _, st := range steps {
		if st.UnitsReached == 0 {
			continue
		}
		reached = true
		rty *= st.FPY
	}
	if !reached {
		return 0
	}
	return rty
}

// LineYield is the population-level view across the nominal flow.
type LineYield struct {
	Steps                []StepStats `json:"steps"`
	RTY                  float64     `json:"rty"`
	LineFPY              float64     `json:"line_fpy"`
	UnitsStarted         int         `json:"units_started"`
	UnitsFirstPassAll    int         `json:"units_first_pass_all"`
	UnitsWithExecutions  int         `json:"units_with_executions"`
	ReworkedUnits        int         `json:"reworked_units"`
	ScrappedUnits        int         `json:"scrapped_units"`
	ReworkRate           float64     `json:"rework_rate"`
	ScrapRate            float64     `json:"scrap_rate"`
	Throughput           int         `json:"throughput"`
	AvgThroughputPerHour float64     `json:"avg_throughput_per_hour"`
}

// ComputeLineYield aggregates a population over the nominal flow. nominal is
// ordered by sequence and its last entry is the terminal step. windowHours
// scales the average throughput; a non-positive value reports 0.
func ComputeLineYield(execs []domain.Execution, nominal []domain.Step, windowHours float64) LineYield {
	var ly LineYield
	byStep := groupByStep(execs)
	ly.Steps = make([]StepStats, 0, len(nominal))
	for _, step := range nominal {
		st := ComputeStepStats(byStep[step.ID])
		st.StepID = step.ID
		st.StepCode = step.Code
		ly.Steps = append(ly.Steps, st)
	}
	ly.RTY = ComputeRTY(ly.Steps)

	groups, units := groupByUnit(execs)
	ly.UnitsWithExecutions = len(units)
	for _, unitID := range units {
		unitExecs := groups[unitID]
		if unitReworked(unitExecs) {
			ly.ReworkedUnits++
		}
		if sorted := SortExecutions(unitExecs); sorted[len(sorted)-1].Result == domain.ResultScrap {
			ly.ScrappedUnits++
		}
	}
	ly.ReworkRate = ratio(ly.ReworkedUnits, ly.UnitsWithExecutions)
	ly.ScrapRate = ratio(ly.ScrappedUnits, ly.UnitsWithExecutions)

	if len(nominal) > 0 {
		terminal := nominal[len(nominal)-1].ID
		passed := map[int64]struct{}{}
		for _, e := range byStep[terminal] {
			if e.Result == domain.ResultPass {
				passed[e.UnitID] = struct{}{}
			}
		}
		ly.Throughput = len(passed)
	}
	if windowHours > 0 {
		ly.AvgThroughputPerHour = float64(ly.Throughput) / windowHours
	}

	ly.UnitsStarted, ly.UnitsFirstPassAll = lineFirstPass(groups, units, nominal)
	ly.LineFPY = ratio(ly.UnitsFirstPassAll, ly.UnitsStarted)
	return ly
}

// unitReworked is true when any execution carries a loop id or any step was
// attempted more than once.
func unitReworked(execs []domain.Execution) bool {
	seen := map[int64]bool{}
	for _, e := range execs {
		if e.InReworkLoop() || seen[e.StepID] {
			return true
		}
		seen[e.StepID] = true
	}
	return false
}

// lineFirstPass counts units that passed every nominal step on the first try.
// The population is the units seen at the first nominal step, or every unit
// when nobody was seen there.
func lineFirstPass(groups map[int64][]domain.Execution, units []int64, nominal []domain.Step) (started, passedAll int) {
	if len(nominal) == 0 {
		return 0, 0
	}
	population := make([]int64, 0, len(units))
	first := nominal[0].ID
	for _, unitID := range units {
		for _, e := range groups[unitID] {
			if e.StepID == first {
				population = append(population, unitID)
				break
			}
		}
	}
	if len(population) == 0 {
		population = units
	}
	for _, unitID := range population {
		byStep := groupByStep(groups[unitID])
		all := true
		for _, step := range nominal {
			if !ResolveFirstPass(byStep[step.ID]).FirstPass {
				all = false
				break
			}
		}
		if all {
			passedAll++
		}
	}
	return len(population), passedAll
}

// NominalFlow returns the steps that form the nominal flow in sequence order.
func NominalFlow(steps []domain.Step, c Classifier) []domain.Step {
	out := make([]domain.Step, 0, len(steps))
	for _, s := range steps {
		if !c.IsReworkStep(s.Code, s.StepType) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
