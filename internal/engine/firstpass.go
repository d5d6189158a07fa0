package engine

import "yieldline/internal/domain"

// FirstPass summarizes one unit's executions at one step.
type FirstPass struct {
	Reached   bool
	FirstPass bool
	// Reworked is set when the unit needed more than one attempt or any
	// attempt belonged to a rework loop.
	Reworked bool
	// Scrapped is set when the latest attempt was SCRAP.
	Scrapped bool
	Attempts int
	Earliest domain.Execution
	Latest   domain.Execution
}

// ResolveFirstPass decides whether a unit passed a step on its first try.
// Only the earliest execution decides; later attempts never change the answer.
func ResolveFirstPass(execs []domain.Execution) FirstPass {
	if len(execs) == 0 {
		return FirstPass{}
	}
	sorted := SortExecutions(execs)
	first, last := sorted[0], sorted[len(sorted)-1]
	fp := FirstPass{
		Reached:   true,
		FirstPass: first.Result == domain.ResultPass && !first.InReworkLoop(),
		Scrapped:  last.Result == domain.ResultScrap,
		Attempts:  len(sorted),
		Earliest:  first,
		Latest:    last,
	}
	fp.Reworked = fp.Attempts > 1 || anyInReworkLoop(sorted)
	return fp
}

func anyInReworkLoop(execs []domain.Execution) bool {
	for _, e := range execs {
		if e.InReworkLoop() {
			return true
		}
	}
	return false
}
