package engine_test

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yieldline/internal/domain"
	"yieldline/internal/engine"
)

func TestEvaluateSpec(t *testing.T) {
	cases := []struct {
		name    string
		value   float64
		dir     domain.Direction
		lsl     *float64
		usl     *float64
		in      bool
		unknown bool
	}{
		{"two sided above upper", 4.25, domain.DirectionTwoSided, f64(3.75), f64(4.2), false, false},
		{"two sided at upper", 4.2, domain.DirectionTwoSided, f64(3.75), f64(4.2), true, false},
		{"two sided at lower", 3.75, domain.DirectionTwoSided, f64(3.75), f64(4.2), true, false},
		{"two sided below lower", 3.7, domain.DirectionTwoSided, f64(3.75), f64(4.2), false, false},
		{"two sided no limits", 1e9, domain.DirectionTwoSided, nil, nil, true, false},
		{"higher better under", 1, domain.DirectionHigherBetter, f64(2), nil, false, false},
		{"higher better ignores upper", 100, domain.DirectionHigherBetter, f64(2), f64(3), true, false},
		{"higher better no lower", -5, domain.DirectionHigherBetter, nil, f64(3), true, false},
		{"lower better over", 5, domain.DirectionLowerBetter, nil, f64(4), false, false},
		{"lower better ignores lower", -100, domain.DirectionLowerBetter, f64(0), f64(4), true, false},
		{"unknown direction", 1e9, domain.Direction("SIDEWAYS"), f64(0), f64(1), true, true},
		{"empty direction", -1, domain.Direction(""), f64(0), f64(1), true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := engine.EvaluateSpec(tc.value, tc.dir, tc.lsl, tc.usl)
			assert.Equal(t, tc.in, got.InSpec)
			assert.Equal(t, tc.unknown, got.UnknownDirection)
			assert.Equal(t, tc.in, engine.InSpec(tc.value, tc.dir, tc.lsl, tc.usl))
		})
	}
}

func TestSortExecutionsTieBreaks(t *testing.T) {
	execs := []domain.Execution{
		ex(7, 1, 1, "A", domain.ResultPass, at(1)),
		ex(3, 1, 1, "A", domain.ResultFail, at(1)),
		ex(0, 1, 2, "B", domain.ResultPass, nil),
		ex(0, 1, 3, "C", domain.ResultPass, nil),
	}
	got := engine.SortExecutions(execs)
	codes := make([]string, len(got))
	ids := make([]int64, len(got))
	for i, e := range got {
		codes[i], ids[i] = e.StepCode, e.ID
	}
	// untimed executions sort at the epoch and keep their input order
	assert.Equal(t, []string{"B", "C", "A", "A"}, codes)
	assert.Equal(t, []int64{0, 0, 3, 7}, ids)
}

func TestResolveFirstPass(t *testing.T) {
	t.Run("no executions", func(t *testing.T) {
		fp := engine.ResolveFirstPass(nil)
		assert.False(t, fp.Reached)
		assert.False(t, fp.FirstPass)
	})
	t.Run("earliest decides", func(t *testing.T) {
		// input order is reversed; the FAIL is earlier
		fp := engine.ResolveFirstPass([]domain.Execution{
			ex(2, 1, 1, "LEAK_TEST", domain.ResultPass, at(2)),
			ex(1, 1, 1, "LEAK_TEST", domain.ResultFail, at(1)),
		})
		assert.True(t, fp.Reached)
		assert.False(t, fp.FirstPass)
		assert.True(t, fp.Reworked)
		assert.Equal(t, 2, fp.Attempts)
		assert.Equal(t, int64(1), fp.Earliest.ID)
	})
	t.Run("pass inside rework loop is not first pass", func(t *testing.T) {
		e := ex(1, 1, 1, "LEAK_TEST", domain.ResultPass, at(1))
		e.ReworkLoopID = loop("R-1")
		fp := engine.ResolveFirstPass([]domain.Execution{e})
		assert.False(t, fp.FirstPass)
		assert.True(t, fp.Reworked)
	})
	t.Run("timestamp fallback", func(t *testing.T) {
		started := ex(5, 1, 1, "A", domain.ResultFail, nil)
		started.StartedAt = at(3)
		undated := ex(9, 1, 1, "A", domain.ResultPass, nil)
		fp := engine.ResolveFirstPass([]domain.Execution{started, undated})
		// no timestamps at all sorts at the epoch, before everything
		assert.Equal(t, int64(9), fp.Earliest.ID)
		assert.True(t, fp.FirstPass)
	})
	t.Run("latest scrap", func(t *testing.T) {
		fp := engine.ResolveFirstPass([]domain.Execution{
			ex(1, 1, 1, "A", domain.ResultFail, at(1)),
			ex(2, 1, 1, "A", domain.ResultScrap, at(2)),
		})
		assert.True(t, fp.Scrapped)
	})
}

func TestTrackReworkLoops(t *testing.T) {
	t.Run("fail then pass in one loop", func(t *testing.T) {
		first := ex(1, 1, 4, "LEAK_TEST", domain.ResultFail, at(1))
		first.ReworkLoopID = loop("R-1")
		second := ex(2, 1, 4, "LEAK_TEST", domain.ResultPass, at(2))
		second.ReworkLoopID = loop("R-1")

		traced := engine.TrackReworkLoops([]domain.Execution{second, first})
		require.Len(t, traced, 2)
		assert.Equal(t, int64(1), traced[0].ID)
		assert.Equal(t, 1, traced[0].LoopOrdinal)
		assert.Equal(t, engine.LoopStart, traced[0].LoopPosition)
		assert.Equal(t, 1, traced[1].LoopOrdinal)
		assert.Equal(t, engine.LoopEnd, traced[1].LoopPosition)
		assert.False(t, engine.ResolveFirstPass([]domain.Execution{first, second}).FirstPass)
	})
	t.Run("ordinals by first appearance", func(t *testing.T) {
		execs := []domain.Execution{
			ex(1, 1, 1, "A", domain.ResultPass, at(0)),
			ex(2, 1, 2, "B", domain.ResultFail, at(1)),
			ex(3, 1, 3, "B_REWORK", domain.ResultPass, at(2)),
			ex(4, 1, 2, "B", domain.ResultPass, at(3)),
			ex(5, 1, 5, "C", domain.ResultFail, at(4)),
		}
		execs[1].ReworkLoopID = loop("Z")
		execs[2].ReworkLoopID = loop("Z")
		execs[3].ReworkLoopID = loop("Z")
		execs[4].ReworkLoopID = loop("A")

		traced := engine.TrackReworkLoops(execs)
		got := make([]engine.LoopPosition, len(traced))
		ordinals := make([]int, len(traced))
		for i, te := range traced {
			got[i] = te.LoopPosition
			ordinals[i] = te.LoopOrdinal
		}
		assert.Equal(t, []engine.LoopPosition{"", engine.LoopStart, engine.LoopMiddle, engine.LoopEnd, engine.LoopSingle}, got)
		assert.Equal(t, []int{0, 1, 1, 1, 2}, ordinals)
		assert.Equal(t, 2, engine.CountReworkLoops(execs))
	})
}

func TestComputeStepStats(t *testing.T) {
	var next int64
	t.Run("fpy 0.95", func(t *testing.T) {
		st := engine.ComputeStepStats(population(&next, 1, 1, "S", 100, 95, at(1)))
		assert.Equal(t, 100, st.UnitsReached)
		assert.Equal(t, 95, st.FirstPassUnits)
		assert.InDelta(t, 0.95, st.FPY, 1e-12)
	})
	t.Run("bounds", func(t *testing.T) {
		assert.Equal(t, 1.0, engine.ComputeStepStats(population(&next, 1, 1, "S", 10, 10, at(1))).FPY)
		assert.Equal(t, 0.0, engine.ComputeStepStats(population(&next, 1, 1, "S", 10, 0, at(1))).FPY)
		assert.Equal(t, engine.StepStats{}, engine.ComputeStepStats(nil))
	})
	t.Run("rework and scrap per unit", func(t *testing.T) {
		st := engine.ComputeStepStats([]domain.Execution{
			ex(1, 1, 1, "S", domain.ResultFail, at(1)),
			ex(2, 1, 1, "S", domain.ResultPass, at(2)),
			ex(3, 2, 1, "S", domain.ResultScrap, at(1)),
			ex(4, 3, 1, "S", domain.ResultPass, at(1)),
		})
		assert.Equal(t, 3, st.UnitsReached)
		assert.Equal(t, 1, st.ReworkedUnits)
		assert.Equal(t, 1, st.ScrappedUnits)
		assert.Equal(t, 4, st.Executions)
		assert.Equal(t, 2, st.PassExecutions)
		assert.InDelta(t, 0.5, st.ExecutionYield, 1e-12)
		assert.InDelta(t, 1.0/3, st.FPY, 1e-12)
	})
}

func TestComputeRTY(t *testing.T) {
	steps := []engine.StepStats{
		{UnitsReached: 100, FPY: 0.98},
		{UnitsReached: 100, FPY: 0.95},
		{UnitsReached: 0, FPY: 0},
		{UnitsReached: 100, FPY: 0.99},
	}
	assert.InDelta(t, 0.98*0.95*0.99, engine.ComputeRTY(steps), 1e-12)
	assert.Equal(t, 0.0, engine.ComputeRTY(nil))
	assert.Equal(t, 0.0, engine.ComputeRTY([]engine.StepStats{{UnitsReached: 0}}))
}

func TestComputeRTYMonotonic(t *testing.T) {
	base := []engine.StepStats{{UnitsReached: 10, FPY: 0.9}, {UnitsReached: 10, FPY: 0.8}}
	prev := engine.ComputeRTY(base)
	for fpy := 0.8; fpy >= 0; fpy -= 0.1 {
		base[1].FPY = fpy
		cur := engine.ComputeRTY(base)
		assert.LessOrEqual(t, cur, prev)
		prev = cur
	}
}

func lineFixture() ([]domain.Step, []domain.Execution) {
	steps := []domain.Step{
		{ID: 1, Code: "ASSY", Name: "Assembly", Sequence: 10},
		{ID: 2, Code: "TEST", Name: "Functional test", Sequence: 20},
		{ID: 3, Code: "TEST_REWORK", Name: "Rework bench", Sequence: 25},
		{ID: 4, Code: "PACK", Name: "Pack", Sequence: 30},
	}
	execs := []domain.Execution{
		// unit 1 clean
		ex(1, 1, 1, "ASSY", domain.ResultPass, at(1)),
		ex(2, 1, 2, "TEST", domain.ResultPass, at(2)),
		ex(3, 1, 4, "PACK", domain.ResultPass, at(3)),
		// unit 2 fails test, reworked, passes
		ex(4, 2, 1, "ASSY", domain.ResultPass, at(1)),
		ex(5, 2, 2, "TEST", domain.ResultFail, at(2)),
		ex(6, 2, 3, "TEST_REWORK", domain.ResultPass, at(3)),
		ex(7, 2, 2, "TEST", domain.ResultPass, at(4)),
		ex(8, 2, 4, "PACK", domain.ResultPass, at(5)),
		// unit 3 scrapped at test
		ex(9, 3, 1, "ASSY", domain.ResultPass, at(1)),
		ex(10, 3, 2, "TEST", domain.ResultScrap, at(2)),
	}
	execs[5].ReworkLoopID = loop("R-2")
	execs[6].ReworkLoopID = loop("R-2")
	return steps, execs
}

func TestComputeLineYield(t *testing.T) {
	steps, execs := lineFixture()
	nominal := engine.NominalFlow(steps, engine.NewClassifier(nil, nil))
	require.Len(t, nominal, 3)

	ly := engine.ComputeLineYield(execs, nominal, 10)
	assert.Equal(t, 3, ly.UnitsWithExecutions)
	assert.Equal(t, 3, ly.UnitsStarted)
	assert.Equal(t, 1, ly.UnitsFirstPassAll)
	assert.InDelta(t, 1.0/3, ly.LineFPY, 1e-12)
	assert.InDelta(t, 1.0/3, ly.ReworkRate, 1e-12)
	assert.InDelta(t, 1.0/3, ly.ScrapRate, 1e-12)
	assert.Equal(t, 2, ly.Throughput)
	assert.InDelta(t, 0.2, ly.AvgThroughputPerHour, 1e-12)
	// ASSY 1.0, TEST 1/3, PACK 1.0
	assert.InDelta(t, 1.0/3, ly.RTY, 1e-12)
}

func TestLineRatesInvariantToOrder(t *testing.T) {
	steps, execs := lineFixture()
	nominal := engine.NominalFlow(steps, engine.Classifier{})
	want := engine.ComputeLineYield(execs, nominal, 24)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]domain.Execution(nil), execs...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := engine.ComputeLineYield(shuffled, nominal, 24)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("line yield changed with input order (-want +got):\n%s", diff)
		}
	}
}

func TestClassifier(t *testing.T) {
	c := engine.NewClassifier(nil, []string{"seal_fix"})
	assert.True(t, c.IsReworkStep("SEAL_REWORK", domain.StepAssembly))
	assert.True(t, c.IsReworkStep("rf_debug", domain.StepTest))
	assert.True(t, c.IsReworkStep("BENCH", domain.StepDebug))
	assert.True(t, c.IsReworkStep("SEAL_FIX", domain.StepAssembly))
	assert.False(t, c.IsReworkStep("LEAK_TEST", domain.StepTest))

	custom := engine.NewClassifier([]string{"RETRY"}, nil)
	assert.True(t, custom.IsReworkStep("RETRY_1", domain.StepTest))
	assert.False(t, custom.IsReworkStep("REWORK", domain.StepTest))

	var zero engine.Classifier
	assert.True(t, zero.IsReworkStep("REWORK", domain.StepTest))
}
