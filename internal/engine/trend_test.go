package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yieldline/internal/domain"
	"yieldline/internal/engine"
)

var stationX = []domain.Step{{ID: 1, Code: "X", Name: "Station X", Sequence: 10}}

// windowed builds baseline executions at t0 and current ones 100h later, so
// the anchor (latest execution) is t0+100h.
func windowed(baseUnits, basePass, curUnits, curPass int) []domain.Execution {
	var next int64
	execs := population(&next, 1, 1, "X", baseUnits, basePass, at(0))
	return append(execs, population(&next, 10000, 1, "X", curUnits, curPass, at(100))...)
}

func TestDetectTrendsCriticalDroop(t *testing.T) {
	got := engine.DetectTrends(windowed(100, 97, 20, 18), stationX, engine.TrendWindows{})
	require.Len(t, got, 1)
	sc := got[0]
	assert.Equal(t, engine.ScenarioFPYDroop, sc.Type)
	assert.Equal(t, engine.SeverityCritical, sc.Severity)
	assert.Equal(t, "STATION_FPY_DROOP:X", sc.ID)
	assert.Equal(t, 100, sc.BaselineUnits)
	assert.Equal(t, 20, sc.CurrentUnits)
	assert.InDelta(t, 0.97, sc.Baseline, 1e-12)
	assert.InDelta(t, 0.90, sc.Current, 1e-12)
	assert.InDelta(t, 0.07, sc.Delta, 1e-9)
	assert.Equal(t, "last24h", sc.Window)
	assert.Equal(t, "Station X FPY droop", sc.Title)
	assert.NotEmpty(t, sc.RecommendedAction)
}

func TestDetectTrendsWarningDroopAtThreshold(t *testing.T) {
	got := engine.DetectTrends(windowed(100, 100, 100, 97), stationX, engine.TrendWindows{})
	require.Len(t, got, 1)
	assert.Equal(t, engine.ScenarioFPYDroop, got[0].Type)
	assert.Equal(t, engine.SeverityWarning, got[0].Severity)
}

func TestDetectTrendsReachGuards(t *testing.T) {
	t.Run("current reach below minimum", func(t *testing.T) {
		assert.Empty(t, engine.DetectTrends(windowed(100, 100, 9, 0), stationX, engine.TrendWindows{}))
	})
	t.Run("baseline reach below minimum", func(t *testing.T) {
		assert.Empty(t, engine.DetectTrends(windowed(19, 19, 50, 0), stationX, engine.TrendWindows{}))
	})
	t.Run("baseline already poor", func(t *testing.T) {
		assert.Empty(t, engine.DetectTrends(windowed(100, 94, 50, 10), stationX, engine.TrendWindows{}))
	})
}

func TestDetectTrendsReworkSpike(t *testing.T) {
	var next int64
	var execs []domain.Execution
	// baseline: 40 units, one retested
	execs = append(execs, population(&next, 1, 1, "X", 40, 40, at(0))...)
	next++
	execs = append(execs, ex(next, 1, 1, "X", domain.ResultPass, at(1)))
	// current: 20 units, four retested after a first pass
	execs = append(execs, population(&next, 1000, 1, "X", 20, 20, at(99))...)
	for u := int64(1000); u < 1004; u++ {
		next++
		execs = append(execs, ex(next, u, 1, "X", domain.ResultPass, at(100)))
	}

	got := engine.DetectTrends(execs, stationX, engine.TrendWindows{})
	require.Len(t, got, 1)
	assert.Equal(t, engine.ScenarioReworkSpike, got[0].Type)
	assert.Equal(t, engine.SeverityCritical, got[0].Severity)
	assert.InDelta(t, 0.025, got[0].Baseline, 1e-12)
	assert.InDelta(t, 0.2, got[0].Current, 1e-12)
}

func TestDetectTrendsScrapSpike(t *testing.T) {
	var next int64
	execs := population(&next, 1, 1, "X", 20, 20, at(0))
	execs = append(execs, population(&next, 1000, 1, "X", 8, 8, at(100))...)
	execs[len(execs)-1].Result = domain.ResultScrap

	got := engine.DetectTrends(execs, stationX, engine.TrendWindows{})
	require.Len(t, got, 1)
	assert.Equal(t, engine.ScenarioScrapSpike, got[0].Type)
	assert.Equal(t, engine.SeverityCritical, got[0].Severity)
	assert.InDelta(t, 0.125, got[0].Current, 1e-12)
}

func TestDetectTrendsWindowBounds(t *testing.T) {
	anchor := *at(100)
	w := engine.TrendWindows{Anchor: anchor, Baseline: 48 * time.Hour, Current: 10 * time.Hour}
	baselineFrom, currentFrom := w.Bounds()
	assert.Equal(t, anchor.Add(-48*time.Hour), baselineFrom)
	assert.Equal(t, anchor.Add(-10*time.Hour), currentFrom)

	var next int64
	// the current window is inclusive at both ends; later executions are ignored
	execs := population(&next, 1, 1, "X", 30, 30, at(60))
	execs = append(execs, population(&next, 1000, 1, "X", 10, 5, &currentFrom)...)
	execs = append(execs, population(&next, 2000, 1, "X", 50, 50, at(101))...)
	got := engine.DetectTrends(execs, stationX, w)
	require.Len(t, got, 1)
	assert.Equal(t, 10, got[0].CurrentUnits)
	assert.Equal(t, 30, got[0].BaselineUnits)
	assert.Equal(t, "last10h", got[0].Window)
}

func TestDetectTrendsNoData(t *testing.T) {
	got := engine.DetectTrends(nil, stationX, engine.TrendWindows{})
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestDetectTrendsDerivesSteps(t *testing.T) {
	got := engine.DetectTrends(windowed(100, 97, 20, 18), nil, engine.TrendWindows{})
	require.Len(t, got, 1)
	assert.Equal(t, "X", got[0].StationName)
}

func TestSortScenarios(t *testing.T) {
	s := []engine.Scenario{
		{ID: "b", Severity: engine.SeverityWarning, Delta: 0.5},
		{ID: "c", Severity: engine.SeverityCritical, Delta: 0.05},
		{ID: "a", Severity: engine.SeverityCritical, Delta: -0.2},
		{ID: "d", Severity: engine.SeverityCritical, Delta: 0.05},
		{ID: "e", Severity: engine.SeverityInfo, Delta: 1},
	}
	engine.SortScenarios(s)
	ids := make([]string, len(s))
	for i, sc := range s {
		ids[i] = sc.ID
	}
	assert.Equal(t, []string{"a", "c", "d", "b", "e"}, ids)
}
