package engine_test

import (
	"context"
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yieldline/internal/domain"
	"yieldline/internal/engine"
	"yieldline/internal/repo"
)

// lineStore is a small line: three units (two sharing a serial), one rework
// loop at the leak test and one scrap.
func lineStore() *fakeStore {
	fixture := int64(4)
	leakHigh := "LEAK_HIGH"
	s := &fakeStore{
		steps: []domain.Step{
			{ID: 1, Code: "ASSY", Name: "Assembly", StepType: domain.StepAssembly, Sequence: 10},
			{ID: 2, Code: "LEAK_TEST", Name: "Leak test", StepType: domain.StepTest, Sequence: 20, CanScrap: true},
			{ID: 3, Code: "SEAL_REWORK", Name: "Seal rework", StepType: domain.StepAssembly, Sequence: 25},
			{ID: 4, Code: "PACK", Name: "Pack", StepType: domain.StepInspection, Sequence: 30},
		},
		ctqs: []domain.CTQDefinition{
			{ID: 11, Code: "LEAK_RATE", Name: "Leak rate", LSL: f64(3.75), USL: f64(4.2), Direction: domain.DirectionTwoSided, IsCritical: true, StepID: 2},
			{ID: 12, Code: "TORQUE", Name: "Torque", LSL: f64(2), Direction: domain.DirectionHigherBetter, StepID: 1},
		},
		lots: []domain.Lot{
			{ID: 7, Code: "LOT-A", ComponentName: "Seal"},
			{ID: 8, Code: "LOT-B", ComponentName: "Seal"},
		},
		fixtures: []domain.Fixture{{ID: 4, Code: "FX-1"}},
		units: []domain.Unit{
			{ID: 1, Serial: "SN-1", CreatedAt: t0},
			{ID: 2, Serial: "SN-2", CreatedAt: t0},
			{ID: 3, Serial: "SN-1", CreatedAt: t0},
		},
		unitLots: map[int64][]int64{1: {7}, 2: {8}, 3: {7}},
		executions: []domain.Execution{
			ex(1, 1, 1, "ASSY", domain.ResultPass, at(1)),
			ex(2, 1, 2, "LEAK_TEST", domain.ResultFail, at(2)),
			ex(3, 1, 3, "SEAL_REWORK", domain.ResultPass, at(3)),
			ex(4, 1, 2, "LEAK_TEST", domain.ResultPass, at(4)),
			ex(5, 1, 4, "PACK", domain.ResultPass, at(5)),
			ex(6, 2, 1, "ASSY", domain.ResultPass, at(1)),
			ex(7, 2, 2, "LEAK_TEST", domain.ResultPass, at(2)),
			ex(8, 2, 4, "PACK", domain.ResultPass, at(3)),
			ex(9, 3, 1, "ASSY", domain.ResultPass, at(1)),
			ex(10, 3, 2, "LEAK_TEST", domain.ResultScrap, at(6)),
		},
		measurements: []domain.Measurement{
			{ID: 1, ExecutionID: 2, CTQID: 11, Value: 4.25, RecordedAt: at(2)},
			{ID: 2, ExecutionID: 4, CTQID: 11, Value: 4.0, RecordedAt: at(4)},
			{ID: 3, ExecutionID: 7, CTQID: 11, Value: 4.2, RecordedAt: at(2)},
			{ID: 4, ExecutionID: 1, CTQID: 12, Value: 1.5, RecordedAt: at(1)},
			{ID: 5, ExecutionID: 6, CTQID: 12, Value: 3, RecordedAt: at(1.5)},
		},
		episodes: []domain.Episode{
			{
				ID: 100, Title: "Seal leak", Summary: strings.Repeat("a", 250), Status: "closed", RootCauseCategory: "process",
				StartedAt: at(-100), AffectedSteps: payload(`[2]`), AffectedCTQs: payload(`[11]`), AffectedLots: payload(`["LOT-A"]`),
			},
			{
				ID: 101, Title: "Pack damage", Summary: "Boxes crushed", Status: "open", RootCauseCategory: "supplier",
				StartedAt: at(-50), AffectedSteps: payload(`{"stepIds":[4]}`),
			},
		},
	}
	for i := range s.executions {
		switch s.executions[i].ID {
		case 2, 3, 4:
			s.executions[i].ReworkLoopID = loop("R-1")
		}
	}
	s.executions[1].FixtureID = &fixture
	s.executions[1].FailureCode = &leakHigh
	return s
}

func TestStationMetrics(t *testing.T) {
	e := newEngine(lineStore())
	report, err := e.StationMetrics(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "last24h", report.Window)
	require.NotNil(t, report.To)
	assert.Equal(t, *at(6), *report.To)
	require.Len(t, report.Stations, 4)

	leak := report.Stations[1]
	assert.Equal(t, "LEAK_TEST", leak.Code)
	assert.Equal(t, 3, leak.Throughput)
	assert.InDelta(t, 1.0/3, leak.FPY, 1e-12)
	assert.InDelta(t, 0.5, leak.Yield, 1e-12)
	assert.InDelta(t, 1.0/3, leak.ReworkRate, 1e-12)
	assert.InDelta(t, 1.0/3, leak.ScrapRate, 1e-12)
	assert.True(t, report.Stations[2].IsExcluded)

	require.NotNil(t, report.WorstByFPY)
	assert.Equal(t, "LEAK_TEST", report.WorstByFPY.Code)
	require.NotNil(t, report.WorstByRework)
	assert.Equal(t, "LEAK_TEST", report.WorstByRework.Code)

	_, err = e.StationMetrics(context.Background(), "last3h")
	assert.True(t, errors.Is(err, engine.ErrInvalidQuery))
}

func TestStationMetricsWorstSkipsUnreachedStations(t *testing.T) {
	var next int64
	s := &fakeStore{
		steps: []domain.Step{
			{ID: 1, Code: "ASSY", Name: "Assembly", Sequence: 10},
			{ID: 2, Code: "PACK", Name: "Pack", Sequence: 20},
		},
		executions: population(&next, 1, 1, "ASSY", 4, 3, at(1)),
	}
	report, err := newEngine(s).StationMetrics(context.Background(), "last24h")
	require.NoError(t, err)
	require.Len(t, report.Stations, 2)
	assert.Equal(t, 0, report.Stations[1].Throughput)
	require.NotNil(t, report.WorstByFPY)
	assert.Equal(t, "ASSY", report.WorstByFPY.Code)
	require.NotNil(t, report.WorstByRework)
	assert.Equal(t, "ASSY", report.WorstByRework.Code)
}

func TestStationMetricsNoData(t *testing.T) {
	report, err := newEngine(&fakeStore{}).StationMetrics(context.Background(), "last7d")
	require.NoError(t, err)
	assert.Empty(t, report.Stations)
	assert.Nil(t, report.WorstByFPY)
}

func TestLineOverview(t *testing.T) {
	e := newEngine(lineStore())
	ov, err := e.LineOverview(context.Background(), engine.LineOverviewOptions{})
	require.NoError(t, err)
	assert.Equal(t, 72, ov.Overall.RangeHours)
	assert.InDelta(t, 1.0/3, ov.Overall.LineFPY, 1e-12)
	assert.Equal(t, 2, ov.Overall.Throughput)
	assert.Equal(t, engine.LineCritical, ov.Overall.Status)
	require.Len(t, ov.Stations, 3)
	assert.Equal(t, "LEAK_TEST", ov.Stations[0].StepCode)

	require.Len(t, ov.TimeBuckets, 3)
	assert.Equal(t, []string{"-48h", "-24h", "Now"}, []string{ov.TimeBuckets[0].Label, ov.TimeBuckets[1].Label, ov.TimeBuckets[2].Label})
	assert.Equal(t, 2, ov.TimeBuckets[2].Throughput)
	assert.Equal(t, 0, ov.TimeBuckets[0].Throughput)

	_, err = e.LineOverview(context.Background(), engine.LineOverviewOptions{Bucket: "fortnight"})
	assert.True(t, errors.Is(err, engine.ErrInvalidQuery))
}

func TestStatusForFPY(t *testing.T) {
	assert.Equal(t, engine.LineOK, engine.StatusForFPY(0.98))
	assert.Equal(t, engine.LineWarning, engine.StatusForFPY(0.95))
	assert.Equal(t, engine.LineCritical, engine.StatusForFPY(0.949))
}

func TestTrendsAnchoredAtLatestExecution(t *testing.T) {
	report, err := newEngine(lineStore()).Trends(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Anchor)
	assert.Equal(t, *at(6), *report.Anchor)
	assert.Empty(t, report.Scenarios)
}

func TestReworkFlow(t *testing.T) {
	report, err := newEngine(lineStore()).ReworkFlow(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 24, report.RangeHours)
	assert.Equal(t, 3, report.TotalUnits)
	assert.True(t, report.Insufficient)
	assert.Equal(t, "Leak test", report.Nodes[1].Label)
}

func TestUnitTrace(t *testing.T) {
	trace, err := newEngine(lineStore()).UnitTrace(context.Background(), "  sn-1 ")
	require.NoError(t, err)
	assert.Equal(t, int64(1), trace.Unit.ID)
	assert.True(t, trace.DuplicateSerial)
	assert.Equal(t, 1, trace.ReworkLoopCount)
	require.NotNil(t, trace.FinalResult)
	assert.Equal(t, domain.ResultPass, *trace.FinalResult)
	require.Len(t, trace.Lots, 1)
	assert.Equal(t, "LOT-A", trace.Lots[0].Code)

	require.Len(t, trace.Executions, 5)
	positions := []engine.LoopPosition{}
	for _, step := range trace.Executions {
		positions = append(positions, step.LoopPosition)
	}
	assert.Equal(t, []engine.LoopPosition{"", engine.LoopStart, engine.LoopMiddle, engine.LoopEnd, ""}, positions)

	// torque below its lower limit turns the assembly PASS into an effective FAIL
	assy := trace.Executions[0]
	assert.Equal(t, domain.ResultPass, assy.Result)
	assert.Equal(t, domain.ResultFail, assy.EffectiveResult)
	require.Len(t, assy.CTQs, 1)
	assert.False(t, assy.CTQs[0].InSpec)
	assert.Equal(t, "Leak test", trace.Executions[3].StepName)
	assert.Equal(t, domain.ResultPass, trace.Executions[3].EffectiveResult)

	require.Len(t, trace.Episodes, 2)
	assert.Equal(t, int64(100), trace.Episodes[0].Episode.ID)
	assert.Equal(t, 10.0, trace.Episodes[0].Score)
	assert.Equal(t, 3.0, trace.Episodes[1].Score)
}

func TestUnitTraceScrapKeepsResult(t *testing.T) {
	store := lineStore()
	store.measurements = append(store.measurements, domain.Measurement{ID: 9, ExecutionID: 10, CTQID: 11, Value: 9, RecordedAt: at(6)})
	store.units[2].Serial = "SN-3"
	trace, err := newEngine(store).UnitTrace(context.Background(), "SN-3")
	require.NoError(t, err)
	assert.False(t, trace.DuplicateSerial)
	last := trace.Executions[len(trace.Executions)-1]
	assert.Equal(t, domain.ResultScrap, last.EffectiveResult)
	assert.Equal(t, domain.ResultScrap, *trace.FinalResult)
}

func TestUnitTraceLookupErrors(t *testing.T) {
	e := newEngine(lineStore())
	_, err := e.UnitTrace(context.Background(), "   ")
	assert.True(t, errors.Is(err, engine.ErrInvalidQuery))
	_, err = e.UnitTrace(context.Background(), "SN-404")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestLotHeatmap(t *testing.T) {
	hm, err := newEngine(lineStore()).LotHeatmap(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, hm.Lots, 2)
	assert.Equal(t, "LOT-A", hm.Lots[0].Code)
	require.Len(t, hm.CTQs, 2)
	assert.Equal(t, "LEAK_RATE", hm.CTQs[0].Code)
	assert.Equal(t, [][]int{{2, 1}, {1, 1}}, hm.Tested)
	assert.Equal(t, [][]int{{1, 1}, {0, 0}}, hm.Fails)
	assert.Equal(t, [][]float64{{0.5, 1}, {0, 0}}, hm.Matrix)
}

func TestCTQSummary(t *testing.T) {
	e := newEngine(lineStore())
	sum, err := e.CTQSummary(context.Background(), 11, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Count)
	assert.Equal(t, 1, sum.OutOfSpec)
	assert.InDelta(t, 1.0/3, sum.OutOfSpecRate, 1e-12)
	assert.InDelta(t, 4.15, sum.Mean, 1e-9)
	assert.Equal(t, 4.0, sum.Min)
	assert.Equal(t, 4.25, sum.Max)
	assert.InDelta(t, math.Sqrt(0.035/3), sum.StdDev, 1e-9)
	assert.False(t, sum.UnknownDirection)
	assert.Len(t, sum.Points, 3)

	_, err = e.CTQSummary(context.Background(), 999, 7)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
	_, err = e.CTQSummary(context.Background(), 0, 7)
	assert.True(t, errors.Is(err, engine.ErrInvalidQuery))
}

func TestDataQuality(t *testing.T) {
	dq, err := newEngine(lineStore()).DataQuality(context.Background())
	require.NoError(t, err)
	require.Len(t, dq.Coverage, 4)
	assert.Equal(t, engine.QualityOK, dq.Coverage[0].Status)
	assert.Equal(t, 2, dq.Coverage[3].ActualUnits)
	assert.Equal(t, engine.QualityWarn, dq.Coverage[3].Status)
	assert.Empty(t, dq.Duplicates)
	assert.Equal(t, 3, dq.OutOfOrder.UnitsChecked)
	assert.Equal(t, 0, dq.OutOfOrder.UnitsWithIssues)

	require.Len(t, dq.MissingCTQs, 1)
	assert.Equal(t, 4, dq.MissingCTQs[0].Expected)
	assert.Equal(t, 3, dq.MissingCTQs[0].Measured)
	assert.Equal(t, engine.QualityWarn, dq.MissingCTQs[0].Status)

	require.NotNil(t, dq.Latency)
	assert.Equal(t, 5, dq.Latency.SampleSize)
	assert.InDelta(t, 6, dq.Latency.AvgMinutes, 1e-9)
	assert.InDelta(t, 30, dq.Latency.P95Minutes, 1e-9)
}

func TestDataQualityOutOfOrder(t *testing.T) {
	store := &fakeStore{
		steps: []domain.Step{{ID: 1, Code: "A", Sequence: 1}, {ID: 2, Code: "B", Sequence: 2}},
		units: []domain.Unit{{ID: 1, Serial: "SN-9", CreatedAt: t0}},
		executions: []domain.Execution{
			ex(1, 1, 2, "B", domain.ResultPass, at(1)),
			ex(2, 1, 1, "A", domain.ResultPass, at(2)),
		},
	}
	dq, err := newEngine(store).DataQuality(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dq.OutOfOrder.UnitsWithIssues)
	assert.Equal(t, []string{"SN-9"}, dq.OutOfOrder.SampleSerials)
	assert.Nil(t, dq.Latency)
}

func TestEpisodes(t *testing.T) {
	e := newEngine(lineStore())
	list, err := e.ListEpisodes(context.Background(), repo.EpisodeFilter{Status: "open"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(101), list[0].ID)

	all, err := e.ListEpisodes(context.Background(), repo.EpisodeFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 200, utf8.RuneCountInString(all[0].Summary))
	assert.True(t, strings.HasSuffix(all[0].Summary, "…"))

	d, err := e.Episode(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, d.StepIDs)
	assert.Equal(t, []int64{11}, d.CTQIDs)
	assert.Equal(t, []int64{7}, d.LotIDs)
	require.Len(t, d.Steps, 1)
	assert.Equal(t, "LEAK_TEST", d.Steps[0].Code)
	assert.Empty(t, d.Fixtures)

	_, err = e.Episode(context.Background(), 555)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestTrimSummary(t *testing.T) {
	assert.Equal(t, "short", engine.TrimSummary("  short ", 10))
	assert.Equal(t, "abcd…", engine.TrimSummary("abcdefgh", 5))
	assert.Equal(t, "żółw…", engine.TrimSummary("żółwie", 5))
}

func TestSchemaAndHealth(t *testing.T) {
	e := newEngine(lineStore())
	schema, err := e.Schema(context.Background())
	require.NoError(t, err)
	require.Len(t, schema, 4)
	assert.Equal(t, "LEAK_RATE", schema[1].CTQs[0].Code)
	assert.True(t, schema[2].IsRework)
	assert.Empty(t, schema[3].CTQs)

	h, err := e.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.HasData)
	assert.Equal(t, 10, h.Counts.Executions)
}

func TestSimilarEpisodesEmptyQueryReadsNothing(t *testing.T) {
	store := lineStore()
	got, err := newEngine(store).SimilarEpisodes(context.Background(), engine.SimilarityQuery{}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, store.totalCalls())
}

func TestStoreFailurePropagates(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		failOn string
		call   func(engine.Engine) error
	}{
		{"LatestExecutionTime", func(e engine.Engine) error { _, err := e.LineOverview(ctx, engine.LineOverviewOptions{}); return err }},
		{"ListExecutions", func(e engine.Engine) error { _, err := e.StationMetrics(ctx, "last8h"); return err }},
		{"ListSteps", func(e engine.Engine) error { _, err := e.Trends(ctx); return err }},
		{"ListExecutions", func(e engine.Engine) error { _, err := e.ReworkFlow(ctx, 12); return err }},
		{"ListEpisodes", func(e engine.Engine) error {
			_, err := e.SimilarEpisodes(ctx, engine.SimilarityQuery{StepIDs: []int64{2}}, 3)
			return err
		}},
		{"ListFixtures", func(e engine.Engine) error {
			_, err := e.SimilarEpisodes(ctx, engine.SimilarityQuery{StepIDs: []int64{2}}, 3)
			return err
		}},
		{"FindUnitsBySerial", func(e engine.Engine) error { _, err := e.UnitTrace(ctx, "SN-1"); return err }},
		{"ListMeasurements", func(e engine.Engine) error { _, err := e.UnitTrace(ctx, "SN-1"); return err }},
		{"ListLots", func(e engine.Engine) error { _, err := e.UnitTrace(ctx, "SN-1"); return err }},
		{"ListUnitLots", func(e engine.Engine) error { _, err := e.LotHeatmap(ctx, 7); return err }},
		{"ListCTQs", func(e engine.Engine) error { _, err := e.CTQSummary(ctx, 11, 7); return err }},
		{"ListUnits", func(e engine.Engine) error { _, err := e.DataQuality(ctx); return err }},
		{"ListMeasurements", func(e engine.Engine) error { _, err := e.DataQuality(ctx); return err }},
		{"ListEpisodes", func(e engine.Engine) error { _, err := e.ListEpisodes(ctx, repo.EpisodeFilter{}); return err }},
		{"GetEpisode", func(e engine.Engine) error { _, err := e.Episode(ctx, 100); return err }},
		{"ListCTQs", func(e engine.Engine) error { _, err := e.Schema(ctx); return err }},
		{"Counts", func(e engine.Engine) error { _, err := e.Health(ctx); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.failOn, func(t *testing.T) {
			store := lineStore()
			store.failOn = tc.failOn
			err := tc.call(newEngine(store))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errBoom), "got %v", err)
		})
	}
}
