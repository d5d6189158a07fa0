package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"yieldline/internal/domain"
	"yieldline/internal/repo"
)

const (
	qualityWindow        = 24 * time.Hour
	coverageOKThreshold  = 0.98
	missingCTQWarnRate   = 0.02
	heavyUnitFactor      = 3
	maxHeavyUnits        = 5
	maxOrderCheckedUnits = 200
	maxOutOfOrderSerials = 5
)

const (
	QualityOK   = "OK"
	QualityWarn = "WARN"
)

type CoverageRow struct {
	StepID        int64   `json:"step_id"`
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	ExpectedUnits int     `json:"expected_units"`
	ActualUnits   int     `json:"actual_units"`
	Coverage      float64 `json:"coverage"`
	Status        string  `json:"status" enum:"OK,WARN"`
}

// HeavyUnit is a unit with far more executions than the flow has steps,
// usually a re-used serial or duplicated import.
type HeavyUnit struct {
	UnitID         int64  `json:"unit_id"`
	Serial         string `json:"serial"`
	ExecutionCount int    `json:"execution_count"`
}

type OutOfOrder struct {
	UnitsChecked    int      `json:"units_checked"`
	UnitsWithIssues int      `json:"units_with_issues"`
	SampleSerials   []string `json:"sample_serials"`
}

type MissingCTQ struct {
	CTQID       int64   `json:"ctq_id"`
	Name        string  `json:"name"`
	StepName    string  `json:"step_name"`
	Expected    int     `json:"expected"`
	Measured    int     `json:"measured"`
	Missing     int     `json:"missing"`
	MissingRate float64 `json:"missing_rate"`
	Status      string  `json:"status" enum:"OK,WARN"`
}

type Latency struct {
	SampleSize int     `json:"sample_size"`
	AvgMinutes float64 `json:"avg_minutes"`
	P95Minutes float64 `json:"p95_minutes"`
}

type DataQuality struct {
	From        *time.Time    `json:"from,omitempty" format:"date-time"`
	To          *time.Time    `json:"to,omitempty" format:"date-time"`
	Coverage    []CoverageRow `json:"coverage"`
	Duplicates  []HeavyUnit   `json:"duplicates"`
	OutOfOrder  OutOfOrder    `json:"out_of_order"`
	MissingCTQs []MissingCTQ  `json:"missing_ctqs"`
	Latency     *Latency      `json:"latency,omitempty"`
}

// DataQuality inspects the last day of data, anchored at the latest execution,
// for gaps and anomalies in what the line reported.
func (e Engine) DataQuality(ctx context.Context) (DataQuality, error) {
	out := DataQuality{
		Coverage:    []CoverageRow{},
		Duplicates:  []HeavyUnit{},
		OutOfOrder:  OutOfOrder{SampleSerials: []string{}},
		MissingCTQs: []MissingCTQ{},
	}
	anchor, err := e.anchor(ctx)
	if err != nil || anchor.IsZero() {
		return out, err
	}
	from := anchor.Add(-qualityWindow)
	out.From, out.To = &from, &anchor

	var steps []domain.Step
	var units []domain.Unit
	var execs []domain.Execution
	var ctqs []domain.CTQDefinition
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		steps, err = e.Store.ListSteps(gctx)
		return errors.Wrap(err, "load steps")
	})
	g.Go(func() error {
		var err error
		units, err = e.Store.ListUnits(gctx, repo.UnitFilter{CreatedFrom: &from})
		return errors.Wrap(err, "load units")
	})
	g.Go(func() error {
		var err error
		execs, err = e.Store.ListExecutions(gctx, repo.ExecutionFilter{From: &from})
		return errors.Wrap(err, "load executions")
	})
	g.Go(func() error {
		var err error
		ctqs, err = e.Store.ListCTQs(gctx, repo.CTQFilter{CriticalOnly: true})
		return errors.Wrap(err, "load ctqs")
	})
	if err := g.Wait(); err != nil {
		return DataQuality{}, err
	}

	unitSet := IDSet{}
	for _, u := range units {
		unitSet.Add(u.ID)
	}
	var windowExecIDs []int64
	for _, ex := range execs {
		if unitSet.Has(ex.UnitID) {
			windowExecIDs = append(windowExecIDs, ex.ID)
		}
	}
	var measurements []domain.Measurement
	if len(windowExecIDs) > 0 {
		measurements, err = e.Store.ListMeasurements(ctx, repo.MeasurementFilter{ExecutionIDs: windowExecIDs, From: &from})
		if err != nil {
			return DataQuality{}, errors.Wrap(err, "load measurements")
		}
	}

	byUnit, _ := groupByUnit(execs)
	out.Coverage = coverage(steps, units, execs)
	out.Duplicates = heavyUnits(units, byUnit, len(steps))
	out.OutOfOrder = outOfOrder(steps, units, byUnit)
	out.MissingCTQs = missingCTQs(ctqs, steps, execs, measurements)
	out.Latency = measurementLatency(execs, measurements, anchor)
	e.log().Debugw("data quality", "units", len(units), "executions", len(execs), "measurements", len(measurements))
	return out, nil
}

func coverage(steps []domain.Step, units []domain.Unit, execs []domain.Execution) []CoverageRow {
	unitSet := IDSet{}
	for _, u := range units {
		unitSet.Add(u.ID)
	}
	reached := map[int64]IDSet{}
	for _, ex := range execs {
		if !unitSet.Has(ex.UnitID) {
			continue
		}
		if reached[ex.StepID] == nil {
			reached[ex.StepID] = IDSet{}
		}
		reached[ex.StepID].Add(ex.UnitID)
	}
	out := make([]CoverageRow, 0, len(steps))
	for _, s := range steps {
		row := CoverageRow{StepID: s.ID, Code: s.Code, Name: s.Name, ExpectedUnits: len(units), ActualUnits: len(reached[s.ID])}
		row.Coverage = 1
		if row.ExpectedUnits > 0 {
			row.Coverage = float64(row.ActualUnits) / float64(row.ExpectedUnits)
		}
		row.Status = QualityWarn
		if gte(row.Coverage, coverageOKThreshold) {
			row.Status = QualityOK
		}
		out = append(out, row)
	}
	return out
}

func heavyUnits(units []domain.Unit, byUnit map[int64][]domain.Execution, stepCount int) []HeavyUnit {
	serials := map[int64]string{}
	for _, u := range units {
		serials[u.ID] = u.Serial
	}
	out := []HeavyUnit{}
	for unitID, execs := range byUnit {
		if len(execs) <= stepCount*heavyUnitFactor {
			continue
		}
		serial, ok := serials[unitID]
		if !ok {
			serial = fmt.Sprintf("Unit %d", unitID)
		}
		out = append(out, HeavyUnit{UnitID: unitID, Serial: serial, ExecutionCount: len(execs)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutionCount != out[j].ExecutionCount {
			return out[i].ExecutionCount > out[j].ExecutionCount
		}
		return out[i].UnitID < out[j].UnitID
	})
	if len(out) > maxHeavyUnits {
		out = out[:maxHeavyUnits]
	}
	return out
}

// outOfOrder flags units whose first execution at a later step happened
// before their first execution at an earlier one.
func outOfOrder(steps []domain.Step, units []domain.Unit, byUnit map[int64][]domain.Execution) OutOfOrder {
	res := OutOfOrder{SampleSerials: []string{}}
	checked := units
	if len(checked) > maxOrderCheckedUnits {
		checked = checked[:maxOrderCheckedUnits]
	}
	for _, u := range checked {
		execs := SortExecutions(byUnit[u.ID])
		if len(execs) == 0 {
			continue
		}
		res.UnitsChecked++
		first := map[int64]domain.Execution{}
		for _, ex := range execs {
			if _, ok := first[ex.StepID]; !ok {
				first[ex.StepID] = ex
			}
		}
		var prev *time.Time
		for _, s := range steps {
			ex, ok := first[s.ID]
			if !ok {
				continue
			}
			ts := EffectiveTimestamp(ex)
			if prev != nil && ts.Before(*prev) {
				res.UnitsWithIssues++
				if len(res.SampleSerials) < maxOutOfOrderSerials {
					res.SampleSerials = append(res.SampleSerials, u.Serial)
				}
				break
			}
			prev = &ts
		}
	}
	return res
}

func missingCTQs(ctqs []domain.CTQDefinition, steps []domain.Step, execs []domain.Execution, measurements []domain.Measurement) []MissingCTQ {
	stepNames := map[int64]string{}
	for _, s := range steps {
		stepNames[s.ID] = s.Name
	}
	execsPerStep := map[int64]int{}
	for _, ex := range execs {
		execsPerStep[ex.StepID]++
	}
	measuredPerCTQ := map[int64]int{}
	for _, m := range measurements {
		measuredPerCTQ[m.CTQID]++
	}
	out := make([]MissingCTQ, 0, len(ctqs))
	for _, c := range ctqs {
		row := MissingCTQ{
			CTQID:    c.ID,
			Name:     c.Name,
			StepName: stepNames[c.StepID],
			Expected: execsPerStep[c.StepID],
			Measured: measuredPerCTQ[c.ID],
		}
		row.Missing = max(0, row.Expected-row.Measured)
		row.MissingRate = ratio(row.Missing, row.Expected)
		row.Status = QualityOK
		if row.MissingRate > missingCTQWarnRate {
			row.Status = QualityWarn
		}
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MissingRate > out[j].MissingRate })
	return out
}

// measurementLatency is the delay between an execution finishing and its
// readings being recorded. Unrecorded readings count against the anchor.
func measurementLatency(execs []domain.Execution, measurements []domain.Measurement, anchor time.Time) *Latency {
	execTime := map[int64]time.Time{}
	for _, ex := range execs {
		execTime[ex.ID] = EffectiveTimestamp(ex)
	}
	var samples []float64
	for _, m := range measurements {
		ts, ok := execTime[m.ExecutionID]
		if !ok {
			continue
		}
		recorded := anchor
		if m.RecordedAt != nil {
			recorded = *m.RecordedAt
		}
		samples = append(samples, math.Max(0, recorded.Sub(ts).Minutes()))
	}
	if len(samples) == 0 {
		return nil
	}
	sort.Float64s(samples)
	var sum float64
	for _, s := range samples {
		sum += s
	}
	idx := int(math.Floor(float64(len(samples)) * 0.95))
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return &Latency{SampleSize: len(samples), AvgMinutes: sum / float64(len(samples)), P95Minutes: samples[idx]}
}
