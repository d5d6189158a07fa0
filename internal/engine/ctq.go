package engine

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"yieldline/internal/domain"
	"yieldline/internal/repo"
)

const (
	heatmapMaxLots    = 30
	heatmapMaxCTQs    = 10
	defaultRangeDays  = 7
	ctqSummaryMaxPlot = 500
)

type HeatmapCTQ struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// LotHeatmap is a fail-rate matrix indexed [lot][ctq].
type LotHeatmap struct {
	From   *time.Time   `json:"from,omitempty" format:"date-time"`
	To     *time.Time   `json:"to,omitempty" format:"date-time"`
	Lots   []domain.Lot `json:"lots"`
	CTQs   []HeatmapCTQ `json:"ctqs"`
	Matrix [][]float64  `json:"matrix"`
	Tested [][]int      `json:"tested"`
	Fails  [][]int      `json:"fails"`
}

type rankedCount struct {
	id    int64
	count int
}

func topByCount(counts map[int64]int, limit int) []int64 {
	ranked := make([]rankedCount, 0, len(counts))
	for id, n := range counts {
		ranked = append(ranked, rankedCount{id, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]int64, len(ranked))
	for i, r := range ranked {
		out[i] = r.id
	}
	return out
}

// LotHeatmap cross-tabulates out-of-spec rates for the busiest lots and CTQs
// over a trailing number of days.
func (e Engine) LotHeatmap(ctx context.Context, days int) (LotHeatmap, error) {
	if days <= 0 {
		days = defaultRangeDays
	}
	out := LotHeatmap{Lots: []domain.Lot{}, CTQs: []HeatmapCTQ{}, Matrix: [][]float64{}, Tested: [][]int{}, Fails: [][]int{}}
	anchor, err := e.anchor(ctx)
	if err != nil || anchor.IsZero() {
		return out, err
	}
	from := anchor.Add(-time.Duration(days) * 24 * time.Hour)
	out.From, out.To = &from, &anchor

	measurements, err := e.Store.ListMeasurements(ctx, repo.MeasurementFilter{From: &from})
	if err != nil {
		return LotHeatmap{}, errors.Wrap(err, "load measurements")
	}
	if len(measurements) == 0 {
		return out, nil
	}
	execIDs := IDSet{}
	for _, m := range measurements {
		execIDs.Add(m.ExecutionID)
	}
	execs, err := e.Store.ListExecutions(ctx, repo.ExecutionFilter{IDs: execIDs.Sorted()})
	if err != nil {
		return LotHeatmap{}, errors.Wrap(err, "load executions")
	}
	unitOf := map[int64]int64{}
	unitIDs := IDSet{}
	for _, ex := range execs {
		unitOf[ex.ID] = ex.UnitID
		unitIDs.Add(ex.UnitID)
	}
	unitLots, err := e.Store.ListUnitLots(ctx, unitIDs.Sorted())
	if err != nil {
		return LotHeatmap{}, errors.Wrap(err, "load unit lots")
	}

	lotByID := map[int64]domain.Lot{}
	lotVolume := map[int64]int{}
	for _, m := range measurements {
		for _, l := range unitLots[unitOf[m.ExecutionID]] {
			lotByID[l.ID] = l
			lotVolume[l.ID]++
		}
	}
	lotIDs := topByCount(lotVolume, heatmapMaxLots)
	lotIndex := map[int64]int{}
	for i, id := range lotIDs {
		lotIndex[id] = i
		out.Lots = append(out.Lots, lotByID[id])
	}

	ctqByID := map[int64]domain.CTQDefinition{}
	ctqVolume := map[int64]int{}
	kept := measurements[:0:0]
	for _, m := range measurements {
		for _, l := range unitLots[unitOf[m.ExecutionID]] {
			if _, ok := lotIndex[l.ID]; ok {
				kept = append(kept, m)
				ctqByID[m.CTQID] = m.CTQ
				ctqVolume[m.CTQID]++
				break
			}
		}
	}
	ctqIDs := topByCount(ctqVolume, heatmapMaxCTQs)
	ctqIndex := map[int64]int{}
	for i, id := range ctqIDs {
		ctqIndex[id] = i
		c := ctqByID[id]
		out.CTQs = append(out.CTQs, HeatmapCTQ{ID: c.ID, Code: c.Code, Name: c.Name})
	}

	out.Tested = make([][]int, len(lotIDs))
	out.Fails = make([][]int, len(lotIDs))
	out.Matrix = make([][]float64, len(lotIDs))
	for i := range lotIDs {
		out.Tested[i] = make([]int, len(ctqIDs))
		out.Fails[i] = make([]int, len(ctqIDs))
		out.Matrix[i] = make([]float64, len(ctqIDs))
	}
	for _, m := range kept {
		ci, ok := ctqIndex[m.CTQID]
		if !ok {
			continue
		}
		inSpec := MeasurementInSpec(m).InSpec
		for _, l := range unitLots[unitOf[m.ExecutionID]] {
			li, ok := lotIndex[l.ID]
			if !ok {
				continue
			}
			out.Tested[li][ci]++
			if !inSpec {
				out.Fails[li][ci]++
			}
		}
	}
	for li := range out.Tested {
		for ci := range out.Tested[li] {
			out.Matrix[li][ci] = ratio(out.Fails[li][ci], out.Tested[li][ci])
		}
	}
	return out, nil
}

type CTQPoint struct {
	MeasurementID int64      `json:"measurement_id"`
	ExecutionID   int64      `json:"execution_id"`
	Value         float64    `json:"value"`
	InSpec        bool       `json:"in_spec"`
	RecordedAt    *time.Time `json:"recorded_at,omitempty" format:"date-time"`
}

type CTQSummary struct {
	CTQ              domain.CTQDefinition `json:"ctq"`
	From             *time.Time           `json:"from,omitempty" format:"date-time"`
	To               *time.Time           `json:"to,omitempty" format:"date-time"`
	Count            int                  `json:"count"`
	OutOfSpec        int                  `json:"out_of_spec"`
	OutOfSpecRate    float64              `json:"out_of_spec_rate"`
	Mean             float64              `json:"mean"`
	Min              float64              `json:"min"`
	Max              float64              `json:"max"`
	StdDev           float64              `json:"std_dev"`
	UnknownDirection bool                 `json:"unknown_direction,omitempty"`
	Points           []CTQPoint           `json:"points"`
}

// CTQSummary describes one CTQ's distribution over a trailing number of days.
// Points keeps the most recent readings for plotting.
func (e Engine) CTQSummary(ctx context.Context, ctqID int64, days int) (CTQSummary, error) {
	if ctqID <= 0 {
		return CTQSummary{}, errors.Wrapf(ErrInvalidQuery, "ctq id must be positive, got %d", ctqID)
	}
	if days <= 0 {
		days = defaultRangeDays
	}
	ctqs, err := e.Store.ListCTQs(ctx, repo.CTQFilter{IDs: []int64{ctqID}})
	if err != nil {
		return CTQSummary{}, errors.Wrap(err, "load ctq")
	}
	if len(ctqs) == 0 {
		return CTQSummary{}, errors.Wrapf(repo.ErrNotFound, "ctq %d", ctqID)
	}
	out := CTQSummary{CTQ: ctqs[0], Points: []CTQPoint{}}
	out.UnknownDirection = EvaluateSpec(0, out.CTQ.Direction, nil, nil).UnknownDirection
	anchor, err := e.anchor(ctx)
	if err != nil || anchor.IsZero() {
		return out, err
	}
	from := anchor.Add(-time.Duration(days) * 24 * time.Hour)
	out.From, out.To = &from, &anchor
	measurements, err := e.Store.ListMeasurements(ctx, repo.MeasurementFilter{CTQIDs: []int64{ctqID}, From: &from})
	if err != nil {
		return CTQSummary{}, errors.Wrap(err, "load measurements")
	}
	summarizeCTQ(&out, measurements)
	return out, nil
}

func summarizeCTQ(out *CTQSummary, measurements []domain.Measurement) {
	out.Count = len(measurements)
	if out.Count == 0 {
		return
	}
	out.Min, out.Max = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, m := range measurements {
		inSpec := MeasurementInSpec(m).InSpec
		if !inSpec {
			out.OutOfSpec++
		}
		sum += m.Value
		out.Min = math.Min(out.Min, m.Value)
		out.Max = math.Max(out.Max, m.Value)
		out.Points = append(out.Points, CTQPoint{
			MeasurementID: m.ID,
			ExecutionID:   m.ExecutionID,
			Value:         m.Value,
			InSpec:        inSpec,
			RecordedAt:    m.RecordedAt,
		})
	}
	out.Mean = sum / float64(out.Count)
	var sq float64
	for _, m := range measurements {
		sq += (m.Value - out.Mean) * (m.Value - out.Mean)
	}
	out.StdDev = math.Sqrt(sq / float64(out.Count))
	out.OutOfSpecRate = ratio(out.OutOfSpec, out.Count)
	if len(out.Points) > ctqSummaryMaxPlot {
		out.Points = out.Points[len(out.Points)-ctqSummaryMaxPlot:]
	}
}
