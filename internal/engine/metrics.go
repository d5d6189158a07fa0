package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"yieldline/internal/domain"
)

type StationMetric struct {
	StepID     int64           `json:"step_id"`
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	StepType   domain.StepType `json:"step_type"`
	Sequence   int             `json:"sequence"`
	IsExcluded bool            `json:"is_excluded"`
	Throughput int             `json:"throughput"`
	FPY        float64         `json:"fpy"`
	Yield      float64         `json:"yield"`
	ReworkRate float64         `json:"rework_rate"`
	ScrapRate  float64         `json:"scrap_rate"`
}

type StationReport struct {
	Window        string          `json:"window" enum:"last8h,last24h,last7d"`
	From          *time.Time      `json:"from,omitempty" format:"date-time"`
	To            *time.Time      `json:"to,omitempty" format:"date-time"`
	Stations      []StationMetric `json:"stations"`
	WorstByFPY    *StationMetric  `json:"worst_by_fpy,omitempty"`
	WorstByRework *StationMetric  `json:"worst_by_rework,omitempty"`
}

var stationWindows = map[string]time.Duration{
	"last8h":  8 * time.Hour,
	"last24h": 24 * time.Hour,
	"last7d":  7 * 24 * time.Hour,
}

// StationWindow resolves a window name; empty means last24h.
func StationWindow(name string) (string, time.Duration, error) {
	if name == "" {
		name = "last24h"
	}
	d, ok := stationWindows[name]
	if !ok {
		return "", 0, errors.Wrapf(ErrInvalidQuery, "unknown window %q", name)
	}
	return name, d, nil
}

// StationMetrics reports per-station yield over a trailing window anchored at
// the latest execution.
func (e Engine) StationMetrics(ctx context.Context, window string) (StationReport, error) {
	label, span, err := StationWindow(window)
	if err != nil {
		return StationReport{}, err
	}
	report := StationReport{Window: label, Stations: []StationMetric{}}
	anchor, err := e.anchor(ctx)
	if err != nil || anchor.IsZero() {
		return report, err
	}
	from := anchor.Add(-span)
	report.From, report.To = &from, &anchor

	steps, execs, err := e.windowExecutions(ctx, from, anchor)
	if err != nil {
		return StationReport{}, err
	}
	if len(execs) == 0 {
		return report, nil
	}
	report.Stations = stationMetrics(steps, execs, e.classifier())

	var ranked []StationMetric
	for _, s := range report.Stations {
		if !s.IsExcluded && s.Throughput > 0 {
			ranked = append(ranked, s)
		}
	}
	if len(ranked) > 0 {
		byFPY := append([]StationMetric(nil), ranked...)
		sort.SliceStable(byFPY, func(i, j int) bool { return byFPY[i].FPY < byFPY[j].FPY })
		byRework := append([]StationMetric(nil), ranked...)
		sort.SliceStable(byRework, func(i, j int) bool { return byRework[i].ReworkRate > byRework[j].ReworkRate })
		report.WorstByFPY = &byFPY[0]
		report.WorstByRework = &byRework[0]
	}
	e.log().Debugw("station metrics", "window", label, "executions", len(execs), "stations", len(report.Stations))
	return report, nil
}

func stationMetrics(steps []domain.Step, execs []domain.Execution, c Classifier) []StationMetric {
	byStep := groupByStep(execs)
	out := make([]StationMetric, 0, len(steps))
	for _, step := range steps {
		st := ComputeStepStats(byStep[step.ID])
		out = append(out, StationMetric{
			StepID:     step.ID,
			Code:       step.Code,
			Name:       step.Name,
			StepType:   step.StepType,
			Sequence:   step.Sequence,
			IsExcluded: c.IsReworkStep(step.Code, step.StepType),
			Throughput: st.UnitsReached,
			FPY:        st.FPY,
			Yield:      st.ExecutionYield,
			ReworkRate: st.ReworkRate,
			ScrapRate:  st.ScrapRate,
		})
	}
	return out
}

type LineStatus string

const (
	LineOK       LineStatus = "OK"
	LineWarning  LineStatus = "WARNING"
	LineCritical LineStatus = "CRITICAL"
)

const (
	lineOKFPY      = 0.98
	lineWarningFPY = 0.95
)

// StatusForFPY grades a line FPY.
func StatusForFPY(fpy float64) LineStatus {
	switch {
	case gte(fpy, lineOKFPY):
		return LineOK
	case gte(fpy, lineWarningFPY):
		return LineWarning
	default:
		return LineCritical
	}
}

type bucketSpec struct {
	minHours    int
	bucketHours int
}

var lineBuckets = map[string]bucketSpec{
	"hour":  {minHours: 6, bucketHours: 1},
	"shift": {minHours: 24, bucketHours: 6},
	"day":   {minHours: 72, bucketHours: 24},
	"week":  {minHours: 168, bucketHours: 24},
}

type LineOverviewOptions struct {
	RangeHours int
	Bucket     string
}

type LineSummary struct {
	LineFPY              float64    `json:"line_fpy"`
	RTY                  float64    `json:"rty"`
	Throughput           int        `json:"throughput"`
	AvgThroughputPerHour float64    `json:"avg_throughput_per_hour"`
	ReworkRate           float64    `json:"rework_rate"`
	ScrapRate            float64    `json:"scrap_rate"`
	Status               LineStatus `json:"status" enum:"OK,WARNING,CRITICAL"`
	RangeHours           int        `json:"range_hours"`
}

type TimeBucket struct {
	Label      string    `json:"label"`
	Start      time.Time `json:"start" format:"date-time"`
	LineFPY    float64   `json:"line_fpy"`
	RTY        float64   `json:"rty"`
	Throughput int       `json:"throughput"`
	ReworkRate float64   `json:"rework_rate"`
	ScrapRate  float64   `json:"scrap_rate"`
}

type LineOverview struct {
	Overall     LineSummary  `json:"overall"`
	Anchor      *time.Time   `json:"anchor,omitempty" format:"date-time"`
	TimeBuckets []TimeBucket `json:"time_buckets"`
	Stations    []StepStats  `json:"stations"`
}

const defaultOverviewRangeHours = 24

// LineOverview summarizes the nominal flow over a trailing range, split into
// time buckets. The range is widened to the bucket's minimum span.
func (e Engine) LineOverview(ctx context.Context, opts LineOverviewOptions) (LineOverview, error) {
	if opts.Bucket == "" {
		opts.Bucket = "day"
	}
	spec, ok := lineBuckets[opts.Bucket]
	if !ok {
		return LineOverview{}, errors.Wrapf(ErrInvalidQuery, "unknown bucket %q", opts.Bucket)
	}
	if opts.RangeHours < 0 {
		return LineOverview{}, errors.Wrapf(ErrInvalidQuery, "range must be positive, got %d", opts.RangeHours)
	}
	rangeHours := opts.RangeHours
	if rangeHours == 0 {
		rangeHours = defaultOverviewRangeHours
	}
	if rangeHours < spec.minHours {
		rangeHours = spec.minHours
	}
	out := LineOverview{
		Overall:     LineSummary{Status: LineOK, RangeHours: rangeHours},
		TimeBuckets: []TimeBucket{},
		Stations:    []StepStats{},
	}
	anchor, err := e.anchor(ctx)
	if err != nil || anchor.IsZero() {
		return out, err
	}
	out.Anchor = &anchor
	from := anchor.Add(-time.Duration(rangeHours) * time.Hour)
	steps, execs, err := e.windowExecutions(ctx, from, anchor)
	if err != nil {
		return LineOverview{}, err
	}
	if len(execs) == 0 {
		return out, nil
	}
	nominal := NominalFlow(steps, e.classifier())
	ly := ComputeLineYield(execs, nominal, float64(rangeHours))
	out.Overall = LineSummary{
		LineFPY:              ly.LineFPY,
		RTY:                  ly.RTY,
		Throughput:           ly.Throughput,
		AvgThroughputPerHour: ly.AvgThroughputPerHour,
		ReworkRate:           ly.ReworkRate,
		ScrapRate:            ly.ScrapRate,
		Status:               StatusForFPY(ly.LineFPY),
		RangeHours:           rangeHours,
	}
	out.Stations = append(out.Stations, ly.Steps...)
	sort.SliceStable(out.Stations, func(i, j int) bool { return out.Stations[i].FPY < out.Stations[j].FPY })
	out.TimeBuckets = timeBuckets(execs, nominal, from, rangeHours, spec.bucketHours)
	return out, nil
}

func timeBuckets(execs []domain.Execution, nominal []domain.Step, from time.Time, rangeHours, bucketHours int) []TimeBucket {
	width := time.Duration(bucketHours) * time.Hour
	count := int(math.Ceil(float64(rangeHours) / float64(bucketHours)))
	if count < 1 {
		count = 1
	}
	parts := make([][]domain.Execution, count)
	for _, ex := range execs {
		idx := int(EffectiveTimestamp(ex).Sub(from) / width)
		if idx < 0 {
			idx = 0
		}
		if idx >= count {
			idx = count - 1
		}
		parts[idx] = append(parts[idx], ex)
	}
	out := make([]TimeBucket, 0, count)
	for i, part := range parts {
		ly := ComputeLineYield(part, nominal, float64(bucketHours))
		label := "Now"
		if i < count-1 {
			label = fmt.Sprintf("-%dh", (count-1-i)*bucketHours)
		}
		out = append(out, TimeBucket{
			Label:      label,
			Start:      from.Add(time.Duration(i) * width),
			LineFPY:    ly.LineFPY,
			RTY:        ly.RTY,
			Throughput: ly.Throughput,
			ReworkRate: ly.ReworkRate,
			ScrapRate:  ly.ScrapRate,
		})
	}
	return out
}
