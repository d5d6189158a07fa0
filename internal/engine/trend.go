package engine

import (
	"fmt"
	"sort"
	"time"

	"yieldline/internal/domain"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

type ScenarioType string

const (
	ScenarioFPYDroop    ScenarioType = "STATION_FPY_DROOP"
	ScenarioReworkSpike ScenarioType = "STATION_REWORK_SPIKE"
	ScenarioScrapSpike  ScenarioType = "STATION_SCRAP_SPIKE"
)

const (
	DefaultBaselineRange = 7 * 24 * time.Hour
	DefaultCurrentRange  = 24 * time.Hour
)

// Detection thresholds. Changing any of these changes what the line reports.
const (
	droopMinBaselineUnits = 20
	droopMinCurrentUnits  = 10
	droopMinBaselineFPY   = 0.95
	droopMinDrop          = 0.03
	droopCriticalDrop     = 0.05
	droopCriticalFPY      = 0.90

	reworkMinBaselineUnits = 20
	reworkMinCurrentUnits  = 10
	reworkMinRatio         = 1.5
	reworkMinIncrease      = 0.03
	reworkCriticalRate     = 0.15

	scrapMinBaselineUnits = 10
	scrapMinCurrentUnits  = 5
	scrapMaxBaselineRate  = 0.02
	scrapMinCurrentRate   = 0.03
	scrapCriticalRate     = 0.05

	epsilon = 1e-9
)

// Scenario is one flagged regression at a station.
type Scenario struct {
	ID                string       `json:"id"`
	Type              ScenarioType `json:"type" enum:"STATION_FPY_DROOP,STATION_REWORK_SPIKE,STATION_SCRAP_SPIKE"`
	Severity          Severity     `json:"severity" enum:"critical,warning,info"`
	Title             string       `json:"title"`
	Summary           string       `json:"summary"`
	StationCode       string       `json:"station_code"`
	StationName       string       `json:"station_name"`
	StepID            int64        `json:"step_id"`
	Window            string       `json:"window"`
	BaselineUnits     int          `json:"baseline_units"`
	CurrentUnits      int          `json:"current_units"`
	Baseline          float64      `json:"baseline"`
	Current           float64      `json:"current"`
	Delta             float64      `json:"delta"`
	RecommendedAction string       `json:"recommended_action"`
}

// TrendWindows positions the baseline and current windows. A zero Anchor
// means the latest effective timestamp among the supplied executions.
type TrendWindows struct {
	Anchor   time.Time
	Baseline time.Duration
	Current  time.Duration
}

func (w TrendWindows) withDefaults() TrendWindows {
	if w.Baseline <= 0 {
		w.Baseline = DefaultBaselineRange
	}
	if w.Current <= 0 {
		w.Current = DefaultCurrentRange
	}
	return w
}

// Bounds returns the baseline start and the current start.
func (w TrendWindows) Bounds() (baselineFrom, currentFrom time.Time) {
	w = w.withDefaults()
	return w.Anchor.Add(-w.Baseline), w.Anchor.Add(-w.Current)
}

// DetectTrends compares per-step statistics of the current window against the
// baseline window just before it. Executions with an effective timestamp in
// [anchor-current, anchor] are current; [anchor-baseline, anchor-current) is
// baseline; everything else is ignored.
func DetectTrends(execs []domain.Execution, steps []domain.Step, w TrendWindows) []Scenario {
	w = w.withDefaults()
	if w.Anchor.IsZero() {
		w.Anchor = latestTimestamp(execs)
	}
	if w.Anchor.IsZero() || len(execs) == 0 {
		return []Scenario{}
	}
	baselineFrom, currentFrom := w.Bounds()

	type split struct{ baseline, current []domain.Execution }
	byStep := map[int64]*split{}
	for _, e := range execs {
		ts := EffectiveTimestamp(e)
		if ts.After(w.Anchor) || ts.Before(baselineFrom) {
			continue
		}
		s := byStep[e.StepID]
		if s == nil {
			s = &split{}
			byStep[e.StepID] = s
		}
		if ts.Before(currentFrom) {
			s.baseline = append(s.baseline, e)
		} else {
			s.current = append(s.current, e)
		}
	}

	if len(steps) == 0 {
		steps = stepsFromExecutions(execs)
	}
	window := windowLabel(w.Current)
	scenarios := []Scenario{}
	for _, step := range steps {
		s := byStep[step.ID]
		if s == nil {
			continue
		}
		base := ComputeStepStats(s.baseline)
		cur := ComputeStepStats(s.current)
		scenarios = append(scenarios, evaluateStep(step, base, cur, window)...)
	}
	SortScenarios(scenarios)
	return scenarios
}

func evaluateStep(step domain.Step, base, cur StepStats, window string) []Scenario {
	name := step.Name
	if name == "" {
		name = step.Code
	}
	newScenario := func(t ScenarioType, sev Severity, baseline, current, delta float64) Scenario {
		return Scenario{
			ID:            fmt.Sprintf("%s:%s", t, step.Code),
			Type:          t,
			Severity:      sev,
			StationCode:   step.Code,
			StationName:   name,
			StepID:        step.ID,
			Window:        window,
			BaselineUnits: base.UnitsReached,
			CurrentUnits:  cur.UnitsReached,
			Baseline:      baseline,
			Current:       current,
			Delta:         delta,
		}
	}

	var out []Scenario
	if base.UnitsReached >= droopMinBaselineUnits && cur.UnitsReached >= droopMinCurrentUnits &&
		gte(base.FPY, droopMinBaselineFPY) && gte(base.FPY-cur.FPY, droopMinDrop) {
		drop := base.FPY - cur.FPY
		sev := SeverityWarning
		if gte(drop, droopCriticalDrop) || lt(cur.FPY, droopCriticalFPY) {
			sev = SeverityCritical
		}
		sc := newScenario(ScenarioFPYDroop, sev, base.FPY, cur.FPY, drop)
		sc.Title = name + " FPY droop"
		sc.Summary = fmt.Sprintf("FPY at %s fell from %.1f%% (baseline) to %.1f%% (%s).", step.Code, base.FPY*100, cur.FPY*100, window)
		sc.RecommendedAction = "Compare recent units by lot and fixture; check the step's CTQs and recent process changes."
		out = append(out, sc)
	}
	if base.UnitsReached >= reworkMinBaselineUnits && cur.UnitsReached >= reworkMinCurrentUnits &&
		gt(cur.ReworkRate, base.ReworkRate*reworkMinRatio) && gte(cur.ReworkRate-base.ReworkRate, reworkMinIncrease) {
		sev := SeverityWarning
		if gte(cur.ReworkRate, reworkCriticalRate) {
			sev = SeverityCritical
		}
		sc := newScenario(ScenarioReworkSpike, sev, base.ReworkRate, cur.ReworkRate, cur.ReworkRate-base.ReworkRate)
		sc.Title = name + " rework spike"
		sc.Summary = fmt.Sprintf("Rework at %s rose from %.1f%% to %.1f%% comparing baseline vs %s.", step.Code, base.ReworkRate*100, cur.ReworkRate*100, window)
		sc.RecommendedAction = "Check recent failures and rework loops; inspect fixtures and confirm operator or recipe changes."
		out = append(out, sc)
	}
	if base.UnitsReached >= scrapMinBaselineUnits && cur.UnitsReached >= scrapMinCurrentUnits &&
		lt(base.ScrapRate, scrapMaxBaselineRate) && gte(cur.ScrapRate, scrapMinCurrentRate) {
		sev := SeverityWarning
		if gte(cur.ScrapRate, scrapCriticalRate) {
			sev = SeverityCritical
		}
		sc := newScenario(ScenarioScrapSpike, sev, base.ScrapRate, cur.ScrapRate, cur.ScrapRate-base.ScrapRate)
		sc.Title = name + " scrap spike"
		sc.Summary = fmt.Sprintf("Scrap at %s increased to %.1f%% (baseline %.1f%%).", step.Code, cur.ScrapRate*100, base.ScrapRate*100)
		sc.RecommendedAction = "Review scrap codes and last executions; correlate with lots, fixtures and station settings."
		out = append(out, sc)
	}
	return out
}

// SortScenarios orders by severity, then by delta magnitude, then by id.
func SortScenarios(s []Scenario) {
	sort.SliceStable(s, func(i, j int) bool {
		if ri, rj := s[i].Severity.rank(), s[j].Severity.rank(); ri != rj {
			return ri > rj
		}
		if di, dj := abs(s[i].Delta), abs(s[j].Delta); di-dj > epsilon || dj-di > epsilon {
			return di > dj
		}
		return s[i].ID < s[j].ID
	})
}

func stepsFromExecutions(execs []domain.Execution) []domain.Step {
	seen := map[int64]domain.Step{}
	for _, e := range execs {
		if _, ok := seen[e.StepID]; !ok {
			seen[e.StepID] = domain.Step{ID: e.StepID, Code: e.StepCode}
		}
	}
	out := make([]domain.Step, 0, len(seen))
	for _, id := range sortedKeys(seen) {
		out = append(out, seen[id])
	}
	return out
}

func windowLabel(d time.Duration) string {
	hours := int(d / time.Hour)
	if hours > 0 && hours%24 == 0 && hours > 24 {
		return fmt.Sprintf("last%dd", hours/24)
	}
	return fmt.Sprintf("last%dh", hours)
}

func gte(a, b float64) bool { return a >= b-epsilon }
func gt(a, b float64) bool  { return a > b+epsilon }
func lt(a, b float64) bool  { return a < b-epsilon }

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
