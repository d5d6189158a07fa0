package engine

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"yieldline/internal/domain"
	"yieldline/internal/repo"
)

const defaultUnitTraceEpisodes = 3

type CTQReading struct {
	MeasurementID    int64      `json:"measurement_id"`
	CTQID            int64      `json:"ctq_id"`
	Code             string     `json:"code"`
	Name             string     `json:"name"`
	Units            string     `json:"units,omitempty"`
	Value            float64    `json:"value"`
	LSL              *float64   `json:"lsl,omitempty"`
	USL              *float64   `json:"usl,omitempty"`
	Target           *float64   `json:"target,omitempty"`
	Direction        string     `json:"direction"`
	IsCritical       bool       `json:"is_critical"`
	InSpec           bool       `json:"in_spec"`
	UnknownDirection bool       `json:"unknown_direction,omitempty"`
	RecordedAt       *time.Time `json:"recorded_at,omitempty" format:"date-time"`
}

type TraceStep struct {
	TracedExecution
	StepName        string        `json:"step_name"`
	EffectiveAt     time.Time     `json:"effective_at" format:"date-time"`
	EffectiveResult domain.Result `json:"effective_result"`
	CTQs            []CTQReading  `json:"ctqs"`
}

type UnitTrace struct {
	Unit            domain.Unit    `json:"unit"`
	DuplicateSerial bool           `json:"duplicate_serial"`
	FinalResult     *domain.Result `json:"final_result,omitempty"`
	ReworkLoopCount int            `json:"rework_loop_count"`
	Lots            []domain.Lot   `json:"lots"`
	Executions      []TraceStep    `json:"executions"`
	Episodes        []EpisodeMatch `json:"episodes"`
}

// NormalizeSerial trims and upper-cases a serial for lookup.
func NormalizeSerial(serial string) string {
	return strings.ToUpper(strings.TrimSpace(serial))
}

// UnitTrace reconstructs one unit's history. When several units share the
// serial the lowest id wins and DuplicateSerial is set.
func (e Engine) UnitTrace(ctx context.Context, serial string) (UnitTrace, error) {
	serial = NormalizeSerial(serial)
	if serial == "" {
		return UnitTrace{}, errors.Wrap(ErrInvalidQuery, "serial is required")
	}
	units, err := e.Store.FindUnitsBySerial(ctx, serial)
	if err != nil {
		return UnitTrace{}, errors.Wrapf(err, "find unit %s", serial)
	}
	if len(units) == 0 {
		return UnitTrace{}, errors.Wrapf(repo.ErrNotFound, "unit %s", serial)
	}
	unit := units[0]

	var execs []domain.Execution
	var lots map[int64][]domain.Lot
	var episodes []domain.Episode
	var ref reference
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		execs, err = e.Store.ListExecutions(gctx, repo.ExecutionFilter{UnitIDs: []int64{unit.ID}})
		return errors.Wrap(err, "load executions")
	})
	g.Go(func() error {
		var err error
		lots, err = e.Store.ListUnitLots(gctx, []int64{unit.ID})
		return errors.Wrap(err, "load unit lots")
	})
	g.Go(func() error {
		var err error
		episodes, err = e.Store.ListEpisodes(gctx, repo.EpisodeFilter{})
		return errors.Wrap(err, "load episodes")
	})
	g.Go(func() error {
		var err error
		ref, err = e.loadReference(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return UnitTrace{}, err
	}

	var measurements []domain.Measurement
	if len(execs) > 0 {
		ids := make([]int64, 0, len(execs))
		for _, ex := range execs {
			ids = append(ids, ex.ID)
		}
		measurements, err = e.Store.ListMeasurements(ctx, repo.MeasurementFilter{ExecutionIDs: ids})
		if err != nil {
			return UnitTrace{}, errors.Wrap(err, "load measurements")
		}
	}
	byExecution := map[int64][]domain.Measurement{}
	measured := IDSet{}
	for _, m := range measurements {
		byExecution[m.ExecutionID] = append(byExecution[m.ExecutionID], m)
		measured.Add(m.CTQID)
	}
	stepNames := map[int64]string{}
	for _, s := range ref.steps {
		stepNames[s.ID] = s.Name
	}

	trace := UnitTrace{
		Unit:            unit,
		DuplicateSerial: len(units) > 1,
		ReworkLoopCount: CountReworkLoops(execs),
		Lots:            lots[unit.ID],
		Executions:      []TraceStep{},
		Episodes:        []EpisodeMatch{},
	}
	if trace.Lots == nil {
		trace.Lots = []domain.Lot{}
	}
	for _, te := range TrackReworkLoops(execs) {
		step := TraceStep{
			TracedExecution: te,
			StepName:        stepNames[te.StepID],
			EffectiveAt:     EffectiveTimestamp(te.Execution),
			EffectiveResult: te.Result,
			CTQs:            []CTQReading{},
		}
		for _, m := range byExecution[te.ID] {
			r := readingFor(m)
			if !r.InSpec && te.Result != domain.ResultScrap {
				step.EffectiveResult = domain.ResultFail
			}
			step.CTQs = append(step.CTQs, r)
		}
		trace.Executions = append(trace.Executions, step)
	}
	switch {
	case unit.FinalResult != nil:
		trace.FinalResult = unit.FinalResult
	case len(trace.Executions) > 0:
		latest := trace.Executions[len(trace.Executions)-1].Result
		trace.FinalResult = &latest
	}

	topN := e.cfg().UnitTrace.TopEpisodes
	if topN <= 0 {
		topN = defaultUnitTraceEpisodes
	}
	q := QueryFromExecutions(execs, measured.Sorted(), trace.Lots)
	trace.Episodes = ScoreEpisodes(q, episodes, topN, ref.codeIndex())
	return trace, nil
}

func readingFor(m domain.Measurement) CTQReading {
	eval := MeasurementInSpec(m)
	return CTQReading{
		MeasurementID:    m.ID,
		CTQID:            m.CTQID,
		Code:             m.CTQ.Code,
		Name:             m.CTQ.Name,
		Units:            m.CTQ.Units,
		Value:            m.Value,
		LSL:              m.CTQ.LSL,
		USL:              m.CTQ.USL,
		Target:           m.CTQ.Target,
		Direction:        string(m.CTQ.Direction),
		IsCritical:       m.CTQ.IsCritical,
		InSpec:           eval.InSpec,
		UnknownDirection: eval.UnknownDirection,
		RecordedAt:       m.RecordedAt,
	}
}
