package ingest

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"yieldline/internal/domain"
	"yieldline/internal/events"
	"yieldline/internal/repo"
)

type Options struct {
	ActorID string
	Source  string
	Log     *zap.SugaredLogger
	Now     func() time.Time
}

// Result counts what one import wrote.
type Result struct {
	BatchID      string `json:"batch_id"`
	Steps        int    `json:"steps"`
	CTQs         int    `json:"ctqs"`
	Lots         int    `json:"lots"`
	Fixtures     int    `json:"fixtures"`
	Units        int    `json:"units"`
	Executions   int    `json:"executions"`
	Measurements int    `json:"measurements"`
	Episodes     int    `json:"episodes"`
}

// Apply writes the snapshot in a single transaction and records an import
// event alongside it. Nothing is written when any record is rejected.
func Apply(ctx context.Context, r repo.Repo, s Snapshot, opts Options) (Result, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	res := Result{BatchID: uuid.NewString()}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, errors.Wrap(err, "begin import")
	}
	defer tx.Rollback()

	w := &writer{r: r, tx: tx, steps: map[string]int64{}, ctqs: map[string]int64{}, lots: map[string]int64{},
		fixtures: map[string]int64{}, units: map[string]int64{}}
	if err := w.apply(ctx, s, &res); err != nil {
		return Result{}, err
	}
	payload := events.EventPayload{
		"source":       opts.Source,
		"steps":        res.Steps,
		"ctqs":         res.CTQs,
		"lots":         res.Lots,
		"fixtures":     res.Fixtures,
		"units":        res.Units,
		"executions":   res.Executions,
		"measurements": res.Measurements,
		"episodes":     res.Episodes,
	}
	if err := (events.Writer{Now: opts.Now}).Append(ctx, tx, events.TypeSnapshotImported, res.BatchID, opts.ActorID, payload); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, errors.Wrap(err, "commit import")
	}
	opts.Log.Infow("snapshot imported", "batch_id", res.BatchID, "source", opts.Source,
		"units", res.Units, "executions", res.Executions, "episodes", res.Episodes)
	return res, nil
}

type writer struct {
	r  repo.Repo
	tx *sql.Tx

	steps    map[string]int64
	ctqs     map[string]int64
	lots     map[string]int64
	fixtures map[string]int64
	units    map[string]int64
}

func key(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func (w *writer) lookup(index map[string]int64, kind, ref string) (int64, error) {
	id, ok := index[key(ref)]
	if !ok {
		return 0, errors.Wrapf(ErrInvalidSnapshot, "unknown %s %q", kind, ref)
	}
	return id, nil
}

func (w *writer) optionalLookup(index map[string]int64, kind, ref string) (*int64, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, nil
	}
	id, err := w.lookup(index, kind, ref)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (w *writer) apply(ctx context.Context, s Snapshot, res *Result) error {
	for _, rec := range s.Steps {
		if strings.TrimSpace(rec.Code) == "" {
			return errors.Wrap(ErrInvalidSnapshot, "step without code")
		}
		name := rec.Name
		if name == "" {
			name = rec.Code
		}
		step, err := w.r.InsertStepTx(ctx, w.tx, domain.Step{ID: rec.ID, Code: strings.TrimSpace(rec.Code), Name: name,
			StepType: domain.StepType(strings.ToUpper(rec.Type)), Sequence: rec.Sequence, CanScrap: rec.CanScrap})
		if err != nil {
			return err
		}
		w.steps[key(step.Code)] = step.ID
		res.Steps++
	}

	for _, rec := range s.CTQs {
		stepID, err := w.lookup(w.steps, "step", rec.Step)
		if err != nil {
			return errors.Wrapf(err, "ctq %s", rec.Name)
		}
		c, err := w.r.InsertCTQTx(ctx, w.tx, domain.CTQDefinition{ID: rec.ID, Code: rec.Code, Name: rec.Name, Units: rec.Units,
			LSL: rec.LSL, USL: rec.USL, Target: rec.Target, Direction: domain.Direction(strings.ToUpper(rec.Direction)),
			IsCritical: rec.Critical, StepID: stepID})
		if err != nil {
			return err
		}
		if c.Code != "" {
			w.ctqs[key(c.Code)] = c.ID
		}
		w.ctqs[key(c.Name)] = c.ID
		res.CTQs++
	}

	for _, rec := range s.Lots {
		l, err := w.r.InsertLotTx(ctx, w.tx, domain.Lot{ID: rec.ID, Code: rec.Number, ComponentName: rec.Component, Supplier: rec.Supplier})
		if err != nil {
			return err
		}
		w.lots[key(l.Code)] = l.ID
		res.Lots++
	}

	for _, rec := range s.Fixtures {
		calibrated, err := parseTime("fixture "+rec.Code+" last_calibrated_at", rec.LastCalibratedAt)
		if err != nil {
			return err
		}
		f, err := w.r.InsertFixtureTx(ctx, w.tx, domain.Fixture{ID: rec.ID, Code: rec.Code, StationCode: rec.Station,
			FixtureType: rec.Type, Status: rec.Status, LastCalibratedAt: calibrated})
		if err != nil {
			return err
		}
		w.fixtures[key(f.Code)] = f.ID
		res.Fixtures++
	}

	for _, rec := range s.Units {
		if err := w.unit(ctx, rec); err != nil {
			return err
		}
		res.Units++
	}

	for i, rec := range s.Executions {
		n, err := w.execution(ctx, rec)
		if err != nil {
			return errors.Wrapf(err, "execution #%d", i+1)
		}
		res.Executions++
		res.Measurements += n
	}

	for _, rec := range s.Episodes {
		if err := w.episode(ctx, rec); err != nil {
			return err
		}
		res.Episodes++
	}
	return nil
}

func (w *writer) unit(ctx context.Context, rec UnitRecord) error {
	if strings.TrimSpace(rec.Serial) == "" {
		return errors.Wrap(ErrInvalidSnapshot, "unit without serial")
	}
	created, err := parseTime("unit "+rec.Serial+" created_at", rec.CreatedAt)
	if err != nil {
		return err
	}
	u := domain.Unit{ID: rec.ID, Serial: rec.Serial}
	if created != nil {
		u.CreatedAt = *created
	}
	if rec.FinalResult != "" {
		final := domain.Result(strings.ToUpper(rec.FinalResult))
		u.FinalResult = &final
	}
	u, err = w.r.InsertUnitTx(ctx, w.tx, u)
	if err != nil {
		return err
	}
	// A colliding serial keeps pointing at the first unit imported under it.
	if _, seen := w.units[key(u.Serial)]; !seen {
		w.units[key(u.Serial)] = u.ID
	}
	for _, lotRef := range rec.Lots {
		lotID, err := w.lookup(w.lots, "lot", lotRef)
		if err != nil {
			return errors.Wrapf(err, "unit %s", rec.Serial)
		}
		if err := w.r.LinkUnitLotTx(ctx, w.tx, u.ID, lotID); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) execution(ctx context.Context, rec ExecutionRecord) (int, error) {
	unitID := rec.UnitID
	if unitID == 0 {
		var err error
		if unitID, err = w.lookup(w.units, "unit", rec.Unit); err != nil {
			return 0, err
		}
	}
	stepID, err := w.lookup(w.steps, "step", rec.Step)
	if err != nil {
		return 0, err
	}
	origin, err := w.optionalLookup(w.steps, "step", rec.OriginFailureStep)
	if err != nil {
		return 0, err
	}
	fixture, err := w.optionalLookup(w.fixtures, "fixture", rec.Fixture)
	if err != nil {
		return 0, err
	}
	started, err := parseTime("started_at", rec.StartedAt)
	if err != nil {
		return 0, err
	}
	completed, err := parseTime("completed_at", rec.CompletedAt)
	if err != nil {
		return 0, err
	}
	result := domain.Result(strings.ToUpper(strings.TrimSpace(rec.Result)))
	switch result {
	case domain.ResultPass, domain.ResultFail, domain.ResultScrap:
	default:
		return 0, errors.Wrapf(ErrInvalidSnapshot, "unknown result %q", rec.Result)
	}
	ex, err := w.r.InsertExecutionTx(ctx, w.tx, domain.Execution{
		ID:                  rec.ID,
		UnitID:              unitID,
		StepID:              stepID,
		Result:              result,
		StartedAt:           started,
		CompletedAt:         completed,
		ReworkLoopID:        optional(rec.ReworkLoopID),
		OriginFailureStepID: origin,
		StationCode:         rec.Station,
		FixtureID:           fixture,
		FailureCode:         optional(rec.FailureCode),
	})
	if err != nil {
		return 0, err
	}
	for _, m := range rec.Measurements {
		ctqID, err := w.lookup(w.ctqs, "ctq", m.CTQ)
		if err != nil {
			return 0, err
		}
		recorded, err := parseTime("recorded_at", m.RecordedAt)
		if err != nil {
			return 0, err
		}
		if _, err := w.r.InsertMeasurementTx(ctx, w.tx, domain.Measurement{ExecutionID: ex.ID, CTQID: ctqID, Value: m.Value, RecordedAt: recorded}); err != nil {
			return 0, err
		}
	}
	return len(rec.Measurements), nil
}

func (w *writer) episode(ctx context.Context, rec EpisodeRecord) error {
	if strings.TrimSpace(rec.Title) == "" {
		return errors.Wrap(ErrInvalidSnapshot, "episode without title")
	}
	started, err := parseTime("episode started_at", rec.StartedAt)
	if err != nil {
		return err
	}
	ended, err := parseTime("episode ended_at", rec.EndedAt)
	if err != nil {
		return err
	}
	created, err := parseTime("episode created_at", rec.CreatedAt)
	if err != nil {
		return err
	}
	status := rec.Status
	if status == "" {
		status = "OPEN"
	}
	category := rec.Category
	if category == "" {
		category = "UNKNOWN"
	}
	_, err = w.r.InsertEpisodeTx(ctx, w.tx, domain.Episode{
		ID:                rec.ID,
		Title:             rec.Title,
		Summary:           rec.Summary,
		Status:            status,
		RootCauseCategory: category,
		EffectivenessTag:  optional(rec.Effectiveness),
		StartedAt:         started,
		EndedAt:           ended,
		CreatedAt:         created,
		UpdatedAt:         created,
		AffectedSteps:     domain.PayloadFromValue(rec.AffectedSteps),
		AffectedCTQs:      domain.PayloadFromValue(rec.AffectedCTQs),
		AffectedLots:      domain.PayloadFromValue(rec.AffectedLots),
		AffectedFixtures:  domain.PayloadFromValue(rec.AffectedFixtures),
		BeforeMetrics:     domain.PayloadFromValue(rec.BeforeMetrics),
		AfterMetrics:      domain.PayloadFromValue(rec.AfterMetrics),
	})
	return err
}
