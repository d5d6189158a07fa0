package repo

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"yieldline/internal/domain"
)

// The Insert*Tx helpers keep caller-supplied ids; a zero id lets SQLite assign one.

func idArg(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func insertID(res sql.Result, id int64) (int64, error) {
	if id != 0 {
		return id, nil
	}
	return res.LastInsertId()
}

func (r Repo) InsertStepTx(ctx context.Context, tx *sql.Tx, s domain.Step) (domain.Step, error) {
	if s.StepType == "" {
		s.StepType = domain.StepAssembly
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO process_steps(id,code,name,step_type,sequence,can_scrap) VALUES (?,?,?,?,?,?)`,
		idArg(s.ID), s.Code, s.Name, string(s.StepType), s.Sequence, s.CanScrap)
	if err != nil {
		return s, errors.Wrapf(err, "insert step %s", s.Code)
	}
	s.ID, err = insertID(res, s.ID)
	return s, err
}

func (r Repo) InsertCTQTx(ctx context.Context, tx *sql.Tx, c domain.CTQDefinition) (domain.CTQDefinition, error) {
	if c.Direction == "" {
		c.Direction = domain.DirectionTwoSided
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO ctq_definitions(id,code,name,units,lower_spec_limit,upper_spec_limit,target,direction,is_critical,step_id)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		idArg(c.ID), nullable(c.Code), c.Name, nullable(c.Units), nullableFloatPtr(c.LSL), nullableFloatPtr(c.USL), nullableFloatPtr(c.Target),
		string(c.Direction), c.IsCritical, c.StepID)
	if err != nil {
		return c, errors.Wrapf(err, "insert ctq %s", c.Name)
	}
	c.ID, err = insertID(res, c.ID)
	return c, err
}

func (r Repo) InsertLotTx(ctx context.Context, tx *sql.Tx, l domain.Lot) (domain.Lot, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO component_lots(id,lot_number,component_name,supplier) VALUES (?,?,?,?)`,
		idArg(l.ID), l.Code, l.ComponentName, nullable(l.Supplier))
	if err != nil {
		return l, errors.Wrapf(err, "insert lot %s", l.Code)
	}
	l.ID, err = insertID(res, l.ID)
	return l, err
}

func (r Repo) InsertFixtureTx(ctx context.Context, tx *sql.Tx, f domain.Fixture) (domain.Fixture, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO fixtures(id,code,station_code,fixture_type,status,last_calibrated_at) VALUES (?,?,?,?,?,?)`,
		idArg(f.ID), f.Code, nullable(f.StationCode), nullable(f.FixtureType), nullable(f.Status), nullableTimePtr(f.LastCalibratedAt))
	if err != nil {
		return f, errors.Wrapf(err, "insert fixture %s", f.Code)
	}
	f.ID, err = insertID(res, f.ID)
	return f, err
}

func (r Repo) InsertUnitTx(ctx context.Context, tx *sql.Tx, u domain.Unit) (domain.Unit, error) {
	var final any
	if u.FinalResult != nil {
		final = string(*u.FinalResult)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO units(id,serial,created_at,final_result) VALUES (?,?,?,?)`,
		idArg(u.ID), u.Serial, formatTime(u.CreatedAt), final)
	if err != nil {
		return u, errors.Wrapf(err, "insert unit %s", u.Serial)
	}
	u.ID, err = insertID(res, u.ID)
	return u, err
}

func (r Repo) LinkUnitLotTx(ctx context.Context, tx *sql.Tx, unitID, lotID int64) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO unit_lots(unit_id,lot_id) VALUES (?,?)`, unitID, lotID)
	return errors.Wrapf(err, "link unit %d to lot %d", unitID, lotID)
}

func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) (domain.Execution, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO step_executions(id,unit_id,step_id,result,started_at,completed_at,rework_loop_id,origin_failure_step_id,station_code,fixture_id,failure_code)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		idArg(e.ID), e.UnitID, e.StepID, string(e.Result), nullableTimePtr(e.StartedAt), nullableTimePtr(e.CompletedAt),
		nullableStringPtr(e.ReworkLoopID), nullableIntPtr(e.OriginFailureStepID), nullable(e.StationCode), nullableIntPtr(e.FixtureID),
		nullableStringPtr(e.FailureCode))
	if err != nil {
		return e, errors.Wrapf(err, "insert execution for unit %d", e.UnitID)
	}
	e.ID, err = insertID(res, e.ID)
	return e, err
}

func (r Repo) InsertMeasurementTx(ctx context.Context, tx *sql.Tx, m domain.Measurement) (domain.Measurement, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO measurements(id,execution_id,ctq_id,value,recorded_at) VALUES (?,?,?,?,?)`,
		idArg(m.ID), m.ExecutionID, m.CTQID, m.Value, nullableTimePtr(m.RecordedAt))
	if err != nil {
		return m, errors.Wrapf(err, "insert measurement for execution %d", m.ExecutionID)
	}
	m.ID, err = insertID(res, m.ID)
	return m, err
}

func (r Repo) InsertEpisodeTx(ctx context.Context, tx *sql.Tx, ep domain.Episode) (domain.Episode, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO episodes(id,title,summary,status,root_cause_category,effectiveness_tag,started_at,ended_at,created_at,updated_at,
affected_steps_json,affected_ctqs_json,affected_lots_json,affected_fixtures_json,before_metrics_json,after_metrics_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		idArg(ep.ID), ep.Title, ep.Summary, ep.Status, ep.RootCauseCategory, nullableStringPtr(ep.EffectivenessTag),
		nullableTimePtr(ep.StartedAt), nullableTimePtr(ep.EndedAt), nullableTimePtr(ep.CreatedAt), nullableTimePtr(ep.UpdatedAt),
		nullable(ep.AffectedSteps.String()), nullable(ep.AffectedCTQs.String()), nullable(ep.AffectedLots.String()),
		nullable(ep.AffectedFixtures.String()), nullable(ep.BeforeMetrics.String()), nullable(ep.AfterMetrics.String()))
	if err != nil {
		return ep, errors.Wrapf(err, "insert episode %s", ep.Title)
	}
	ep.ID, err = insertID(res, ep.ID)
	return ep, err
}

// ListEvents returns the newest import events first.
func (r Repo) ListEvents(ctx context.Context, limit int) ([]domain.ImportEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,batch_id,actor_id,payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()
	var res []domain.ImportEvent
	for rows.Next() {
		var ev domain.ImportEvent
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.BatchID, &ev.ActorID, &ev.Payload); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		res = append(res, ev)
	}
	return res, errors.Wrap(rows.Err(), "iterate events")
}
