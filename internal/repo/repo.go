package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"yieldline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// TimeLayout is fixed-width so stored timestamps compare lexically.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ExecutionFilter selects executions. A window matches when either the start
// or the completion time falls inside [From, To]; nil bounds are open.
type ExecutionFilter struct {
	IDs     []int64
	UnitIDs []int64
	StepIDs []int64
	From    *time.Time
	To      *time.Time
}

type MeasurementFilter struct {
	CTQIDs       []int64
	ExecutionIDs []int64
	From         *time.Time
	To           *time.Time
}

type EpisodeFilter struct {
	Status   string
	Category string
	Search   string
}

type CTQFilter struct {
	IDs          []int64
	StepID       int64
	CriticalOnly bool
}

type UnitFilter struct {
	IDs         []int64
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

func (r Repo) ListSteps(ctx context.Context) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,code,name,step_type,sequence,can_scrap FROM process_steps ORDER BY sequence ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "query steps")
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		var s domain.Step
		var stepType string
		if err := rows.Scan(&s.ID, &s.Code, &s.Name, &stepType, &s.Sequence, &s.CanScrap); err != nil {
			return nil, errors.Wrap(err, "scan step")
		}
		s.StepType = domain.StepType(stepType)
		res = append(res, s)
	}
	return res, errors.Wrap(rows.Err(), "iterate steps")
}

func (r Repo) ListCTQs(ctx context.Context, f CTQFilter) ([]domain.CTQDefinition, error) {
	var clauses []string
	var args []any
	if len(f.IDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(f.IDs))+")")
		args = appendIDs(args, f.IDs)
	}
	if f.StepID != 0 {
		clauses = append(clauses, "step_id=?")
		args = append(args, f.StepID)
	}
	if f.CriticalOnly {
		clauses = append(clauses, "is_critical=1")
	}
	query := `SELECT ` + ctqColumns + ` FROM ctq_definitions` + where(clauses) + ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query ctqs")
	}
	defer rows.Close()
	var res []domain.CTQDefinition
	for rows.Next() {
		c, err := scanCTQ(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, errors.Wrap(rows.Err(), "iterate ctqs")
}

const ctqColumns = `id,COALESCE(code,''),name,COALESCE(units,''),lower_spec_limit,upper_spec_limit,target,direction,is_critical,step_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanCTQ(row scanner) (domain.CTQDefinition, error) {
	var c domain.CTQDefinition
	var lsl, usl, target sql.NullFloat64
	var direction string
	if err := row.Scan(&c.ID, &c.Code, &c.Name, &c.Units, &lsl, &usl, &target, &direction, &c.IsCritical, &c.StepID); err != nil {
		return c, errors.Wrap(err, "scan ctq")
	}
	c.LSL = nullableFloat(lsl)
	c.USL = nullableFloat(usl)
	c.Target = nullableFloat(target)
	c.Direction = domain.Direction(direction)
	if c.Code == "" {
		c.Code = c.Name
	}
	return c, nil
}

func (r Repo) ListLots(ctx context.Context, ids []int64) ([]domain.Lot, error) {
	query := `SELECT id,lot_number,component_name,COALESCE(supplier,'') FROM component_lots`
	var args []any
	if len(ids) > 0 {
		query += ` WHERE id IN (` + placeholders(len(ids)) + `)`
		args = appendIDs(args, ids)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query lots")
	}
	defer rows.Close()
	var res []domain.Lot
	for rows.Next() {
		var l domain.Lot
		if err := rows.Scan(&l.ID, &l.Code, &l.ComponentName, &l.Supplier); err != nil {
			return nil, errors.Wrap(err, "scan lot")
		}
		res = append(res, l)
	}
	return res, errors.Wrap(rows.Err(), "iterate lots")
}

func (r Repo) ListFixtures(ctx context.Context, ids []int64) ([]domain.Fixture, error) {
	query := `SELECT id,code,COALESCE(station_code,''),COALESCE(fixture_type,''),COALESCE(status,''),last_calibrated_at FROM fixtures`
	var args []any
	if len(ids) > 0 {
		query += ` WHERE id IN (` + placeholders(len(ids)) + `)`
		args = appendIDs(args, ids)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query fixtures")
	}
	defer rows.Close()
	var res []domain.Fixture
	for rows.Next() {
		var f domain.Fixture
		var calibrated sql.NullString
		if err := rows.Scan(&f.ID, &f.Code, &f.StationCode, &f.FixtureType, &f.Status, &calibrated); err != nil {
			return nil, errors.Wrap(err, "scan fixture")
		}
		f.LastCalibratedAt = parseTime(calibrated)
		res = append(res, f)
	}
	return res, errors.Wrap(rows.Err(), "iterate fixtures")
}

const executionColumns = `e.id,e.unit_id,e.step_id,COALESCE(s.code,''),e.result,e.started_at,e.completed_at,e.rework_loop_id,e.origin_failure_step_id,COALESCE(e.station_code,''),e.fixture_id,COALESCE(f.code,''),e.failure_code`

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilter) ([]domain.Execution, error) {
	var clauses []string
	var args []any
	if len(f.IDs) > 0 {
		clauses = append(clauses, "e.id IN ("+placeholders(len(f.IDs))+")")
		args = appendIDs(args, f.IDs)
	}
	if len(f.UnitIDs) > 0 {
		clauses = append(clauses, "e.unit_id IN ("+placeholders(len(f.UnitIDs))+")")
		args = appendIDs(args, f.UnitIDs)
	}
	if len(f.StepIDs) > 0 {
		clauses = append(clauses, "e.step_id IN ("+placeholders(len(f.StepIDs))+")")
		args = appendIDs(args, f.StepIDs)
	}
	if window, windowArgs := windowClause(f.From, f.To); window != "" {
		clauses = append(clauses, window)
		args = append(args, windowArgs...)
	}
	query := `SELECT ` + executionColumns + ` FROM step_executions e
LEFT JOIN process_steps s ON s.id=e.step_id
LEFT JOIN fixtures f ON f.id=e.fixture_id` + where(clauses) + ` ORDER BY e.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query executions")
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		var e domain.Execution
		var result string
		var started, completed, loopID, failure sql.NullString
		var origin, fixture sql.NullInt64
		if err := rows.Scan(&e.ID, &e.UnitID, &e.StepID, &e.StepCode, &result, &started, &completed, &loopID, &origin, &e.StationCode, &fixture, &e.FixtureCode, &failure); err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		e.Result = domain.Result(result)
		e.StartedAt = parseTime(started)
		e.CompletedAt = parseTime(completed)
		e.ReworkLoopID = nullableString(loopID)
		e.FailureCode = nullableString(failure)
		e.OriginFailureStepID = nullableInt(origin)
		e.FixtureID = nullableInt(fixture)
		res = append(res, e)
	}
	return res, errors.Wrap(rows.Err(), "iterate executions")
}

// windowClause matches either timestamp inside the bounds.
func windowClause(from, to *time.Time) (string, []any) {
	switch {
	case from != nil && to != nil:
		return "((e.started_at >= ? AND e.started_at <= ?) OR (e.completed_at >= ? AND e.completed_at <= ?))",
			[]any{formatTime(*from), formatTime(*to), formatTime(*from), formatTime(*to)}
	case from != nil:
		return "(e.started_at >= ? OR e.completed_at >= ?)", []any{formatTime(*from), formatTime(*from)}
	case to != nil:
		return "(e.started_at <= ? OR e.completed_at <= ?)", []any{formatTime(*to), formatTime(*to)}
	default:
		return "", nil
	}
}

// LatestExecutionTime returns the newest effective execution timestamp, or
// the zero time when the store holds no executions.
func (r Repo) LatestExecutionTime(ctx context.Context) (time.Time, error) {
	var latest sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(COALESCE(completed_at, started_at)) FROM step_executions`).Scan(&latest)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "query latest execution")
	}
	if ts := parseTime(latest); ts != nil {
		return *ts, nil
	}
	return time.Time{}, nil
}

func (r Repo) ListMeasurements(ctx context.Context, f MeasurementFilter) ([]domain.Measurement, error) {
	var clauses []string
	var args []any
	if len(f.CTQIDs) > 0 {
		clauses = append(clauses, "m.ctq_id IN ("+placeholders(len(f.CTQIDs))+")")
		args = appendIDs(args, f.CTQIDs)
	}
	if len(f.ExecutionIDs) > 0 {
		clauses = append(clauses, "m.execution_id IN ("+placeholders(len(f.ExecutionIDs))+")")
		args = appendIDs(args, f.ExecutionIDs)
	}
	if f.From != nil {
		clauses = append(clauses, "m.recorded_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "m.recorded_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	query := `SELECT m.id,m.execution_id,m.value,m.recorded_at,` + measurementCTQColumns + ` FROM measurements m
JOIN ctq_definitions c ON c.id=m.ctq_id` + where(clauses) + ` ORDER BY m.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query measurements")
	}
	defer rows.Close()
	var res []domain.Measurement
	for rows.Next() {
		var m domain.Measurement
		var recorded sql.NullString
		var lsl, usl, target sql.NullFloat64
		var direction string
		c := &m.CTQ
		if err := rows.Scan(&m.ID, &m.ExecutionID, &m.Value, &recorded,
			&c.ID, &c.Code, &c.Name, &c.Units, &lsl, &usl, &target, &direction, &c.IsCritical, &c.StepID); err != nil {
			return nil, errors.Wrap(err, "scan measurement")
		}
		m.RecordedAt = parseTime(recorded)
		c.LSL = nullableFloat(lsl)
		c.USL = nullableFloat(usl)
		c.Target = nullableFloat(target)
		c.Direction = domain.Direction(direction)
		if c.Code == "" {
			c.Code = c.Name
		}
		m.CTQID = c.ID
		res = append(res, m)
	}
	return res, errors.Wrap(rows.Err(), "iterate measurements")
}

const measurementCTQColumns = `c.id,COALESCE(c.code,''),c.name,COALESCE(c.units,''),c.lower_spec_limit,c.upper_spec_limit,c.target,c.direction,c.is_critical,c.step_id`

const unitColumns = `id,serial,created_at,final_result`

func scanUnit(row scanner) (domain.Unit, error) {
	var u domain.Unit
	var created string
	var final sql.NullString
	if err := row.Scan(&u.ID, &u.Serial, &created, &final); err != nil {
		return u, err
	}
	if ts := parseTime(sql.NullString{String: created, Valid: true}); ts != nil {
		u.CreatedAt = *ts
	}
	if final.Valid && final.String != "" {
		res := domain.Result(final.String)
		u.FinalResult = &res
	}
	return u, nil
}

// FindUnitsBySerial returns every unit carrying the serial, compared without
// case or surrounding space, lowest id first.
// More than one row means the serial collided upstream.
func (r Repo) FindUnitsBySerial(ctx context.Context, serial string) ([]domain.Unit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+unitColumns+` FROM units WHERE upper(trim(serial))=upper(trim(?)) ORDER BY id ASC`, serial)
	if err != nil {
		return nil, errors.Wrap(err, "query units by serial")
	}
	defer rows.Close()
	var res []domain.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan unit")
		}
		res = append(res, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate units")
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	return res, nil
}

func (r Repo) ListUnits(ctx context.Context, f UnitFilter) ([]domain.Unit, error) {
	var clauses []string
	var args []any
	if len(f.IDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(f.IDs))+")")
		args = appendIDs(args, f.IDs)
	}
	if f.CreatedFrom != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(*f.CreatedTo))
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+unitColumns+` FROM units`+where(clauses)+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query units")
	}
	defer rows.Close()
	var res []domain.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan unit")
		}
		res = append(res, u)
	}
	return res, errors.Wrap(rows.Err(), "iterate units")
}

// ListUnitLots maps unit ids to the component lots they were built from.
func (r Repo) ListUnitLots(ctx context.Context, unitIDs []int64) (map[int64][]domain.Lot, error) {
	query := `SELECT ul.unit_id,l.id,l.lot_number,l.component_name,COALESCE(l.supplier,'') FROM unit_lots ul
JOIN component_lots l ON l.id=ul.lot_id`
	var args []any
	if len(unitIDs) > 0 {
		query += ` WHERE ul.unit_id IN (` + placeholders(len(unitIDs)) + `)`
		args = appendIDs(args, unitIDs)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY ul.unit_id ASC, l.id ASC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query unit lots")
	}
	defer rows.Close()
	res := map[int64][]domain.Lot{}
	for rows.Next() {
		var unitID int64
		var l domain.Lot
		if err := rows.Scan(&unitID, &l.ID, &l.Code, &l.ComponentName, &l.Supplier); err != nil {
			return nil, errors.Wrap(err, "scan unit lot")
		}
		res[unitID] = append(res[unitID], l)
	}
	return res, errors.Wrap(rows.Err(), "iterate unit lots")
}

const episodeColumns = `id,title,summary,status,root_cause_category,effectiveness_tag,started_at,ended_at,created_at,updated_at,
affected_steps_json,affected_ctqs_json,affected_lots_json,affected_fixtures_json,before_metrics_json,after_metrics_json`

func scanEpisode(row scanner) (domain.Episode, error) {
	var ep domain.Episode
	var tag, started, ended, created, updated sql.NullString
	var steps, ctqs, lots, fixtures, before, after sql.NullString
	if err := row.Scan(&ep.ID, &ep.Title, &ep.Summary, &ep.Status, &ep.RootCauseCategory, &tag, &started, &ended, &created, &updated,
		&steps, &ctqs, &lots, &fixtures, &before, &after); err != nil {
		return ep, err
	}
	ep.EffectivenessTag = nullableString(tag)
	ep.StartedAt = parseTime(started)
	ep.EndedAt = parseTime(ended)
	ep.CreatedAt = parseTime(created)
	ep.UpdatedAt = parseTime(updated)
	ep.AffectedSteps = domain.ParsePayload([]byte(steps.String))
	ep.AffectedCTQs = domain.ParsePayload([]byte(ctqs.String))
	ep.AffectedLots = domain.ParsePayload([]byte(lots.String))
	ep.AffectedFixtures = domain.ParsePayload([]byte(fixtures.String))
	ep.BeforeMetrics = domain.ParsePayload([]byte(before.String))
	ep.AfterMetrics = domain.ParsePayload([]byte(after.String))
	return ep, nil
}

func (r Repo) ListEpisodes(ctx context.Context, f EpisodeFilter) ([]domain.Episode, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "root_cause_category=?")
		args = append(args, f.Category)
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		clauses = append(clauses, "(instr(lower(title), lower(?)) > 0 OR instr(lower(summary), lower(?)) > 0)")
		args = append(args, search, search)
	}
	query := `SELECT ` + episodeColumns + ` FROM episodes` + where(clauses) +
		` ORDER BY started_at IS NULL, started_at DESC, created_at IS NULL, created_at DESC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query episodes")
	}
	defer rows.Close()
	var res []domain.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan episode")
		}
		res = append(res, ep)
	}
	return res, errors.Wrap(rows.Err(), "iterate episodes")
}

func (r Repo) GetEpisode(ctx context.Context, id int64) (domain.Episode, error) {
	ep, err := scanEpisode(r.DB.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ep, ErrNotFound
	}
	if err != nil {
		return ep, errors.Wrapf(err, "get episode %d", id)
	}
	return ep, nil
}

func (r Repo) Counts(ctx context.Context) (domain.Counts, error) {
	var c domain.Counts
	targets := []struct {
		table string
		dest  *int
	}{
		{"process_steps", &c.Steps},
		{"ctq_definitions", &c.CTQs},
		{"units", &c.Units},
		{"step_executions", &c.Executions},
		{"measurements", &c.Measurements},
		{"component_lots", &c.Lots},
		{"fixtures", &c.Fixtures},
		{"episodes", &c.Episodes},
	}
	for _, t := range targets {
		if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM `+t.table).Scan(t.dest); err != nil {
			return domain.Counts{}, errors.Wrapf(err, "count %s", t.table)
		}
	}
	return c, nil
}

func where(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func appendIDs(args []any, ids []int64) []any {
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v.String); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableTimePtr(v *time.Time) any {
	if v == nil {
		return nil
	}
	return formatTime(*v)
}

func nullableIntPtr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
