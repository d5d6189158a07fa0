package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yieldline/internal/db"
	"yieldline/internal/domain"
	"yieldline/internal/migrate"
	"yieldline/internal/repo"
)

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func ts(h int) *time.Time {
	t := base.Add(time.Duration(h) * time.Hour)
	return &t
}

func newRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.Repo{DB: conn}, conn
}

func seed(t *testing.T, r repo.Repo, conn *sql.DB) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	must := func(err error) {
		t.Helper()
		require.NoError(t, err)
	}
	_, err = r.InsertStepTx(ctx, tx, domain.Step{ID: 2, Code: "LEAK_TEST", Name: "Leak test", StepType: domain.StepTest, Sequence: 20})
	must(err)
	_, err = r.InsertStepTx(ctx, tx, domain.Step{ID: 1, Code: "ASSY", Name: "Assembly", Sequence: 10})
	must(err)
	lsl, usl := 3.75, 4.2
	_, err = r.InsertCTQTx(ctx, tx, domain.CTQDefinition{ID: 11, Code: "LEAK_RATE", Name: "Leak rate", LSL: &lsl, USL: &usl, IsCritical: true, StepID: 2})
	must(err)
	_, err = r.InsertCTQTx(ctx, tx, domain.CTQDefinition{ID: 12, Name: "Torque", Direction: domain.DirectionHigherBetter, StepID: 1})
	must(err)
	lot, err := r.InsertLotTx(ctx, tx, domain.Lot{Code: "LOT-A", ComponentName: "Seal", Supplier: "Acme"})
	must(err)
	fx, err := r.InsertFixtureTx(ctx, tx, domain.Fixture{Code: "FX-1", StationCode: "LEAK_TEST", LastCalibratedAt: ts(-24)})
	must(err)
	scrap := domain.ResultScrap
	u1, err := r.InsertUnitTx(ctx, tx, domain.Unit{Serial: "SN-1", CreatedAt: base})
	must(err)
	_, err = r.InsertUnitTx(ctx, tx, domain.Unit{Serial: "sn-1", CreatedAt: base, FinalResult: &scrap})
	must(err)
	must(r.LinkUnitLotTx(ctx, tx, u1.ID, lot.ID))
	must(r.LinkUnitLotTx(ctx, tx, u1.ID, lot.ID))

	loopID, code := "R-1", "LEAK_HIGH"
	e1, err := r.InsertExecutionTx(ctx, tx, domain.Execution{UnitID: u1.ID, StepID: 1, Result: domain.ResultPass, StartedAt: ts(0), CompletedAt: ts(1)})
	must(err)
	e2, err := r.InsertExecutionTx(ctx, tx, domain.Execution{UnitID: u1.ID, StepID: 2, Result: domain.ResultFail, StartedAt: ts(2),
		ReworkLoopID: &loopID, FixtureID: &fx.ID, FailureCode: &code})
	must(err)
	_, err = r.InsertMeasurementTx(ctx, tx, domain.Measurement{ExecutionID: e2.ID, CTQID: 11, Value: 4.25, RecordedAt: ts(2)})
	must(err)
	_, err = r.InsertMeasurementTx(ctx, tx, domain.Measurement{ExecutionID: e1.ID, CTQID: 12, Value: 3, RecordedAt: ts(1)})
	must(err)

	_, err = r.InsertEpisodeTx(ctx, tx, domain.Episode{
		Title: "Seal leak", Summary: "Leaks after seal change", Status: "closed", RootCauseCategory: "process",
		StartedAt: ts(-48), AffectedSteps: domain.ParsePayload([]byte(`[2]`)), BeforeMetrics: domain.ParsePayload([]byte(`{"codes":["LEAK_HIGH"]}`)),
	})
	must(err)
	_, err = r.InsertEpisodeTx(ctx, tx, domain.Episode{Title: "Torque drift", Status: "open", RootCauseCategory: "equipment", StartedAt: ts(-2)})
	must(err)
	require.NoError(t, tx.Commit())
}

func TestReadBack(t *testing.T) {
	r, conn := newRepo(t)
	seed(t, r, conn)
	ctx := context.Background()

	steps, err := r.ListSteps(ctx)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "ASSY", steps[0].Code)
	assert.Equal(t, domain.StepAssembly, steps[0].StepType)

	ctqs, err := r.ListCTQs(ctx, repo.CTQFilter{CriticalOnly: true})
	require.NoError(t, err)
	require.Len(t, ctqs, 1)
	assert.Equal(t, domain.DirectionTwoSided, ctqs[0].Direction)
	require.NotNil(t, ctqs[0].USL)
	assert.Equal(t, 4.2, *ctqs[0].USL)

	torque, err := r.ListCTQs(ctx, repo.CTQFilter{StepID: 1})
	require.NoError(t, err)
	require.Len(t, torque, 1)
	assert.Equal(t, "Torque", torque[0].Code, "code falls back to name")

	fixtures, err := r.ListFixtures(ctx, nil)
	require.NoError(t, err)
	require.Len(t, fixtures, 1)
	require.NotNil(t, fixtures[0].LastCalibratedAt)
	assert.True(t, ts(-24).Equal(*fixtures[0].LastCalibratedAt))

	execs, err := r.ListExecutions(ctx, repo.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, "ASSY", execs[0].StepCode)
	assert.Nil(t, execs[1].CompletedAt)
	assert.Equal(t, "FX-1", execs[1].FixtureCode)
	require.NotNil(t, execs[1].ReworkLoopID)
	assert.Equal(t, "R-1", *execs[1].ReworkLoopID)
	assert.Equal(t, "LEAK_HIGH", *execs[1].FailureCode)

	latest, err := r.LatestExecutionTime(ctx)
	require.NoError(t, err)
	assert.True(t, ts(2).Equal(latest))

	ms, err := r.ListMeasurements(ctx, repo.MeasurementFilter{CTQIDs: []int64{11}})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "LEAK_RATE", ms[0].CTQ.Code)
	assert.Equal(t, int64(11), ms[0].CTQID)

	counts, err := r.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Counts{Steps: 2, CTQs: 2, Units: 2, Executions: 2, Measurements: 2, Lots: 1, Fixtures: 1, Episodes: 2}, counts)
}

func TestExecutionWindow(t *testing.T) {
	r, conn := newRepo(t)
	seed(t, r, conn)
	ctx := context.Background()

	// the leak test has no completion time; its start still places it in the window
	execs, err := r.ListExecutions(ctx, repo.ExecutionFilter{From: ts(2), To: ts(3)})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, int64(2), execs[0].StepID)

	execs, err = r.ListExecutions(ctx, repo.ExecutionFilter{To: ts(0)})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, int64(1), execs[0].StepID)

	ms, err := r.ListMeasurements(ctx, repo.MeasurementFilter{From: ts(2)})
	require.NoError(t, err)
	assert.Len(t, ms, 1)
}

func TestUnitsAndLots(t *testing.T) {
	r, conn := newRepo(t)
	seed(t, r, conn)
	ctx := context.Background()

	units, err := r.FindUnitsBySerial(ctx, " SN-1")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Less(t, units[0].ID, units[1].ID)
	assert.Nil(t, units[0].FinalResult)
	require.NotNil(t, units[1].FinalResult)
	assert.Equal(t, domain.ResultScrap, *units[1].FinalResult)
	assert.True(t, base.Equal(units[0].CreatedAt))

	_, err = r.FindUnitsBySerial(ctx, "SN-404")
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	lots, err := r.ListUnitLots(ctx, []int64{units[0].ID, units[1].ID})
	require.NoError(t, err)
	require.Len(t, lots[units[0].ID], 1)
	assert.Equal(t, "LOT-A", lots[units[0].ID][0].Code)
	assert.Empty(t, lots[units[1].ID])

	created, err := r.ListUnits(ctx, repo.UnitFilter{CreatedFrom: ts(1)})
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestEpisodes(t *testing.T) {
	r, conn := newRepo(t)
	seed(t, r, conn)
	ctx := context.Background()

	all, err := r.ListEpisodes(ctx, repo.EpisodeFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Torque drift", all[0].Title, "newest first")
	assert.Equal(t, domain.PayloadEmpty, all[0].AffectedSteps.Kind)
	assert.Equal(t, domain.PayloadList, all[1].AffectedSteps.Kind)

	found, err := r.ListEpisodes(ctx, repo.EpisodeFilter{Search: "SEAL"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Seal leak", found[0].Title)

	open, err := r.ListEpisodes(ctx, repo.EpisodeFilter{Status: "open", Category: "equipment"})
	require.NoError(t, err)
	assert.Len(t, open, 1)

	ep, err := r.GetEpisode(ctx, found[0].ID)
	require.NoError(t, err)
	assert.Equal(t, `{"codes":["LEAK_HIGH"]}`, ep.BeforeMetrics.String())

	_, err = r.GetEpisode(ctx, 999)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestQueryErrorsAreWrapped(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	errDown := errors.New("database is locked")

	mock.ExpectQuery("SELECT id,code,name").WillReturnError(errDown)
	_, err = r.ListSteps(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errDown))
	assert.Contains(t, err.Error(), "query steps")

	mock.ExpectQuery("SELECT MAX").WillReturnError(errDown)
	_, err = r.LatestExecutionTime(ctx)
	assert.True(t, errors.Is(err, errDown))

	mock.ExpectQuery("FROM episodes WHERE id").WithArgs(int64(5)).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = r.GetEpisode(ctx, 5)
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	mock.ExpectQuery("SELECT count").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))
	mock.ExpectQuery("SELECT count").WillReturnError(errDown)
	_, err = r.Counts(ctx)
	assert.True(t, errors.Is(err, errDown))
	assert.Contains(t, err.Error(), "ctq_definitions")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestExecutionTimeEmpty(t *testing.T) {
	r, _ := newRepo(t)
	latest, err := r.LatestExecutionTime(context.Background())
	require.NoError(t, err)
	assert.True(t, latest.IsZero())
}
