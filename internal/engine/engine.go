package engine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yieldline/internal/config"
	"yieldline/internal/domain"
	"yieldline/internal/repo"
)

// ErrInvalidQuery marks caller input the engine cannot interpret.
var ErrInvalidQuery = errors.New("invalid query")

// Store is the read side the engine computes over.
type Store interface {
	ListSteps(ctx context.Context) ([]domain.Step, error)
	ListCTQs(ctx context.Context, f repo.CTQFilter) ([]domain.CTQDefinition, error)
	ListLots(ctx context.Context, ids []int64) ([]domain.Lot, error)
	ListFixtures(ctx context.Context, ids []int64) ([]domain.Fixture, error)
	ListExecutions(ctx context.Context, f repo.ExecutionFilter) ([]domain.Execution, error)
	LatestExecutionTime(ctx context.Context) (time.Time, error)
	ListMeasurements(ctx context.Context, f repo.MeasurementFilter) ([]domain.Measurement, error)
	ListEpisodes(ctx context.Context, f repo.EpisodeFilter) ([]domain.Episode, error)
	GetEpisode(ctx context.Context, id int64) (domain.Episode, error)
	FindUnitsBySerial(ctx context.Context, serial string) ([]domain.Unit, error)
	ListUnits(ctx context.Context, f repo.UnitFilter) ([]domain.Unit, error)
	ListUnitLots(ctx context.Context, unitIDs []int64) (map[int64][]domain.Lot, error)
	Counts(ctx context.Context) (domain.Counts, error)
}

var _ Store = repo.Repo{}

// Engine answers quality questions over a Store. It holds no state between
// calls; every method reads a fresh snapshot.
type Engine struct {
	Store  Store
	Config *config.Config
	Log    *zap.SugaredLogger
	Now    func() time.Time
}

func New(store Store, cfg *config.Config, log *zap.SugaredLogger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return Engine{Store: store, Config: cfg, Log: log, Now: time.Now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) log() *zap.SugaredLogger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop().Sugar()
}

func (e Engine) classifier() Classifier {
	c := e.cfg()
	return NewClassifier(c.Flow.ReworkMarkers, c.Flow.ExcludedSteps)
}

// anchor is the latest execution timestamp; the zero time means no data.
func (e Engine) anchor(ctx context.Context) (time.Time, error) {
	ts, err := e.Store.LatestExecutionTime(ctx)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "load anchor")
	}
	return ts.UTC(), nil
}

// windowExecutions loads steps and the executions inside [from, to] together.
func (e Engine) windowExecutions(ctx context.Context, from, to time.Time) ([]domain.Step, []domain.Execution, error) {
	var steps []domain.Step
	var execs []domain.Execution
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		steps, err = e.Store.ListSteps(gctx)
		return errors.Wrap(err, "load steps")
	})
	g.Go(func() error {
		var err error
		execs, err = e.Store.ListExecutions(gctx, repo.ExecutionFilter{From: &from, To: &to})
		return errors.Wrap(err, "load executions")
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return steps, execs, nil
}

// reference is the near-static definition data.
type reference struct {
	steps    []domain.Step
	ctqs     []domain.CTQDefinition
	lots     []domain.Lot
	fixtures []domain.Fixture
}

func (r reference) codeIndex() *CodeIndex {
	return NewCodeIndex(r.steps, r.ctqs, r.lots, r.fixtures)
}

func (e Engine) loadReference(ctx context.Context) (reference, error) {
	var ref reference
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ref.steps, err = e.Store.ListSteps(gctx)
		return errors.Wrap(err, "load steps")
	})
	g.Go(func() error {
		var err error
		ref.ctqs, err = e.Store.ListCTQs(gctx, repo.CTQFilter{})
		return errors.Wrap(err, "load ctqs")
	})
	g.Go(func() error {
		var err error
		ref.lots, err = e.Store.ListLots(gctx, nil)
		return errors.Wrap(err, "load lots")
	})
	g.Go(func() error {
		var err error
		ref.fixtures, err = e.Store.ListFixtures(gctx, nil)
		return errors.Wrap(err, "load fixtures")
	})
	if err := g.Wait(); err != nil {
		return reference{}, err
	}
	return ref, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
