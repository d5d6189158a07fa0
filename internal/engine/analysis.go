package engine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"yieldline/internal/domain"
	"yieldline/internal/repo"
)

type TrendReport struct {
	GeneratedAt time.Time  `json:"generated_at" format:"date-time"`
	Anchor      *time.Time `json:"anchor,omitempty" format:"date-time"`
	Scenarios   []Scenario `json:"scenarios"`
}

// Trends flags station regressions between the configured baseline and
// current windows, anchored at the latest execution.
func (e Engine) Trends(ctx context.Context) (TrendReport, error) {
	report := TrendReport{GeneratedAt: e.now(), Scenarios: []Scenario{}}
	anchor, err := e.anchor(ctx)
	if err != nil || anchor.IsZero() {
		return report, err
	}
	report.Anchor = &anchor
	w := TrendWindows{
		Anchor:   anchor,
		Baseline: time.Duration(e.cfg().Windows.BaselineHours) * time.Hour,
		Current:  time.Duration(e.cfg().Windows.CurrentHours) * time.Hour,
	}
	baselineFrom, _ := w.Bounds()
	steps, execs, err := e.windowExecutions(ctx, baselineFrom, anchor)
	if err != nil {
		return TrendReport{}, err
	}
	report.Scenarios = DetectTrends(execs, steps, w)
	e.log().Debugw("trends", "executions", len(execs), "scenarios", len(report.Scenarios))
	return report, nil
}

type FlowReport struct {
	From       *time.Time `json:"from,omitempty" format:"date-time"`
	To         *time.Time `json:"to,omitempty" format:"date-time"`
	RangeHours int        `json:"range_hours"`
	FlowGraph
}

// ReworkFlow builds the transition graph over a trailing range. hours <= 0
// uses the configured default.
func (e Engine) ReworkFlow(ctx context.Context, hours int) (FlowReport, error) {
	if hours <= 0 {
		hours = e.cfg().FlowGraph.Hours
	}
	minUnits := e.cfg().FlowGraph.MinUnits
	report := FlowReport{
		RangeHours: hours,
		FlowGraph:  BuildFlowGraph(nil, FlowOptions{MinUnits: minUnits}),
	}
	anchor, err := e.anchor(ctx)
	if err != nil || anchor.IsZero() {
		return report, err
	}
	from := anchor.Add(-time.Duration(hours) * time.Hour)
	report.From, report.To = &from, &anchor
	steps, execs, err := e.windowExecutions(ctx, from, anchor)
	if err != nil {
		return FlowReport{}, err
	}
	report.FlowGraph = BuildFlowGraph(execs, FlowOptions{Steps: steps, Classifier: e.classifier(), MinUnits: minUnits})
	return report, nil
}

// SimilarEpisodes ranks stored episodes against a query. topN <= 0 uses the
// configured default. An empty query matches nothing and reads nothing.
func (e Engine) SimilarEpisodes(ctx context.Context, q SimilarityQuery, topN int) ([]EpisodeMatch, error) {
	if q.IsEmpty() {
		return []EpisodeMatch{}, nil
	}
	if topN <= 0 {
		topN = e.cfg().Similarity.TopN
	}
	var episodes []domain.Episode
	var ref reference
	g, gctx := errgroup.WithContext(ctx)
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
		return nil, err
	}
	return ScoreEpisodes(q, episodes, topN, ref.codeIndex()), nil
}
