package engine

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"yieldline/internal/domain"
	"yieldline/internal/repo"
)

type SchemaStep struct {
	domain.Step
	IsRework bool                   `json:"is_rework"`
	CTQs     []domain.CTQDefinition `json:"ctqs"`
}

// Schema lists the process flow in sequence order with each step's CTQs.
func (e Engine) Schema(ctx context.Context) ([]SchemaStep, error) {
	var steps []domain.Step
	var ctqs []domain.CTQDefinition
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		steps, err = e.Store.ListSteps(gctx)
		return errors.Wrap(err, "load steps")
	})
	g.Go(func() error {
		var err error
		ctqs, err = e.Store.ListCTQs(gctx, repo.CTQFilter{})
		return errors.Wrap(err, "load ctqs")
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	byStep := map[int64][]domain.CTQDefinition{}
	for _, c := range ctqs {
		byStep[c.StepID] = append(byStep[c.StepID], c)
	}
	c := e.classifier()
	out := make([]SchemaStep, 0, len(steps))
	for _, s := range steps {
		list := byStep[s.ID]
		if list == nil {
			list = []domain.CTQDefinition{}
		}
		out = append(out, SchemaStep{Step: s, IsRework: c.IsReworkStep(s.Code, s.StepType), CTQs: list})
	}
	return out, nil
}

type Health struct {
	Counts  domain.Counts `json:"counts"`
	HasData bool          `json:"has_data"`
}

func (e Engine) Health(ctx context.Context) (Health, error) {
	counts, err := e.Store.Counts(ctx)
	if err != nil {
		return Health{}, errors.Wrap(err, "load counts")
	}
	return Health{Counts: counts, HasData: counts.Executions > 0}, nil
}
