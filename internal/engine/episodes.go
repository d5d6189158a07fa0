package engine

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"yieldline/internal/domain"
	"yieldline/internal/repo"
)

const episodeSummaryMax = 200

type EpisodeSummary struct {
	ID                int64      `json:"id"`
	Title             string     `json:"title"`
	Summary           string     `json:"summary"`
	Status            string     `json:"status"`
	RootCauseCategory string     `json:"root_cause_category"`
	EffectivenessTag  *string    `json:"effectiveness_tag,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty" format:"date-time"`
	EndedAt           *time.Time `json:"ended_at,omitempty" format:"date-time"`
}

// TrimSummary shortens s to at most n runes, ending in an ellipsis when cut.
func TrimSummary(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}

func (e Engine) ListEpisodes(ctx context.Context, f repo.EpisodeFilter) ([]EpisodeSummary, error) {
	f.Search = strings.TrimSpace(f.Search)
	episodes, err := e.Store.ListEpisodes(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "list episodes")
	}
	out := make([]EpisodeSummary, 0, len(episodes))
	for _, ep := range episodes {
		out = append(out, EpisodeSummary{
			ID:                ep.ID,
			Title:             ep.Title,
			Summary:           TrimSummary(ep.Summary, episodeSummaryMax),
			Status:            ep.Status,
			RootCauseCategory: ep.RootCauseCategory,
			EffectivenessTag:  ep.EffectivenessTag,
			StartedAt:         ep.StartedAt,
			EndedAt:           ep.EndedAt,
		})
	}
	return out, nil
}

// EpisodeDetail is an episode with its association payloads resolved to the
// entities they reference. Ids that no longer exist are listed but unresolved.
type EpisodeDetail struct {
	Episode    domain.Episode         `json:"episode"`
	StepIDs    []int64                `json:"step_ids"`
	CTQIDs     []int64                `json:"ctq_ids"`
	LotIDs     []int64                `json:"lot_ids"`
	FixtureIDs []int64                `json:"fixture_ids"`
	Steps      []domain.Step          `json:"steps"`
	CTQs       []domain.CTQDefinition `json:"ctqs"`
	Lots       []domain.Lot           `json:"lots"`
	Fixtures   []domain.Fixture       `json:"fixtures"`
}

func (e Engine) Episode(ctx context.Context, id int64) (EpisodeDetail, error) {
	if id <= 0 {
		return EpisodeDetail{}, errors.Wrapf(ErrInvalidQuery, "episode id must be positive, got %d", id)
	}
	ep, err := e.Store.GetEpisode(ctx, id)
	if err != nil {
		return EpisodeDetail{}, errors.Wrapf(err, "episode %d", id)
	}
	ref, err := e.loadReference(ctx)
	if err != nil {
		return EpisodeDetail{}, err
	}
	a := EpisodeAssociations(ep, ref.codeIndex())
	d := EpisodeDetail{
		Episode:    ep,
		StepIDs:    a.Steps.Sorted(),
		CTQIDs:     a.CTQs.Sorted(),
		LotIDs:     a.Lots.Sorted(),
		FixtureIDs: a.Fixtures.Sorted(),
		Steps:      []domain.Step{},
		CTQs:       []domain.CTQDefinition{},
		Lots:       []domain.Lot{},
		Fixtures:   []domain.Fixture{},
	}
	for _, s := range ref.steps {
		if a.Steps.Has(s.ID) {
			d.Steps = append(d.Steps, s)
		}
	}
	for _, c := range ref.ctqs {
		if a.CTQs.Has(c.ID) {
			d.CTQs = append(d.CTQs, c)
		}
	}
	for _, l := range ref.lots {
		if a.Lots.Has(l.ID) {
			d.Lots = append(d.Lots, l)
		}
	}
	for _, f := range ref.fixtures {
		if a.Fixtures.Has(f.ID) {
			d.Fixtures = append(d.Fixtures, f)
		}
	}
	return d, nil
}
