package engine

import (
	"math"
	"sort"
	"strings"

	"yieldline/internal/domain"
)

const (
	weightCTQ         = 5.0
	weightStep        = 3.0
	weightLot         = 2.0
	weightFixture     = 1.5
	weightFailureCode = 1.0

	reasonSeparator = " · "
	fallbackReason  = "Pattern overlap detected."
)

// SimilarityQuery is the context an incident is compared on. Any part may be empty.
type SimilarityQuery struct {
	StepIDs      []int64  `json:"step_ids,omitempty"`
	CTQIDs       []int64  `json:"ctq_ids,omitempty"`
	LotIDs       []int64  `json:"lot_ids,omitempty"`
	FixtureIDs   []int64  `json:"fixture_ids,omitempty"`
	FailureCodes []string `json:"failure_codes,omitempty"`
}

// IsEmpty reports whether the query carries no context at all.
func (q SimilarityQuery) IsEmpty() bool {
	return len(q.StepIDs) == 0 && len(q.CTQIDs) == 0 && len(q.LotIDs) == 0 &&
		len(q.FixtureIDs) == 0 && len(q.FailureCodes) == 0
}

type Overlap struct {
	CTQs         int `json:"ctqs"`
	Steps        int `json:"steps"`
	Lots         int `json:"lots"`
	Fixtures     int `json:"fixtures"`
	FailureCodes int `json:"failure_codes"`
}

// Score returns the weighted overlap.
func (o Overlap) Score() float64 {
	return weightCTQ*float64(o.CTQs) + weightStep*float64(o.Steps) + weightLot*float64(o.Lots) +
		weightFixture*float64(o.Fixtures) + weightFailureCode*float64(o.FailureCodes)
}

// Reasons names the dimensions that matched, strongest first.
func (o Overlap) Reasons() []string {
	var out []string
	if o.CTQs > 0 {
		out = append(out, "CTQ drift overlap")
	}
	if o.Steps > 0 {
		out = append(out, "Station/step overlap")
	}
	if o.Lots > 0 {
		out = append(out, "Lot overlap")
	}
	if o.Fixtures > 0 {
		out = append(out, "Fixture overlap")
	}
	if o.FailureCodes > 0 {
		out = append(out, "Failure code overlap")
	}
	return out
}

type EpisodeMatch struct {
	Episode domain.Episode `json:"episode"`
	Score   float64        `json:"score"`
	Overlap Overlap        `json:"overlap"`
	Why     string         `json:"why"`
}

// ScoreEpisodes ranks candidates by weighted overlap with the query. Zero
// scores are dropped. Ties go to the more recent episode, then the lower id.
// topN <= 0 keeps every match.
func ScoreEpisodes(q SimilarityQuery, candidates []domain.Episode, topN int, codes *CodeIndex) []EpisodeMatch {
	matches := []EpisodeMatch{}
	if q.IsEmpty() {
		return matches
	}
	query := Associations{
		Steps:        NewIDSet(q.StepIDs...),
		CTQs:         NewIDSet(q.CTQIDs...),
		Lots:         NewIDSet(q.LotIDs...),
		Fixtures:     NewIDSet(q.FixtureIDs...),
		FailureCodes: StringSet{},
	}
	for _, code := range q.FailureCodes {
		if code = normalizeFailureCode(code); code != "" {
			query.FailureCodes[code] = struct{}{}
		}
	}

	for _, ep := range candidates {
		a := EpisodeAssociations(ep, codes)
		o := Overlap{
			CTQs:         query.CTQs.Overlap(a.CTQs),
			Steps:        query.Steps.Overlap(a.Steps),
			Lots:         query.Lots.Overlap(a.Lots),
			Fixtures:     query.Fixtures.Overlap(a.Fixtures),
			FailureCodes: overlap(query.FailureCodes, a.FailureCodes),
		}
		score := o.Score()
		if score <= 0 {
			continue
		}
		why := strings.Join(o.Reasons(), reasonSeparator)
		if why == "" {
			why = fallbackReason
		}
		matches = append(matches, EpisodeMatch{Episode: ep, Score: round2(score), Overlap: o, Why: why})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ta, tb := a.Episode.Anchor(), b.Episode.Anchor(); !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.Episode.ID < b.Episode.ID
	})
	if topN > 0 && len(matches) > topN {
		matches = matches[:topN]
	}
	return matches
}

// QueryFromExecutions builds a query from a unit's history: the steps it
// visited, the CTQs it measured, its lots, fixtures and failure codes.
func QueryFromExecutions(execs []domain.Execution, ctqIDs []int64, lots []domain.Lot) SimilarityQuery {
	steps, fixtures, ctqs, lotIDs := IDSet{}, IDSet{}, NewIDSet(ctqIDs...), IDSet{}
	failures := StringSet{}
	for _, e := range execs {
		steps.Add(e.StepID)
		if e.FixtureID != nil {
			fixtures.Add(*e.FixtureID)
		}
		if e.FailureCode != nil {
			if code := normalizeFailureCode(*e.FailureCode); code != "" {
				failures[code] = struct{}{}
			}
		}
	}
	for _, l := range lots {
		lotIDs.Add(l.ID)
	}
	return SimilarityQuery{
		StepIDs:      steps.Sorted(),
		CTQIDs:       ctqs.Sorted(),
		LotIDs:       lotIDs.Sorted(),
		FixtureIDs:   fixtures.Sorted(),
		FailureCodes: failures.Sorted(),
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
