package engine

import (
	"sort"
	"strconv"
	"strings"

	"yieldline/internal/domain"
)

// Dimension names one kind of episode association.
type Dimension int

const (
	DimSteps Dimension = iota
	DimCTQs
	DimLots
	DimFixtures
	dimCount
)

// IDSet is a set of entity ids.
type IDSet map[int64]struct{}

func NewIDSet(ids ...int64) IDSet {
	s := IDSet{}
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Add(id int64)            { s[id] = struct{}{} }
func (s IDSet) Has(id int64) bool       { _, ok := s[id]; return ok }
func (s IDSet) Overlap(other IDSet) int { return overlap(s, other) }

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type StringSet map[string]struct{}

func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func overlap[K comparable](a, b map[K]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

// CodeIndex resolves business codes found in payloads to ids. Lookups are
// case-insensitive. A nil index resolves nothing.
type CodeIndex struct {
	codes [dimCount]map[string]int64
}

func NewCodeIndex(steps []domain.Step, ctqs []domain.CTQDefinition, lots []domain.Lot, fixtures []domain.Fixture) *CodeIndex {
	idx := &CodeIndex{}
	for d := range idx.codes {
		idx.codes[d] = map[string]int64{}
	}
	for _, s := range steps {
		idx.codes[DimSteps][normalizeCode(s.Code)] = s.ID
	}
	for _, c := range ctqs {
		idx.codes[DimCTQs][normalizeCode(c.Code)] = c.ID
		if _, ok := idx.codes[DimCTQs][normalizeCode(c.Name)]; !ok {
			idx.codes[DimCTQs][normalizeCode(c.Name)] = c.ID
		}
	}
	for _, l := range lots {
		idx.codes[DimLots][normalizeCode(l.Code)] = l.ID
	}
	for _, f := range fixtures {
		idx.codes[DimFixtures][normalizeCode(f.Code)] = f.ID
	}
	return idx
}

func (c *CodeIndex) resolve(d Dimension, code string) (int64, bool) {
	if c == nil {
		return 0, false
	}
	id, ok := c.codes[d][normalizeCode(code)]
	return id, ok
}

func normalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Associations are the id sets an episode references.
type Associations struct {
	Steps        IDSet
	CTQs         IDSet
	Lots         IDSet
	Fixtures     IDSet
	FailureCodes StringSet
}

func newAssociations() Associations {
	return Associations{Steps: IDSet{}, CTQs: IDSet{}, Lots: IDSet{}, Fixtures: IDSet{}, FailureCodes: StringSet{}}
}

func (a Associations) set(d Dimension) IDSet {
	switch d {
	case DimCTQs:
		return a.CTQs
	case DimLots:
		return a.Lots
	case DimFixtures:
		return a.Fixtures
	default:
		return a.Steps
	}
}

// EpisodeAssociations extracts every referenced id from an episode's
// association payloads and the failure codes from its before-metrics.
func EpisodeAssociations(ep domain.Episode, codes *CodeIndex) Associations {
	a := newAssociations()
	collectIDs(ep.AffectedSteps, DimSteps, a, codes)
	collectIDs(ep.AffectedCTQs, DimCTQs, a, codes)
	collectIDs(ep.AffectedLots, DimLots, a, codes)
	collectIDs(ep.AffectedFixtures, DimFixtures, a, codes)
	for _, code := range FailureCodes(ep.BeforeMetrics) {
		a.FailureCodes[code] = struct{}{}
	}
	return a
}

// ExtractIDs walks a payload of any shape and returns every integral id in it.
func ExtractIDs(p domain.Payload) []int64 {
	a := newAssociations()
	collectIDs(p, DimSteps, a, nil)
	all := IDSet{}
	for d := Dimension(0); d < dimCount; d++ {
		for id := range a.set(d) {
			all.Add(id)
		}
	}
	return all.Sorted()
}

// collectIDs adds every id found anywhere in p under dim, whatever key it is
// nested under. Strings that are not numeric are resolved as codes of dim.
func collectIDs(p domain.Payload, dim Dimension, a Associations, codes *CodeIndex) {
	switch p.Kind {
	case domain.PayloadList:
		for _, item := range p.List {
			collectIDs(item, dim, a, codes)
		}
	case domain.PayloadObject:
		for _, key := range p.Keys() {
			collectIDs(p.Fields[key], dim, a, codes)
		}
	case domain.PayloadNumber:
		if id, ok := integralID(string(p.Number)); ok {
			a.set(dim).Add(id)
		}
	case domain.PayloadText:
		if id, ok := integralID(strings.TrimSpace(p.Text)); ok {
			a.set(dim).Add(id)
		} else if id, ok := codes.resolve(dim, p.Text); ok {
			a.set(dim).Add(id)
		}
	}
}

func integralID(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, id > 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

// FailureCodes collects every string value anywhere in a metrics payload,
// trimmed and lower-cased.
func FailureCodes(p domain.Payload) []string {
	set := StringSet{}
	collectStrings(p, set)
	return set.Sorted()
}

func collectStrings(p domain.Payload, set StringSet) {
	switch p.Kind {
	case domain.PayloadText:
		if code := normalizeFailureCode(p.Text); code != "" {
			set[code] = struct{}{}
		}
	case domain.PayloadList:
		for _, item := range p.List {
			collectStrings(item, set)
		}
	case domain.PayloadObject:
		for _, item := range p.Fields {
			collectStrings(item, set)
		}
	}
}

func normalizeFailureCode(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
