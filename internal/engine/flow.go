package engine

import (
	"sort"

	"yieldline/internal/domain"
)

const (
	ScrapNode   = "SCRAP"
	unknownStep = "UNKNOWN"
)

type EdgeKind string

const (
	EdgeForward EdgeKind = "forward"
	EdgeRework  EdgeKind = "rework"
	EdgeScrap   EdgeKind = "scrap"
)

type FlowNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type FlowEdge struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Value  int      `json:"value"`
	Kind   EdgeKind `json:"kind" enum:"forward,rework,scrap"`
}

// FlowGraph is a population's step-to-step transitions. Insufficient is set
// when fewer units than the caller's minimum contributed.
type FlowGraph struct {
	Nodes        []FlowNode `json:"nodes"`
	Edges        []FlowEdge `json:"edges"`
	TotalUnits   int        `json:"total_units"`
	MinUnits     int        `json:"min_units"`
	Insufficient bool       `json:"insufficient"`
}

type FlowOptions struct {
	// Steps supplies labels, ordering and step types. Codes missing from it
	// are ordered after known steps by code.
	Steps      []domain.Step
	Classifier Classifier
	MinUnits   int
}

type edgeKey struct {
	source, target string
}

// BuildFlowGraph walks each unit's time-ordered executions and counts
// consecutive transitions per (source, target) pair. A pair is a rework edge
// when any transition counted into it is rework. A unit whose final execution
// is SCRAP adds one edge from that step to the SCRAP node.
func BuildFlowGraph(execs []domain.Execution, opts FlowOptions) FlowGraph {
	stepsByCode := map[string]domain.Step{}
	for _, s := range opts.Steps {
		stepsByCode[s.Code] = s
	}
	isRework := func(e domain.Execution, code string) bool {
		if e.InReworkLoop() {
			return true
		}
		return opts.Classifier.IsReworkStep(code, stepsByCode[code].StepType)
	}

	counts := map[edgeKey]int{}
	rework := map[edgeKey]bool{}
	scraps := map[string]int{}
	seen := map[string]struct{}{}
	groups, units := groupByUnit(execs)
	for _, unitID := range units {
		sorted := SortExecutions(groups[unitID])
		for _, e := range sorted {
			seen[flowCode(e)] = struct{}{}
		}
		for i := 0; i+1 < len(sorted); i++ {
			cur, next := sorted[i], sorted[i+1]
			src, tgt := flowCode(cur), flowCode(next)
			k := edgeKey{src, tgt}
			counts[k]++
			if src == tgt || isRework(cur, src) || isRework(next, tgt) {
				rework[k] = true
			}
		}
		if last := sorted[len(sorted)-1]; last.Result == domain.ResultScrap {
			scraps[flowCode(last)]++
		}
	}

	g := FlowGraph{
		Nodes:      []FlowNode{},
		Edges:      make([]FlowEdge, 0, len(counts)+len(scraps)),
		TotalUnits: len(units),
		MinUnits:   opts.MinUnits,
	}
	g.Insufficient = g.TotalUnits < opts.MinUnits
	for k, v := range counts {
		kind := EdgeForward
		if rework[k] {
			kind = EdgeRework
		}
		g.Edges = append(g.Edges, FlowEdge{Source: k.source, Target: k.target, Value: v, Kind: kind})
	}
	for src, v := range scraps {
		g.Edges = append(g.Edges, FlowEdge{Source: src, Target: ScrapNode, Value: v, Kind: EdgeScrap})
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		a, b := g.Edges[i], g.Edges[j]
		if a.Value != b.Value {
			return a.Value > b.Value
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Kind < b.Kind
	})
	if len(units) == 0 {
		return g
	}

	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		si, iok := stepsByCode[codes[i]]
		sj, jok := stepsByCode[codes[j]]
		switch {
		case iok && jok && si.Sequence != sj.Sequence:
			return si.Sequence < sj.Sequence
		case iok != jok:
			return iok
		default:
			return codes[i] < codes[j]
		}
	})
	for _, code := range codes {
		label := code
		if s, ok := stepsByCode[code]; ok && s.Name != "" {
			label = s.Name
		}
		g.Nodes = append(g.Nodes, FlowNode{ID: code, Label: label})
	}
	g.Nodes = append(g.Nodes, FlowNode{ID: ScrapNode, Label: "Scrap"})
	return g
}

func flowCode(e domain.Execution) string {
	if e.StepCode == "" {
		return unknownStep
	}
	return e.StepCode
}
