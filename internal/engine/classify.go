package engine

import (
	"strings"

	"yieldline/internal/domain"
)

var defaultReworkMarkers = []string{"REWORK", "DEBUG"}

// Classifier decides which steps sit outside the nominal flow.
type Classifier struct {
	markers  []string
	excluded map[string]struct{}
}

// NewClassifier builds a classifier from code markers and explicit step codes.
// With no markers, codes containing REWORK or DEBUG are treated as rework steps.
func NewClassifier(markers, excludedCodes []string) Classifier {
	c := Classifier{excluded: map[string]struct{}{}}
	for _, m := range markers {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			c.markers = append(c.markers, m)
		}
	}
	if len(c.markers) == 0 {
		c.markers = defaultReworkMarkers
	}
	for _, code := range excludedCodes {
		if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
			c.excluded[code] = struct{}{}
		}
	}
	return c
}

// IsReworkStep reports whether a step code or type denotes rework or debug work.
func (c Classifier) IsReworkStep(code string, stepType domain.StepType) bool {
	if stepType == domain.StepDebug {
		return true
	}
	upper := strings.ToUpper(code)
	if _, ok := c.excluded[upper]; ok {
		return true
	}
	markers := c.markers
	if markers == nil {
		markers = defaultReworkMarkers
	}
	for _, m := range markers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}
