package engine

import "yieldline/internal/domain"

// SpecEvaluation is the outcome of checking one value against a CTQ.
type SpecEvaluation struct {
	InSpec bool `json:"in_spec"`
	// UnknownDirection is set when the direction was not recognized and the
	// value was passed without checking.
	UnknownDirection bool `json:"unknown_direction,omitempty"`
}

// EvaluateSpec classifies a value against optional limits. Limits are
// inclusive and an absent limit never fails.
func EvaluateSpec(value float64, direction domain.Direction, lsl, usl *float64) SpecEvaluation {
	switch direction {
	case domain.DirectionTwoSided:
		return SpecEvaluation{InSpec: aboveLower(value, lsl) && belowUpper(value, usl)}
	case domain.DirectionHigherBetter:
		return SpecEvaluation{InSpec: aboveLower(value, lsl)}
	case domain.DirectionLowerBetter:
		return SpecEvaluation{InSpec: belowUpper(value, usl)}
	default:
		return SpecEvaluation{InSpec: true, UnknownDirection: true}
	}
}

// InSpec reports whether value satisfies the limits for direction.
func InSpec(value float64, direction domain.Direction, lsl, usl *float64) bool {
	return EvaluateSpec(value, direction, lsl, usl).InSpec
}

// MeasurementInSpec evaluates a measurement against its joined definition.
func MeasurementInSpec(m domain.Measurement) SpecEvaluation {
	return EvaluateSpec(m.Value, m.CTQ.Direction, m.CTQ.LSL, m.CTQ.USL)
}

func aboveLower(v float64, lsl *float64) bool {
	return lsl == nil || v >= *lsl
}

func belowUpper(v float64, usl *float64) bool {
	return usl == nil || v <= *usl
}
