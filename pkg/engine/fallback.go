package engine

import (
	"time"
)

// FallbackComment is the rationale and control point comment of every
// fallback result. The cause is kept in StepResult.Error only.
const FallbackComment = "Not evaluated: the evaluator did not return a usable analysis"

// FallbackStepResult builds the deterministic result recorded when a step cannot
// be evaluated: non-conforming, zero score, every control point absent.
func FallbackStepResult(runID string, step StepDefinition, cause error) StepResult {
	reason := "evaluation unavailable"
	if cause != nil {
		reason = cause.Error()
	}

	cps := make([]ControlPoint, len(step.ControlPoints))
	for i, label := range step.ControlPoints {
		cps[i] = ControlPoint{
			Index:   i,
			Label:   label,
			Status:  ControlPointAbsent,
			Comment: FallbackComment,
		}
	}

	return StepResult{
		RunID:         runID,
		Position:      step.Position,
		StepName:      step.Name,
		Conformity:    ConformityNonConforming,
		Score:         0,
		Weight:        step.Weight,
		Critical:      step.Critical,
		Rationale:     FallbackComment,
		ControlPoints: cps,
		Fallback:      true,
		Error:         reason,
		CreatedAt:     time.Now().UTC(),
	}
}
