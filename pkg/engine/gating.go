package engine

import (
	"fmt"
	"strings"
)

// GatingReport summarizes what GateEvidence changed.
type GatingReport struct {
	Citations               int `json:"citations"`
	UnsupportedCitations    int `json:"unsupported_citations"`
	DowngradedControlPoints int `json:"downgraded_control_points"`
	DowngradedSteps         int `json:"downgraded_steps"`
}

// GateEvidence checks every citation against the timeline and returns gated
// copies of the results. A citation whose (recording, chunk) pair is not in the
// timeline is marked unsupported and its recording metadata is set to
// NotAvailable. A control point backed by an unsupported citation is downgraded
// to absent, and a conforming step with a downgraded control point becomes
// partial. The input is not modified.
func GateEvidence(results []StepResult, tl *Timeline) ([]StepResult, GatingReport) {
	var report GatingReport
	out := make([]StepResult, len(results))

	for i, r := range results {
		r = r.Clone()
		stepDowngraded := false

		for j := range r.ControlPoints {
			cp := &r.ControlPoints[j]
			var missing []string

			for k := range cp.Citations {
				c := &cp.Citations[k]
				report.Citations++
				if tl.Has(c.RecordingIndex, c.ChunkIndex) {
					c.Supported = true
					continue
				}
				c.Supported = false
				c.RecordingDate = NotAvailable
				c.RecordingTime = NotAvailable
				c.RecordingURL = NotAvailable
				report.UnsupportedCitations++
				missing = append(missing, fmt.Sprintf("%d:%d", c.RecordingIndex, c.ChunkIndex))
			}

			if len(missing) == 0 {
				continue
			}
			if cp.Status == ControlPointPresent || cp.Status == ControlPointPartial {
				cp.Status = ControlPointAbsent
				report.DowngradedControlPoints++
				stepDowngraded = true
			}
			note := "unsupported evidence: " + strings.Join(missing, ", ")
			if cp.Comment == "" {
				cp.Comment = note
			} else {
				cp.Comment = cp.Comment + " (" + note + ")"
			}
		}

		if stepDowngraded && r.Conformity == ConformityConforming {
			r.Conformity = ConformityPartial
			report.DowngradedSteps++
		}
		out[i] = r
	}
	return out, report
}
