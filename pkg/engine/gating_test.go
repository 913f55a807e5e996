package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func citedResult(citations ...Citation) StepResult {
	return StepResult{
		RunID:      "run-1",
		Position:   1,
		StepName:   "Greeting",
		Conformity: ConformityConforming,
		Score:      10,
		Weight:     10,
		ControlPoints: []ControlPoint{{
			Index:     0,
			Label:     "greeting",
			Status:    ControlPointPresent,
			Citations: citations,
		}},
	}
}

func TestGateEvidence_UnknownRecordingIndex(t *testing.T) {
	tl := BuildTimeline(testRecordings(4))
	input := []StepResult{citedResult(Citation{RecordingIndex: 7, ChunkIndex: 0, Text: "hello"})}

	gated, report := GateEvidence(input, tl)

	c := gated[0].ControlPoints[0].Citations[0]
	if c.Supported {
		t.Error("citation to recording 7 should be unsupported")
	}
	if c.RecordingDate != NotAvailable || c.RecordingTime != NotAvailable || c.RecordingURL != NotAvailable {
		t.Errorf("citation metadata = %q/%q/%q, want N/A", c.RecordingDate, c.RecordingTime, c.RecordingURL)
	}
	if got := gated[0].ControlPoints[0].Status; got != ControlPointAbsent {
		t.Errorf("control point status = %s, want %s", got, ControlPointAbsent)
	}
	if !strings.Contains(gated[0].ControlPoints[0].Comment, "unsupported evidence: 7:0") {
		t.Errorf("comment = %q, want unsupported evidence note", gated[0].ControlPoints[0].Comment)
	}
	if gated[0].Conformity != ConformityPartial {
		t.Errorf("conformity = %s, want %s", gated[0].Conformity, ConformityPartial)
	}
	if gated[0].Score != 10 {
		t.Errorf("score = %v, gating must not change scores", gated[0].Score)
	}
	if report.UnsupportedCitations != 1 || report.DowngradedControlPoints != 1 || report.DowngradedSteps != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestGateEvidence_SupportedCitation(t *testing.T) {
	tl := BuildTimeline(testRecordings(2))
	gated, report := GateEvidence([]StepResult{citedResult(Citation{RecordingIndex: 1, ChunkIndex: 1})}, tl)

	if !gated[0].ControlPoints[0].Citations[0].Supported {
		t.Error("citation to recording 1 chunk 1 should be supported")
	}
	if gated[0].ControlPoints[0].Status != ControlPointPresent {
		t.Errorf("status = %s, want unchanged", gated[0].ControlPoints[0].Status)
	}
	if gated[0].Conformity != ConformityConforming {
		t.Errorf("conformity = %s, want unchanged", gated[0].Conformity)
	}
	if report.UnsupportedCitations != 0 {
		t.Errorf("UnsupportedCitations = %d, want 0", report.UnsupportedCitations)
	}
}

func TestGateEvidence_UnknownChunk(t *testing.T) {
	tl := BuildTimeline(testRecordings(1))
	gated, _ := GateEvidence([]StepResult{citedResult(Citation{RecordingIndex: 0, ChunkIndex: 42})}, tl)

	if gated[0].ControlPoints[0].Citations[0].Supported {
		t.Error("citation to an unknown chunk should be unsupported")
	}
}

func TestGateEvidence_DoesNotMutateInput(t *testing.T) {
	tl := BuildTimeline(testRecordings(1))
	input := []StepResult{citedResult(Citation{RecordingIndex: 3, ChunkIndex: 0})}
	snapshot := []StepResult{input[0].Clone()}

	first, _ := GateEvidence(input, tl)
	second, _ := GateEvidence(input, tl)

	if !reflect.DeepEqual(input, snapshot) {
		t.Error("GateEvidence modified its input")
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("GateEvidence is not deterministic")
	}
}

func TestGateEvidence_EmptyTimeline(t *testing.T) {
	gated, report := GateEvidence([]StepResult{citedResult(Citation{RecordingIndex: 0, ChunkIndex: 0})}, nil)
	if gated[0].ControlPoints[0].Citations[0].Supported {
		t.Error("nothing is supported by an empty timeline")
	}
	if report.Citations != 1 {
		t.Errorf("Citations = %d, want 1", report.Citations)
	}
}

func TestEnrichCitations(t *testing.T) {
	tl := BuildTimeline(testRecordings(2))
	input := []StepResult{citedResult(
		Citation{RecordingIndex: 1, ChunkIndex: 0},
		Citation{RecordingIndex: 9, ChunkIndex: 0},
	)}

	out := EnrichCitations(input, tl)
	known := out[0].ControlPoints[0].Citations[0]
	if known.RecordingDate != "2025-03-14" || known.RecordingTime != "10:30:00" {
		t.Errorf("known citation = %s %s, want 2025-03-14 10:30:00", known.RecordingDate, known.RecordingTime)
	}
	if known.RecordingURL != "https://recordings.example.com/1.mp3" {
		t.Errorf("RecordingURL = %s", known.RecordingURL)
	}
	unknown := out[0].ControlPoints[0].Citations[1]
	if unknown.RecordingDate != NotAvailable || unknown.RecordingURL != NotAvailable {
		t.Errorf("unknown citation = %+v, want N/A metadata", unknown)
	}
	if input[0].ControlPoints[0].Citations[0].RecordingDate != "" {
		t.Error("EnrichCitations modified its input")
	}
}

func TestFallbackStepResult(t *testing.T) {
	step := StepDefinition{Position: 2, Name: "Offer", ControlPoints: []string{"price", "duration"}, Weight: 30, Critical: true}

	r := FallbackStepResult("run-1", step, errors.New("evaluator timeout"))

	if r.Conformity != ConformityNonConforming || r.Score != 0 {
		t.Errorf("fallback = %s/%v, want non_conforming/0", r.Conformity, r.Score)
	}
	if !r.Fallback || r.Error != "evaluator timeout" {
		t.Errorf("fallback flags = %v/%q", r.Fallback, r.Error)
	}
	if len(r.ControlPoints) != 2 {
		t.Fatalf("control points = %d, want 2", len(r.ControlPoints))
	}
	for _, cp := range r.ControlPoints {
		if cp.Status != ControlPointAbsent {
			t.Errorf("control point %s status = %s, want absent", cp.Label, cp.Status)
		}
		if cp.Comment != FallbackComment {
			t.Errorf("comment = %q, want %q", cp.Comment, FallbackComment)
		}
	}
	if r.Weight != 30 || !r.Critical {
		t.Errorf("weight/critical = %v/%v, want 30/true", r.Weight, r.Critical)
	}

	// Different causes give identical scored content.
	other := FallbackStepResult("run-1", step, errors.New("malformed output"))
	if other.Rationale != r.Rationale || other.ControlPoints[0].Comment != r.ControlPoints[0].Comment {
		t.Errorf("fallback text depends on cause: %q vs %q", other.Rationale, r.Rationale)
	}
	if other.Error != "malformed output" {
		t.Errorf("error = %q, want cause", other.Error)
	}
}
