package engine

import (
	"fmt"
)

// Domain event types.
const (
	EventRunRequested   = "run.requested"
	EventStepRequested  = "step.requested"
	EventStepCompleted  = "step.completed"
	EventRunCompleted   = "run.completed"
	EventRunFailed      = "run.failed"
	EventBatchCompleted = "batch.completed"
)

// Notification event names delivered to webhook subscribers.
const (
	NotifyAuditCompleted = "audit.completed"
	NotifyAuditFailed    = "audit.failed"
)

// RunRequested asks the Orchestrator to audit a fiche against a configuration.
type RunRequested struct {
	FicheID    string  `json:"fiche_id" validate:"required"`
	ConfigID   string  `json:"config_id" validate:"required"`
	TrackingID string  `json:"tracking_id" validate:"required"`
	BatchID    string  `json:"batch_id,omitempty"`
	Trigger    Trigger `json:"trigger"`
}

// StepRequested asks a StepWorker to evaluate one step of a run.
type StepRequested struct {
	RunID    string `json:"run_id" validate:"required"`
	Position int    `json:"step_position" validate:"gte=1"`
	ConfigID string `json:"config_id"`
}

// StepCompleted is emitted after a step result is persisted.
type StepCompleted struct {
	RunID    string `json:"run_id"`
	Position int    `json:"step_position"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// RunCompleted is emitted once a run is scored.
type RunCompleted struct {
	RunID      string  `json:"run_id"`
	FicheID    string  `json:"fiche_id"`
	ConfigID   string  `json:"config_id"`
	TrackingID string  `json:"tracking_id"`
	BatchID    string  `json:"batch_id,omitempty"`
	Score      float64 `json:"score"`
	Tier       Tier    `json:"tier"`
	DurationMS int64   `json:"duration_ms"`
}

// RunFailed is emitted once a run ends without a score.
type RunFailed struct {
	RunID      string `json:"run_id,omitempty"`
	FicheID    string `json:"fiche_id"`
	ConfigID   string `json:"config_id"`
	TrackingID string `json:"tracking_id"`
	BatchID    string `json:"batch_id,omitempty"`
	Error      string `json:"error"`
}

// BatchCompleted is emitted exactly once per batch.
type BatchCompleted struct {
	BatchID    string `json:"batch_id"`
	ConfigID   string `json:"config_id"`
	Total      int    `json:"total"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

// StepTaskKey is the idempotency key of the step task for (run, position).
func StepTaskKey(runID string, position int) string {
	return fmt.Sprintf("step:%s:%d", runID, position)
}

// RunCompletedKey is the event id of the completion signal of a run.
func RunCompletedKey(runID string) string {
	return "run.completed:" + runID
}

// RunFailedKey is the event id of the failure signal of a tracked run.
func RunFailedKey(trackingID string) string {
	return "run.failed:" + trackingID
}

// RunRequestedKey is the event id of a run request.
func RunRequestedKey(trackingID string) string {
	return "run.requested:" + trackingID
}

// BatchCompletedKey is the event id of the completion signal of a batch.
func BatchCompletedKey(batchID string) string {
	return "batch.completed:" + batchID
}
