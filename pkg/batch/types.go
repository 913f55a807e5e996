package batch

import (
	"errors"
	"strconv"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
)

// ErrBatchNotFound is returned for an unknown or expired batch.
var ErrBatchNotFound = errors.New("batch not found")

// Webhook events emitted by the coordinator.
const (
	NotifyBatchProgress  = "batch.progress"
	NotifyBatchCompleted = "batch.completed"
)

// Status is the state of a batch.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// StartRequest starts one audit per fiche against the same configuration.
type StartRequest struct {
	// BatchID is generated when empty.
	BatchID  string         `json:"batch_id,omitempty"`
	FicheIDs []string       `json:"fiche_ids" validate:"required,min=1,dive,required"`
	ConfigID string         `json:"config_id" validate:"required"`
	Trigger  engine.Trigger `json:"trigger"`
}

// RunOutcome is the terminal result of one run of a batch.
type RunOutcome struct {
	BatchID   string
	ConfigID  string
	FicheID   string
	RunID     string
	Succeeded bool
	Error     string
}

// Job is a point-in-time view of a batch.
type Job struct {
	ID          string     `json:"id"`
	ConfigID    string     `json:"config_id"`
	Status      Status     `json:"status"`
	Total       int        `json:"total"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Pending     int        `json:"pending"`
	StartedAt   time.Time  `json:"started_at"`
	Deadline    time.Time  `json:"deadline"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
	TimedOut    bool       `json:"timed_out,omitempty"`
}

// Progress is the payload of batch.progress notifications.
type Progress struct {
	BatchID   string `json:"batch_id"`
	ConfigID  string `json:"config_id"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`
}

// Hash fields of the batch record.
const (
	fieldID          = "id"
	fieldConfigID    = "config_id"
	fieldStatus      = "status"
	fieldTotal       = "total"
	fieldSucceeded   = "succeeded"
	fieldFailed      = "failed"
	fieldStartedAt   = "started_at"
	fieldDeadline    = "deadline"
	fieldCompletedAt = "completed_at"
	fieldDurationMS  = "duration_ms"
	fieldTimedOut    = "timed_out"
)

// jobFromHash decodes a batch record. Times are unix milliseconds.
func jobFromHash(h map[string]string) *Job {
	job := &Job{
		ID:         h[fieldID],
		ConfigID:   h[fieldConfigID],
		Status:     Status(h[fieldStatus]),
		Total:      atoi(h[fieldTotal]),
		Succeeded:  atoi(h[fieldSucceeded]),
		Failed:     atoi(h[fieldFailed]),
		StartedAt:  fromMillis(h[fieldStartedAt]),
		Deadline:   fromMillis(h[fieldDeadline]),
		DurationMS: int64(atoi(h[fieldDurationMS])),
		TimedOut:   h[fieldTimedOut] == "1",
	}
	if v := h[fieldCompletedAt]; v != "" {
		t := fromMillis(v)
		job.CompletedAt = &t
	}
	if job.Status == "" {
		job.Status = StatusRunning
	}
	return job
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
