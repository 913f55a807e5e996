package engine

import (
	"context"
	"time"
)

// Fiche is the CRM snapshot of a sales record after a forced refresh.
type Fiche struct {
	ID           string            `json:"id"`
	CustomerName string            `json:"customer_name,omitempty"`
	ProductCode  string            `json:"product_code,omitempty"`
	Recordings   int               `json:"recordings"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	RefreshedAt  time.Time         `json:"refreshed_at"`
}

// Product is the commercial product linked to a fiche.
type Product struct {
	ID      string            `json:"id"`
	Code    string            `json:"code"`
	Name    string            `json:"name"`
	Details map[string]string `json:"details,omitempty"`
}

// TranscriptionStatus reports how many recordings of a fiche are transcribed.
type TranscriptionStatus struct {
	FicheID     string `json:"fiche_id"`
	Total       int    `json:"total"`
	Transcribed int    `json:"transcribed"`
}

// Complete returns true if every recording is transcribed.
func (s TranscriptionStatus) Complete() bool {
	return s.Transcribed >= s.Total
}

// EvaluationRequest is the input of one Evaluator call.
type EvaluationRequest struct {
	RunID   string         `json:"run_id"`
	FicheID string         `json:"fiche_id"`
	Step    StepDefinition `json:"step"`

	// Context is the transcript text given to the Evaluator: the step excerpt
	// when one exists, otherwise the whole timeline.
	Context string   `json:"context"`
	Product *Product `json:"product,omitempty"`
}

// FicheRefresher fetches fiches from the CRM.
type FicheRefresher interface {
	// Refresh force-refreshes a fiche. It returns ErrFicheNotFound when the CRM
	// does not know the fiche.
	Refresh(ctx context.Context, ficheID string) (*Fiche, error)
}

// TranscriptionService drives the transcription pipeline.
type TranscriptionService interface {
	// Status reports the transcription progress of a fiche.
	Status(ctx context.Context, ficheID string) (*TranscriptionStatus, error)

	// Transcribe transcribes every pending recording of a fiche and returns when done.
	Transcribe(ctx context.Context, ficheID string) error

	// Recordings returns the recordings of a fiche with their transcripts.
	Recordings(ctx context.Context, ficheID string) ([]Recording, error)
}

// Evaluator analyses one step. It must be a pure function of its input.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (*Analysis, error)
}

// ProductResolver links a fiche to its product.
type ProductResolver interface {
	Resolve(ctx context.Context, fiche *Fiche) (*Product, error)
}

// ConfigSource serves immutable audit configuration snapshots.
type ConfigSource interface {
	// Snapshot returns a copy of the configuration or ErrConfigNotFound.
	Snapshot(ctx context.Context, configID string) (*ConfigSnapshot, error)
}

// Notifier sends best-effort external notifications. Implementations must not
// block the caller on network delivery.
type Notifier interface {
	Notify(ctx context.Context, event string, payload interface{})
}

// RunStore persists audit runs, step results and checkpoints.
type RunStore interface {
	// Run operations

	// CreateRun inserts a run unless one with the same tracking id exists, in
	// which case the existing run is returned with created=false. A new running
	// run fails with a conflict error if another run is running for the same
	// fiche and config. Creating a run with IsLatest set clears IsLatest on
	// earlier runs of the pair and assigns the next version; other runs are
	// stored with version 0 and leave the pair untouched.
	CreateRun(ctx context.Context, run *AuditRun) (stored *AuditRun, created bool, err error)
	GetRun(ctx context.Context, id string) (*AuditRun, error)
	GetRunByTrackingID(ctx context.Context, trackingID string) (*AuditRun, error)

	// FindLatestRunning returns the most recent running run for the pair or ErrRunNotFound.
	FindLatestRunning(ctx context.Context, ficheID, configID string) (*AuditRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*AuditRun, error)

	// ListStaleRuns returns running runs started before the cutoff.
	ListStaleRuns(ctx context.Context, startedBefore time.Time) ([]*AuditRun, error)

	// FailRun marks a non-terminal run failed and reports whether it changed.
	FailRun(ctx context.Context, id, message string, at time.Time) (bool, error)

	// UpdateProgress records how many steps have results.
	UpdateProgress(ctx context.Context, id string, completed int) error

	// CompleteRun overwrites the run with its final state and replaces its step
	// results in a single transaction.
	CompleteRun(ctx context.Context, run *AuditRun, results []StepResult) error

	// Step result operations

	// SaveStepResult upserts the summary row and replaces child rows atomically.
	SaveStepResult(ctx context.Context, result *StepResult) error
	HasStepResult(ctx context.Context, runID string, position int) (bool, error)
	CountStepResults(ctx context.Context, runID string) (int, error)
	ListStepResults(ctx context.Context, runID string) ([]StepResult, error)

	// Checkpoint operations

	SaveCheckpoint(ctx context.Context, runID string, position int, name string, payload []byte) error

	// GetCheckpoint returns a stored payload or ErrCheckpointNotFound.
	GetCheckpoint(ctx context.Context, runID string, position int, name string) ([]byte, error)

	// Audit trail

	AppendRunEvent(ctx context.Context, event *RunEvent) error
	ListRunEvents(ctx context.Context, runID string) ([]RunEvent, error)
}
