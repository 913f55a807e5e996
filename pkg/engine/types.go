package engine

import (
	"time"
)

// RunStatus represents the lifecycle state of an audit run.
type RunStatus string

const (
	// RunStatusPending indicates the run has been requested but not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates steps are being evaluated.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted indicates the run was scored.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates the run ended without a score.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Conformity is the verdict of a single audit step.
type Conformity string

const (
	ConformityConforming    Conformity = "conforming"
	ConformityNonConforming Conformity = "non_conforming"
	ConformityPartial       Conformity = "partial"
	ConformityNotApplicable Conformity = "not_applicable"
)

// ControlPointStatus is the verdict of a single control point inside a step.
type ControlPointStatus string

const (
	ControlPointPresent       ControlPointStatus = "present"
	ControlPointPartial       ControlPointStatus = "partial"
	ControlPointAbsent        ControlPointStatus = "absent"
	ControlPointNotApplicable ControlPointStatus = "not_applicable"
)

// Tier is the categorical compliance outcome of a run.
type Tier string

const (
	TierExcellent    Tier = "EXCELLENT"
	TierGood         Tier = "GOOD"
	TierAcceptable   Tier = "ACCEPTABLE"
	TierInsufficient Tier = "INSUFFICIENT"
	TierRejected     Tier = "REJECTED"
)

// NotAvailable is written in place of citation metadata that cannot be resolved.
const NotAvailable = "N/A"

// TierThreshold maps a minimum percentage to a tier.
type TierThreshold struct {
	Tier Tier    `json:"tier" yaml:"tier" validate:"required"`
	Min  float64 `json:"min" yaml:"min" validate:"gte=0,lte=100"`
}

// DefaultThresholds is used when an audit configuration declares no tier table.
var DefaultThresholds = []TierThreshold{
	{Tier: TierExcellent, Min: 90},
	{Tier: TierGood, Min: 75},
	{Tier: TierAcceptable, Min: 60},
}

// StepDefinition is one rubric item of an audit configuration.
type StepDefinition struct {
	// Position is the 1-based order of the step within the configuration.
	Position int `json:"position" yaml:"position" validate:"gte=1"`

	// Name is the short label of the step.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Description explains what the step checks.
	Description string `json:"description,omitempty" yaml:"description"`

	// Prompt is the instruction given to the Evaluator.
	Prompt string `json:"prompt" yaml:"prompt" validate:"required"`

	// ControlPoints are the checkable sub-criteria of the step.
	ControlPoints []string `json:"control_points" yaml:"control_points"`

	// Keywords select the transcript excerpt sent with the step.
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`

	// Weight is the maximum score the step can earn.
	Weight float64 `json:"weight" yaml:"weight" validate:"gte=0"`

	// Critical steps must be conforming for the run to avoid the REJECTED tier.
	Critical bool `json:"critical" yaml:"critical"`
}

// ConfigSnapshot is the immutable copy of an audit configuration that governs a run.
type ConfigSnapshot struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Version    string           `json:"version,omitempty"`
	Steps      []StepDefinition `json:"steps"`
	Thresholds []TierThreshold  `json:"thresholds,omitempty"`
}

// Step returns the step definition at the given position.
func (c *ConfigSnapshot) Step(position int) (StepDefinition, bool) {
	for _, s := range c.Steps {
		if s.Position == position {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Clone returns a deep copy of the snapshot.
func (c *ConfigSnapshot) Clone() *ConfigSnapshot {
	if c == nil {
		return nil
	}
	out := *c
	out.Steps = make([]StepDefinition, len(c.Steps))
	for i, s := range c.Steps {
		s.ControlPoints = append([]string(nil), s.ControlPoints...)
		s.Keywords = append([]string(nil), s.Keywords...)
		out.Steps[i] = s
	}
	out.Thresholds = append([]TierThreshold(nil), c.Thresholds...)
	return &out
}

// Trigger records who or what requested a run.
type Trigger struct {
	Source        string `json:"source,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	ScheduleID    string `json:"schedule_id,omitempty"`
	ScheduleRunID string `json:"schedule_run_id,omitempty"`
}

// AuditRun is one audit execution for a (fiche, config) pair.
type AuditRun struct {
	// ID is the storage identifier (UUID).
	ID string `json:"id"`

	// TrackingID is the caller-facing correlation id. Run creation is idempotent per tracking id.
	TrackingID string `json:"tracking_id"`

	FicheID  string `json:"fiche_id"`
	ConfigID string `json:"config_id"`
	BatchID  string `json:"batch_id,omitempty"`

	Status  RunStatus `json:"status"`
	Trigger Trigger   `json:"trigger"`

	// Config is the snapshot taken when the run was created.
	Config *ConfigSnapshot `json:"config,omitempty"`

	ScorePercentage float64 `json:"score_percentage"`
	Tier            Tier    `json:"tier,omitempty"`
	CriticalPassed  int     `json:"critical_passed"`
	CriticalTotal   int     `json:"critical_total"`
	EarnedWeight    float64 `json:"earned_weight"`
	TotalWeight     float64 `json:"total_weight"`

	StepsCompleted int `json:"steps_completed"`
	StepsTotal     int `json:"steps_total"`

	// Error is the human-readable failure reason of a failed run.
	Error string `json:"error,omitempty"`

	// IsLatest is true for the most recent run of the (fiche, config) pair.
	IsLatest bool `json:"is_latest"`

	// Version increments with each re-audit of the same (fiche, config) pair.
	Version int `json:"version"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}

// Citation points at the transcript chunk backing a control point verdict.
type Citation struct {
	RecordingIndex int    `json:"recording_index" validate:"gte=0"`
	ChunkIndex     int    `json:"chunk_index" validate:"gte=0"`
	Timestamp      string `json:"timestamp,omitempty"`
	Speaker        string `json:"speaker,omitempty"`
	Text           string `json:"text"`

	// Recording metadata, filled by EnrichCitations.
	RecordingDate string `json:"recording_date,omitempty"`
	RecordingTime string `json:"recording_time,omitempty"`
	RecordingURL  string `json:"recording_url,omitempty"`

	// Supported is set by GateEvidence.
	Supported bool `json:"supported"`
}

// ControlPoint is the verdict for one checkable sub-criterion of a step.
type ControlPoint struct {
	Index     int                `json:"index"`
	Label     string             `json:"label" validate:"required"`
	Status    ControlPointStatus `json:"status" validate:"required,oneof=present partial absent not_applicable"`
	Comment   string             `json:"comment,omitempty"`
	Citations []Citation         `json:"citations,omitempty" validate:"dive"`
}

// StepResult is the persisted outcome of evaluating one step of a run.
type StepResult struct {
	RunID         string         `json:"run_id"`
	Position      int            `json:"position"`
	StepName      string         `json:"step_name"`
	Conformity    Conformity     `json:"conformity"`
	Score         float64        `json:"score"`
	Weight        float64        `json:"weight"`
	Critical      bool           `json:"critical"`
	Rationale     string         `json:"rationale,omitempty"`
	ControlPoints []ControlPoint `json:"control_points"`

	// Fallback is true when the result was synthesized after an Evaluator failure.
	Fallback bool   `json:"fallback"`
	Error    string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the step result.
func (r StepResult) Clone() StepResult {
	out := r
	out.ControlPoints = make([]ControlPoint, len(r.ControlPoints))
	for i, cp := range r.ControlPoints {
		cp.Citations = append([]Citation(nil), cp.Citations...)
		out.ControlPoints[i] = cp
	}
	return out
}

// Analysis is the raw output of the Evaluator for one step.
type Analysis struct {
	Conformity    Conformity     `json:"conformity" validate:"required,oneof=conforming non_conforming partial not_applicable"`
	Score         float64        `json:"score" validate:"gte=0"`
	Rationale     string         `json:"rationale"`
	ControlPoints []ControlPoint `json:"control_points" validate:"dive"`
}

// RunEvent is an entry in the per-run audit trail.
type RunEvent struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	Type      string                 `json:"type"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// RunFilter narrows ListRuns queries.
type RunFilter struct {
	FicheID  string
	ConfigID string
	BatchID  string
	Status   RunStatus
	Limit    int
}
