package policy

import (
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks returns true if violations of this severity deny the operation.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from its deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the service. They survive reloads.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy against one input.
type Decision struct {
	// Allowed is false if any violation blocks the operation.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation errors and non-blocking violations.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Reason joins the blocking violation messages.
func (d *Decision) Reason() string {
	var msgs []string
	for _, v := range d.Violations {
		if v.Severity.Blocks() {
			msgs = append(msgs, v.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

// EgressInput describes an outbound HTTP destination.
type EgressInput struct {
	URL    string `json:"url"`
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   string `json:"port,omitempty"`

	// Addresses are the IP addresses the host resolved to.
	Addresses []string `json:"addresses"`

	// Event is the notification being delivered.
	Event string `json:"event,omitempty"`

	Options EgressOptions `json:"options"`
}

// EgressOptions relax the built-in egress policy.
type EgressOptions struct {
	// AllowHTTP permits plain http destinations.
	AllowHTTP bool `json:"allow_http" yaml:"allow_http"`

	// AllowPrivate permits loopback, private and link-local destinations.
	AllowPrivate bool `json:"allow_private" yaml:"allow_private"`

	// AllowedHosts, when set, is the exhaustive list of permitted hosts.
	AllowedHosts []string `json:"allowed_hosts,omitempty" yaml:"allowed_hosts"`
}
