// Package checkpoint persists migration progress so a run can survive a
// reboot and resume exactly once.
//
// # Overview
//
// A Checkpoint holds the status of every phase of a run, the phase to resume
// at after a reboot, the artifacts earlier phases produced, the temporary
// credential record, and the continuation trigger. The Manager is the only
// writer; it persists each transition before returning so the orchestrator
// can rely on write-then-act ordering.
//
// # Continuations
//
// Before a reboot the orchestrator registers a continuation: the next phase
// is recorded and a Trigger is installed that re-launches the tool at the
// designated principal's next session. The trigger may fire more than once;
// ClaimContinuation lets only the first firing proceed.
package checkpoint

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no checkpoint exists for a run.
var ErrNotFound = errors.New("checkpoint not found")

// PhaseStatus represents the persisted status of a phase.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusSucceeded PhaseStatus = "succeeded"
	PhaseStatusFailed    PhaseStatus = "failed"
	PhaseStatusSkipped   PhaseStatus = "skipped"
)

// IsTerminal returns true if the phase has finished, one way or another.
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseStatusSucceeded || s == PhaseStatusFailed || s == PhaseStatusSkipped
}

// Validate checks that the status is a known value.
func (s PhaseStatus) Validate() error {
	switch s {
	case PhaseStatusPending, PhaseStatusRunning, PhaseStatusSucceeded, PhaseStatusFailed, PhaseStatusSkipped:
		return nil
	default:
		return errors.New("invalid phase status: " + string(s))
	}
}

// CanTransition reports whether a phase may move from s to next.
// Failed phases may be retried when a halted run is resumed, and a running
// phase that finds nothing to do is recorded as skipped.
func (s PhaseStatus) CanTransition(next PhaseStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case PhaseStatusPending:
		return next == PhaseStatusRunning || next == PhaseStatusSkipped || next == PhaseStatusFailed
	case PhaseStatusRunning:
		return next == PhaseStatusSucceeded || next == PhaseStatusFailed || next == PhaseStatusSkipped
	case PhaseStatusFailed:
		return next == PhaseStatusPending || next == PhaseStatusRunning
	default:
		return false
	}
}

// RunState represents the overall state of a run.
type RunState string

const (
	RunStateInProgress            RunState = "in_progress"
	RunStateCompleted             RunState = "completed"
	RunStateCompletedWithFailures RunState = "completed_with_failures"
	RunStateAborted               RunState = "aborted"
)

// IsTerminal returns true if the run will not execute further phases.
// Aborted runs can be resumed and are not terminal.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateCompletedWithFailures
}

// PhaseResult is the recorded outcome of one phase.
type PhaseResult struct {
	Name      string      `json:"name"`
	Status    PhaseStatus `json:"status"`
	Decision  string      `json:"decision,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
}

// Transition describes a phase status change.
type Transition struct {
	Status   PhaseStatus
	Decision string
	Detail   string
	Err      error
}

// TemporaryCredential records the temporary administrator of a run. Only
// the secret reference is kept, never the value.
type TemporaryCredential struct {
	Principal          string     `json:"principal"`
	SecretRef          string     `json:"secret_ref"`
	CreatedAt          time.Time  `json:"created_at"`
	RemovalAttemptedAt *time.Time `json:"removal_attempted_at,omitempty"`
	RemovedAt          *time.Time `json:"removed_at,omitempty"`
}

// Continuation is a registered resume trigger.
type Continuation struct {
	RunID        string     `json:"run_id"`
	Phase        string     `json:"phase"`
	Principal    string     `json:"principal"`
	ConfigPath   string     `json:"config_path"`
	TriggerRef   string     `json:"trigger_ref,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
	ClearedAt    *time.Time `json:"cleared_at,omitempty"`
}

// Live reports whether the continuation can still be claimed.
func (c *Continuation) Live() bool {
	return c != nil && c.ConsumedAt == nil && c.ClearedAt == nil
}

// Checkpoint is the durable record of a run.
type Checkpoint struct {
	RunID              string               `json:"run_id"`
	ConfigPath         string               `json:"config_path"`
	DryRun             bool                 `json:"dry_run"`
	State              RunState             `json:"state"`
	Phases             []PhaseResult        `json:"phases"`
	PendingResumePhase string               `json:"pending_resume_phase,omitempty"`
	Artifacts          map[string]string    `json:"artifacts,omitempty"`
	Credential         *TemporaryCredential `json:"credential,omitempty"`
	Continuation       *Continuation        `json:"continuation,omitempty"`
	Error              string               `json:"error,omitempty"`
	Plan               []byte               `json:"-"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// Phase returns the result recorded for name, or nil.
func (c *Checkpoint) Phase(name string) *PhaseResult {
	for i := range c.Phases {
		if c.Phases[i].Name == name {
			return &c.Phases[i]
		}
	}
	return nil
}

// Running returns the phase recorded as running, if any.
func (c *Checkpoint) Running() (string, bool) {
	for _, p := range c.Phases {
		if p.Status == PhaseStatusRunning {
			return p.Name, true
		}
	}
	return "", false
}

// NewRun describes a run to create.
type NewRun struct {
	RunID      string
	ConfigPath string
	DryRun     bool
	Phases     []string
	Plan       []byte
}
