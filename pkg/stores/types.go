package stores

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a guarded update loses its precondition.
	ErrConflict = errors.New("conflict")
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// PhaseStatusRunning is the only phase status the store interprets: at most
// one phase of a run may hold it.
const PhaseStatusRunning = "running"

// Run is the persisted header of a migration run.
type Run struct {
	ID                 string     `json:"id"`
	ConfigPath         string     `json:"config_path"`
	Plan               string     `json:"plan"` // JSON array of phase specs
	State              string     `json:"state"`
	PendingResumePhase *string    `json:"pending_resume_phase,omitempty"`
	DryRun             bool       `json:"dry_run"`
	Artifacts          string     `json:"artifacts"` // JSON object
	Error              *string    `json:"error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// PhaseResult is the persisted status of one phase of a run.
type PhaseResult struct {
	RunID        string     `json:"run_id"`
	Seq          int        `json:"seq"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	Decision     string     `json:"decision"`
	Detail       string     `json:"detail"`
	ErrorSummary *string    `json:"error_summary,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Continuation is a registered resume trigger.
type Continuation struct {
	RunID        string     `json:"run_id"`
	Phase        string     `json:"phase"`
	Principal    string     `json:"principal"`
	TriggerRef   string     `json:"trigger_ref"`
	RegisteredAt time.Time  `json:"registered_at"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
	ClearedAt    *time.Time `json:"cleared_at,omitempty"`
}

// Credential records a temporary account. The secret value is never stored.
type Credential struct {
	RunID              string     `json:"run_id"`
	Principal          string     `json:"principal"`
	SecretRef          string     `json:"secret_ref"`
	CreatedAt          time.Time  `json:"created_at"`
	RemovalAttemptedAt *time.Time `json:"removal_attempted_at,omitempty"`
	RemovedAt          *time.Time `json:"removed_at,omitempty"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Phase     *string    `json:"phase,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// AuditEntry represents an operator action that outlives its run.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  string    `json:"target_id"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Runs
	CreateRun(ctx context.Context, run *Run, phases []*PhaseResult) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Phase results
	ListPhaseResults(ctx context.Context, runID string) ([]*PhaseResult, error)
	UpdatePhaseResult(ctx context.Context, result *PhaseResult) error

	// Continuations
	PutContinuation(ctx context.Context, c *Continuation) error
	GetContinuation(ctx context.Context, runID string) (*Continuation, error)
	ClaimContinuation(ctx context.Context, runID string, at time.Time) (bool, error)
	ClearContinuation(ctx context.Context, runID string, at time.Time) error
	DeleteContinuation(ctx context.Context, runID string) error

	// Credentials
	PutCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, runID string) (*Credential, error)
	BeginCredentialRemoval(ctx context.Context, runID string, at time.Time) (bool, error)
	CompleteCredentialRemoval(ctx context.Context, runID string, at time.Time) error

	// Events
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string) ([]*Event, error)

	// Audit
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, targetID string) ([]*AuditEntry, error)
}
