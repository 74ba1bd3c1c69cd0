package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/checkpoint"
	"github.com/openfroyo/hostmove/pkg/config"
	"github.com/openfroyo/hostmove/pkg/secrets"
)

// Phase names in plan order.
const (
	PhasePreflight         = "preflight"
	PhaseBackup            = "backup"
	PhaseRecoveryExport    = "recovery-export"
	PhaseTempAccountCreate = "temp-account-create"
	PhaseDomainLeave       = "domain-leave"
	PhaseTargetJoin        = "target-join"
	PhaseProfileRestore    = "profile-restore"
	PhaseTempAccountRemove = "temp-account-remove"
)

// Artifact keys recorded in the checkpoint for later phases.
const (
	ArtifactBackupDir     = "backup_dir"
	ArtifactRecoveryDir   = "recovery_dir"
	ArtifactSourceDomain  = "source_domain"
	ArtifactTargetTenant  = "target_tenant"
	ArtifactTargetDevice  = "target_device"
	ArtifactRestoreReport = "restore_report"
)

// Decisions shared by several phases.
const (
	DecisionDisabled      = "disabled"
	DecisionSkippedByFlag = "skipped-by-operator"
	DecisionInterrupted   = "interrupted"
)

// PhaseSpec declares one phase of a plan.
type PhaseSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Mutating phases change host state. They never run after a
	// prerequisite failure.
	Mutating bool `json:"mutating"`

	// RequiresReboot phases end the invocation on success; the run
	// resumes at the next phase after the host restarts.
	RequiresReboot bool `json:"requires_reboot,omitempty"`

	// Skippable phases honor an operator skip flag.
	Skippable bool `json:"skippable,omitempty"`

	// Enabled is false when configuration turns the phase off.
	Enabled        bool   `json:"enabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`
}

// Plan is the ordered list of phases of a run.
type Plan struct {
	Phases []PhaseSpec `json:"phases"`
}

// Outcome is what a phase step reports back.
type Outcome struct {
	// Decision labels the branch the phase took.
	Decision string

	Detail string

	// NotApplicable records the phase as skipped rather than succeeded.
	NotApplicable bool

	// Artifacts are persisted in the checkpoint whether or not the step
	// returned an error.
	Artifacts map[string]string
}

// Step executes one phase. The context passed to a step is not cancelled
// by an operator interrupt; steps that wait check rc.Interrupted between
// waits so a mutation is never cut off halfway.
type Step func(ctx context.Context, rc *RunContext) (Outcome, error)

// RunOptions selects how a run is executed.
type RunOptions struct {
	// RunID resumes or names a run. Empty generates a new identifier.
	RunID string

	ConfigPath string
	DryRun     bool

	// Skip names skippable phases the operator turned off.
	Skip []string

	// Actor is recorded in the audit log for operator actions.
	Actor string
}

// RunContext carries the state of one invocation. It is rebuilt on every
// invocation; everything that must survive a reboot lives in the checkpoint.
type RunContext struct {
	RunID      string
	Config     *config.Config
	ConfigPath string
	DryRun     bool
	Skip       map[string]bool
	Actor      string
	Logger     zerolog.Logger

	// Checkpoint is the last loaded checkpoint of the run.
	Checkpoint *checkpoint.Checkpoint

	gateway     capability.Gateway
	interrupt   context.Context
	leaveSecret *secrets.Secret
	tempSecret  *secrets.Secret

	// resumed is set when the invocation claimed a continuation.
	resumed bool
}

// NewRunContext prepares an invocation of the run named in opts.
func NewRunContext(cfg *config.Config, opts RunOptions, logger zerolog.Logger) *RunContext {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	skip := make(map[string]bool, len(opts.Skip))
	for _, name := range opts.Skip {
		skip[name] = true
	}
	actor := opts.Actor
	if actor == "" {
		actor = cfg.Principal
	}
	return &RunContext{
		RunID:      runID,
		Config:     cfg,
		ConfigPath: opts.ConfigPath,
		DryRun:     opts.DryRun,
		Skip:       skip,
		Actor:      actor,
		Logger:     logger.With().Str("run_id", runID).Logger(),
	}
}

// Gateway returns the gateway phases of this invocation act through.
func (rc *RunContext) Gateway() capability.Gateway {
	return rc.gateway
}

// Interrupted is closed when the operator interrupts the run.
func (rc *RunContext) Interrupted() <-chan struct{} {
	if rc.interrupt == nil {
		return nil
	}
	return rc.interrupt.Done()
}

// Artifact returns a value recorded by an earlier phase.
func (rc *RunContext) Artifact(key string) string {
	if rc.Checkpoint == nil {
		return ""
	}
	return rc.Checkpoint.Artifacts[key]
}

// RunSummary reports the outcome of an invocation.
type RunSummary struct {
	RunID  string              `json:"run_id"`
	State  checkpoint.RunState `json:"state"`
	DryRun bool                `json:"dry_run"`

	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`

	Phases   []PhaseSummary `json:"phases"`
	Failures []PhaseFailure `json:"failures,omitempty"`

	// RebootRequired is set when the invocation stopped for a reboot and
	// a continuation is registered for ResumePhase.
	RebootRequired bool   `json:"reboot_required,omitempty"`
	ResumePhase    string `json:"resume_phase,omitempty"`

	Error string `json:"error,omitempty"`
}

// PhaseSummary is one row of a run summary.
type PhaseSummary struct {
	Name     string                 `json:"name"`
	Status   checkpoint.PhaseStatus `json:"status"`
	Decision string                 `json:"decision,omitempty"`
	Detail   string                 `json:"detail,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Duration time.Duration          `json:"duration,omitempty"`
}

// PhaseFailure names a failed phase and its cause.
type PhaseFailure struct {
	Phase string `json:"phase"`
	Cause string `json:"cause"`
}

// RollbackOptions selects what a rollback undoes.
type RollbackOptions struct {
	// RestoreData restores the profile from the run's backup.
	RestoreData bool
}

// RollbackReport lists what a rollback did.
type RollbackReport struct {
	RunID               string   `json:"run_id"`
	CredentialRemoved   bool     `json:"credential_removed"`
	ContinuationCleared bool     `json:"continuation_cleared"`
	RestoredFrom        string   `json:"restored_from,omitempty"`
	RestoredItems       int      `json:"restored_items,omitempty"`
	Notes               []string `json:"notes,omitempty"`
}
