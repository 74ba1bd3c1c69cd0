package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmove/pkg/backup"
	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/checkpoint"
	"github.com/openfroyo/hostmove/pkg/faults"
	"github.com/openfroyo/hostmove/pkg/preflight"
	"github.com/openfroyo/hostmove/pkg/secrets"
	"github.com/openfroyo/hostmove/pkg/telemetry"
)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Gateway     capability.Gateway
	Checkpoints *checkpoint.Manager
	Preflight   *preflight.Engine
	Backups     *backup.Service
	Secrets     *secrets.Resolver

	// Prompter answers at suspension points. Nil answers from the
	// configured failure policy.
	Prompter Prompter

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Orchestrator executes migration plans phase by phase.
type Orchestrator struct {
	gateway     capability.Gateway
	checkpoints *checkpoint.Manager
	preflight   *preflight.Engine
	backups     *backup.Service
	secrets     *secrets.Resolver
	prompter    Prompter
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	clock       clock.Clock
	logger      zerolog.Logger

	steps   map[string]Step
	restart bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock used for timing and join polling.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithStep replaces or adds the step executed for a phase.
func WithStep(phase string, step Step) Option {
	return func(o *Orchestrator) {
		o.steps[phase] = step
	}
}

// WithRestart makes the orchestrator restart the host after registering a
// continuation. Without it the caller restarts.
func WithRestart(restart bool) Option {
	return func(o *Orchestrator) {
		o.restart = restart
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Deps, logger zerolog.Logger, opts ...Option) (*Orchestrator, error) {
	if deps.Gateway == nil || deps.Checkpoints == nil {
		return nil, errors.New("orchestrator needs a gateway and a checkpoint manager")
	}

	o := &Orchestrator{
		gateway:     deps.Gateway,
		checkpoints: deps.Checkpoints,
		preflight:   deps.Preflight,
		backups:     deps.Backups,
		secrets:     deps.Secrets,
		prompter:    deps.Prompter,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		clock:       clock.WallClock,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
	}

	if o.secrets == nil {
		r, err := secrets.NewResolver()
		if err != nil {
			return nil, err
		}
		o.secrets = r
	}
	if o.metrics == nil {
		m, err := telemetry.NewMetrics(telemetry.MetricsConfig{})
		if err != nil {
			return nil, err
		}
		o.metrics = m
	}
	if o.tracer == nil {
		t, err := telemetry.NewTracer(telemetry.TracingConfig{}, "hostmove", "")
		if err != nil {
			return nil, err
		}
		o.tracer = t
	}

	o.steps = o.defaultSteps()
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes plan for the run named by rc, creating its checkpoint or
// continuing the recorded one. It returns when the run finishes, halts, or
// stops for a reboot; the summary is returned in every case where the
// checkpoint could be read.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan, rc *RunContext) (*RunSummary, error) {
	if err := plan.ValidateSkips(rc.Skip); err != nil {
		return nil, err
	}

	rc.interrupt = ctx
	rc.gateway = o.gateway
	if rc.DryRun {
		rc.gateway = capability.DryRun(o.gateway, rc.Logger)
	}

	// Checkpoint writes and phase work outlive an interrupt; the interrupt
	// is observed at phase boundaries and between join probes.
	work := context.WithoutCancel(ctx)
	work, span := o.tracer.StartRunSpan(work, rc.RunID, rc.DryRun)
	defer span.End()

	summary, err := o.execute(ctx, work, plan, rc)
	if err != nil {
		telemetry.RecordError(span, err, errorClass(err))
	} else {
		telemetry.RecordSuccess(span)
	}
	if summary != nil {
		o.metrics.RecordRun(string(summary.State))
	}
	return summary, err
}

// Resume claims the continuation of a run and runs it from the recorded
// resume phase. A continuation fires at most once: later claims return
// ErrContinuationConsumed without executing anything.
func (o *Orchestrator) Resume(ctx context.Context, plan *Plan, rc *RunContext) (*RunSummary, error) {
	claimed, err := o.checkpoints.ClaimContinuation(ctx, rc.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim continuation: %w", err)
	}
	if !claimed {
		rc.Logger.Info().Msg("Continuation already claimed; nothing to do")
		return nil, ErrContinuationConsumed
	}
	rc.resumed = true
	return o.Run(ctx, plan, rc)
}

func (o *Orchestrator) execute(interrupt, ctx context.Context, plan *Plan, rc *RunContext) (*RunSummary, error) {
	if err := o.open(ctx, plan, rc); err != nil {
		return nil, err
	}
	cp := rc.Checkpoint

	start := 0
	if cp.PendingResumePhase != "" {
		if i := plan.Index(cp.PendingResumePhase); i >= 0 {
			start = i
		}
	}

	if name, ok := cp.Running(); ok {
		retry, summary, err := o.recoverInterrupted(ctx, rc, name)
		if err != nil || !retry {
			return summary, err
		}
		if i := plan.Index(name); i > start {
			start = i
		}
	}

	// A reboot phase that finished without the host restarting into the
	// next phase holds the run at the reboot boundary.
	if !rc.DryRun && !rc.resumed {
		if phase, next, ok := pendingReboot(plan, rc.Checkpoint); ok {
			return o.awaitReboot(ctx, rc, phase, next)
		}
	}

	rc.Logger.Info().
		Bool("dry_run", rc.DryRun).
		Str("start_phase", plan.Phases[start].Name).
		Int("phases", len(plan.Phases)).
		Msg("Run started")

	if err := o.resolveSecrets(ctx, plan, rc, start); err != nil {
		return o.abort(ctx, rc, plan.Phases[start].Name, err)
	}

	cleared := false
	for i := start; i < len(plan.Phases); i++ {
		spec := plan.Phases[i]

		if rec := rc.Checkpoint.Phase(spec.Name); rec != nil {
			switch {
			case rec.Status == checkpoint.PhaseStatusSucceeded || rec.Status == checkpoint.PhaseStatusSkipped:
				rc.Logger.Debug().Str("phase", spec.Name).Str("status", string(rec.Status)).Msg("Phase already done")
				continue
			case rec.Status == checkpoint.PhaseStatusFailed && i != start:
				continue
			}
		}

		if err := interrupt.Err(); err != nil {
			rc.Logger.Warn().Str("phase", spec.Name).Msg("Run interrupted at phase boundary")
			return o.abort(ctx, rc, spec.Name, err)
		}

		outcome, err := o.runPhase(ctx, rc, spec)

		if rc.resumed && !cleared {
			if cerr := o.checkpoints.ClearContinuation(ctx, rc.RunID); cerr != nil {
				rc.Logger.Warn().Err(cerr).Msg("Failed to clear continuation")
			} else {
				cleared = true
			}
		}

		if err != nil {
			if faults.IsBlocking(err) || interrupted(err) {
				return o.abort(ctx, rc, spec.Name, err)
			}
			if rc.DryRun {
				continue
			}
			proceed, perr := o.prompterFor(rc).ConfirmContinue(ctx, spec.Name, err)
			if perr != nil {
				return o.abort(ctx, rc, spec.Name, errors.Join(err, perr))
			}
			if !proceed {
				rc.Logger.Warn().Str("phase", spec.Name).Msg("Operator chose to abort after phase failure")
				return o.abort(ctx, rc, spec.Name, err)
			}
			rc.Logger.Warn().Str("phase", spec.Name).Msg("Continuing after phase failure")
			continue
		}

		if spec.RequiresReboot && !outcome.NotApplicable {
			next := plan.Next(spec.Name)
			if rc.DryRun {
				rc.Logger.Info().
					Str("phase", spec.Name).
					Str("resume_phase", next).
					Msg("dry-run: would register continuation and restart")
				continue
			}
			if next != "" {
				return o.suspend(ctx, rc, spec.Name, next)
			}
		}
	}

	return o.finish(ctx, rc)
}

// open loads the checkpoint of rc or creates it.
func (o *Orchestrator) open(ctx context.Context, plan *Plan, rc *RunContext) error {
	cp, err := o.checkpoints.Load(ctx, rc.RunID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		encoded, err := plan.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		cp, err = o.checkpoints.Create(ctx, checkpoint.NewRun{
			RunID:      rc.RunID,
			ConfigPath: rc.ConfigPath,
			DryRun:     rc.DryRun,
			Phases:     plan.Names(),
			Plan:       encoded,
		})
		if err != nil {
			return fmt.Errorf("failed to create checkpoint: %w", err)
		}
		rc.Logger.Info().Msg("Checkpoint created")
	case err != nil:
		return fmt.Errorf("failed to load checkpoint: %w", err)
	default:
		names := make([]string, len(cp.Phases))
		for i, p := range cp.Phases {
			names[i] = p.Name
		}
		if !plan.Matches(names) {
			return faults.Configuration("configuration no longer matches the recorded run", ErrPlanChanged).
				WithCode(faults.CodeInvalidConfig)
		}
		if cp.State.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrRunFinished, rc.RunID, cp.State)
		}
		if cp.State == checkpoint.RunStateAborted {
			if err := o.checkpoints.SetState(ctx, rc.RunID, checkpoint.RunStateInProgress, ""); err != nil {
				return err
			}
		}
		rc.Logger.Info().
			Str("state", string(cp.State)).
			Str("resume_phase", cp.PendingResumePhase).
			Msg("Checkpoint loaded")
	}
	rc.Checkpoint = cp
	return o.reload(ctx, rc)
}

// recoverInterrupted records a phase left running by a previous invocation
// as failed and asks whether to retry it.
func (o *Orchestrator) recoverInterrupted(ctx context.Context, rc *RunContext, phase string) (bool, *RunSummary, error) {
	ierr := faults.Mutation(fmt.Sprintf("phase %s was interrupted before it finished", phase), nil).
		WithCode(faults.CodeInterrupted).
		WithPhase(phase)

	rc.Logger.Warn().Str("phase", phase).Msg("Found phase interrupted by a previous invocation")
	if err := o.transition(ctx, rc, phase, checkpoint.Transition{
		Status:   checkpoint.PhaseStatusFailed,
		Decision: DecisionInterrupted,
		Err:      ierr,
	}); err != nil {
		return false, o.current(rc), err
	}
	o.metrics.RecordPhase(phase, string(checkpoint.PhaseStatusFailed), 0)

	if rc.DryRun {
		return true, nil, nil
	}
	retry, err := o.prompterFor(rc).ConfirmContinue(ctx, phase, ierr)
	if err != nil {
		summary, aerr := o.abort(ctx, rc, phase, errors.Join(ierr, err))
		return false, summary, aerr
	}
	if !retry {
		summary, aerr := o.abort(ctx, rc, phase, ierr)
		return false, summary, aerr
	}
	return true, nil, nil
}

// resolveSecrets resolves the secrets of the phases this invocation can
// reach, before any of them runs.
func (o *Orchestrator) resolveSecrets(ctx context.Context, plan *Plan, rc *RunContext, start int) error {
	cfg := rc.Config
	reaches := func(name string) bool {
		i := plan.Index(name)
		if i < start || !plan.Phases[i].Enabled {
			return false
		}
		rec := rc.Checkpoint.Phase(name)
		return rec == nil || !(rec.Status == checkpoint.PhaseStatusSucceeded || rec.Status == checkpoint.PhaseStatusSkipped)
	}

	if reaches(PhaseTempAccountCreate) && rc.Checkpoint.Credential == nil {
		s, err := o.secrets.Resolve(cfg.TempAccount.SecretRef)
		if err != nil {
			return err
		}
		rc.tempSecret = s
	}

	if reaches(PhaseDomainLeave) {
		switch {
		case cfg.DomainLeave.SecretRef != "":
			s, err := o.secrets.Resolve(cfg.DomainLeave.SecretRef)
			if err != nil {
				return err
			}
			rc.leaveSecret = s
		case rc.DryRun:
			rc.Logger.Info().Str("user", cfg.DomainLeave.User).Msg("dry-run: would prompt for the leave credential")
			rc.leaveSecret = secrets.NewSecret("dry-run", nil)
		default:
			s, err := o.prompterFor(rc).LeaveCredential(ctx, cfg.DomainLeave.User)
			if err != nil {
				return err
			}
			rc.leaveSecret = s
		}
	}
	return nil
}

// runPhase records and executes one phase.
func (o *Orchestrator) runPhase(ctx context.Context, rc *RunContext, spec PhaseSpec) (Outcome, error) {
	logger := rc.Logger.With().Str("phase", spec.Name).Logger()

	switch {
	case !spec.Enabled:
		return o.skip(ctx, rc, spec.Name, DecisionDisabled, spec.DisabledReason)
	case spec.Skippable && rc.Skip[spec.Name]:
		return o.skip(ctx, rc, spec.Name, DecisionSkippedByFlag, "skipped by operator flag")
	}

	step, ok := o.steps[spec.Name]
	if !ok {
		return Outcome{}, faults.Configuration("no step registered for phase "+spec.Name, nil).
			WithPhase(spec.Name)
	}

	if err := o.transition(ctx, rc, spec.Name, checkpoint.Transition{Status: checkpoint.PhaseStatusRunning}); err != nil {
		return Outcome{}, err
	}
	logger.Info().Bool("mutating", spec.Mutating).Msg("Phase started")

	phaseCtx, span := o.tracer.StartPhaseSpan(ctx, rc.RunID, spec.Name)
	defer span.End()

	started := o.clock.Now()
	outcome, err := step(phaseCtx, rc)
	elapsed := o.clock.Now().Sub(started)

	for key, value := range outcome.Artifacts {
		if aerr := o.checkpoints.SetArtifact(ctx, rc.RunID, key, value); aerr != nil {
			logger.Error().Err(aerr).Str("artifact", key).Msg("Failed to record artifact")
			if err == nil {
				err = aerr
			}
		}
	}

	span.SetAttributes(telemetry.AttrDecision.String(outcome.Decision))

	if err != nil {
		err = withPhase(err, spec.Name)
		class := errorClass(err)
		telemetry.RecordError(span, err, class)
		o.metrics.RecordPhase(spec.Name, string(checkpoint.PhaseStatusFailed), elapsed)
		o.metrics.RecordError(class)

		logger.Error().
			Err(err).
			Str("class", class).
			Str("decision", outcome.Decision).
			Dur("duration", elapsed).
			Msg("Phase failed")

		if terr := o.transition(ctx, rc, spec.Name, checkpoint.Transition{
			Status:   checkpoint.PhaseStatusFailed,
			Decision: outcome.Decision,
			Detail:   outcome.Detail,
			Err:      err,
		}); terr != nil {
			return outcome, errors.Join(err, terr)
		}
		return outcome, err
	}

	status := checkpoint.PhaseStatusSucceeded
	if outcome.NotApplicable {
		status = checkpoint.PhaseStatusSkipped
	}
	if err := o.transition(ctx, rc, spec.Name, checkpoint.Transition{
		Status:   status,
		Decision: outcome.Decision,
		Detail:   outcome.Detail,
	}); err != nil {
		return outcome, err
	}

	telemetry.RecordSuccess(span)
	span.SetAttributes(telemetry.AttrStatus.String(string(status)))
	o.metrics.RecordPhase(spec.Name, string(status), elapsed)
	logger.Info().
		Str("status", string(status)).
		Str("decision", outcome.Decision).
		Dur("duration", elapsed).
		Msg("Phase finished")
	return outcome, nil
}

func (o *Orchestrator) skip(ctx context.Context, rc *RunContext, phase, decision, detail string) (Outcome, error) {
	outcome := Outcome{Decision: decision, Detail: detail, NotApplicable: true}
	if err := o.transition(ctx, rc, phase, checkpoint.Transition{
		Status:   checkpoint.PhaseStatusSkipped,
		Decision: decision,
		Detail:   detail,
	}); err != nil {
		return outcome, err
	}
	o.metrics.RecordPhase(phase, string(checkpoint.PhaseStatusSkipped), 0)
	rc.Logger.Info().Str("phase", phase).Str("decision", decision).Str("reason", detail).Msg("Phase skipped")
	return outcome, nil
}

// transition persists a phase status change and reloads the checkpoint.
func (o *Orchestrator) transition(ctx context.Context, rc *RunContext, phase string, tr checkpoint.Transition) error {
	if rec := rc.Checkpoint.Phase(phase); rec != nil &&
		rec.Status == checkpoint.PhaseStatusFailed && tr.Status == checkpoint.PhaseStatusSkipped {
		if err := o.checkpoints.RecordTransition(ctx, rc.RunID, phase, checkpoint.Transition{
			Status: checkpoint.PhaseStatusPending,
		}); err != nil {
			return fmt.Errorf("failed to reset phase %s: %w", phase, err)
		}
	}
	if err := o.checkpoints.RecordTransition(ctx, rc.RunID, phase, tr); err != nil {
		return fmt.Errorf("failed to record phase %s as %s: %w", phase, tr.Status, err)
	}
	return o.reload(ctx, rc)
}

func (o *Orchestrator) reload(ctx context.Context, rc *RunContext) error {
	cp, err := o.checkpoints.Load(ctx, rc.RunID)
	if err != nil {
		return fmt.Errorf("failed to reload checkpoint: %w", err)
	}
	rc.Checkpoint = cp
	return nil
}

// suspend registers the continuation for next and ends the invocation. The
// host must not restart when registration fails.
func (o *Orchestrator) suspend(ctx context.Context, rc *RunContext, phase, next string) (*RunSummary, error) {
	principal := rc.Config.Principal
	if cred := rc.Checkpoint.Credential; cred != nil && cred.RemovedAt == nil {
		principal = cred.Principal
	}

	if err := o.checkpoints.RegisterContinuation(ctx, rc.RunID, next, principal); err != nil {
		return o.abort(ctx, rc, phase, faults.Mutation("failed to register continuation; do not restart", err).
			WithPhase(phase))
	}
	if err := o.reload(ctx, rc); err != nil {
		return o.current(rc), err
	}

	summary := summarize(rc.Checkpoint)
	summary.RebootRequired = true
	summary.ResumePhase = next

	rc.Logger.Info().
		Str("phase", phase).
		Str("resume_phase", next).
		Str("principal", principal).
		Msg("Restart required; run resumes after login")

	if o.restart {
		if err := rc.gateway.RestartHost(ctx); err != nil {
			rc.Logger.Error().Err(err).Msg("Failed to restart host; restart manually to continue")
		}
	}
	return summary, nil
}

// pendingReboot finds a reboot phase that succeeded while the phase after it
// has not started and no continuation for it has fired.
func pendingReboot(plan *Plan, cp *checkpoint.Checkpoint) (string, string, bool) {
	for _, spec := range plan.Phases {
		if !spec.RequiresReboot {
			continue
		}
		if rec := cp.Phase(spec.Name); rec == nil || rec.Status != checkpoint.PhaseStatusSucceeded {
			continue
		}
		next := plan.Next(spec.Name)
		if next == "" {
			continue
		}
		if rec := cp.Phase(next); rec != nil && rec.Status != checkpoint.PhaseStatusPending {
			continue
		}
		if c := cp.Continuation; c != nil && c.Phase == next && c.ConsumedAt != nil {
			continue
		}
		return spec.Name, next, true
	}
	return "", "", false
}

// awaitReboot re-enters the reboot boundary after phase. A live
// continuation is left in place; a missing one is registered again.
func (o *Orchestrator) awaitReboot(ctx context.Context, rc *RunContext, phase, next string) (*RunSummary, error) {
	if !rc.Checkpoint.Continuation.Live() {
		rc.Logger.Warn().
			Str("phase", phase).
			Str("resume_phase", next).
			Msg("Host has not restarted since the reboot phase; registering the continuation again")
		return o.suspend(ctx, rc, phase, next)
	}

	rc.Logger.Info().
		Str("phase", phase).
		Str("resume_phase", next).
		Msg("Run is waiting for a restart")
	summary := summarize(rc.Checkpoint)
	summary.RebootRequired = true
	summary.ResumePhase = next
	return summary, nil
}

// abort halts the run with phase as its resume point.
func (o *Orchestrator) abort(ctx context.Context, rc *RunContext, phase string, cause error) (*RunSummary, error) {
	rc.Logger.Error().Err(cause).Str("phase", phase).Msg("Run aborted")

	errs := []error{cause}
	if err := o.checkpoints.SetResumePhase(ctx, rc.RunID, phase); err != nil {
		errs = append(errs, err)
	}
	if err := o.checkpoints.SetState(ctx, rc.RunID, checkpoint.RunStateAborted, cause.Error()); err != nil {
		errs = append(errs, err)
	}
	if err := o.checkpoints.ClearContinuation(ctx, rc.RunID); err != nil {
		errs = append(errs, err)
	}
	if err := o.reload(ctx, rc); err != nil {
		errs = append(errs, err)
	}
	return o.current(rc), errors.Join(errs...)
}

// finish records the final state. A run without failures has its
// checkpoint deleted; one with failures keeps it for inspection.
func (o *Orchestrator) finish(ctx context.Context, rc *RunContext) (*RunSummary, error) {
	state := checkpoint.RunStateCompleted
	for _, p := range rc.Checkpoint.Phases {
		if p.Status == checkpoint.PhaseStatusFailed {
			state = checkpoint.RunStateCompletedWithFailures
			break
		}
	}

	if err := o.checkpoints.ClearContinuation(ctx, rc.RunID); err != nil {
		return o.current(rc), err
	}
	if err := o.checkpoints.SetState(ctx, rc.RunID, state, ""); err != nil {
		return o.current(rc), err
	}
	if err := o.reload(ctx, rc); err != nil {
		return o.current(rc), err
	}
	summary := summarize(rc.Checkpoint)

	rc.Logger.Info().
		Str("state", string(state)).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("Run finished")

	if state == checkpoint.RunStateCompleted {
		if err := o.checkpoints.Delete(ctx, rc.RunID); err != nil {
			return summary, fmt.Errorf("failed to delete checkpoint: %w", err)
		}
	}
	return summary, nil
}

func (o *Orchestrator) current(rc *RunContext) *RunSummary {
	if rc.Checkpoint == nil {
		return nil
	}
	return summarize(rc.Checkpoint)
}

func (o *Orchestrator) prompterFor(rc *RunContext) Prompter {
	if o.prompter != nil {
		return o.prompter
	}
	return HeadlessPrompter{OnFailure: rc.Config.OnFailure}
}

// withPhase stamps phase on a classified error that has none.
func withPhase(err error, phase string) error {
	var fe *faults.Error
	if errors.As(err, &fe) && fe.Phase == "" {
		fe.Phase = phase
	}
	return err
}
