package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmove/pkg/stores"
)

// Manager reads and writes checkpoints. Every method persists its change
// before returning.
type Manager struct {
	store   stores.Store
	trigger Trigger
	clock   clock.Clock
	logger  zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// NewManager creates a checkpoint manager.
func NewManager(store stores.Store, trigger Trigger, logger zerolog.Logger, opts ...Option) *Manager {
	if trigger == nil {
		trigger = NewNopTrigger()
	}
	m := &Manager{
		store:   store,
		trigger: trigger,
		clock:   clock.WallClock,
		logger:  logger.With().Str("component", "checkpoint").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create records a new run with every phase pending.
func (m *Manager) Create(ctx context.Context, nr NewRun) (*Checkpoint, error) {
	now := m.clock.Now().UTC()
	plan := string(nr.Plan)
	if plan == "" {
		plan = "[]"
	}

	run := &stores.Run{
		ID:         nr.RunID,
		ConfigPath: nr.ConfigPath,
		Plan:       plan,
		State:      string(RunStateInProgress),
		DryRun:     nr.DryRun,
		Artifacts:  "{}",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	phases := make([]*stores.PhaseResult, 0, len(nr.Phases))
	for i, name := range nr.Phases {
		phases = append(phases, &stores.PhaseResult{
			RunID:     nr.RunID,
			Seq:       i,
			Name:      name,
			Status:    string(PhaseStatusPending),
			UpdatedAt: now,
		})
	}

	if err := m.store.CreateRun(ctx, run, phases); err != nil {
		return nil, err
	}
	m.event(ctx, nr.RunID, "", stores.EventLevelInfo, "run created")

	return m.Load(ctx, nr.RunID)
}

// Load reads the checkpoint of a run. It returns ErrNotFound when none exists.
func (m *Manager) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, err
	}

	cp, err := m.fromRun(run)
	if err != nil {
		return nil, err
	}

	results, err := m.store.ListPhaseResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		cp.Phases = append(cp.Phases, phaseFromStore(r))
	}

	cont, err := m.store.GetContinuation(ctx, runID)
	switch {
	case err == nil:
		cp.Continuation = &Continuation{
			RunID:        cont.RunID,
			Phase:        cont.Phase,
			Principal:    cont.Principal,
			ConfigPath:   run.ConfigPath,
			TriggerRef:   cont.TriggerRef,
			RegisteredAt: cont.RegisteredAt,
			ConsumedAt:   cont.ConsumedAt,
			ClearedAt:    cont.ClearedAt,
		}
	case !errors.Is(err, stores.ErrNotFound):
		return nil, err
	}

	cred, err := m.store.GetCredential(ctx, runID)
	switch {
	case err == nil:
		cp.Credential = &TemporaryCredential{
			Principal:          cred.Principal,
			SecretRef:          cred.SecretRef,
			CreatedAt:          cred.CreatedAt,
			RemovalAttemptedAt: cred.RemovalAttemptedAt,
			RemovedAt:          cred.RemovedAt,
		}
	case !errors.Is(err, stores.ErrNotFound):
		return nil, err
	}

	return cp, nil
}

// List returns the most recent checkpoints without their phase details.
func (m *Manager) List(ctx context.Context, limit int) ([]*Checkpoint, error) {
	runs, err := m.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(runs))
	for _, run := range runs {
		cp, err := m.fromRun(run)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// RecordTransition persists a phase status change.
func (m *Manager) RecordTransition(ctx context.Context, runID, phase string, tr Transition) error {
	if err := tr.Status.Validate(); err != nil {
		return err
	}

	results, err := m.store.ListPhaseResults(ctx, runID)
	if err != nil {
		return err
	}
	var current *stores.PhaseResult
	for _, r := range results {
		if r.Name == phase {
			current = r
			break
		}
	}
	if current == nil {
		return fmt.Errorf("phase %s is not part of run %s: %w", phase, runID, ErrNotFound)
	}

	from := PhaseStatus(current.Status)
	if !from.CanTransition(tr.Status) {
		return fmt.Errorf("invalid phase transition %s: %s -> %s", phase, from, tr.Status)
	}

	now := m.clock.Now().UTC()
	next := *current
	next.Status = string(tr.Status)
	next.Decision = tr.Decision
	next.Detail = tr.Detail
	next.ErrorSummary = nil
	next.UpdatedAt = now
	if tr.Err != nil {
		msg := tr.Err.Error()
		next.ErrorSummary = &msg
	}

	switch tr.Status {
	case PhaseStatusRunning:
		if from != PhaseStatusRunning {
			next.StartedAt = &now
			next.EndedAt = nil
		}
	case PhaseStatusPending:
		next.StartedAt = nil
		next.EndedAt = nil
	default:
		if from != tr.Status {
			next.EndedAt = &now
		}
	}

	if err := m.store.UpdatePhaseResult(ctx, &next); err != nil {
		return err
	}

	level := stores.EventLevelInfo
	if tr.Status == PhaseStatusFailed {
		level = stores.EventLevelError
	}
	msg := fmt.Sprintf("phase %s", tr.Status)
	if tr.Decision != "" {
		msg += " (" + tr.Decision + ")"
	}
	m.event(ctx, runID, phase, level, msg)

	return nil
}

// SetState persists the run state. errMsg may be empty.
func (m *Manager) SetState(ctx context.Context, runID string, state RunState, errMsg string) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	now := m.clock.Now().UTC()
	run.State = string(state)
	run.UpdatedAt = now
	run.Error = nil
	if errMsg != "" {
		run.Error = &errMsg
	}
	run.CompletedAt = nil
	if state.IsTerminal() {
		run.CompletedAt = &now
	}

	if err := m.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	m.event(ctx, runID, "", stores.EventLevelInfo, "run "+string(state))
	return nil
}

// SetResumePhase persists the phase the next invocation starts at. An empty
// phase clears the pointer.
func (m *Manager) SetResumePhase(ctx context.Context, runID, phase string) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.PendingResumePhase = nil
	if phase != "" {
		run.PendingResumePhase = &phase
	}
	run.UpdatedAt = m.clock.Now().UTC()
	return m.store.UpdateRun(ctx, run)
}

// SetArtifact records a value produced by a phase for later phases.
func (m *Manager) SetArtifact(ctx context.Context, runID, key, value string) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	artifacts := map[string]string{}
	if run.Artifacts != "" {
		if err := json.Unmarshal([]byte(run.Artifacts), &artifacts); err != nil {
			return fmt.Errorf("failed to decode artifacts: %w", err)
		}
	}
	artifacts[key] = value

	data, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("failed to encode artifacts: %w", err)
	}
	run.Artifacts = string(data)
	run.UpdatedAt = m.clock.Now().UTC()
	return m.store.UpdateRun(ctx, run)
}

// RegisterContinuation records nextPhase as the resume point and installs a
// trigger for principal. The record is written before the trigger is
// installed; if installation fails the record is withdrawn and the caller
// must not reboot.
func (m *Manager) RegisterContinuation(ctx context.Context, runID, nextPhase, principal string) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if err := m.SetResumePhase(ctx, runID, nextPhase); err != nil {
		return fmt.Errorf("failed to record resume phase: %w", err)
	}

	now := m.clock.Now().UTC()
	row := &stores.Continuation{
		RunID:        runID,
		Phase:        nextPhase,
		Principal:    principal,
		RegisteredAt: now,
	}
	if err := m.store.PutContinuation(ctx, row); err != nil {
		return err
	}

	ref, err := m.trigger.Install(ctx, Continuation{
		RunID:        runID,
		Phase:        nextPhase,
		Principal:    principal,
		ConfigPath:   run.ConfigPath,
		RegisteredAt: now,
	})
	if err != nil {
		if derr := m.store.DeleteContinuation(ctx, runID); derr != nil {
			m.logger.Error().Err(derr).Str("run_id", runID).Msg("Failed to withdraw continuation record")
		}
		m.event(ctx, runID, nextPhase, stores.EventLevelError, "continuation trigger install failed: "+err.Error())
		return fmt.Errorf("failed to install continuation trigger: %w", err)
	}

	row.TriggerRef = ref
	if err := m.store.PutContinuation(ctx, row); err != nil {
		_ = m.trigger.Remove(ctx, ref)
		return err
	}

	m.event(ctx, runID, nextPhase, stores.EventLevelInfo, "continuation registered for "+principal)
	m.logger.Info().
		Str("run_id", runID).
		Str("resume_phase", nextPhase).
		Str("principal", principal).
		Msg("Continuation registered")
	return nil
}

// ClaimContinuation consumes the continuation of a run. Only the first
// caller after registration gets true.
func (m *Manager) ClaimContinuation(ctx context.Context, runID string) (bool, error) {
	claimed, err := m.store.ClaimContinuation(ctx, runID, m.clock.Now().UTC())
	if err != nil {
		return false, err
	}
	if claimed {
		m.event(ctx, runID, "", stores.EventLevelInfo, "continuation claimed")
	}
	return claimed, nil
}

// ClearContinuation uninstalls the trigger and marks the continuation
// cleared. It is safe to call repeatedly and for runs without one.
func (m *Manager) ClearContinuation(ctx context.Context, runID string) error {
	cont, err := m.store.GetContinuation(ctx, runID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.trigger.Remove(ctx, cont.TriggerRef); err != nil {
		return fmt.Errorf("failed to remove continuation trigger: %w", err)
	}
	if cont.ClearedAt != nil {
		return nil
	}
	if err := m.store.ClearContinuation(ctx, runID, m.clock.Now().UTC()); err != nil {
		return err
	}
	m.event(ctx, runID, "", stores.EventLevelInfo, "continuation cleared")
	return nil
}

// RecordCredential records the temporary account of a run.
func (m *Manager) RecordCredential(ctx context.Context, runID string, cred TemporaryCredential) error {
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = m.clock.Now().UTC()
	}
	return m.store.PutCredential(ctx, &stores.Credential{
		RunID:     runID,
		Principal: cred.Principal,
		SecretRef: cred.SecretRef,
		CreatedAt: cred.CreatedAt,
	})
}

// BeginCredentialRemoval stamps the single removal attempt. It returns false
// when a removal was already attempted or no credential exists.
func (m *Manager) BeginCredentialRemoval(ctx context.Context, runID string) (bool, error) {
	return m.store.BeginCredentialRemoval(ctx, runID, m.clock.Now().UTC())
}

// CompleteCredentialRemoval stamps a successful removal.
func (m *Manager) CompleteCredentialRemoval(ctx context.Context, runID string) error {
	return m.store.CompleteCredentialRemoval(ctx, runID, m.clock.Now().UTC())
}

// Delete clears the continuation and removes the checkpoint.
func (m *Manager) Delete(ctx context.Context, runID string) error {
	if err := m.ClearContinuation(ctx, runID); err != nil {
		return err
	}
	if err := m.store.DeleteRun(ctx, runID); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return err
	}
	m.logger.Info().Str("run_id", runID).Msg("Checkpoint deleted")
	return nil
}

// Log appends a message to the run log.
func (m *Manager) Log(ctx context.Context, runID, phase string, level stores.EventLevel, msg string) {
	m.event(ctx, runID, phase, level, msg)
}

// Audit records an operator action that survives checkpoint deletion.
func (m *Manager) Audit(ctx context.Context, action, actor, runID string, details map[string]string) error {
	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     actor,
		TargetID:  runID,
		Timestamp: m.clock.Now().UTC(),
	}
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		s := string(data)
		entry.Details = &s
	}
	return m.store.CreateAuditEntry(ctx, entry)
}

// Events returns the run log.
func (m *Manager) Events(ctx context.Context, runID string) ([]*stores.Event, error) {
	return m.store.ListEvents(ctx, runID)
}

func (m *Manager) event(ctx context.Context, runID, phase string, level stores.EventLevel, msg string) {
	ev := &stores.Event{
		RunID:     &runID,
		Level:     level,
		Message:   msg,
		Timestamp: m.clock.Now().UTC(),
	}
	if phase != "" {
		ev.Phase = &phase
	}
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		m.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to append run event")
	}
}

func (m *Manager) fromRun(run *stores.Run) (*Checkpoint, error) {
	cp := &Checkpoint{
		RunID:      run.ID,
		ConfigPath: run.ConfigPath,
		DryRun:     run.DryRun,
		State:      RunState(run.State),
		Artifacts:  map[string]string{},
		Plan:       []byte(run.Plan),
		CreatedAt:  run.CreatedAt,
		UpdatedAt:  run.UpdatedAt,
	}
	if run.PendingResumePhase != nil {
		cp.PendingResumePhase = *run.PendingResumePhase
	}
	if run.Error != nil {
		cp.Error = *run.Error
	}
	if run.Artifacts != "" {
		if err := json.Unmarshal([]byte(run.Artifacts), &cp.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to decode artifacts of run %s: %w", run.ID, err)
		}
	}
	return cp, nil
}

func phaseFromStore(r *stores.PhaseResult) PhaseResult {
	p := PhaseResult{
		Name:      r.Name,
		Status:    PhaseStatus(r.Status),
		Decision:  r.Decision,
		Detail:    r.Detail,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
	}
	if r.ErrorSummary != nil {
		p.Error = *r.ErrorSummary
	}
	return p
}
