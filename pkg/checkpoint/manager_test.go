package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostmove/pkg/stores"
)

func setupManager(t *testing.T, trigger Trigger) (*Manager, *testclock.Clock) {
	t.Helper()

	store, err := stores.Open(context.Background(), stores.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewManager(store, trigger, zerolog.Nop(), WithClock(clk)), clk
}

func createRun(t *testing.T, m *Manager, phases ...string) *Checkpoint {
	t.Helper()
	cp, err := m.Create(context.Background(), NewRun{
		RunID:      "run-1",
		ConfigPath: "/etc/hostmove.yaml",
		Phases:     phases,
	})
	require.NoError(t, err)
	return cp
}

func TestCreateAndLoad(t *testing.T) {
	m, _ := setupManager(t, nil)
	cp := createRun(t, m, "a", "b", "c")

	assert.Equal(t, RunStateInProgress, cp.State)
	require.Len(t, cp.Phases, 3)
	for _, p := range cp.Phases {
		assert.Equal(t, PhaseStatusPending, p.Status)
	}
	assert.Nil(t, cp.Continuation)
	assert.Nil(t, cp.Credential)

	_, err := m.Load(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecordTransition(t *testing.T) {
	ctx := context.Background()
	m, clk := setupManager(t, nil)
	createRun(t, m, "a", "b")

	require.NoError(t, m.RecordTransition(ctx, "run-1", "a", Transition{Status: PhaseStatusRunning}))
	clk.Advance(time.Minute)
	require.NoError(t, m.RecordTransition(ctx, "run-1", "a", Transition{Status: PhaseStatusSucceeded, Decision: "copied"}))

	// recording the same terminal status again is harmless
	require.NoError(t, m.RecordTransition(ctx, "run-1", "a", Transition{Status: PhaseStatusSucceeded, Decision: "copied"}))

	require.NoError(t, m.RecordTransition(ctx, "run-1", "b", Transition{Status: PhaseStatusRunning}))
	require.NoError(t, m.RecordTransition(ctx, "run-1", "b", Transition{Status: PhaseStatusFailed, Err: errors.New("boom")}))

	cp, err := m.Load(ctx, "run-1")
	require.NoError(t, err)

	a := cp.Phase("a")
	require.NotNil(t, a)
	assert.Equal(t, PhaseStatusSucceeded, a.Status)
	assert.Equal(t, "copied", a.Decision)
	require.NotNil(t, a.StartedAt)
	require.NotNil(t, a.EndedAt)
	assert.Equal(t, time.Minute, a.EndedAt.Sub(*a.StartedAt))

	b := cp.Phase("b")
	assert.Equal(t, PhaseStatusFailed, b.Status)
	assert.Equal(t, "boom", b.Error)

	_, running := cp.Running()
	assert.False(t, running)
}

func TestRecordTransitionRejectsInvalidMoves(t *testing.T) {
	ctx := context.Background()
	m, _ := setupManager(t, nil)
	createRun(t, m, "a", "b")

	assert.Error(t, m.RecordTransition(ctx, "run-1", "a", Transition{Status: PhaseStatusSucceeded}))
	assert.Error(t, m.RecordTransition(ctx, "run-1", "a", Transition{Status: "bogus"}))
	assert.True(t, errors.Is(m.RecordTransition(ctx, "run-1", "zzz", Transition{Status: PhaseStatusRunning}), ErrNotFound))

	require.NoError(t, m.RecordTransition(ctx, "run-1", "a", Transition{Status: PhaseStatusSkipped}))
	assert.Error(t, m.RecordTransition(ctx, "run-1", "a", Transition{Status: PhaseStatusRunning}))
}

func TestAtMostOneRunningPhase(t *testing.T) {
	ctx := context.Background()
	m, _ := setupManager(t, nil)
	createRun(t, m, "a", "b")

	require.NoError(t, m.RecordTransition(ctx, "run-1", "a", Transition{Status: PhaseStatusRunning}))
	err := m.RecordTransition(ctx, "run-1", "b", Transition{Status: PhaseStatusRunning})
	assert.True(t, errors.Is(err, stores.ErrConflict))
}

func TestFailedPhaseCanBeRetried(t *testing.T) {
	ctx := context.Background()
	m, _ := setupManager(t, nil)
	createRun(t, m, "a")

	require.NoError(t, m.RecordTransition(ctx, "run-1", "a", Transition{Status: PhaseStatusRunning}))
	require.NoError(t, m.RecordTransition(ctx, "run-1", "a", Transition{Status: PhaseStatusFailed, Err: errors.New("x")}))
	require.NoError(t, m.RecordTransition(ctx, "run-1", "a", Transition{Status: PhaseStatusPending}))

	cp, err := m.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseStatusPending, cp.Phase("a").Status)
	assert.Empty(t, cp.Phase("a").Error)
	assert.Nil(t, cp.Phase("a").StartedAt)
}

func TestStateAndArtifacts(t *testing.T) {
	ctx := context.Background()
	m, _ := setupManager(t, nil)
	createRun(t, m, "a")

	require.NoError(t, m.SetArtifact(ctx, "run-1", "backup.dir", "/b/1"))
	require.NoError(t, m.SetArtifact(ctx, "run-1", "backup.manifest", "/b/1/manifest.json"))
	require.NoError(t, m.SetResumePhase(ctx, "run-1", "a"))
	require.NoError(t, m.SetState(ctx, "run-1", RunStateAborted, "operator halted"))

	cp, err := m.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStateAborted, cp.State)
	assert.Equal(t, "operator halted", cp.Error)
	assert.Equal(t, "a", cp.PendingResumePhase)
	assert.Equal(t, map[string]string{"backup.dir": "/b/1", "backup.manifest": "/b/1/manifest.json"}, cp.Artifacts)

	require.NoError(t, m.SetResumePhase(ctx, "run-1", ""))
	cp, err = m.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, cp.PendingResumePhase)
}

func TestContinuationLifecycle(t *testing.T) {
	ctx := context.Background()
	trigger := NewNopTrigger()
	m, _ := setupManager(t, trigger)
	createRun(t, m, "a", "b", "c")

	require.NoError(t, m.RegisterContinuation(ctx, "run-1", "c", "hostmove-admin"))
	assert.Equal(t, 1, trigger.Installed())

	cp, err := m.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "c", cp.PendingResumePhase)
	require.NotNil(t, cp.Continuation)
	assert.True(t, cp.Continuation.Live())
	assert.Equal(t, "nop:run-1", cp.Continuation.TriggerRef)
	assert.Equal(t, "/etc/hostmove.yaml", cp.Continuation.ConfigPath)

	// the trigger fires twice; only the first firing proceeds
	first, err := m.ClaimContinuation(ctx, "run-1")
	require.NoError(t, err)
	second, err := m.ClaimContinuation(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, m.ClearContinuation(ctx, "run-1"))
	require.NoError(t, m.ClearContinuation(ctx, "run-1"))
	assert.Equal(t, 0, trigger.Installed())

	cp, err = m.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, cp.Continuation.Live())
}

type failingTrigger struct{}

func (failingTrigger) Install(context.Context, Continuation) (string, error) {
	return "", errors.New("no user manager")
}

func (failingTrigger) Remove(context.Context, string) error { return nil }

func TestRegisterContinuationWithdrawsOnTriggerFailure(t *testing.T) {
	ctx := context.Background()
	m, _ := setupManager(t, failingTrigger{})
	createRun(t, m, "a", "b")

	err := m.RegisterContinuation(ctx, "run-1", "b", "alice")
	require.Error(t, err)

	cp, err := m.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, cp.Continuation)

	claimed, err := m.ClaimContinuation(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestCredentialRemovalAttemptedOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := setupManager(t, nil)
	createRun(t, m, "a")

	first, err := m.BeginCredentialRemoval(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, first, "no credential recorded yet")

	require.NoError(t, m.RecordCredential(ctx, "run-1", TemporaryCredential{Principal: "hostmove-admin", SecretRef: "env:PW"}))

	first, err = m.BeginCredentialRemoval(ctx, "run-1")
	require.NoError(t, err)
	second, err := m.BeginCredentialRemoval(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, m.CompleteCredentialRemoval(ctx, "run-1"))

	cp, err := m.Load(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, cp.Credential)
	assert.Equal(t, "env:PW", cp.Credential.SecretRef)
	assert.NotNil(t, cp.Credential.RemovedAt)
}

func TestDeleteClearsContinuation(t *testing.T) {
	ctx := context.Background()
	trigger := NewNopTrigger()
	m, _ := setupManager(t, trigger)
	createRun(t, m, "a", "b")

	require.NoError(t, m.RegisterContinuation(ctx, "run-1", "b", "alice"))
	require.NoError(t, m.Audit(ctx, "abandon", "root", "run-1", map[string]string{"reason": "test"}))
	require.NoError(t, m.Delete(ctx, "run-1"))
	assert.Equal(t, 0, trigger.Installed())

	_, err := m.Load(ctx, "run-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(m.Delete(ctx, "run-1"), ErrNotFound))
}

func TestEventsRecordTransitions(t *testing.T) {
	ctx := context.Background()
	m, _ := setupManager(t, nil)
	createRun(t, m, "a")

	require.NoError(t, m.RecordTransition(ctx, "run-1", "a", Transition{Status: PhaseStatusRunning}))
	require.NoError(t, m.RecordTransition(ctx, "run-1", "a", Transition{Status: PhaseStatusSucceeded, Decision: "done"}))

	events, err := m.Events(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "run created", events[0].Message)
	assert.Equal(t, "phase succeeded (done)", events[2].Message)
}
