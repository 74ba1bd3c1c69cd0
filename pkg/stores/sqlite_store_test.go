package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a file-backed SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRun(id string, phases ...string) (*Run, []*PhaseResult) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	run := &Run{
		ID:         id,
		ConfigPath: "/etc/hostmove.yaml",
		Plan:       `[]`,
		State:      "in_progress",
		Artifacts:  `{}`,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	results := make([]*PhaseResult, 0, len(phases))
	for i, name := range phases {
		results = append(results, &PhaseResult{
			RunID:     id,
			Seq:       i,
			Name:      name,
			Status:    "pending",
			UpdatedAt: now,
		})
	}
	return run, results
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()

	for _, path := range []string{MemoryPath, filepath.Join(t.TempDir(), "x.db")} {
		store, err := Open(ctx, path)
		require.NoError(t, err, path)
		require.NoError(t, store.HealthCheck(ctx))
		// migrating twice is a no-op
		require.NoError(t, store.Migrate(ctx))
		require.NoError(t, store.Close())
	}

	_, err := NewSQLiteStore(Config{})
	assert.Error(t, err)
}

func TestRunCRUD(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	run, phases := newRun("run-1", "a", "b", "c")
	require.NoError(t, store.CreateRun(ctx, run, phases))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "/etc/hostmove.yaml", got.ConfigPath)
	assert.Nil(t, got.PendingResumePhase)
	assert.True(t, run.CreatedAt.Equal(got.CreatedAt))

	pending := "c"
	got.PendingResumePhase = &pending
	got.State = "aborted"
	got.Artifacts = `{"backup.manifest":"/b/manifest.json"}`
	require.NoError(t, store.UpdateRun(ctx, got))

	got, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got.PendingResumePhase)
	assert.Equal(t, "c", *got.PendingResumePhase)
	assert.Equal(t, "aborted", got.State)

	list, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	results, err := store.ListPhaseResults(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].Name, results[1].Name, results[2].Name})

	require.NoError(t, store.DeleteRun(ctx, "run-1"))
	_, err = store.GetRun(ctx, "run-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	results, err = store.ListPhaseResults(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.True(t, errors.Is(store.DeleteRun(ctx, "run-1"), ErrNotFound))
}

func TestSingleRunningPhase(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	run, phases := newRun("run-1", "a", "b")
	require.NoError(t, store.CreateRun(ctx, run, phases))

	now := time.Now().UTC()
	require.NoError(t, store.UpdatePhaseResult(ctx, &PhaseResult{RunID: "run-1", Name: "a", Status: PhaseStatusRunning, StartedAt: &now, UpdatedAt: now}))

	err := store.UpdatePhaseResult(ctx, &PhaseResult{RunID: "run-1", Name: "b", Status: PhaseStatusRunning, UpdatedAt: now})
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

	// re-asserting running on the same phase is allowed
	require.NoError(t, store.UpdatePhaseResult(ctx, &PhaseResult{RunID: "run-1", Name: "a", Status: PhaseStatusRunning, StartedAt: &now, UpdatedAt: now}))

	require.NoError(t, store.UpdatePhaseResult(ctx, &PhaseResult{RunID: "run-1", Name: "a", Status: "succeeded", StartedAt: &now, EndedAt: &now, UpdatedAt: now}))
	require.NoError(t, store.UpdatePhaseResult(ctx, &PhaseResult{RunID: "run-1", Name: "b", Status: PhaseStatusRunning, UpdatedAt: now}))

	err = store.UpdatePhaseResult(ctx, &PhaseResult{RunID: "run-1", Name: "zzz", Status: "failed", UpdatedAt: now})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestContinuationClaimOnce(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	run, phases := newRun("run-1", "a")
	require.NoError(t, store.CreateRun(ctx, run, phases))

	now := time.Now().UTC()
	claimed, err := store.ClaimContinuation(ctx, "run-1", now)
	require.NoError(t, err)
	assert.False(t, claimed, "nothing registered yet")

	require.NoError(t, store.PutContinuation(ctx, &Continuation{RunID: "run-1", Phase: "a", Principal: "hostmove-admin", TriggerRef: "unit", RegisteredAt: now}))

	claimed, err = store.ClaimContinuation(ctx, "run-1", now)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.ClaimContinuation(ctx, "run-1", now)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, store.ClearContinuation(ctx, "run-1", now))
	require.NoError(t, store.ClearContinuation(ctx, "run-1", now))

	c, err := store.GetContinuation(ctx, "run-1")
	require.NoError(t, err)
	assert.NotNil(t, c.ConsumedAt)
	assert.NotNil(t, c.ClearedAt)

	// re-registration starts a fresh, claimable continuation
	require.NoError(t, store.PutContinuation(ctx, &Continuation{RunID: "run-1", Phase: "a", Principal: "alice", RegisteredAt: now}))
	claimed, err = store.ClaimContinuation(ctx, "run-1", now)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, store.DeleteContinuation(ctx, "run-1"))
	_, err = store.GetContinuation(ctx, "run-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCredentialRemovalOnce(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	run, phases := newRun("run-1", "a")
	require.NoError(t, store.CreateRun(ctx, run, phases))

	now := time.Now().UTC()
	require.NoError(t, store.PutCredential(ctx, &Credential{RunID: "run-1", Principal: "hostmove-admin", SecretRef: "env:PW", CreatedAt: now}))

	first, err := store.BeginCredentialRemoval(ctx, "run-1", now)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.BeginCredentialRemoval(ctx, "run-1", now)
	require.NoError(t, err)
	assert.False(t, second)

	require.NoError(t, store.CompleteCredentialRemoval(ctx, "run-1", now))

	c, err := store.GetCredential(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "env:PW", c.SecretRef)
	assert.NotNil(t, c.RemovalAttemptedAt)
	assert.NotNil(t, c.RemovedAt)

	_, err = store.GetCredential(ctx, "other")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEventsAndAudit(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	run, phases := newRun("run-1", "a")
	require.NoError(t, store.CreateRun(ctx, run, phases))

	runID, phase := "run-1", "a"
	for _, msg := range []string{"started", "succeeded"} {
		require.NoError(t, store.AppendEvent(ctx, &Event{RunID: &runID, Phase: &phase, Level: EventLevelInfo, Message: msg}))
	}

	events, err := store.ListEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0].Message)
	assert.Less(t, events[0].ID, events[1].ID)

	require.NoError(t, store.CreateAuditEntry(ctx, &AuditEntry{Action: "abandon", Actor: "root", TargetID: "run-1"}))
	require.NoError(t, store.DeleteRun(ctx, "run-1"))

	// audit survives run deletion, events do not
	entries, err := store.ListAuditEntries(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	events, err = store.ListEvents(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}
