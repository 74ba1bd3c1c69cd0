package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes, and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != MemoryPath {
		dsn = fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", dsn)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// CreateRun inserts a run and its phase rows atomically.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run, phases []*PhaseResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, config_path, plan, state, pending_resume_phase, dry_run, artifacts, error, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.ConfigPath,
		run.Plan,
		run.State,
		run.PendingResumePhase,
		run.DryRun,
		run.Artifacts,
		run.Error,
		run.CreatedAt,
		run.UpdatedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	for _, p := range phases {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO phase_results (run_id, seq, name, status, decision, detail, error_summary, started_at, ended_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			p.Seq,
			p.Name,
			p.Status,
			p.Decision,
			p.Detail,
			p.ErrorSummary,
			p.StartedAt,
			p.EndedAt,
			p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create phase result %s: %w", p.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, config_path, plan, state, pending_resume_phase, dry_run, artifacts, error, created_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.ConfigPath,
		&run.Plan,
		&run.State,
		&run.PendingResumePhase,
		&run.DryRun,
		&run.Artifacts,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.CompletedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRun persists the mutable fields of a run.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *Run) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET state = ?, pending_resume_phase = ?, artifacts = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`,
		run.State,
		run.PendingResumePhase,
		run.Artifacts,
		run.Error,
		run.UpdatedAt,
		run.CompletedAt,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return expectRow(result, "run", run.ID)
}

// ListRuns lists the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and, through cascading keys, everything it owns.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return expectRow(result, "run", id)
}

// ListPhaseResults returns a run's phases in plan order.
func (s *SQLiteStore) ListPhaseResults(ctx context.Context, runID string) ([]*PhaseResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, name, status, decision, detail, error_summary, started_at, ended_at, updated_at
		FROM phase_results
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list phase results: %w", err)
	}
	defer rows.Close()

	results := []*PhaseResult{}
	for rows.Next() {
		p := &PhaseResult{}
		if err := rows.Scan(
			&p.RunID,
			&p.Seq,
			&p.Name,
			&p.Status,
			&p.Decision,
			&p.Detail,
			&p.ErrorSummary,
			&p.StartedAt,
			&p.EndedAt,
			&p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan phase result: %w", err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// UpdatePhaseResult persists a phase transition. Moving a phase to running
// fails with ErrConflict while another phase of the run is running.
func (s *SQLiteStore) UpdatePhaseResult(ctx context.Context, p *PhaseResult) error {
	query := `
		UPDATE phase_results
		SET status = ?, decision = ?, detail = ?, error_summary = ?, started_at = ?, ended_at = ?, updated_at = ?
		WHERE run_id = ? AND name = ?
	`
	args := []interface{}{
		p.Status,
		p.Decision,
		p.Detail,
		p.ErrorSummary,
		p.StartedAt,
		p.EndedAt,
		p.UpdatedAt,
		p.RunID,
		p.Name,
	}

	if p.Status == PhaseStatusRunning {
		query += ` AND NOT EXISTS (
			SELECT 1 FROM phase_results other
			WHERE other.run_id = ? AND other.name <> ? AND other.status = ?
		)`
		args = append(args, p.RunID, p.Name, PhaseStatusRunning)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update phase result: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if p.Status == PhaseStatusRunning {
			if _, err := s.getPhaseSeq(ctx, p.RunID, p.Name); err == nil {
				return fmt.Errorf("phase %s cannot start while another phase is running: %w", p.Name, ErrConflict)
			}
		}
		return fmt.Errorf("phase %s of run %s: %w", p.Name, p.RunID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) getPhaseSeq(ctx context.Context, runID, name string) (int, error) {
	var seq int
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM phase_results WHERE run_id = ? AND name = ?`, runID, name).Scan(&seq)
	return seq, err
}

// PutContinuation records a continuation, replacing any earlier one for the
// run. A replacement is unconsumed and uncleared.
func (s *SQLiteStore) PutContinuation(ctx context.Context, c *Continuation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO continuations (run_id, phase, principal, trigger_ref, registered_at, consumed_at, cleared_at)
		VALUES (?, ?, ?, ?, ?, NULL, NULL)
		ON CONFLICT(run_id) DO UPDATE SET
			phase = excluded.phase,
			principal = excluded.principal,
			trigger_ref = excluded.trigger_ref,
			registered_at = excluded.registered_at,
			consumed_at = NULL,
			cleared_at = NULL
	`, c.RunID, c.Phase, c.Principal, c.TriggerRef, c.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to put continuation: %w", err)
	}
	return nil
}

// GetContinuation retrieves the continuation registered for a run.
func (s *SQLiteStore) GetContinuation(ctx context.Context, runID string) (*Continuation, error) {
	c := &Continuation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, phase, principal, trigger_ref, registered_at, consumed_at, cleared_at
		FROM continuations WHERE run_id = ?
	`, runID).Scan(&c.RunID, &c.Phase, &c.Principal, &c.TriggerRef, &c.RegisteredAt, &c.ConsumedAt, &c.ClearedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("continuation for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get continuation: %w", err)
	}
	return c, nil
}

// ClaimContinuation marks a live continuation consumed. It returns false if
// the continuation was already consumed, cleared, or never registered.
func (s *SQLiteStore) ClaimContinuation(ctx context.Context, runID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE continuations SET consumed_at = ?
		WHERE run_id = ? AND consumed_at IS NULL AND cleared_at IS NULL
	`, at, runID)
	if err != nil {
		return false, fmt.Errorf("failed to claim continuation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ClearContinuation marks a continuation cleared. Clearing twice, or
// clearing a run without a continuation, is not an error.
func (s *SQLiteStore) ClearContinuation(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE continuations SET cleared_at = ?
		WHERE run_id = ? AND cleared_at IS NULL
	`, at, runID)
	if err != nil {
		return fmt.Errorf("failed to clear continuation: %w", err)
	}
	return nil
}

// DeleteContinuation removes a continuation row.
func (s *SQLiteStore) DeleteContinuation(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM continuations WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete continuation: %w", err)
	}
	return nil
}

// PutCredential records the temporary account created for a run.
func (s *SQLiteStore) PutCredential(ctx context.Context, c *Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (run_id, principal, secret_ref, created_at, removal_attempted_at, removed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			principal = excluded.principal,
			secret_ref = excluded.secret_ref,
			created_at = excluded.created_at
	`, c.RunID, c.Principal, c.SecretRef, c.CreatedAt, c.RemovalAttemptedAt, c.RemovedAt)
	if err != nil {
		return fmt.Errorf("failed to put credential: %w", err)
	}
	return nil
}

// GetCredential retrieves the temporary account record of a run.
func (s *SQLiteStore) GetCredential(ctx context.Context, runID string) (*Credential, error) {
	c := &Credential{}
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, principal, secret_ref, created_at, removal_attempted_at, removed_at
		FROM credentials WHERE run_id = ?
	`, runID).Scan(&c.RunID, &c.Principal, &c.SecretRef, &c.CreatedAt, &c.RemovalAttemptedAt, &c.RemovedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

// BeginCredentialRemoval stamps the removal attempt. Only the first caller
// gets true.
func (s *SQLiteStore) BeginCredentialRemoval(ctx context.Context, runID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET removal_attempted_at = ?
		WHERE run_id = ? AND removal_attempted_at IS NULL
	`, at, runID)
	if err != nil {
		return false, fmt.Errorf("failed to begin credential removal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// CompleteCredentialRemoval stamps a successful removal.
func (s *SQLiteStore) CompleteCredentialRemoval(ctx context.Context, runID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE credentials SET removed_at = ? WHERE run_id = ?`, at, runID)
	if err != nil {
		return fmt.Errorf("failed to complete credential removal: %w", err)
	}
	return expectRow(result, "credential", runID)
}

// AppendEvent appends an event to the run log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, phase, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.RunID, event.Phase, event.Level, event.Message, event.Details, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// ListEvents returns the events of a run in append order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, phase, level, message, details, timestamp
		FROM events WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.RunID, &e.Phase, &e.Level, &e.Message, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CreateAuditEntry records an operator action.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, entry.Action, entry.Actor, entry.TargetID, entry.Details, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAuditEntries returns audit entries for a target, oldest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, targetID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit WHERE target_id = ? ORDER BY id ASC
	`, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.TargetID, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
