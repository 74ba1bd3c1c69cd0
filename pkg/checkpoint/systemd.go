package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/coreos/go-systemd/v22/util"
	"github.com/rs/zerolog"
)

const (
	// SystemUnitDir is where locally installed system units live.
	SystemUnitDir = "/etc/systemd/system"

	wantsDir = "multi-user.target.wants"
)

// SystemdTrigger installs a oneshot system unit that runs the resume as
// root once the host is up. The resume itself waits for the principal to
// log in before it claims the continuation.
type SystemdTrigger struct {
	executable   string
	dir          string
	systemdAlive func() bool
	logger       zerolog.Logger
}

// SystemdOption configures a SystemdTrigger.
type SystemdOption func(*SystemdTrigger)

// WithUnitDir overrides the directory units are installed into.
func WithUnitDir(dir string) SystemdOption {
	return func(t *SystemdTrigger) {
		t.dir = dir
	}
}

// WithSystemdCheck overrides the check that systemd is the init system.
func WithSystemdCheck(fn func() bool) SystemdOption {
	return func(t *SystemdTrigger) {
		t.systemdAlive = fn
	}
}

// NewSystemdTrigger creates a trigger that re-launches executable.
func NewSystemdTrigger(executable string, logger zerolog.Logger, opts ...SystemdOption) *SystemdTrigger {
	t := &SystemdTrigger{
		executable:   executable,
		dir:          SystemUnitDir,
		systemdAlive: util.IsRunningSystemd,
		logger:       logger.With().Str("component", "systemd-trigger").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// UnitName returns the unit file name for a run. Run IDs are UUIDs, which
// are valid unit name characters as they stand.
func UnitName(runID string) string {
	return "hostmove-resume-" + runID + ".service"
}

// Install writes and enables the resume unit.
func (t *SystemdTrigger) Install(_ context.Context, c Continuation) (string, error) {
	if !t.systemdAlive() {
		return "", errors.New("systemd is not the running init system")
	}
	if c.Principal == "" {
		return "", errors.New("continuation has no principal to wait for")
	}

	wants := filepath.Join(t.dir, wantsDir)
	if err := os.MkdirAll(wants, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", wants, err)
	}

	name := UnitName(c.RunID)
	path := filepath.Join(t.dir, name)

	content, err := io.ReadAll(unit.Serialize(t.unitOptions(c)))
	if err != nil {
		return "", fmt.Errorf("failed to render unit: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("failed to write unit %s: %w", path, err)
	}

	link := filepath.Join(wants, name)
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to replace %s: %w", link, err)
	}
	if err := os.Symlink(path, link); err != nil {
		return "", fmt.Errorf("failed to enable unit: %w", err)
	}

	t.logger.Info().
		Str("run_id", c.RunID).
		Str("principal", c.Principal).
		Str("unit", path).
		Msg("Continuation trigger installed")

	return path, nil
}

// Remove disables and deletes the resume unit.
func (t *SystemdTrigger) Remove(_ context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	link := filepath.Join(filepath.Dir(ref), wantsDir, filepath.Base(ref))
	for _, p := range []string{link, ref} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	t.logger.Info().Str("unit", ref).Msg("Continuation trigger removed")
	return nil
}

func (t *SystemdTrigger) unitOptions(c Continuation) []*unit.UnitOption {
	args := []string{t.executable, "resume", "--run-id", c.RunID, "--wait-for-session", c.Principal}
	if c.ConfigPath != "" {
		args = append(args, "--config", c.ConfigPath)
	}

	return []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "Resume host migration "+c.RunID+" at phase "+c.Phase),
		unit.NewUnitOption("Unit", "After", "systemd-user-sessions.service network-online.target"),
		unit.NewUnitOption("Unit", "Wants", "network-online.target"),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "User", "root"),
		// The resume blocks on the login and then on the join poll.
		unit.NewUnitOption("Service", "TimeoutStartSec", "infinity"),
		unit.NewUnitOption("Service", "ExecStart", quoteArgs(args)),
		unit.NewUnitOption("Service", "Environment", "HOSTMOVE_RUN_ID="+c.RunID),
		unit.NewUnitOption("Install", "WantedBy", "multi-user.target"),
	}
}

// quoteArgs renders argv for ExecStart, quoting arguments with spaces.
func quoteArgs(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t\"") {
			a = strconv.Quote(a)
		}
		out[i] = a
	}
	return strings.Join(out, " ")
}
