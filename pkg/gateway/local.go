// Package gateway implements the capability gateway on the local host.
//
// Probes use the kernel directly (euid, statfs, sysfs power supplies, TCP
// dials). Directory membership and account management are delegated to
// operator-configurable command templates, so the same binary can drive
// realmd, sssd, or a vendor join agent. Secrets reach those commands on
// stdin only, never in argv.
package gateway

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/config"
	"github.com/openfroyo/hostmove/pkg/faults"
	"github.com/openfroyo/hostmove/pkg/secrets"
)

// DefaultProbePort is dialed when a probe host names no port.
const DefaultProbePort = "443"

// Local is the capability gateway for the host the process runs on.
type Local struct {
	commands     config.GatewayConfig
	device       string
	probeTimeout time.Duration
	sysfsRoot    string
	runner       Runner
	mirror       *Mirror
	logger       zerolog.Logger
}

var _ capability.Gateway = (*Local)(nil)

// Option configures a Local gateway.
type Option func(*Local)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(l *Local) {
		l.runner = r
	}
}

// WithSysfsRoot points power probes at a different sysfs tree.
func WithSysfsRoot(root string) Option {
	return func(l *Local) {
		l.sysfsRoot = root
	}
}

// WithMirror replaces the tree mirror.
func WithMirror(m *Mirror) Option {
	return func(l *Local) {
		l.mirror = m
	}
}

// NewLocal creates a gateway from the configuration's command templates.
func NewLocal(cfg *config.Config, logger zerolog.Logger, opts ...Option) *Local {
	logger = logger.With().Str("component", "gateway").Logger()
	l := &Local{
		commands:     cfg.Gateway,
		device:       cfg.RecoveryExport.Device,
		probeTimeout: time.Duration(cfg.Gateway.ProbeTimeoutSeconds) * time.Second,
		sysfsRoot:    "/sys",
		runner:       ExecRunner{},
		logger:       logger,
	}
	if l.probeTimeout <= 0 {
		l.probeTimeout = 5 * time.Second
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.mirror == nil {
		l.mirror = NewMirror(logger)
	}
	return l
}

func (l *Local) IsPrivilegedUser(_ context.Context) (bool, error) {
	return isPrivileged()
}

func (l *Local) GetFreeDiskSpace(_ context.Context, volume string) (uint64, error) {
	free, err := freeBytes(volume)
	if err != nil {
		return 0, fmt.Errorf("failed to stat volume %s: %w", volume, err)
	}
	return free, nil
}

func (l *Local) IsOnACPower(_ context.Context) (bool, error) {
	return onACPower(l.sysfsRoot)
}

// HasNetworkReachability dials probeHost over TCP. An unreachable host is a
// negative answer, not an error; only a malformed probe is an error.
func (l *Local) HasNetworkReachability(ctx context.Context, probeHost string) (bool, error) {
	addr, err := probeAddress(probeHost)
	if err != nil {
		return false, err
	}

	dialer := net.Dialer{Timeout: l.probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		l.logger.Debug().Err(err).Str("addr", addr).Msg("Reachability probe failed")
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

func probeAddress(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", faults.Configuration("network probe host is empty", nil).
			WithCode(faults.CodeInvalidConfig)
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	return net.JoinHostPort(host, DefaultProbePort), nil
}

func (l *Local) GetMembershipStatus(ctx context.Context) (capability.MembershipStatus, error) {
	out, err := l.status(ctx, "membership-status", l.commands.Membership)
	if err != nil {
		return capability.MembershipStatus{}, err
	}
	return parseMembership(out, l.commands.Membership), nil
}

func (l *Local) GetTargetJoinStatus(ctx context.Context) (capability.JoinStatus, error) {
	out, err := l.status(ctx, "join-status", l.commands.JoinStatus)
	if err != nil {
		return capability.JoinStatus{}, err
	}
	status := parseJoinStatus(out, l.commands.JoinStatus)
	status.Observed = time.Now().UTC()
	return status, nil
}

// status runs a status command. Failures are transient: status tools are
// commonly unavailable for a moment around a membership change.
func (l *Local) status(ctx context.Context, op string, sc config.StatusCommand) (string, error) {
	cmd := config.Command{Argv: sc.Argv}
	if !cmd.Configured() {
		return "", faults.Configuration(op+" command is not configured", nil).
			WithCode(faults.CodeCommandMissing).
			WithOperation(op)
	}

	ctx, cancel := context.WithTimeout(ctx, l.probeTimeout)
	defer cancel()

	result, err := l.runner.Run(ctx, cmd.Argv, nil)
	if err != nil {
		return "", faults.Transient(op+" command could not be started", err).WithOperation(op)
	}
	if result.ExitCode != 0 {
		return "", faults.Transient(fmt.Sprintf("%s command exited with status %d", op, result.ExitCode), nil).
			WithOperation(op).
			WithDetail("stderr", strings.TrimSpace(result.Stderr))
	}
	return result.Stdout, nil
}

func (l *Local) LeaveMembership(ctx context.Context, cred capability.Credential) error {
	_, err := l.runCommand(ctx, "leave-membership", l.commands.Leave, argvData{User: cred.User}, cred.Secret)
	return err
}

// CreateTemporaryPrivilegedAccount creates the account and sets its
// password. If the password cannot be set the account is removed again.
func (l *Local) CreateTemporaryPrivilegedAccount(ctx context.Context, name string, secret *secrets.Secret) error {
	data := argvData{Name: name, User: name}
	if _, err := l.runCommand(ctx, "create-account", l.commands.CreateAccount, data, nil); err != nil {
		return err
	}
	if !l.commands.SetPassword.Configured() {
		return nil
	}
	if _, err := l.runCommand(ctx, "set-password", l.commands.SetPassword, data, secret); err != nil {
		if rerr := l.RemovePrivilegedAccount(ctx, name); rerr != nil {
			l.logger.Error().Err(rerr).Str("account", name).Msg("Failed to remove partially created account")
		}
		return err
	}
	return nil
}

func (l *Local) RemovePrivilegedAccount(ctx context.Context, name string) error {
	_, err := l.runCommand(ctx, "remove-account", l.commands.RemoveAccount, argvData{Name: name, User: name}, nil)
	return err
}

// PromptUserToInitiateJoin launches the configured join surface. With none
// configured the operator is expected to join by hand.
func (l *Local) PromptUserToInitiateJoin(ctx context.Context) error {
	if !l.commands.JoinPrompt.Configured() {
		l.logger.Info().Msg("No join prompt configured; join the target directory manually")
		return nil
	}
	_, err := l.runCommand(ctx, "join-prompt", l.commands.JoinPrompt, argvData{}, nil)
	return err
}

func (l *Local) ExportRecoveryArtifacts(ctx context.Context, dest string) error {
	if err := os.MkdirAll(dest, 0o700); err != nil {
		return faults.Mutation("failed to create recovery export directory", err).
			WithOperation("recovery-export").
			WithDetail("dest", dest)
	}
	_, err := l.runCommand(ctx, "recovery-export", l.commands.RecoveryExport, argvData{Dest: dest, Device: l.device}, nil)
	return err
}

func (l *Local) RestartHost(ctx context.Context) error {
	_, err := l.runCommand(ctx, "restart", l.commands.Restart, argvData{}, nil)
	return err
}

func (l *Local) MirrorTree(ctx context.Context, source, dest string, opts capability.MirrorOptions) (capability.MirrorStats, error) {
	return l.mirror.MirrorTree(ctx, source, dest, opts)
}
