package gateway

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/config"
	"github.com/openfroyo/hostmove/pkg/faults"
	"github.com/openfroyo/hostmove/pkg/secrets"
)

type call struct {
	argv  []string
	stdin string
}

// fakeRunner answers commands by their executable name.
type fakeRunner struct {
	calls   []call
	results map[string]*CommandResult
}

func (f *fakeRunner) Run(_ context.Context, argv []string, stdin []byte) (*CommandResult, error) {
	f.calls = append(f.calls, call{argv: argv, stdin: string(stdin)})
	if r, ok := f.results[argv[0]]; ok {
		return r, nil
	}
	return &CommandResult{}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Principal:  "alice",
		ProfileDir: "/home/alice",
		RecoveryExport: config.RecoveryExportConfig{
			Device: "/dev/nvme0n1p3",
		},
		Gateway: config.GatewayConfig{
			Membership: config.StatusCommand{
				Argv:         []string{"realm", "list"},
				JoinedKey:    "configured",
				JoinedValues: []string{"kerberos-member"},
				DomainKey:    "domain-name",
			},
			JoinStatus: config.StatusCommand{
				Argv:         []string{"aad-tool", "status"},
				JoinedKey:    "joined",
				JoinedValues: []string{"yes"},
				TenantKey:    "tenant-id",
				DeviceKey:    "device-id",
			},
			Leave:          config.Command{Argv: []string{"realm", "leave", "--user", "{{.User}}"}, Stdin: "{{.Secret}}\n"},
			CreateAccount:  config.Command{Argv: []string{"useradd", "{{.Name}}"}},
			SetPassword:    config.Command{Argv: []string{"chpasswd"}, Stdin: "{{.Name}}:{{.Secret}}\n"},
			RemoveAccount:  config.Command{Argv: []string{"userdel", "--force", "--remove", "{{.Name}}"}},
			RecoveryExport: config.Command{Argv: []string{"cryptsetup", "luksHeaderBackup", "{{.Device}}", "--header-backup-file", "{{.Dest}}/hdr.img"}},
			Restart:        config.Command{Argv: []string{"systemctl", "reboot"}},

			ProbeTimeoutSeconds: 1,
		},
	}
}

func newTestLocal(runner *fakeRunner) *Local {
	return NewLocal(testConfig(), zerolog.Nop(), WithRunner(runner))
}

func TestMembershipStatus(t *testing.T) {
	runner := &fakeRunner{results: map[string]*CommandResult{
		"realm": {Stdout: "corp.example.com\n  type: kerberos\n  domain-name: corp.example.com\n  configured: kerberos-member\n"},
	}}
	l := newTestLocal(runner)

	status, err := l.GetMembershipStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Joined)
	assert.Equal(t, "corp.example.com", status.Domain)
}

func TestMembershipStatusNotJoined(t *testing.T) {
	runner := &fakeRunner{results: map[string]*CommandResult{
		"realm": {Stdout: "corp.example.com\n  configured: no\n  domain-name: corp.example.com\n"},
	}}
	status, err := newTestLocal(runner).GetMembershipStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Joined)
	assert.Empty(t, status.Domain)
}

func TestTargetJoinStatus(t *testing.T) {
	runner := &fakeRunner{results: map[string]*CommandResult{
		"aad-tool": {Stdout: "Joined : YES\nTenant-ID : 7f0c\nDevice-ID : d-42\n"},
	}}
	status, err := newTestLocal(runner).GetTargetJoinStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Joined)
	assert.Equal(t, "7f0c", status.Tenant)
	assert.Equal(t, "d-42", status.DeviceID)
	assert.False(t, status.Observed.IsZero())
}

func TestStatusCommandFailureIsTransient(t *testing.T) {
	runner := &fakeRunner{results: map[string]*CommandResult{
		"aad-tool": {ExitCode: 3, Stderr: "daemon not running"},
	}}
	_, err := newTestLocal(runner).GetTargetJoinStatus(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
}

func TestLeaveMembershipSecretOnStdinOnly(t *testing.T) {
	runner := &fakeRunner{}
	l := newTestLocal(runner)

	cred := capability.Credential{User: "corp-admin", Secret: secrets.NewSecret("literal", []byte("pa55word"))}
	require.NoError(t, l.LeaveMembership(context.Background(), cred))

	require.Len(t, runner.calls, 1)
	c := runner.calls[0]
	assert.Equal(t, []string{"realm", "leave", "--user", "corp-admin"}, c.argv)
	assert.Equal(t, "pa55word\n", c.stdin)
	for _, a := range c.argv {
		assert.NotContains(t, a, "pa55word")
	}
}

func TestArgvCannotReferenceSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Leave = config.Command{Argv: []string{"realm", "leave", "{{.Secret}}"}}
	runner := &fakeRunner{}
	l := NewLocal(cfg, zerolog.Nop(), WithRunner(runner))

	err := l.LeaveMembership(context.Background(), capability.Credential{
		User:   "corp-admin",
		Secret: secrets.NewSecret("literal", []byte("pa55word")),
	})
	require.Error(t, err)
	assert.True(t, faults.IsConfiguration(err))
	assert.Empty(t, runner.calls)
}

func TestCreateTemporaryAccount(t *testing.T) {
	runner := &fakeRunner{}
	l := newTestLocal(runner)

	err := l.CreateTemporaryPrivilegedAccount(context.Background(), "hostmove-admin", secrets.NewSecret("env:PW", []byte("tmp-pw")))
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	assert.Equal(t, []string{"useradd", "hostmove-admin"}, runner.calls[0].argv)
	assert.Equal(t, []string{"chpasswd"}, runner.calls[1].argv)
	assert.Equal(t, "hostmove-admin:tmp-pw\n", runner.calls[1].stdin)
}

func TestCreateTemporaryAccountCleansUpOnPasswordFailure(t *testing.T) {
	runner := &fakeRunner{results: map[string]*CommandResult{
		"chpasswd": {ExitCode: 1, Stderr: "token manipulation error"},
	}}
	l := newTestLocal(runner)

	err := l.CreateTemporaryPrivilegedAccount(context.Background(), "hostmove-admin", secrets.NewSecret("literal", []byte("x")))
	require.Error(t, err)
	assert.True(t, faults.IsMutation(err))

	require.Len(t, runner.calls, 3)
	assert.Equal(t, "userdel", runner.calls[2].argv[0])
}

func TestCommandNonZeroExitIsMutation(t *testing.T) {
	runner := &fakeRunner{results: map[string]*CommandResult{
		"userdel": {ExitCode: 6, Stderr: "user does not exist"},
	}}
	err := newTestLocal(runner).RemovePrivilegedAccount(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, faults.IsMutation(err))
	assert.Contains(t, err.Error(), "status 6")
}

func TestUnconfiguredCommand(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Restart = config.Command{}
	err := NewLocal(cfg, zerolog.Nop(), WithRunner(&fakeRunner{})).RestartHost(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsConfiguration(err))
}

func TestPromptWithoutCommandIsNoop(t *testing.T) {
	runner := &fakeRunner{}
	require.NoError(t, newTestLocal(runner).PromptUserToInitiateJoin(context.Background()))
	assert.Empty(t, runner.calls)
}

func TestExportRecoveryArtifacts(t *testing.T) {
	runner := &fakeRunner{}
	dest := t.TempDir() + "/recovery"

	require.NoError(t, newTestLocal(runner).ExportRecoveryArtifacts(context.Background(), dest))
	assert.DirExists(t, dest)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "/dev/nvme0n1p3", runner.calls[0].argv[2])
	assert.True(t, strings.HasPrefix(runner.calls[0].argv[4], dest))
}

func TestHasNetworkReachability(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	l := newTestLocal(&fakeRunner{})
	ok, err := l.HasNetworkReachability(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, ln.Close())
	ok, err = l.HasNetworkReachability(context.Background(), addr)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.HasNetworkReachability(context.Background(), " ")
	assert.True(t, faults.IsConfiguration(err))
}

func TestProbeAddressDefaultsPort(t *testing.T) {
	addr, err := probeAddress("login.example.com")
	require.NoError(t, err)
	assert.Equal(t, "login.example.com:443", addr)

	addr, err = probeAddress("login.example.com:8443")
	require.NoError(t, err)
	assert.Equal(t, "login.example.com:8443", addr)
}

func TestParseKeyValuesFirstOccurrenceWins(t *testing.T) {
	values := parseKeyValues("Joined: yes\njoined: no\nno separator here\n: empty key\n")
	assert.Equal(t, map[string]string{"joined": "yes"}, values)
}
