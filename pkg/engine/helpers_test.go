package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostmove/pkg/backup"
	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/checkpoint"
	"github.com/openfroyo/hostmove/pkg/config"
	"github.com/openfroyo/hostmove/pkg/gateway"
	"github.com/openfroyo/hostmove/pkg/preflight"
	"github.com/openfroyo/hostmove/pkg/secrets"
	"github.com/openfroyo/hostmove/pkg/stores"
)

const (
	gib       = uint64(1) << 30
	testRunID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
)

// Gateway verbs recorded by fakeGateway.
const (
	verbLeave          = "leave"
	verbCreateAccount  = "create-account"
	verbRemoveAccount  = "remove-account"
	verbPromptJoin     = "prompt-join"
	verbExportRecovery = "export-recovery"
	verbRestart        = "restart"
	verbMembership     = "membership"
	verbJoinStatus     = "join-status"
)

// fakeGateway scripts a host. The user joins the target directory as soon
// as they are prompted unless joinOnPrompt is false.
type fakeGateway struct {
	mu sync.Mutex

	free         uint64
	sourceJoined bool
	domain       string
	targetJoined bool
	joinOnPrompt bool

	fail  map[string]error
	calls []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		free:         100 * gib,
		sourceJoined: true,
		domain:       "corp.example.com",
		joinOnPrompt: true,
		fail:         map[string]error{},
	}
}

var _ capability.Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) record(verb string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, verb)
	return g.fail[verb]
}

func (g *fakeGateway) setFail(verb string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.fail, verb)
		return
	}
	g.fail[verb] = err
}

func (g *fakeGateway) count(verb string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == verb {
			n++
		}
	}
	return n
}

// mutations returns the mutating verbs called, in order.
func (g *fakeGateway) mutations() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, c := range g.calls {
		if c != verbMembership && c != verbJoinStatus {
			out = append(out, c)
		}
	}
	return out
}

func (g *fakeGateway) IsPrivilegedUser(context.Context) (bool, error) { return true, nil }

func (g *fakeGateway) GetFreeDiskSpace(context.Context, string) (uint64, error) {
	return g.free, nil
}

func (g *fakeGateway) IsOnACPower(context.Context) (bool, error) { return true, nil }

func (g *fakeGateway) HasNetworkReachability(context.Context, string) (bool, error) {
	return true, nil
}

func (g *fakeGateway) GetMembershipStatus(context.Context) (capability.MembershipStatus, error) {
	if err := g.record(verbMembership); err != nil {
		return capability.MembershipStatus{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.sourceJoined {
		return capability.MembershipStatus{}, nil
	}
	return capability.MembershipStatus{Joined: true, Domain: g.domain}, nil
}

func (g *fakeGateway) GetTargetJoinStatus(context.Context) (capability.JoinStatus, error) {
	if err := g.record(verbJoinStatus); err != nil {
		return capability.JoinStatus{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.targetJoined {
		return capability.JoinStatus{}, nil
	}
	return capability.JoinStatus{Joined: true, Tenant: "7f0c", DeviceID: "d-42"}, nil
}

func (g *fakeGateway) LeaveMembership(context.Context, capability.Credential) error {
	if err := g.record(verbLeave); err != nil {
		return err
	}
	g.mu.Lock()
	g.sourceJoined = false
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) CreateTemporaryPrivilegedAccount(context.Context, string, *secrets.Secret) error {
	return g.record(verbCreateAccount)
}

func (g *fakeGateway) RemovePrivilegedAccount(context.Context, string) error {
	return g.record(verbRemoveAccount)
}

func (g *fakeGateway) PromptUserToInitiateJoin(context.Context) error {
	if err := g.record(verbPromptJoin); err != nil {
		return err
	}
	g.mu.Lock()
	if g.joinOnPrompt {
		g.targetJoined = true
	}
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) ExportRecoveryArtifacts(context.Context, string) error {
	return g.record(verbExportRecovery)
}

func (g *fakeGateway) RestartHost(context.Context) error {
	return g.record(verbRestart)
}

func (g *fakeGateway) MirrorTree(context.Context, string, string, capability.MirrorOptions) (capability.MirrorStats, error) {
	return capability.MirrorStats{}, nil
}

// scriptedPrompter answers ConfirmContinue from answers, then aborts.
type scriptedPrompter struct {
	answers []bool
	asked   []string
	causes  []error

	leaveSecret *secrets.Secret
	leaveAsked  int
}

func (p *scriptedPrompter) ConfirmContinue(_ context.Context, phase string, err error) (bool, error) {
	p.asked = append(p.asked, phase)
	p.causes = append(p.causes, err)
	if len(p.answers) == 0 {
		return false, nil
	}
	answer := p.answers[0]
	p.answers = p.answers[1:]
	return answer, nil
}

func (p *scriptedPrompter) LeaveCredential(_ context.Context, user string) (*secrets.Secret, error) {
	p.leaveAsked++
	if p.leaveSecret == nil {
		return HeadlessPrompter{}.LeaveCredential(context.Background(), user)
	}
	return p.leaveSecret, nil
}

type harness struct {
	orch     *Orchestrator
	gw       *fakeGateway
	cps      *checkpoint.Manager
	store    *stores.SQLiteStore
	trigger  *checkpoint.NopTrigger
	clock    *testclock.Clock
	prompter *scriptedPrompter
	cfg      *config.Config
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	profile := t.TempDir()
	writeFile(t, filepath.Join(profile, "Desktop", "x.txt"), "desktop file")
	writeFile(t, filepath.Join(profile, "Documents", "y.txt"), "document file")

	return &config.Config{
		Principal:  "alice",
		ProfileDir: profile,
		Profile:    config.ProfileConfig{Engine: config.EngineRestore},
		Backup: config.BackupConfig{
			Root:    t.TempDir(),
			Include: []string{"Desktop", "Documents"},
		},
		Safeguards: config.SafeguardConfig{
			MinFreeDiskGB: 20,
			ACPower:       config.SeverityWarn,
			Network:       config.SeverityOff,
		},
		RecoveryExport: config.RecoveryExportConfig{
			Directory: filepath.Join(t.TempDir(), "recovery"),
		},
		DomainLeave: config.DomainLeaveConfig{Enabled: true, User: "corp-admin", SecretRef: "env:LEAVE_PW"},
		TempAccount: config.TempAccountConfig{Enabled: true, Name: "hostmove-admin", SecretRef: "env:TEMP_PW"},
		Join:        config.JoinConfig{PollIntervalSeconds: 5, TimeoutSeconds: 60},
		OnFailure:   config.OnFailureAbort,
	}
}

func testEnv(values map[string]string) secrets.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func newHarness(t *testing.T, gw *fakeGateway, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithEnv(t, gw, map[string]string{"LEAVE_PW": "leave-pw", "TEMP_PW": "temp-pw"}, opts...)
}

func newHarnessWithEnv(t *testing.T, gw *fakeGateway, env map[string]string, opts ...Option) *harness {
	t.Helper()
	return buildHarness(t, gw, env, nil, opts...)
}

// buildHarness wires an orchestrator over an in-memory store. A nil trigger
// installs a NopTrigger the harness can inspect.
func buildHarness(t *testing.T, gw *fakeGateway, env map[string]string, trig checkpoint.Trigger, opts ...Option) *harness {
	t.Helper()

	store, err := stores.Open(context.Background(), stores.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	trigger := checkpoint.NewNopTrigger()
	if trig == nil {
		trig = trigger
	}
	cps := checkpoint.NewManager(store, trig, zerolog.Nop(), checkpoint.WithClock(clk))

	resolver, err := secrets.NewResolver(secrets.WithLookup(testEnv(env)))
	require.NoError(t, err)

	prompter := &scriptedPrompter{}
	orch, err := NewOrchestrator(Deps{
		Gateway:     gw,
		Checkpoints: cps,
		Preflight:   preflight.NewEngine(gw, nil, zerolog.Nop(), preflight.WithClock(clk)),
		Backups: backup.NewService(
			gateway.NewMirror(zerolog.Nop(), gateway.WithRetry(0, time.Millisecond)),
			zerolog.Nop(),
			backup.WithClock(clk),
		),
		Secrets:  resolver,
		Prompter: prompter,
	}, zerolog.Nop(), append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)

	return &harness{
		orch:     orch,
		gw:       gw,
		cps:      cps,
		store:    store,
		trigger:  trigger,
		clock:    clk,
		prompter: prompter,
		cfg:      testConfig(t),
	}
}

func (h *harness) runContext(dryRun bool, skip ...string) *RunContext {
	return NewRunContext(h.cfg, RunOptions{
		RunID:      testRunID,
		ConfigPath: "/etc/hostmove/config.yaml",
		DryRun:     dryRun,
		Skip:       skip,
	}, zerolog.Nop())
}

func (h *harness) run(t *testing.T, dryRun bool, skip ...string) (*RunSummary, error) {
	t.Helper()
	return h.orch.Run(context.Background(), BuildPlan(h.cfg), h.runContext(dryRun, skip...))
}

func (h *harness) resume(t *testing.T) (*RunSummary, error) {
	t.Helper()
	return h.orch.Resume(context.Background(), BuildPlan(h.cfg), h.runContext(false))
}

func (h *harness) load(t *testing.T) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := h.cps.Load(context.Background(), testRunID)
	require.NoError(t, err)
	return cp
}

// counter records which custom steps ran.
type counter struct {
	mu  sync.Mutex
	ran []string
}

func (c *counter) step(name string, outcome Outcome, err error) Step {
	return func(context.Context, *RunContext) (Outcome, error) {
		c.mu.Lock()
		c.ran = append(c.ran, name)
		c.mu.Unlock()
		return outcome, err
	}
}

func (c *counter) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ran...)
}
