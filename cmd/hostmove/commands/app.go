package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmove/pkg/backup"
	"github.com/openfroyo/hostmove/pkg/checkpoint"
	"github.com/openfroyo/hostmove/pkg/config"
	"github.com/openfroyo/hostmove/pkg/engine"
	"github.com/openfroyo/hostmove/pkg/faults"
	"github.com/openfroyo/hostmove/pkg/gateway"
	"github.com/openfroyo/hostmove/pkg/policy"
	"github.com/openfroyo/hostmove/pkg/preflight"
	"github.com/openfroyo/hostmove/pkg/secrets"
	"github.com/openfroyo/hostmove/pkg/stores"
	"github.com/openfroyo/hostmove/pkg/telemetry"
)

var buildVersion = "dev"

// appOptions selects how much of the stack a command needs.
type appOptions struct {
	runID string

	// ephemeral keeps run state in memory and installs no continuation
	// trigger. Dry runs and commands outside a run use it.
	ephemeral bool

	// assumeYes answers confirmations without asking.
	assumeYes bool
}

// app holds the wired collaborators of one command invocation.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	store     *stores.SQLiteStore

	gateway     *gateway.Local
	checkpoints *checkpoint.Manager
	preflight   *preflight.Engine
	backups     *backup.Service
	orch        *engine.Orchestrator
	prompter    engine.Prompter
}

// newApp loads the configuration and wires the stack. Dry runs keep their
// checkpoint in memory.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	if configPath == "" {
		return nil, faults.Configuration("--config is required", nil).WithCode(faults.CodeInvalidConfig)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	tel, err := telemetry.New(telemetry.FromConfig(cfg, opts.runID, buildVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, telemetry: tel, logger: tel.Logger.Logger}

	if err := a.wire(ctx, opts); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	statePath := cfg.StatePath()
	if opts.ephemeral {
		statePath = stores.MemoryPath
	}
	store, err := stores.Open(ctx, statePath)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	a.store = store

	var trigger checkpoint.Trigger = checkpoint.NewNopTrigger()
	if !opts.ephemeral {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate executable: %w", err)
		}
		trigger = checkpoint.NewSystemdTrigger(exe, a.telemetry.Logger.Component("checkpoint"))
	}
	a.checkpoints = checkpoint.NewManager(store, trigger, a.telemetry.Logger.Component("checkpoint"))

	policies, err := policy.NewEngine(ctx, a.telemetry.Logger.Component("policy"))
	if err != nil {
		return err
	}
	if err := policies.LoadPolicies(ctx, cfg.Preflight.Policies); err != nil {
		return faults.Configuration("failed to load preflight policies", err).WithCode(faults.CodeInvalidConfig)
	}

	mirror := gateway.NewMirror(a.logger)
	a.gateway = gateway.NewLocal(cfg, a.logger, gateway.WithMirror(mirror))
	a.preflight = preflight.NewEngine(a.gateway, policies, a.logger)
	a.backups = backup.NewService(mirror, a.logger)

	resolverOpts := []secrets.Option{}
	if cfg.Secrets.EnvFile != "" {
		resolverOpts = append(resolverOpts, secrets.WithEnvFile(cfg.Secrets.EnvFile))
	}
	resolver, err := secrets.NewResolver(resolverOpts...)
	if err != nil {
		return err
	}

	a.prompter = newPrompter(cfg, opts.assumeYes)
	a.orch, err = engine.NewOrchestrator(engine.Deps{
		Gateway:     a.gateway,
		Checkpoints: a.checkpoints,
		Preflight:   a.preflight,
		Backups:     a.backups,
		Secrets:     resolver,
		Prompter:    a.prompter,
		Metrics:     a.telemetry.Metrics,
		Tracer:      a.telemetry.Tracer,
	}, a.logger)
	return err
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runContext prepares an engine invocation.
func (a *app) runContext(opts engine.RunOptions) *engine.RunContext {
	// The continuation re-launches from another working directory.
	opts.ConfigPath = configPath
	if abs, err := filepath.Abs(configPath); err == nil {
		opts.ConfigPath = abs
	}
	if opts.Actor == "" {
		opts.Actor = currentActor()
	}
	return engine.NewRunContext(a.cfg, opts, a.logger)
}

// currentActor names the operator in audit entries.
func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
