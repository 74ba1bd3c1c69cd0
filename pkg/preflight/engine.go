package preflight

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/config"
	"github.com/openfroyo/hostmove/pkg/policy"
)

// Engine runs the preflight checks.
type Engine struct {
	prober   capability.Prober
	policies *policy.Engine
	clock    clock.Clock
	logger   zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// NewEngine creates a preflight engine. policies may be nil, in which case
// only the built-in Go checks run.
func NewEngine(prober capability.Prober, policies *policy.Engine, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		prober:   prober,
		policies: policies,
		clock:    clock.WallClock,
		logger:   logger.With().Str("component", "preflight").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate snapshots the host and evaluates every check against it.
func (e *Engine) Evaluate(ctx context.Context, cfg *config.Config, dryRun bool) (*Result, error) {
	snap, err := e.Collect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return e.EvaluateSnapshot(ctx, cfg, snap, dryRun)
}

// Collect probes the host. Probe errors are recorded in the snapshot rather
// than returned, so a single failing probe does not hide the others.
func (e *Engine) Collect(ctx context.Context, cfg *config.Config) (*Snapshot, error) {
	snap := &Snapshot{
		Volume:       cfg.DiskVolume(),
		NetworkProbe: cfg.Safeguards.NetworkProbe,
		ProbeErrors:  map[string]string{},
		TakenAt:      e.clock.Now().UTC(),
	}
	record := func(check string, err error) {
		snap.ProbeErrors[check] = err.Error()
		e.logger.Warn().Err(err).Str("check", check).Msg("Probe failed")
	}

	if ok, err := e.prober.IsPrivilegedUser(ctx); err != nil {
		record(CheckPrivilege, err)
	} else {
		snap.Privileged = ok
	}

	if free, err := e.prober.GetFreeDiskSpace(ctx, snap.Volume); err != nil {
		record(CheckDiskSpace, err)
	} else {
		snap.FreeBytes = free
	}

	if cfg.Safeguards.ACPower != config.SeverityOff {
		if ok, err := e.prober.IsOnACPower(ctx); err != nil {
			record(CheckACPower, err)
		} else {
			snap.OnACPower = ok
		}
	}

	if cfg.Safeguards.Network != config.SeverityOff {
		if ok, err := e.prober.HasNetworkReachability(ctx, snap.NetworkProbe); err != nil {
			record(CheckNetwork, err)
		} else {
			snap.NetworkReachable = ok
		}
	}

	if status, err := e.prober.GetMembershipStatus(ctx); err != nil {
		record(CheckSourceMembership, err)
	} else {
		snap.Membership = status
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return snap, nil
}

// EvaluateSnapshot evaluates the built-in checks and the policies against a
// snapshot. It performs no host access.
func (e *Engine) EvaluateSnapshot(ctx context.Context, cfg *config.Config, snap *Snapshot, dryRun bool) (*Result, error) {
	result := &Result{
		Snapshot:    *snap,
		EvaluatedAt: e.clock.Now().UTC(),
	}

	for _, check := range builtinChecks {
		result.Add(check(cfg, snap))
	}

	if e.policies != nil {
		checks, err := e.evaluatePolicies(ctx, cfg, snap, dryRun)
		if err != nil {
			return nil, err
		}
		for _, c := range checks {
			result.Add(c)
		}
	}

	for _, c := range result.Checks {
		level := zerolog.InfoLevel
		switch c.Outcome {
		case OutcomeFail:
			level = zerolog.ErrorLevel
		case OutcomeWarn:
			level = zerolog.WarnLevel
		}
		e.logger.WithLevel(level).Str("check", c.Name).Str("outcome", string(c.Outcome)).Msg(c.Message)
	}

	return result, nil
}

// evaluatePolicies converts policy findings to checks. A policy with no
// findings yields a passing check; an evaluation error yields a warning.
func (e *Engine) evaluatePolicies(ctx context.Context, cfg *config.Config, snap *Snapshot, dryRun bool) ([]Check, error) {
	input := &policy.Input{DryRun: dryRun}
	if err := toDocument(cfg, &input.Config); err != nil {
		return nil, fmt.Errorf("failed to encode configuration for policies: %w", err)
	}
	if err := toDocument(snap, &input.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot for policies: %w", err)
	}

	res := e.policies.Evaluate(ctx, input)

	reported := map[string]bool{}
	var checks []Check
	for _, f := range res.Findings {
		reported[f.Policy] = true
		outcome := OutcomeWarn
		if f.Level == policy.LevelDeny {
			outcome = OutcomeFail
		}
		checks = append(checks, Check{
			Name:        PolicyPrefix + f.Policy,
			Outcome:     outcome,
			Message:     f.Message,
			Remediation: f.Remediation,
		})
	}
	for _, pe := range res.Errors {
		reported[pe.Policy] = true
		checks = append(checks, Check{
			Name:    PolicyPrefix + pe.Policy,
			Outcome: OutcomeWarn,
			Message: "policy could not be evaluated: " + pe.Err.Error(),
		})
	}
	for _, name := range res.Evaluated {
		if !reported[name] {
			checks = append(checks, Check{
				Name:    PolicyPrefix + name,
				Outcome: OutcomePass,
				Message: "no findings",
			})
		}
	}
	return checks, nil
}

func toDocument(v interface{}, out *map[string]interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
