package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/faults"
)

// PollJoinStatus probes the target-directory join every interval until it
// is observed or timeout elapses. Probe errors are logged and polling
// continues. Each probe runs to completion; interrupt is honored between
// probes only.
func PollJoinStatus(
	ctx context.Context,
	interrupt <-chan struct{},
	reader JoinStatusReader,
	interval, timeout time.Duration,
	clk clock.Clock,
	logger zerolog.Logger,
) (capability.JoinStatus, error) {
	if interval <= 0 {
		return capability.JoinStatus{}, faults.Configuration("join poll interval must be positive", nil).
			WithCode(faults.CodeInvalidConfig)
	}

	deadline := clk.Now().Add(timeout)
	attempts := 0
	for {
		attempts++
		status, err := reader.GetTargetJoinStatus(ctx)
		switch {
		case err != nil:
			logger.Warn().Err(err).Int("attempt", attempts).Msg("Join status probe failed")
		case status.Joined:
			logger.Info().
				Int("attempt", attempts).
				Str("tenant", status.Tenant).
				Str("device_id", status.DeviceID).
				Msg("Target join observed")
			return status, nil
		default:
			logger.Debug().Int("attempt", attempts).Msg("Target join not yet observed")
		}

		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			return capability.JoinStatus{}, faults.Timeout(
				fmt.Sprintf("target join not observed within %s (%d probes)", timeout, attempts), err).
				WithCode(faults.CodeJoinTimeout)
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}

		select {
		case <-interrupt:
			return capability.JoinStatus{}, context.Canceled
		case <-ctx.Done():
			return capability.JoinStatus{}, ctx.Err()
		case <-clk.After(wait):
		}
	}
}
