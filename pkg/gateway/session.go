package gateway

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/coreos/go-systemd/v22/login1"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// SessionLister returns the names of users that have a login session.
type SessionLister func(ctx context.Context) ([]string, error)

// LoginUsers asks systemd-logind which users are logged in.
func LoginUsers(_ context.Context) ([]string, error) {
	conn, err := login1.New()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to logind: %w", err)
	}
	defer conn.Close()

	users, err := conn.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("failed to list login users: %w", err)
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Name)
	}
	return names, nil
}

// WaitForSession blocks until name has a login session. Listing errors are
// logged and the wait continues; logind may not be up yet early in boot.
func WaitForSession(
	ctx context.Context,
	list SessionLister,
	name string,
	interval time.Duration,
	clk clock.Clock,
	logger zerolog.Logger,
) error {
	announced := false
	for {
		users, err := list(ctx)
		switch {
		case err != nil:
			logger.Debug().Err(err).Msg("Login session lookup failed")
		case slices.Contains(users, name):
			logger.Info().Str("user", name).Msg("Login session found")
			return nil
		case !announced:
			logger.Info().Str("user", name).Msg("Waiting for login")
			announced = true
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(interval):
		}
	}
}
