package capability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmove/pkg/secrets"
)

// DryRunGateway passes read verbs through to the wrapped gateway and answers
// mutating verbs with an acknowledgment. It tracks the hypothetical effect of
// membership changes so later reads agree with earlier acknowledgments.
type DryRunGateway struct {
	inner  Gateway
	logger zerolog.Logger

	mu       sync.Mutex
	left     bool
	joinSeen bool
}

// DryRun wraps g for a dry run.
func DryRun(g Gateway, logger zerolog.Logger) *DryRunGateway {
	return &DryRunGateway{
		inner:  g,
		logger: logger.With().Str("component", "dry-run").Logger(),
	}
}

func (d *DryRunGateway) IsPrivilegedUser(ctx context.Context) (bool, error) {
	return d.inner.IsPrivilegedUser(ctx)
}

func (d *DryRunGateway) GetFreeDiskSpace(ctx context.Context, volume string) (uint64, error) {
	return d.inner.GetFreeDiskSpace(ctx, volume)
}

func (d *DryRunGateway) IsOnACPower(ctx context.Context) (bool, error) {
	return d.inner.IsOnACPower(ctx)
}

func (d *DryRunGateway) HasNetworkReachability(ctx context.Context, probeHost string) (bool, error) {
	return d.inner.HasNetworkReachability(ctx, probeHost)
}

func (d *DryRunGateway) GetMembershipStatus(ctx context.Context) (MembershipStatus, error) {
	d.mu.Lock()
	left := d.left
	d.mu.Unlock()
	if left {
		return MembershipStatus{Joined: false}, nil
	}
	return d.inner.GetMembershipStatus(ctx)
}

func (d *DryRunGateway) GetTargetJoinStatus(ctx context.Context) (JoinStatus, error) {
	d.mu.Lock()
	seen := d.joinSeen
	d.mu.Unlock()
	if seen {
		return JoinStatus{Joined: true, Observed: time.Now()}, nil
	}
	return d.inner.GetTargetJoinStatus(ctx)
}

func (d *DryRunGateway) LeaveMembership(_ context.Context, cred Credential) error {
	d.logger.Info().Str("user", cred.User).Msg("dry-run: would leave source directory")
	d.mu.Lock()
	d.left = true
	d.mu.Unlock()
	return nil
}

func (d *DryRunGateway) CreateTemporaryPrivilegedAccount(_ context.Context, name string, _ *secrets.Secret) error {
	d.logger.Info().Str("account", name).Msg("dry-run: would create temporary administrator")
	return nil
}

func (d *DryRunGateway) RemovePrivilegedAccount(_ context.Context, name string) error {
	d.logger.Info().Str("account", name).Msg("dry-run: would remove account")
	return nil
}

func (d *DryRunGateway) PromptUserToInitiateJoin(_ context.Context) error {
	d.logger.Info().Msg("dry-run: would prompt user to join target directory")
	d.mu.Lock()
	d.joinSeen = true
	d.mu.Unlock()
	return nil
}

func (d *DryRunGateway) ExportRecoveryArtifacts(_ context.Context, dest string) error {
	d.logger.Info().Str("dest", dest).Msg("dry-run: would export recovery artifacts")
	return nil
}

func (d *DryRunGateway) RestartHost(_ context.Context) error {
	d.logger.Info().Msg("dry-run: would restart host")
	return nil
}

func (d *DryRunGateway) MirrorTree(_ context.Context, source, dest string, opts MirrorOptions) (MirrorStats, error) {
	d.logger.Info().
		Str("source", source).
		Str("dest", dest).
		Bool("purge", opts.Purge).
		Msg("dry-run: would mirror tree")
	return MirrorStats{}, nil
}
