// Package capability defines the boundary between the migration core and
// the host it runs on.
//
// The core never touches the operating system directly. Every privileged or
// host-specific action goes through a Gateway verb, which makes the core
// testable with a scripted fake and lets dry-run replace mutating verbs with
// acknowledgments.
package capability

import (
	"context"
	"time"

	"github.com/openfroyo/hostmove/pkg/secrets"
)

// Prober is the read-only subset of Gateway used for preflight snapshots.
type Prober interface {
	IsPrivilegedUser(ctx context.Context) (bool, error)
	GetFreeDiskSpace(ctx context.Context, volume string) (uint64, error)
	IsOnACPower(ctx context.Context) (bool, error)
	HasNetworkReachability(ctx context.Context, probeHost string) (bool, error)
	GetMembershipStatus(ctx context.Context) (MembershipStatus, error)
}

// Mirrorer transfers directory trees.
type Mirrorer interface {
	MirrorTree(ctx context.Context, source, dest string, opts MirrorOptions) (MirrorStats, error)
}

// Gateway is the full set of host capabilities the migration consumes.
type Gateway interface {
	Prober
	Mirrorer

	// GetTargetJoinStatus reports membership in the target directory.
	GetTargetJoinStatus(ctx context.Context) (JoinStatus, error)

	// LeaveMembership removes the host from the source directory.
	LeaveMembership(ctx context.Context, cred Credential) error

	// CreateTemporaryPrivilegedAccount creates a local administrator.
	CreateTemporaryPrivilegedAccount(ctx context.Context, name string, secret *secrets.Secret) error

	// RemovePrivilegedAccount deletes a local account.
	RemovePrivilegedAccount(ctx context.Context, name string) error

	// PromptUserToInitiateJoin opens the surface the user joins from.
	PromptUserToInitiateJoin(ctx context.Context) error

	// ExportRecoveryArtifacts writes disk-encryption recovery material to dest.
	ExportRecoveryArtifacts(ctx context.Context, dest string) error

	// RestartHost reboots the host.
	RestartHost(ctx context.Context) error
}

// MembershipStatus describes the host's source-directory membership.
type MembershipStatus struct {
	Joined bool   `json:"joined"`
	Domain string `json:"domain,omitempty"`
}

// JoinStatus describes the host's target-directory membership.
type JoinStatus struct {
	Joined   bool      `json:"joined"`
	Tenant   string    `json:"tenant,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
	Observed time.Time `json:"observed"`
}

// Credential authenticates a membership change.
type Credential struct {
	User   string
	Secret *secrets.Secret
}

// MirrorOptions controls a tree transfer.
type MirrorOptions struct {
	Excludes ExcludeSet

	// Purge removes destination entries absent from the source.
	Purge bool
}

// MirrorStats summarizes a tree transfer.
type MirrorStats struct {
	Files   int64    `json:"files"`
	Bytes   int64    `json:"bytes"`
	Skipped int64    `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Add folds other into s.
func (s *MirrorStats) Add(other MirrorStats) {
	s.Files += other.Files
	s.Bytes += other.Bytes
	s.Skipped += other.Skipped
	s.Errors = append(s.Errors, other.Errors...)
}
