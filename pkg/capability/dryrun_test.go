package capability

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostmove/pkg/secrets"
)

type readOnlyGateway struct {
	Gateway
	joined bool
}

func (g readOnlyGateway) GetMembershipStatus(context.Context) (MembershipStatus, error) {
	return MembershipStatus{Joined: g.joined, Domain: "corp.example.com"}, nil
}

func (g readOnlyGateway) GetTargetJoinStatus(context.Context) (JoinStatus, error) {
	return JoinStatus{}, nil
}

func TestDryRunTracksHypotheticalMembership(t *testing.T) {
	ctx := context.Background()
	d := DryRun(readOnlyGateway{joined: true}, zerolog.Nop())

	st, err := d.GetMembershipStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Joined)

	require.NoError(t, d.LeaveMembership(ctx, Credential{User: "admin", Secret: secrets.NewSecret("literal", []byte("pw"))}))
	st, err = d.GetMembershipStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.Joined)

	js, err := d.GetTargetJoinStatus(ctx)
	require.NoError(t, err)
	assert.False(t, js.Joined)

	require.NoError(t, d.PromptUserToInitiateJoin(ctx))
	js, err = d.GetTargetJoinStatus(ctx)
	require.NoError(t, err)
	assert.True(t, js.Joined)
}

func TestDryRunMirrorIsNoop(t *testing.T) {
	d := DryRun(readOnlyGateway{}, zerolog.Nop())
	stats, err := d.MirrorTree(context.Background(), "/nonexistent", "/also-nonexistent", MirrorOptions{Purge: true})
	require.NoError(t, err)
	assert.Zero(t, stats.Files)
}
