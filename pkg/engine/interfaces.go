package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/config"
	"github.com/openfroyo/hostmove/pkg/faults"
	"github.com/openfroyo/hostmove/pkg/secrets"
)

// Prompter asks the operator at the run's suspension points.
type Prompter interface {
	// ConfirmContinue asks whether the run continues after phase failed
	// with err. False aborts the run.
	ConfirmContinue(ctx context.Context, phase string, err error) (bool, error)

	// LeaveCredential asks for the secret of the account that leaves the
	// source directory.
	LeaveCredential(ctx context.Context, user string) (*secrets.Secret, error)
}

// JoinStatusReader is the gateway verb join polling consumes.
type JoinStatusReader interface {
	GetTargetJoinStatus(ctx context.Context) (capability.JoinStatus, error)
}

// HeadlessPrompter answers prompts from configuration when no operator is
// present.
type HeadlessPrompter struct {
	OnFailure config.OnFailure
}

var _ Prompter = HeadlessPrompter{}

// ConfirmContinue continues only when the policy is continue. A prompt
// policy without an operator aborts.
func (p HeadlessPrompter) ConfirmContinue(_ context.Context, _ string, _ error) (bool, error) {
	return p.OnFailure == config.OnFailureContinue, nil
}

// LeaveCredential fails: without an operator the secret must come from
// configuration.
func (p HeadlessPrompter) LeaveCredential(_ context.Context, user string) (*secrets.Secret, error) {
	return nil, faults.Configuration(
		fmt.Sprintf("no secret configured for %q and no operator to ask", user), nil).
		WithCode(faults.CodeSecretUnresolved).
		WithDetail("field", "domainLeave.secretRef")
}
