package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/openfroyo/hostmove/pkg/config"
	"github.com/openfroyo/hostmove/pkg/engine"
	"github.com/openfroyo/hostmove/pkg/faults"
	"github.com/openfroyo/hostmove/pkg/secrets"
)

// TerminalPrompter asks the operator on the controlling terminal.
type TerminalPrompter struct{}

var _ engine.Prompter = TerminalPrompter{}

// ConfirmContinue asks whether the run goes on after phase failed.
func (TerminalPrompter) ConfirmContinue(ctx context.Context, phase string, cause error) (bool, error) {
	return confirm(ctx,
		fmt.Sprintf("Phase %s failed. Continue with the remaining phases?", phase),
		cause.Error(),
		false)
}

// LeaveCredential asks for the password of the account that leaves the
// source directory.
func (TerminalPrompter) LeaveCredential(ctx context.Context, user string) (*secrets.Secret, error) {
	var value string
	field := huh.NewInput().
		Title(fmt.Sprintf("Password for %s", user)).
		Description("Used once to leave the source directory; never written to disk.").
		EchoMode(huh.EchoModePassword).
		Validate(func(s string) error {
			if s == "" {
				return errors.New("password is required")
			}
			return nil
		}).
		Value(&value)

	if err := huh.NewForm(huh.NewGroup(field)).RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil, faults.Configuration("leave credential prompt cancelled", err).
				WithCode(faults.CodeSecretUnresolved)
		}
		return nil, err
	}

	return secrets.NewSecret("prompt", []byte(value)), nil
}

// confirm asks a yes/no question. An aborted prompt answers def.
func confirm(ctx context.Context, title, description string, def bool) (bool, error) {
	answer := def
	field := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&answer)

	if err := huh.NewForm(huh.NewGroup(field)).RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return def, nil
		}
		return false, err
	}
	return answer, nil
}

// interactive reports whether an operator is at the terminal.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// newPrompter picks the terminal prompter when an operator is present and
// confirmations were not pre-answered; otherwise the failure policy of the
// configuration answers.
func newPrompter(cfg *config.Config, assumeYes bool) engine.Prompter {
	if !assumeYes && interactive() {
		return TerminalPrompter{}
	}
	return engine.HeadlessPrompter{OnFailure: cfg.OnFailure}
}

// confirmAction asks before a destructive operator action unless assumeYes.
func confirmAction(ctx context.Context, assumeYes bool, title, description string) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !interactive() {
		return false, faults.Configuration("confirmation required; rerun with --yes", nil)
	}
	return confirm(ctx, title, description, false)
}
