package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/awnumar/memguard"

	"github.com/openfroyo/hostmove/pkg/config"
	"github.com/openfroyo/hostmove/pkg/faults"
	"github.com/openfroyo/hostmove/pkg/secrets"
)

// CommandResult is the outcome of a host command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes host commands. A non-zero exit is reported in the result,
// not as an error; the error is for commands that could not be started.
type Runner interface {
	Run(ctx context.Context, argv []string, stdin []byte) (*CommandResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes argv with stdin attached.
func (ExecRunner) Run(ctx context.Context, argv []string, stdin []byte) (*CommandResult, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("command is required")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}
	return result, nil
}

// argvData is visible to argv templates. It deliberately has no secret.
type argvData struct {
	User   string
	Name   string
	Dest   string
	Device string
}

// stdinData is visible to stdin templates.
type stdinData struct {
	argvData
	Secret string
}

func renderArgv(argv []string, data argvData) ([]string, error) {
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		s, err := renderTemplate(a, data)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func renderTemplate(text string, data interface{}) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New("command").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// runCommand renders and runs a configured command. A secret, when given,
// is only ever rendered into stdin; the stdin buffer is wiped after use.
func (l *Local) runCommand(ctx context.Context, op string, cmd config.Command, data argvData, secret *secrets.Secret) (*CommandResult, error) {
	if !cmd.Configured() {
		return nil, faults.Configuration(op+" command is not configured", nil).
			WithCode(faults.CodeCommandMissing).
			WithOperation(op)
	}

	argv, err := renderArgv(cmd.Argv, data)
	if err != nil {
		return nil, faults.Configuration("invalid "+op+" command template", err).
			WithCode(faults.CodeInvalidConfig).
			WithOperation(op)
	}

	var stdin []byte
	if cmd.Stdin != "" {
		render := func(value []byte) error {
			s, err := renderTemplate(cmd.Stdin, stdinData{argvData: data, Secret: string(value)})
			if err != nil {
				return err
			}
			stdin = []byte(s)
			return nil
		}
		if secret.Empty() {
			err = render(nil)
		} else {
			err = secret.Reveal(render)
		}
		if err != nil {
			return nil, faults.Configuration("invalid "+op+" stdin template", err).
				WithCode(faults.CodeInvalidConfig).
				WithOperation(op)
		}
		defer memguard.WipeBytes(stdin)
	}

	l.logger.Debug().Str("operation", op).Strs("argv", argv).Msg("Running host command")

	result, err := l.runner.Run(ctx, argv, stdin)
	if err != nil {
		return nil, faults.Mutation(op+" command could not be started", err).
			WithCode(faults.CodeCommandFailed).
			WithOperation(op)
	}
	if result.ExitCode != 0 {
		return result, faults.Mutation(fmt.Sprintf("%s command exited with status %d", op, result.ExitCode), nil).
			WithCode(faults.CodeCommandFailed).
			WithOperation(op).
			WithDetail("stderr", strings.TrimSpace(result.Stderr))
	}

	l.logger.Info().
		Str("operation", op).
		Dur("duration", result.Duration).
		Msg("Host command succeeded")
	return result, nil
}
