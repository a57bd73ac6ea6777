package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// MicProbe checks microphone permission before every call attempt.
type MicProbe interface {
	Probe(ctx context.Context) (bool, error)
}

// StaticProbe answers with a fixed result.
type StaticProbe bool

func (p StaticProbe) Probe(context.Context) (bool, error) {
	return bool(p), nil
}

// ExecProbe runs a command; exit status 0 means the microphone is usable and
// any other exit status means permission was denied.
type ExecProbe struct {
	command []string
	logger  *slog.Logger
}

func NewExecProbe(command string, logger *slog.Logger) (*ExecProbe, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse microphone command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("microphone command is empty")
	}
	return &ExecProbe{
		command: args,
		logger:  logger.With(slog.String("component", "mic-probe")),
	}, nil
}

func (p *ExecProbe) Probe(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		p.logger.Info("microphone probe denied", slog.Int("exit_code", exitErr.ExitCode()), slog.String("output", string(output)))
		return false, nil
	}
	return false, fmt.Errorf("run microphone probe: %w", err)
}
