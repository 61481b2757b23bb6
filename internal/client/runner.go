package client

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	Timeout time.Duration
	Log     *zap.Logger
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()

	// arguments may carry secrets; log the subcommand only
	sub := ""
	if len(args) > 0 {
		sub = args[0]
	}
	if r.Log != nil {
		r.Log.Debug("command finished",
			zap.String("command", name),
			zap.String("subcommand", sub),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return output, fmt.Errorf("%s %s: %w after %s", name, sub, context.DeadlineExceeded, timeout)
	}
	if err != nil {
		return output, fmt.Errorf("%s %s: %w: %s", name, sub, err, strings.TrimSpace(string(output)))
	}
	return output, nil
}
