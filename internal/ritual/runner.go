package ritual

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// shellRunner executes ritual commands through the shell with a bounded
// timeout, the only safety net against hung commands.
type shellRunner struct {
	timeout time.Duration
}

func (r *shellRunner) Run(ctx context.Context, command string) (string, error) {
	timeout := r.timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		return string(out), fmt.Errorf("command failed: %w", err)
	}
	return string(out), nil
}
