package mount

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Output is what a disk-management command printed.
type Output struct {
	Stdout string
	Stderr string
}

// Text returns stdout and stderr joined, for message matching.
func (o Output) Text() string {
	return strings.TrimSpace(o.Stdout + "\n" + o.Stderr)
}

// Runner executes one command. A non-nil error means a non-zero exit or a
// timeout; the output is still returned for classification.
type Runner func(ctx context.Context, name string, args ...string) (Output, error)

// ExecRunner runs real commands, each bounded by timeout.
func ExecRunner(timeout time.Duration) Runner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return func(ctx context.Context, name string, args ...string) (Output, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
		if ctx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("%s timed out after %s: %w", name, timeout, ctx.Err())
		}
		return out, err
	}
}
