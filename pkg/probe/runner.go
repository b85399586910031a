package probe

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Result is what a finished probe command left behind.
type Result struct {
	Output   []byte
	ExitCode int
	TimedOut bool
}

// Runner runs a probe command to completion. The context carries the
// probe deadline.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands as child processes with SSH_ASKPASS removed
// from the environment so no graphical password prompt can appear.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = withoutAskPass(os.Environ())
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	res := Result{Output: out.Bytes()}
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, errors.Wrapf(err, "running %s", name)
	}
	return res, nil
}

func withoutAskPass(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "SSH_ASKPASS=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
