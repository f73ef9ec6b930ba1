package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ChildExecutor runs target executables as short-lived child processes.
type ChildExecutor struct {
	goBin string
}

func NewChildExecutor(goBin string) *ChildExecutor {
	goBin = strings.TrimSpace(goBin)
	if goBin == "" {
		goBin = "go"
	}
	return &ChildExecutor{goBin: goBin}
}

func (e *ChildExecutor) Kind() string {
	return "process"
}

// Command returns the program and arguments for spec. Go source files are
// launched through `go run`.
func (e *ChildExecutor) Command(spec ChildSpec) (string, []string, error) {
	executable := strings.TrimSpace(spec.Executable)
	if executable == "" {
		return "", nil, errors.New("executable is required")
	}
	if strings.HasSuffix(executable, ".go") {
		if _, err := os.Stat(executable); err != nil {
			return "", nil, fmt.Errorf("%w: %s", ErrExecutableNotFound, executable)
		}
		args := append([]string{"run", filepath.Base(executable)}, spec.Args...)
		return e.goBin, args, nil
	}
	path, err := exec.LookPath(executable)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrExecutableNotFound, executable, err)
	}
	return path, append([]string(nil), spec.Args...), nil
}

// Run starts the child, waits for it and returns its exit code and output
// tail. A non-zero exit is reported in the Outcome, not as an error.
func (e *ChildExecutor) Run(ctx context.Context, spec ChildSpec) (Outcome, error) {
	name, args, err := e.Command(spec)
	if err != nil {
		return Outcome{}, err
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(spec.Env)
	cmd.WaitDelay = time.Second
	killGroupOnCancel(cmd)

	started := time.Now()
	out, err := cmd.CombinedOutput()
	outcome := Outcome{Output: tail(out), Duration: time.Since(started)}
	if ctxErr := ctx.Err(); ctxErr != nil {
		outcome.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return outcome, fmt.Errorf("%w after %s: %s", ErrTimeout, spec.Timeout, outcome.Output)
		}
		return outcome, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			outcome.ExitCode = exitErr.ExitCode()
			return outcome, nil
		}
		return outcome, fmt.Errorf("run %s: %w", name, err)
	}
	return outcome, nil
}
