package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/animus-labs/hydraqueue/entrypoint"
	"github.com/animus-labs/hydraqueue/internal/runtimeexec"
)

const DefaultTimeout = 2 * time.Minute

// Target identifies the executable to inspect.
type Target struct {
	Executable string
	// Directory is the caller's working directory; a relative Executable is
	// resolved against it.
	Directory string
}

// Result is a discovered declaration with an absolute config root.
type Result struct {
	ConfigRoot  string
	ConfigName  string
	VersionBase string
}

// MismatchError reports a declared expectation the executable disagrees with.
type MismatchError struct {
	Field      string
	Declared   string
	Detected   string
	Executable string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("configuration specifies %s %q but the executable %s declares %q", e.Field, e.Declared, e.Executable, e.Detected)
}

type Discoverer struct {
	executor *runtimeexec.ChildExecutor
	timeout  time.Duration
	logger   *slog.Logger
}

func New(executor *runtimeexec.ChildExecutor, timeout time.Duration, logger *slog.Logger) *Discoverer {
	if executor == nil {
		executor = runtimeexec.NewChildExecutor("")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{executor: executor, timeout: timeout, logger: logger}
}

// Discover launches the executable in discovery mode and returns the
// declaration it passes to entrypoint.Main. Non-empty fields of expected
// must match the detected values.
func (d *Discoverer) Discover(ctx context.Context, target Target, expected entrypoint.Declaration) (Result, error) {
	executable, err := AbsExecutable(target)
	if err != nil {
		return Result{}, err
	}

	tmp, err := os.MkdirTemp("", "hydraqueue-discover-")
	if err != nil {
		return Result{}, fmt.Errorf("channel dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()
	channel := filepath.Join(tmp, "channel")

	d.logger.Debug("discovering entry point", "executable", executable)
	outcome, err := d.executor.Run(ctx, runtimeexec.ChildSpec{
		Executable: executable,
		Dir:        filepath.Dir(executable),
		Env: map[string]string{
			entrypoint.EnvMode:    entrypoint.ModeDiscover,
			entrypoint.EnvChannel: channel,
		},
		Timeout: d.timeout,
	})
	if err != nil {
		return Result{}, fmt.Errorf("discover %s: %w", executable, err)
	}

	var msg entrypoint.Result
	if err := entrypoint.ReadMessage(channel, &msg); err != nil || !msg.Complete {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("unreadable discovery channel", "executable", executable, "error", err)
		}
		return Result{}, fmt.Errorf("%w: %s exited with status %d: %s", entrypoint.ErrNoEntryPoint, executable, outcome.ExitCode, outcome.Output)
	}
	detected := msg.Declaration
	if err := detected.Validate(); err != nil {
		return Result{}, fmt.Errorf("executable %s: %w", executable, err)
	}
	if err := compare(executable, expected, detected); err != nil {
		return Result{}, err
	}
	return Result{
		ConfigRoot:  detected.ConfigRoot(filepath.Dir(executable)),
		ConfigName:  detected.ConfigName,
		VersionBase: detected.VersionBase,
	}, nil
}

func compare(executable string, expected, detected entrypoint.Declaration) error {
	checks := []struct {
		field              string
		declared, detected string
	}{
		{field: "config_path", declared: expected.ConfigPath, detected: detected.ConfigPath},
		{field: "config_name", declared: expected.ConfigName, detected: detected.ConfigName},
		{field: "version_base", declared: expected.VersionBase, detected: detected.VersionBase},
	}
	for _, c := range checks {
		if c.declared != "" && c.declared != c.detected {
			return &MismatchError{Field: c.field, Declared: c.declared, Detected: c.detected, Executable: executable}
		}
	}
	return nil
}

// AbsExecutable resolves target.Executable against target.Directory.
func AbsExecutable(target Target) (string, error) {
	executable := target.Executable
	if executable == "" {
		return "", errors.New("executable is required")
	}
	if !filepath.IsAbs(executable) {
		base := target.Directory
		if base == "" {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			base = wd
		}
		executable = filepath.Join(base, executable)
	}
	if _, err := os.Stat(executable); err != nil {
		return "", fmt.Errorf("%w: %s", runtimeexec.ErrExecutableNotFound, executable)
	}
	return executable, nil
}
