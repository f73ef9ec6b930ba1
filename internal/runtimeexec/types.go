package runtimeexec

import (
	"errors"
	"time"
)

// ChildSpec describes one auxiliary process launch.
type ChildSpec struct {
	Executable string
	Args       []string
	Dir        string
	Env        map[string]string
	Timeout    time.Duration
}

// Outcome is what the parent observes after the child exits.
type Outcome struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

var ErrTimeout = errors.New("child_process_timeout")
var ErrExecutableNotFound = errors.New("executable_not_found")
