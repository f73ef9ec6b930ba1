// Package observe wraps an experiment task so that its lifecycle is reported
// to a set of observers.
package observe

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/hydraqueue/internal/domain"
)

// ErrInterrupted marks a cooperative interrupt raised by the task. Tasks may
// also return an error wrapping context.Canceled.
var ErrInterrupted = errors.New("run interrupted")

// Observer receives lifecycle events of one run. Join is called once at the
// end of every run, after the last event, even for observers that failed.
type Observer interface {
	StartedEvent(ctx context.Context, ev StartedEvent) error
	CompletedEvent(ctx context.Context, ev CompletedEvent) error
	InterruptedEvent(ctx context.Context, ev InterruptedEvent) error
	FailedEvent(ctx context.Context, ev FailedEvent) error
	Join(ctx context.Context) error
}

type ExperimentInfo struct {
	BaseDir string   `json:"base_dir"`
	Sources []string `json:"sources"`
}

type StartedEvent struct {
	ExInfo    ExperimentInfo `json:"ex_info"`
	Command   string         `json:"command"`
	HostInfo  map[string]any `json:"host_info"`
	MetaInfo  map[string]any `json:"meta_info"`
	Config    map[string]any `json:"config"`
	StartTime time.Time      `json:"start_time"`
	ID        int64          `json:"_id"`
	// Collection holds the run record; it is not part of the payload.
	Collection string `json:"-"`
}

type CompletedEvent struct {
	StopTime time.Time `json:"stop_time"`
	Result   any       `json:"result"`
}

type InterruptedEvent struct {
	InterruptTime time.Time     `json:"interrupt_time"`
	Status        domain.Status `json:"status"`
}

type FailedEvent struct {
	FailTime  time.Time `json:"fail_time"`
	FailTrace []string  `json:"fail_trace"`
}
