package observe

import (
	"context"
	"fmt"
	"log/slog"
)

// dispatcher fans events out to observers. An observer that fails once is
// skipped for every later event of the run but still joined.
type dispatcher struct {
	logger    *slog.Logger
	observers []Observer
	failed    []bool
}

func newDispatcher(logger *slog.Logger, observers []Observer) *dispatcher {
	return &dispatcher{logger: logger, observers: observers, failed: make([]bool, len(observers))}
}

func (d *dispatcher) emit(event string, call func(Observer) error) {
	for i, obs := range d.observers {
		if d.failed[i] {
			continue
		}
		if err := safeCall(obs, call); err != nil {
			d.failed[i] = true
			d.logger.Warn("observer failed, it is skipped for the rest of the run",
				"observer", fmt.Sprintf("%T", obs), "event", event, "error", err)
		}
	}
}

func (d *dispatcher) started(ctx context.Context, ev StartedEvent) {
	d.emit("started", func(o Observer) error { return o.StartedEvent(ctx, ev) })
}

func (d *dispatcher) completed(ctx context.Context, ev CompletedEvent) {
	d.emit("completed", func(o Observer) error { return o.CompletedEvent(ctx, ev) })
}

func (d *dispatcher) interrupted(ctx context.Context, ev InterruptedEvent) {
	d.emit("interrupted", func(o Observer) error { return o.InterruptedEvent(ctx, ev) })
}

func (d *dispatcher) failedEvent(ctx context.Context, ev FailedEvent) {
	d.emit("failed", func(o Observer) error { return o.FailedEvent(ctx, ev) })
}

func (d *dispatcher) join(ctx context.Context) {
	for _, obs := range d.observers {
		if err := safeCall(obs, func(o Observer) error { return o.Join(ctx) }); err != nil {
			d.logger.Warn("observer join failed", "observer", fmt.Sprintf("%T", obs), "error", err)
		}
	}
}

func safeCall(obs Observer, call func(Observer) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return call(obs)
}
