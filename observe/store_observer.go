package observe

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/animus-labs/hydraqueue/docstore"
	"github.com/animus-labs/hydraqueue/internal/domain"
)

// StoreObserver writes lifecycle updates onto the run record. The collection
// and run id are taken from the started event.
type StoreObserver struct {
	store  docstore.Store
	logger *slog.Logger

	coll docstore.Collection
	id   int64
}

func NewStoreObserver(store docstore.Store, logger *slog.Logger) *StoreObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreObserver{store: store, logger: logger}
}

func (o *StoreObserver) StartedEvent(ctx context.Context, ev StartedEvent) error {
	if o == nil || o.store == nil {
		return errors.New("store observer not initialized")
	}
	if ev.Collection == "" || ev.ID == 0 {
		return errors.New("store observer: run has no collection or id")
	}
	coll, err := o.store.Collection(ctx, ev.Collection)
	if err != nil {
		return err
	}
	o.coll = coll
	o.id = ev.ID
	return o.set(ctx, map[string]any{
		domain.FieldStatus:    string(domain.StatusRunning),
		domain.FieldStartTime: ev.StartTime,
		domain.FieldHeartbeat: ev.StartTime,
		domain.FieldHost:      ev.HostInfo,
		domain.FieldMeta:      ev.MetaInfo,
		"experiment":          map[string]any{"base_dir": ev.ExInfo.BaseDir, "sources": stringsToAny(ev.ExInfo.Sources)},
	})
}

func (o *StoreObserver) CompletedEvent(ctx context.Context, ev CompletedEvent) error {
	return o.set(ctx, map[string]any{
		domain.FieldStatus:    string(domain.StatusCompleted),
		domain.FieldStopTime:  ev.StopTime,
		domain.FieldHeartbeat: ev.StopTime,
		domain.FieldResult:    ev.Result,
	})
}

func (o *StoreObserver) InterruptedEvent(ctx context.Context, ev InterruptedEvent) error {
	return o.set(ctx, map[string]any{
		domain.FieldStatus:    string(ev.Status),
		domain.FieldStopTime:  ev.InterruptTime,
		domain.FieldHeartbeat: ev.InterruptTime,
	})
}

func (o *StoreObserver) FailedEvent(ctx context.Context, ev FailedEvent) error {
	return o.set(ctx, map[string]any{
		domain.FieldStatus:    string(domain.StatusFailed),
		domain.FieldStopTime:  ev.FailTime,
		domain.FieldHeartbeat: ev.FailTime,
		domain.FieldFailTrace: stringsToAny(ev.FailTrace),
	})
}

func (o *StoreObserver) Join(context.Context) error {
	return nil
}

func (o *StoreObserver) set(ctx context.Context, fields map[string]any) error {
	if o == nil || o.coll == nil {
		return errors.New("store observer: run not started")
	}
	for key, value := range fields {
		if t, ok := value.(time.Time); ok {
			fields[key] = t.UTC()
		}
	}
	res, err := o.coll.UpdateOne(ctx, docstore.Filter{domain.FieldID: o.id}, fields)
	if err != nil {
		return err
	}
	docstore.LogUpdateResult(o.logger, res, "collection", o.coll.Name(), "id", o.id)
	return nil
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
