package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/animus-labs/hydraqueue/compose"
	"github.com/animus-labs/hydraqueue/docstore"
	"github.com/animus-labs/hydraqueue/docstore/pgstore"
	"github.com/animus-labs/hydraqueue/entrypoint"
	"github.com/animus-labs/hydraqueue/internal/domain"
	"github.com/animus-labs/hydraqueue/internal/platform/postgres"
	"github.com/animus-labs/hydraqueue/tracking"
)

// StoreOpener connects to the run store. The returned release func is called
// once the run has been joined.
type StoreOpener func(ctx context.Context) (docstore.Store, func(), error)

type Option func(*wrapper)

// WithObservers registers observers in dispatch order.
func WithObservers(observers ...Observer) Option {
	return func(w *wrapper) { w.observers = append(w.observers, observers...) }
}

// WithStore uses an already connected store instead of opening one from the
// environment.
func WithStore(store docstore.Store) Option {
	return func(w *wrapper) {
		w.open = func(context.Context) (docstore.Store, func(), error) { return store, func() {}, nil }
	}
}

func WithStoreOpener(open StoreOpener) Option {
	return func(w *wrapper) { w.open = open }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *wrapper) { w.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(w *wrapper) { w.now = now }
}

type wrapper struct {
	observers []Observer
	open      StoreOpener
	logger    *slog.Logger
	now       func() time.Time
}

// Wrap reports the lifecycle of task to the registered observers. Runs whose
// config carries no run id execute unobserved. A StoreObserver is appended
// when none is registered.
func Wrap(task entrypoint.Task, opts ...Option) entrypoint.Task {
	w := &wrapper{open: openFromEnv}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return func(ctx context.Context, cfg *compose.Config) (any, error) {
		return w.run(ctx, cfg, task)
	}
}

func openFromEnv(ctx context.Context) (docstore.Store, func(), error) {
	cfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return pgstore.New(db), func() { _ = db.Close() }, nil
}

func (w *wrapper) run(ctx context.Context, cfg *compose.Config, task entrypoint.Task) (any, error) {
	id, collection, ok := w.tracking(cfg)
	if !ok {
		return task(ctx, cfg)
	}
	logger := w.logger.With("collection", collection, "id", id)

	observers := append([]Observer(nil), w.observers...)
	record, release := w.fetchRecord(ctx, logger, collection, id, &observers)
	defer release()

	hydraConfig, err := cfg.ToContainer(compose.ContainerOptions{Resolve: true, EnumToString: true})
	if err != nil {
		logger.Warn("config could not be resolved for the run metadata", "error", err)
		hydraConfig, _ = cfg.ToContainer(compose.ContainerOptions{})
	}

	// Reporting must outlive a cancelled task context.
	obsCtx := context.WithoutCancel(ctx)
	d := newDispatcher(logger, observers)
	defer d.join(obsCtx)

	d.started(obsCtx, StartedEvent{
		ExInfo:     ExperimentInfo{BaseDir: "", Sources: []string{}},
		Command:    recordCommand(record),
		HostInfo:   map[string]any{},
		MetaInfo:   map[string]any{domain.FieldHydraConfig: hydraConfig},
		Config:     recordConfig(record),
		StartTime:  w.now().UTC(),
		ID:         id,
		Collection: collection,
	})

	out := invoke(ctx, cfg, task)
	switch {
	case out.recovered != nil:
		d.failedEvent(obsCtx, FailedEvent{
			FailTime:  w.now().UTC(),
			FailTrace: []string{fmt.Sprintf("panic: %v\n", out.recovered), string(out.stack)},
		})
		// Deferred join and release still run while panicking.
		panic(out.recovered)
	case out.err == nil:
		d.completed(obsCtx, CompletedEvent{StopTime: w.now().UTC(), Result: out.result})
	case errors.Is(out.err, context.Canceled) || errors.Is(out.err, ErrInterrupted):
		d.interrupted(obsCtx, InterruptedEvent{InterruptTime: w.now().UTC(), Status: domain.StatusInterrupted})
	default:
		d.failedEvent(obsCtx, FailedEvent{FailTime: w.now().UTC(), FailTrace: failTrace(out.err)})
	}
	return out.result, out.err
}

// tracking reads the run id and collection from the config.
func (w *wrapper) tracking(cfg *compose.Config) (int64, string, bool) {
	collection, id, err := tracking.RunRef(cfg)
	if err != nil {
		w.logger.Warn("run id could not be resolved, the run is not observed", "error", err)
		return 0, "", false
	}
	if id == 0 {
		w.logger.Warn("config carries no run id, the run is not observed", "key", domain.TrackingRunID)
		return 0, "", false
	}
	return id, collection, true
}

// fetchRecord opens the store, appends the default StoreObserver and loads
// the run record. Every failure degrades to an empty record. release is
// never nil.
func (w *wrapper) fetchRecord(ctx context.Context, logger *slog.Logger, collection string, id int64, observers *[]Observer) (docstore.Document, func()) {
	release := func() {}
	store, closeStore, err := w.open(ctx)
	if err != nil || store == nil {
		logger.Warn("run store unavailable, reporting to the remaining observers", "error", err)
		return nil, release
	}
	if closeStore != nil {
		release = closeStore
	}
	if !hasStoreObserver(*observers) {
		*observers = append(*observers, NewStoreObserver(store, w.logger))
	}
	if collection == "" {
		logger.Warn("config carries no collection name", "key", domain.TrackingCollection)
		return nil, release
	}
	coll, err := store.Collection(ctx, collection)
	if err != nil {
		logger.Warn("run collection unavailable", "error", err)
		return nil, release
	}
	record, err := coll.FindOne(ctx, docstore.Filter{domain.FieldID: id})
	if err != nil {
		logger.Warn("run record could not be fetched", "error", err)
		return nil, release
	}
	return record, release
}

func hasStoreObserver(observers []Observer) bool {
	for _, obs := range observers {
		if _, ok := obs.(*StoreObserver); ok {
			return true
		}
	}
	return false
}

func recordCommand(record docstore.Document) string {
	seml, ok := record[domain.FieldSeml].(map[string]any)
	if !ok {
		return ""
	}
	command, _ := seml["command"].(string)
	return command
}

func recordConfig(record docstore.Document) map[string]any {
	config, ok := record[domain.FieldConfig].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return config
}

type outcome struct {
	result    any
	err       error
	recovered any
	stack     []byte
}

func invoke(ctx context.Context, cfg *compose.Config, task entrypoint.Task) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out.recovered = r
			out.stack = debug.Stack()
		}
	}()
	out.result, out.err = task(ctx, cfg)
	return out
}

// failTrace lists the error chain from the outermost error inwards.
func failTrace(err error) []string {
	var lines []string
	var walk func(error)
	walk = func(e error) {
		for e != nil {
			lines = append(lines, fmt.Sprintf("%T: %s\n", e, e.Error()))
			if joined, ok := e.(interface{ Unwrap() []error }); ok {
				for _, inner := range joined.Unwrap() {
					walk(inner)
				}
				return
			}
			e = errors.Unwrap(e)
		}
	}
	walk(err)
	return lines
}
