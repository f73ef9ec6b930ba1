// Package natsobserver publishes run lifecycle events to NATS subjects of the
// form <prefix>.<collection>.<run id>.<event>.
package natsobserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/animus-labs/hydraqueue/observe"
)

// Envelope is the JSON message body of every event.
type Envelope struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	Collection string          `json:"collection"`
	RunID      int64           `json:"run_id"`
	Time       time.Time       `json:"time"`
	Payload    json.RawMessage `json:"payload"`
}

type Observer struct {
	conn         *nats.Conn
	owned        bool
	prefix       string
	flushTimeout time.Duration
	logger       *slog.Logger

	collection string
	runID      int64
}

// Connect dials cfg.URL. The connection belongs to the observer and is closed
// by Close.
func Connect(cfg Config, logger *slog.Logger) (*Observer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	obs := New(conn, cfg.SubjectPrefix, logger)
	obs.owned = true
	obs.flushTimeout = cfg.FlushTimeout
	return obs, nil
}

// New publishes on an existing connection.
func New(conn *nats.Conn, prefix string, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{conn: conn, prefix: prefix, flushTimeout: 5 * time.Second, logger: logger}
}

func (o *Observer) Close() {
	if o == nil || o.conn == nil || !o.owned {
		return
	}
	if err := o.conn.Drain(); err != nil {
		o.logger.Warn("nats drain failed", "error", err)
		o.conn.Close()
	}
}

func (o *Observer) StartedEvent(_ context.Context, ev observe.StartedEvent) error {
	if o == nil || o.conn == nil {
		return errors.New("nats observer not initialized")
	}
	o.collection = ev.Collection
	o.runID = ev.ID
	return o.publish("started", ev.StartTime, ev)
}

func (o *Observer) CompletedEvent(_ context.Context, ev observe.CompletedEvent) error {
	return o.publish("completed", ev.StopTime, ev)
}

func (o *Observer) InterruptedEvent(_ context.Context, ev observe.InterruptedEvent) error {
	return o.publish("interrupted", ev.InterruptTime, ev)
}

func (o *Observer) FailedEvent(_ context.Context, ev observe.FailedEvent) error {
	return o.publish("failed", ev.FailTime, ev)
}

// Join waits until every published event reached the server.
func (o *Observer) Join(ctx context.Context) error {
	if o == nil || o.conn == nil {
		return nil
	}
	timeout := o.flushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	if err := o.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

func (o *Observer) publish(event string, at time.Time, payload any) error {
	if o == nil || o.conn == nil {
		return errors.New("nats observer not initialized")
	}
	if o.runID == 0 {
		return errors.New("nats observer: run not started")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	msg, err := json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Event:      event,
		Collection: o.collection,
		RunID:      o.runID,
		Time:       at.UTC(),
		Payload:    body,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	subject := Subject(o.prefix, o.collection, o.runID, event)
	if err := o.conn.Publish(subject, msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subject builds the subject for one event. Characters that are not valid in
// a subject token are replaced in the collection name.
func Subject(prefix, collection string, runID int64, event string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, collection)
	if token == "" {
		token = "_"
	}
	return strings.Join([]string{prefix, token, strconv.FormatInt(runID, 10), event}, ".")
}
