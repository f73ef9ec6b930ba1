// Package tracking writes run metadata produced after launch onto the run
// record: the resolved composition config and the identity of a wandb run.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/animus-labs/hydraqueue/compose"
	"github.com/animus-labs/hydraqueue/docstore"
	"github.com/animus-labs/hydraqueue/internal/domain"
)

var ErrNoRun = errors.New("no wandb run given")

type Client struct {
	store  docstore.Store
	logger *slog.Logger
}

func New(store docstore.Store, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{store: store, logger: logger}
}

// RunRef reads the collection and run id a queued run carries in its config.
// id is 0 when the config names no run.
func RunRef(cfg *compose.Config) (collection string, id int64, err error) {
	raw, ok, err := cfg.Select(domain.TrackingRunID)
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", domain.TrackingRunID, err)
	}
	if ok && raw != nil {
		id, err = parseRunID(raw)
		if err != nil {
			return "", 0, err
		}
	}
	if value, ok, err := cfg.Select(domain.TrackingCollection); err != nil {
		return "", 0, fmt.Errorf("%s: %w", domain.TrackingCollection, err)
	} else if ok && value != nil {
		collection = fmt.Sprint(value)
	}
	return collection, id, nil
}

func parseRunID(v any) (int64, error) {
	if s, ok := v.(string); ok {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid run id %q", domain.TrackingRunID, s)
		}
		return id, nil
	}
	id, ok := docstore.Int64(v)
	if !ok {
		return 0, fmt.Errorf("%s: invalid run id %v", domain.TrackingRunID, v)
	}
	return id, nil
}

// SetHydraConfig stores the resolved cfg as hydra_config. Without a
// collection or run id it only warns.
func (c *Client) SetHydraConfig(ctx context.Context, cfg *compose.Config, collection string, id int64) error {
	if collection == "" || id == 0 {
		c.log().Warn("no run given, hydra config is not stored")
		return nil
	}
	container, err := cfg.ToContainer(compose.ContainerOptions{Resolve: true, EnumToString: true})
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}
	return c.update(ctx, collection, id, map[string]any{domain.FieldHydraConfig: container})
}

func (c *Client) update(ctx context.Context, collection string, id int64, fields map[string]any) error {
	if c == nil || c.store == nil {
		return errors.New("tracking client not initialized")
	}
	coll, err := c.store.Collection(ctx, collection)
	if err != nil {
		return err
	}
	res, err := coll.UpdateOne(ctx, docstore.Filter{domain.FieldID: id}, fields)
	if err != nil {
		return fmt.Errorf("update run %d: %w", id, err)
	}
	docstore.LogUpdateResult(c.logger, res, "collection", collection, "id", id)
	return nil
}

func (c *Client) log() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}
