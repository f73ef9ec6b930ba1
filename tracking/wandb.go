package tracking

import (
	"context"
	"slices"
)

// WandbRun carries the identity of a wandb run. Values are copied as is.
type WandbRun struct {
	Dir       string
	Entity    string
	Group     string
	ID        string
	Mode      string
	Name      string
	Notes     string
	Path      string
	Project   string
	Resumed   bool
	StartTime float64
	SweepID   string
	Tags      []string
	URL       string
}

const (
	WandbDir       = "dir"
	WandbEntity    = "entity"
	WandbGroup     = "group"
	WandbID        = "id"
	WandbMode      = "mode"
	WandbName      = "name"
	WandbNotes     = "notes"
	WandbPath      = "path"
	WandbProject   = "project"
	WandbResumed   = "resumed"
	WandbStartTime = "start_time"
	WandbSweepID   = "sweep_id"
	WandbTags      = "tags"
	WandbURL       = "url"
)

type WandbOptions struct {
	// Prefix defaults to "wandb".
	Prefix string
	// Omit lists fields that are not written.
	Omit []string
}

func (r *WandbRun) fields() map[string]any {
	tags := make([]any, len(r.Tags))
	for i, tag := range r.Tags {
		tags[i] = tag
	}
	return map[string]any{
		WandbDir:       r.Dir,
		WandbEntity:    r.Entity,
		WandbGroup:     r.Group,
		WandbID:        r.ID,
		WandbMode:      r.Mode,
		WandbName:      r.Name,
		WandbNotes:     r.Notes,
		WandbPath:      r.Path,
		WandbProject:   r.Project,
		WandbResumed:   r.Resumed,
		WandbStartTime: r.StartTime,
		WandbSweepID:   r.SweepID,
		WandbTags:      tags,
		WandbURL:       r.URL,
	}
}

// SetWandb copies the run identity to <prefix>.<field> on the run record.
func (c *Client) SetWandb(ctx context.Context, run *WandbRun, collection string, id int64, opts WandbOptions) error {
	if collection == "" || id == 0 {
		c.log().Warn("no run given, wandb run is not stored")
		return nil
	}
	if run == nil {
		return ErrNoRun
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "wandb"
	}
	updates := make(map[string]any)
	for field, value := range run.fields() {
		if slices.Contains(opts.Omit, field) {
			continue
		}
		updates[prefix+"."+field] = value
	}
	if len(updates) == 0 {
		return nil
	}
	return c.update(ctx, collection, id, updates)
}
