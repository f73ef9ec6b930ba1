// Package entrypoint is the declaration call an experiment executable makes
// from main, and the child-process protocol that lets a parent discover that
// declaration or resolve configurations inside the executable's own process.
package entrypoint

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/animus-labs/hydraqueue/compose"
)

// Declaration names the config tree an executable composes from.
type Declaration struct {
	ConfigPath string
	ConfigName string
	// VersionBase is empty when unset.
	VersionBase string
}

// Task is the experiment body. The returned value is reported as the result.
type Task func(ctx context.Context, cfg *compose.Config) (any, error)

var ErrNoEntryPoint = errors.New("executable never called entrypoint.Main")

func (d Declaration) Validate() error {
	if strings.TrimSpace(d.ConfigName) == "" {
		return errors.New("config name is required")
	}
	return nil
}

// ConfigRoot resolves ConfigPath against base unless it is absolute.
func (d Declaration) ConfigRoot(base string) string {
	if filepath.IsAbs(d.ConfigPath) {
		return filepath.Clean(d.ConfigPath)
	}
	return filepath.Join(base, d.ConfigPath)
}
