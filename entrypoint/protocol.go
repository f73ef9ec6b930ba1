package entrypoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"
)

const (
	EnvMode     = "HYDRAQUEUE_ENTRYPOINT_MODE"
	EnvChannel  = "HYDRAQUEUE_ENTRYPOINT_CHANNEL"
	EnvRequest  = "HYDRAQUEUE_ENTRYPOINT_REQUEST"
	EnvLogLevel = "HYDRAQUEUE_LOG_LEVEL"

	ModeDiscover = "discover"
	ModeResolve  = "resolve"
)

// Request is the input of a resolve-mode child.
type Request struct {
	ConfigRoot string
	Overrides  [][]string
}

// Result is what a child leaves on its channel. A channel without
// Complete set means the child died before finishing.
type Result struct {
	Complete    bool
	Declaration Declaration
	// Configs holds one resolved nested config per override set, in order.
	Configs         []map[string]any
	FailedOverrides []string
	Error           string
}

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// WriteMessage gob-encodes v to path through a temporary file and a rename,
// so readers see either nothing or the whole message.
func WriteMessage(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := gob.NewEncoder(tmp).Encode(v); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode channel: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close channel: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish channel: %w", err)
	}
	return nil
}

// ReadMessage decodes a message written by WriteMessage. A missing file
// yields an error matching os.ErrNotExist.
func ReadMessage(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := gob.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode channel: %w", err)
	}
	return nil
}

// portable rewrites a resolved tree into the value shapes the channel
// carries: mappings, sequences and basic scalars. Other values become
// their string form.
func portable(v any) any {
	switch typed := v.(type) {
	case nil, bool, string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return typed
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = portable(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = portable(item)
		}
		return out
	case fmt.Stringer:
		return typed.String()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = portable(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = portable(iter.Value().Interface())
		}
		return out
	}
	return fmt.Sprint(v)
}
