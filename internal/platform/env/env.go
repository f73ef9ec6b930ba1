// Package env reads process configuration from environment variables.
package env

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

func String(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// Strings splits a comma-separated variable, dropping blank items.
func Strings(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	out := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parsed returns def for unset or blank variables.
func parsed[T any](key string, def T, parse func(string) (T, error)) (T, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	out, err := parse(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return out, nil
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	return parsed(key, def, time.ParseDuration)
}

func Bool(key string, def bool) (bool, error) {
	return parsed(key, def, strconv.ParseBool)
}

func Int(key string, def int) (int, error) {
	return parsed(key, def, strconv.Atoi)
}

// Level reads a slog level name (debug, info, warn, error).
func Level(key string, def slog.Level) (slog.Level, error) {
	return parsed(key, def, func(v string) (slog.Level, error) {
		var level slog.Level
		err := level.UnmarshalText([]byte(v))
		return level, err
	})
}

// Logger builds the JSON logger used by every binary. It writes to stderr so
// stdout stays free for command output.
func Logger(levelKey string) (*slog.Logger, error) {
	level, err := Level(levelKey, slog.LevelInfo)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return logger, err
}
