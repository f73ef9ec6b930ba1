package natsobserver

import (
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/animus-labs/hydraqueue/internal/platform/env"
)

type Config struct {
	URL            string
	SubjectPrefix  string
	ClientName     string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
	FlushTimeout   time.Duration
}

func ConfigFromEnv() (Config, error) {
	maxReconnects, err := env.Int("HYDRAQUEUE_NATS_MAX_RECONNECTS", 10)
	if err != nil {
		return Config{}, err
	}
	reconnectWait, err := env.Duration("HYDRAQUEUE_NATS_RECONNECT_WAIT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	connectTimeout, err := env.Duration("HYDRAQUEUE_NATS_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	flushTimeout, err := env.Duration("HYDRAQUEUE_NATS_FLUSH_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		URL:            env.String("HYDRAQUEUE_NATS_URL", nats.DefaultURL),
		SubjectPrefix:  env.String("HYDRAQUEUE_NATS_SUBJECT_PREFIX", "hydraqueue.runs"),
		ClientName:     env.String("HYDRAQUEUE_NATS_CLIENT_NAME", "hydraqueue-observer"),
		MaxReconnects:  maxReconnects,
		ReconnectWait:  reconnectWait,
		ConnectTimeout: connectTimeout,
		FlushTimeout:   flushTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("HYDRAQUEUE_NATS_URL is required")
	}
	if err := validPrefix(c.SubjectPrefix); err != nil {
		return err
	}
	if c.ConnectTimeout <= 0 || c.FlushTimeout <= 0 {
		return errors.New("nats timeouts must be positive")
	}
	if c.ReconnectWait < 0 {
		return errors.New("HYDRAQUEUE_NATS_RECONNECT_WAIT must be >= 0")
	}
	return nil
}

func validPrefix(prefix string) error {
	if strings.TrimSpace(prefix) == "" {
		return errors.New("HYDRAQUEUE_NATS_SUBJECT_PREFIX is required")
	}
	if strings.ContainsAny(prefix, " *>") || strings.HasPrefix(prefix, ".") || strings.HasSuffix(prefix, ".") {
		return errors.New("HYDRAQUEUE_NATS_SUBJECT_PREFIX is not a valid subject")
	}
	return nil
}
