package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/animus-labs/hydraqueue/entrypoint"
	"github.com/animus-labs/hydraqueue/internal/discovery"
	"github.com/animus-labs/hydraqueue/internal/keypath"
	"github.com/animus-labs/hydraqueue/internal/overrides"
	"github.com/animus-labs/hydraqueue/internal/platform/env"
	"github.com/animus-labs/hydraqueue/internal/runtimeexec"
)

// ErrProcessFailed means the resolving child exited without a complete result.
var ErrProcessFailed = errors.New("resolution process failed")

// Error names the override set the child could not resolve.
type Error struct {
	Overrides []string
	Cause     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolve overrides [%s]: %s", strings.Join(e.Overrides, " "), e.Cause)
}

type Config struct {
	Timeout         time.Duration
	DiscoverTimeout time.Duration
	GoBin           string
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("HYDRAQUEUE_RESOLVE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	discoverTimeout, err := env.Duration("HYDRAQUEUE_DISCOVER_TIMEOUT", discovery.DefaultTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Timeout:         timeout,
		DiscoverTimeout: discoverTimeout,
		GoBin:           env.String("HYDRAQUEUE_GO_BIN", "go"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("HYDRAQUEUE_RESOLVE_TIMEOUT must be positive")
	}
	if c.DiscoverTimeout <= 0 {
		return errors.New("HYDRAQUEUE_DISCOVER_TIMEOUT must be positive")
	}
	return nil
}

// Request is one resolution batch.
type Request struct {
	Directory  string
	Executable string
	// Configs are nested configurations as produced by the experiment generator.
	Configs  []map[string]any
	Expected entrypoint.Declaration
}

// Response carries resolved configs in input order and the config root,
// which callers add to the tracked source files.
type Response struct {
	Configs    []map[string]any
	ConfigRoot string
}

type Resolver struct {
	cfg        Config
	executor   *runtimeexec.ChildExecutor
	discoverer *discovery.Discoverer
	translator overrides.Translator
	logger     *slog.Logger
}

func New(cfg Config, translator overrides.Translator, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	executor := runtimeexec.NewChildExecutor(cfg.GoBin)
	return &Resolver{
		cfg:        cfg,
		executor:   executor,
		discoverer: discovery.New(executor, cfg.DiscoverTimeout, logger),
		translator: translator,
		logger:     logger,
	}
}

// ResolveConfigs runs the executable once, in resolve mode, for the whole
// batch so that registrations made by the executable never leak into this
// process or into another batch.
func (r *Resolver) ResolveConfigs(ctx context.Context, req Request) (Response, error) {
	target := discovery.Target{Executable: req.Executable, Directory: req.Directory}
	executable, err := discovery.AbsExecutable(target)
	if err != nil {
		return Response{}, err
	}

	sets := make([][]string, 0, len(req.Configs))
	groups := make([]map[string]any, 0, len(req.Configs))
	for i, config := range req.Configs {
		list, group, err := r.translator.ConfigToOverrides(config)
		if err != nil {
			return Response{}, fmt.Errorf("config %d: %w", i, err)
		}
		sets = append(sets, list)
		groups = append(groups, group)
	}

	r.logger.Info("resolving configs, this launches the executable without running the experiment",
		"executable", executable, "configs", len(sets))
	found, err := r.discoverer.Discover(ctx, target, req.Expected)
	if err != nil {
		return Response{}, err
	}

	tmp, err := os.MkdirTemp("", "hydraqueue-resolve-")
	if err != nil {
		return Response{}, fmt.Errorf("channel dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()
	id := uuid.NewString()
	requestPath := filepath.Join(tmp, "request-"+id)
	channel := filepath.Join(tmp, "channel-"+id)
	if err := entrypoint.WriteMessage(requestPath, entrypoint.Request{ConfigRoot: found.ConfigRoot, Overrides: sets}); err != nil {
		return Response{}, err
	}

	outcome, runErr := r.executor.Run(ctx, runtimeexec.ChildSpec{
		Executable: executable,
		Dir:        filepath.Dir(executable),
		Env: map[string]string{
			entrypoint.EnvMode:    entrypoint.ModeResolve,
			entrypoint.EnvChannel: channel,
			entrypoint.EnvRequest: requestPath,
		},
		Timeout: r.cfg.Timeout,
	})
	if runErr != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrProcessFailed, runErr)
	}

	var result entrypoint.Result
	if err := entrypoint.ReadMessage(channel, &result); err != nil || !result.Complete {
		return Response{}, fmt.Errorf("%w: exit status %d without a result: %s", ErrProcessFailed, outcome.ExitCode, outcome.Output)
	}
	if result.Error != "" {
		return Response{}, &Error{Overrides: result.FailedOverrides, Cause: result.Error}
	}
	if len(result.Configs) != len(sets) {
		return Response{}, fmt.Errorf("%w: expected %d configs, got %d", ErrProcessFailed, len(sets), len(result.Configs))
	}

	configs := make([]map[string]any, len(result.Configs))
	for i, resolved := range result.Configs {
		merged := resolved
		if merged == nil {
			merged = map[string]any{}
		}
		if len(groups[i]) > 0 {
			group, _ := keypath.DeepCopy(groups[i]).(map[string]any)
			if err := mergo.Merge(&merged, group, mergo.WithOverride); err != nil {
				return Response{}, fmt.Errorf("merge group overrides of config %d: %w", i, err)
			}
		}
		configs[i] = merged
	}
	return Response{Configs: configs, ConfigRoot: found.ConfigRoot}, nil
}
