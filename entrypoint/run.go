package entrypoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/animus-labs/hydraqueue/compose"
	"github.com/animus-labs/hydraqueue/internal/keypath"
	"github.com/animus-labs/hydraqueue/internal/overrides"
	"github.com/animus-labs/hydraqueue/internal/platform/env"
)

func run(decl Declaration, task Task) {
	logger, err := env.Logger(EnvLogLevel)
	if err != nil {
		logger.Warn("invalid log level, using info", "error", err)
	}
	os.Exit(Execute(context.Background(), decl, task, os.Args[1:], logger))
}

// Execute is Main without the process exit. It returns the exit code.
func Execute(ctx context.Context, decl Declaration, task Task, args []string, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	switch mode := os.Getenv(EnvMode); mode {
	case "":
		return runTask(ctx, decl, task, args, logger)
	case ModeDiscover:
		return reply(Result{Complete: true, Declaration: decl}, logger)
	case ModeResolve:
		var req Request
		if err := ReadMessage(os.Getenv(EnvRequest), &req); err != nil {
			logger.Error("read resolve request", "error", err)
			return 2
		}
		result := resolveBatch(decl, req, logger)
		if code := reply(result, logger); code != 0 {
			return code
		}
		if result.Error != "" {
			return 1
		}
		return 0
	default:
		logger.Error("unknown entrypoint mode", "mode", mode)
		return 2
	}
}

func reply(result Result, logger *slog.Logger) int {
	channel := os.Getenv(EnvChannel)
	if channel == "" {
		logger.Error("entrypoint channel is not set", "env", EnvChannel)
		return 2
	}
	if err := WriteMessage(channel, result); err != nil {
		logger.Error("write entrypoint channel", "error", err)
		return 2
	}
	return 0
}

func runTask(ctx context.Context, decl Declaration, task Task, args []string, logger *slog.Logger) int {
	if err := decl.Validate(); err != nil {
		logger.Error("invalid declaration", "error", err)
		return 2
	}
	if task == nil {
		logger.Error("task is required")
		return 2
	}
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			logger.Error("flags are not supported, pass key=value overrides", "arg", arg)
			return 2
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		logger.Error("working directory", "error", err)
		return 2
	}
	engine, err := compose.NewEngine(decl.ConfigRoot(wd), compose.WithVersionBase(decl.VersionBase))
	if err != nil {
		logger.Error("init config engine", "error", err)
		return 2
	}
	cfg, err := engine.Compose(decl.ConfigName, args)
	if err != nil {
		logger.Error("compose config", "config_name", decl.ConfigName, "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := task(ctx, cfg)
	if err != nil {
		logger.Error("task failed", "error", err)
		return 1
	}
	if result != nil {
		logger.Info("task completed", "result", result)
	}
	return 0
}

// resolveBatch composes and resolves every override set against the declared
// tree and keeps only the keys each set addresses.
func resolveBatch(decl Declaration, req Request, logger *slog.Logger) Result {
	fail := func(set []string, err error) Result {
		logger.Error("resolve config", "overrides", set, "error", err)
		return Result{Complete: true, Declaration: decl, FailedOverrides: set, Error: err.Error()}
	}

	if err := decl.Validate(); err != nil {
		return fail(nil, err)
	}
	root := req.ConfigRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fail(nil, err)
		}
		root = decl.ConfigRoot(wd)
	}
	engine, err := compose.NewEngine(root, compose.WithVersionBase(decl.VersionBase))
	if err != nil {
		return fail(nil, err)
	}

	configs := make([]map[string]any, 0, len(req.Overrides))
	for _, set := range req.Overrides {
		cfg, err := engine.Compose(decl.ConfigName, set)
		if err != nil {
			return fail(set, err)
		}
		container, err := cfg.ToContainer(compose.ContainerOptions{Resolve: true, ThrowOnMissing: true, EnumToString: true})
		if err != nil {
			return fail(set, err)
		}
		restricted := restrict(keypath.Flatten(container), overrides.FlatKeys(set))
		nested, err := keypath.Unflatten(restricted)
		if err != nil {
			return fail(set, fmt.Errorf("unflatten: %w", err))
		}
		configs = append(configs, portable(nested).(map[string]any))
	}
	return Result{Complete: true, Declaration: decl, Configs: configs}
}

// restrict keeps flat keys that equal a whitelisted key or lie below one.
func restrict(flat map[string]any, whitelist []string) map[string]any {
	out := make(map[string]any)
	for key, value := range flat {
		for _, allowed := range whitelist {
			if key == allowed || strings.HasPrefix(key, allowed+keypath.DefaultSeparator) {
				out[key] = value
				break
			}
		}
	}
	return out
}
