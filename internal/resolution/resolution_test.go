package resolution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/hydraqueue/entrypoint"
	"github.com/animus-labs/hydraqueue/internal/discovery"
	"github.com/animus-labs/hydraqueue/internal/overrides"
)

const (
	envConfigDir = "RESOLUTION_TEST_CONFIG_DIR"
	envBehavior  = "RESOLUTION_TEST_BEHAVIOR"
)

// The test binary doubles as the experiment executable.
func TestMain(m *testing.M) {
	if os.Getenv(entrypoint.EnvMode) == entrypoint.ModeResolve {
		switch os.Getenv(envBehavior) {
		case "crash":
			os.Exit(3)
		case "hang":
			time.Sleep(time.Minute)
		}
	}
	if os.Getenv(entrypoint.EnvMode) != "" {
		entrypoint.Main(entrypoint.Declaration{ConfigPath: os.Getenv(envConfigDir), ConfigName: "base"}, nil)
	}
	os.Exit(m.Run())
}

func newResolver(timeout time.Duration) *Resolver {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Timeout: timeout, DiscoverTimeout: time.Minute}, overrides.New(), logger)
}

func setup(t *testing.T, base string) Request {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(base), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(envConfigDir, dir)
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() err=%v", err)
	}
	return Request{Executable: exe}
}

func TestResolveConfigsKeepsInputOrder(t *testing.T) {
	req := setup(t, "a:\n  b: 0\n")
	req.Configs = []map[string]any{
		{"a": map[string]any{"b": 1}},
		{"a": map[string]any{"b": 2}},
	}
	resp, err := newResolver(time.Minute).ResolveConfigs(context.Background(), req)
	if err != nil {
		t.Fatalf("ResolveConfigs() err=%v", err)
	}
	want := []map[string]any{
		{"a": map[string]any{"b": 1}},
		{"a": map[string]any{"b": 2}},
	}
	if diff := cmp.Diff(want, resp.Configs); diff != "" {
		t.Fatalf("configs mismatch (-want +got):\n%s", diff)
	}
	if resp.ConfigRoot != os.Getenv(envConfigDir) {
		t.Fatalf("ConfigRoot = %q", resp.ConfigRoot)
	}
}

func TestResolveConfigsInterpolatesAndMergesGroups(t *testing.T) {
	req := setup(t, "lr: 0.1\nscaled: 0\nmodel:\n  width: 8\n")
	req.Configs = []map[string]any{{
		"lr":          0.5,
		"scaled":      "${lr}",
		"model":       map[string]any{"width": 16},
		"hydra_group": map[string]any{"optim": "sgd"},
	}}
	resp, err := newResolver(time.Minute).ResolveConfigs(context.Background(), req)
	if err != nil {
		t.Fatalf("ResolveConfigs() err=%v", err)
	}
	want := []map[string]any{{
		"lr":     0.5,
		"scaled": 0.5,
		"model":  map[string]any{"width": 16},
		"optim":  "sgd",
	}}
	if diff := cmp.Diff(want, resp.Configs); diff != "" {
		t.Fatalf("configs mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveConfigsNamesFailingOverrides(t *testing.T) {
	req := setup(t, "a:\n  b: ???\n")
	req.Configs = []map[string]any{{"c": 1}}
	_, err := newResolver(time.Minute).ResolveConfigs(context.Background(), req)
	var resErr *Error
	if !errors.As(err, &resErr) {
		t.Fatalf("expected resolution Error, got %v", err)
	}
	if diff := cmp.Diff([]string{"c=1"}, resErr.Overrides); diff != "" {
		t.Fatalf("overrides mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveConfigsMismatch(t *testing.T) {
	req := setup(t, "a: 1\n")
	req.Configs = []map[string]any{{"a": 2}}
	req.Expected = entrypoint.Declaration{ConfigName: "other"}
	_, err := newResolver(time.Minute).ResolveConfigs(context.Background(), req)
	var mismatch *discovery.MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected MismatchError, got %v", err)
	}
}

func TestResolveConfigsChildCrash(t *testing.T) {
	req := setup(t, "a: 1\n")
	req.Configs = []map[string]any{{"a": 2}}
	t.Setenv(envBehavior, "crash")
	_, err := newResolver(time.Minute).ResolveConfigs(context.Background(), req)
	if !errors.Is(err, ErrProcessFailed) {
		t.Fatalf("expected ErrProcessFailed, got %v", err)
	}
}

func TestResolveConfigsTimeout(t *testing.T) {
	req := setup(t, "a: 1\n")
	req.Configs = []map[string]any{{"a": 2}}
	t.Setenv(envBehavior, "hang")
	_, err := newResolver(300 * time.Millisecond).ResolveConfigs(context.Background(), req)
	if !errors.Is(err, ErrProcessFailed) {
		t.Fatalf("expected ErrProcessFailed, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	cfg.Timeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero timeout")
	}
}

func TestResolveConfigsAgainstGoSourceExecutable(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() err=%v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(Config{Timeout: 5 * time.Minute, DiscoverTimeout: 5 * time.Minute, GoBin: "go"}, overrides.New(), logger)
	resp, err := r.ResolveConfigs(context.Background(), Request{
		Directory:  wd,
		Executable: filepath.Join("..", "..", "examples", "train", "main.go"),
		Configs: []map[string]any{
			{"lr": 0.5, "scaled": "${lr}"},
			{"lr": 0.2, "hydra_group": map[string]any{"optim": "sgd"}},
		},
		Expected: entrypoint.Declaration{ConfigPath: "conf", ConfigName: "base", VersionBase: "1.1"},
	})
	if err != nil {
		t.Fatalf("ResolveConfigs() err=%v", err)
	}
	want := []map[string]any{
		{"lr": 0.5, "scaled": 0.5},
		{"lr": 0.2, "optim": "sgd"},
	}
	if diff := cmp.Diff(want, resp.Configs); diff != "" {
		t.Fatalf("configs mismatch (-want +got):\n%s", diff)
	}
	root, _ := filepath.Abs(filepath.Join("..", "..", "examples", "train", "conf"))
	if resp.ConfigRoot != root {
		t.Fatalf("ConfigRoot = %q, want %q", resp.ConfigRoot, root)
	}
}
