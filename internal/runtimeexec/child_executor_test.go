package runtimeexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	switch os.Getenv("RUNTIMEEXEC_TEST_CHILD") {
	case "echo":
		wd, _ := os.Getwd()
		os.Stdout.WriteString(os.Getenv("RUNTIMEEXEC_TEST_VALUE") + " " + wd)
		os.Exit(0)
	case "fail":
		os.Stderr.WriteString("boom")
		os.Exit(3)
	case "sleep":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func self(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() err=%v", err)
	}
	return exe
}

func TestRunPassesEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	outcome, err := NewChildExecutor("").Run(context.Background(), ChildSpec{
		Executable: self(t),
		Dir:        dir,
		Env:        map[string]string{"RUNTIMEEXEC_TEST_CHILD": "echo", "RUNTIMEEXEC_TEST_VALUE": "hello"},
	})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if outcome.ExitCode != 0 {
		t.Fatalf("exit code = %d", outcome.ExitCode)
	}
	resolvedDir, _ := filepath.EvalSymlinks(dir)
	if !strings.HasPrefix(outcome.Output, "hello ") || !strings.HasSuffix(outcome.Output, filepath.Base(resolvedDir)) {
		t.Fatalf("unexpected output %q", outcome.Output)
	}
}

func TestRunReportsExitCode(t *testing.T) {
	outcome, err := NewChildExecutor("").Run(context.Background(), ChildSpec{
		Executable: self(t),
		Env:        map[string]string{"RUNTIMEEXEC_TEST_CHILD": "fail"},
	})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if outcome.ExitCode != 3 || outcome.Output != "boom" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestRunTimeout(t *testing.T) {
	_, err := NewChildExecutor("").Run(context.Background(), ChildSpec{
		Executable: self(t),
		Env:        map[string]string{"RUNTIMEEXEC_TEST_CHILD": "sleep"},
		Timeout:    200 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCommandForGoSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "train.go")
	if err := os.WriteFile(src, []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	name, args, err := NewChildExecutor("gobin").Command(ChildSpec{Executable: src, Args: []string{"a=1"}})
	if err != nil {
		t.Fatalf("Command() err=%v", err)
	}
	if name != "gobin" || strings.Join(args, " ") != "run train.go a=1" {
		t.Fatalf("Command() = %s %v", name, args)
	}
	if _, _, err := NewChildExecutor("").Command(ChildSpec{Executable: filepath.Join(dir, "missing.go")}); !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
}

func TestMergeEnvOverrides(t *testing.T) {
	t.Setenv("RUNTIMEEXEC_TEST_VALUE", "old")
	env := mergeEnv(map[string]string{"RUNTIMEEXEC_TEST_VALUE": "new"})
	count := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, "RUNTIMEEXEC_TEST_VALUE=") {
			count++
			if kv != "RUNTIMEEXEC_TEST_VALUE=new" {
				t.Fatalf("unexpected entry %q", kv)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected one entry, got %d", count)
	}
}
