package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/codex-autorunner/car/internal/stateroot"
)

func writeWorkspace(t *testing.T, root, workspaceYAML string) {
	t.Helper()
	if err := os.MkdirAll(stateroot.Repo(root), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stateroot.RepoConfigPath(root), []byte(workspaceYAML), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingWorkspaceConfig(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil {
		t.Fatal("expected error for uninitialized workspace")
	}
	if !IsConfigError(err) {
		t.Fatalf("expected ConfigError, got %T: %v", err, err)
	}
}

func TestLoadDefaultsApplied(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, "mode: repo\nversion: 2\n")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeRepo {
		t.Fatalf("mode: got %q want %q", cfg.Mode, ModeRepo)
	}
	if cfg.Backend.ID != "codex" {
		t.Fatalf("backend.id default: got %q want codex", cfg.Backend.ID)
	}
	if cfg.Backoff.MaxAttempts != 3 {
		t.Fatalf("backoff.max_attempts default: got %d want 3", cfg.Backoff.MaxAttempts)
	}
	if cfg.Backoff.MaxDelayMS != 8000 {
		t.Fatalf("backoff.max_delay_ms default: got %d want 8000", cfg.Backoff.MaxDelayMS)
	}
	if cfg.Prompt.MaxBytes != 32768 {
		t.Fatalf("prompt.max_bytes default: got %d want 32768", cfg.Prompt.MaxBytes)
	}
	if cfg.Destination.Kind != "local" {
		t.Fatalf("destination.kind default: got %q want local", cfg.Destination.Kind)
	}
}

func TestLoadLayerPrecedence(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, CommittedFileName),
		[]byte("backend:\n  model: committed-model\nflow:\n  stop_after_runs: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, OverrideFileName),
		[]byte("backend:\n  model: override-model\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeWorkspace(t, root, "mode: repo\nversion: 2\nbackend:\n  id: opencode\n")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Workspace layer wins for id; override beats committed for model;
	// committed survives for keys nothing above it sets.
	if cfg.Backend.ID != "opencode" {
		t.Fatalf("backend.id: got %q want opencode", cfg.Backend.ID)
	}
	if cfg.Backend.Model != "override-model" {
		t.Fatalf("backend.model: got %q want override-model", cfg.Backend.Model)
	}
	if cfg.Flow.StopAfterRuns != 5 {
		t.Fatalf("flow.stop_after_runs: got %d want 5", cfg.Flow.StopAfterRuns)
	}
}

func TestLoadEnvBeatsFiles(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, "mode: repo\nversion: 2\nglobal_state_root: /from/file\n")
	t.Setenv(stateroot.EnvGlobalStateRoot, "/from/env")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GlobalStateRoot != "/from/env" {
		t.Fatalf("global_state_root: got %q want /from/env", cfg.GlobalStateRoot)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, "mode: repo\nversion: 2\nbogus_key: 1\n")
	if _, err := Load(root); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadRejectsBadVersion(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, "mode: repo\nversion: 1\n")
	if _, err := Load(root); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestLoadRejectsBadMode(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, "mode: cluster\nversion: 2\n")
	if _, err := Load(root); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestFindContextWalksUp(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, "mode: hub\nversion: 2\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	ctx, err := FindContext(nested)
	if err != nil {
		t.Fatalf("FindContext: %v", err)
	}
	if ctx.Mode != ModeHub {
		t.Fatalf("mode: got %q want hub", ctx.Mode)
	}
	resolvedRoot, err := filepath.EvalSymlinks(ctx.Root)
	if err != nil {
		t.Fatal(err)
	}
	wantRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatal(err)
	}
	if resolvedRoot != wantRoot {
		t.Fatalf("root: got %q want %q", resolvedRoot, wantRoot)
	}
}

func TestFindContextNoWorkspace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plain")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := FindContext(dir); !errors.Is(err, ErrNoWorkspace) {
		t.Fatalf("got %v want ErrNoWorkspace", err)
	}
}
