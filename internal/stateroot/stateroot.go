// Package stateroot resolves the three canonical state directories the
// harness writes to: repo-local, hub, and global. Every durable artifact in
// the system lives under one of these roots; anything outside them must be
// regenerable.
package stateroot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirName is the state directory name used at every root.
const DirName = ".codex-autorunner"

// EnvGlobalStateRoot overrides the global state root when set.
const EnvGlobalStateRoot = "CAR_GLOBAL_STATE_ROOT"

// Repo returns the repo-local state root for repoRoot.
func Repo(repoRoot string) string {
	return filepath.Join(repoRoot, DirName)
}

// HubTemplates returns the hub's template directory.
func HubTemplates(hubRoot string) string {
	return filepath.Join(hubRoot, DirName, "templates")
}

// GlobalOptions configures global state root resolution.
type GlobalOptions struct {
	// ConfigOverride is the config-file override, highest precedence after
	// validation. Empty means unset.
	ConfigOverride string
	// RepoRoot, when non-empty together with DockerDestination, forces the
	// workspace root under the repo state root (the repo mount is the only
	// writable path inside a container).
	RepoRoot          string
	DockerDestination bool
}

// Global resolves the global state root: config override, then
// CAR_GLOBAL_STATE_ROOT, then $HOME/.codex-autorunner.
func Global(opts GlobalOptions) (string, error) {
	root := strings.TrimSpace(opts.ConfigOverride)
	if root == "" {
		root = strings.TrimSpace(os.Getenv(EnvGlobalStateRoot))
	}
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, DirName)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve global state root %q: %w", root, err)
	}
	if err := ensureWritable(abs); err != nil {
		return "", err
	}
	if opts.RepoRoot != "" {
		repoRoot, err := filepath.Abs(opts.RepoRoot)
		if err != nil {
			return "", err
		}
		if abs == Repo(repoRoot) || abs == repoRoot {
			return "", fmt.Errorf("global state root %q collides with repo state root", abs)
		}
	}
	return abs, nil
}

// AppServerWorkspaces returns the workspace root for backend server state.
// Docker destinations force it under the repo state root.
func AppServerWorkspaces(globalRoot, repoRoot string, dockerDestination bool) string {
	if dockerDestination && repoRoot != "" {
		return filepath.Join(Repo(repoRoot), "app_server_workspaces")
	}
	return filepath.Join(globalRoot, "app_server_workspaces")
}

func ensureWritable(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("global state root %q is not writable: %w", root, err)
	}
	probe, err := os.CreateTemp(root, ".write-probe-*")
	if err != nil {
		return fmt.Errorf("global state root %q is not writable: %w", root, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// Repo-root-relative locations. All durable repo state hangs off Repo(root).

func FlowDBPath(repoRoot string) string {
	return filepath.Join(Repo(repoRoot), "flows.db")
}

func LockPath(repoRoot string) string {
	return filepath.Join(Repo(repoRoot), "lock")
}

func TicketsDir(repoRoot string) string {
	return filepath.Join(Repo(repoRoot), "tickets")
}

func ContextspaceDir(repoRoot string) string {
	return filepath.Join(Repo(repoRoot), "contextspace")
}

func RunsDir(repoRoot string) string {
	return filepath.Join(Repo(repoRoot), "runs")
}

func RunDir(repoRoot, runID string) string {
	return filepath.Join(RunsDir(repoRoot), runID)
}

func ProcessesDir(stateRoot string) string {
	return filepath.Join(stateRoot, "processes")
}

func RepoLogPath(repoRoot string) string {
	return filepath.Join(Repo(repoRoot), "codex-autorunner.log")
}

func RepoConfigPath(repoRoot string) string {
	return filepath.Join(Repo(repoRoot), "config.yml")
}

// Hub-root-relative locations.

func HubManifestPath(hubRoot string) string {
	return filepath.Join(hubRoot, DirName, "manifest.yml")
}

func HubStatePath(hubRoot string) string {
	return filepath.Join(hubRoot, DirName, "hub_state.json")
}

func HubLockPath(hubRoot string) string {
	return filepath.Join(hubRoot, DirName, "lock")
}

func HubLogPath(hubRoot string) string {
	return filepath.Join(hubRoot, DirName, "codex-autorunner-hub.log")
}
