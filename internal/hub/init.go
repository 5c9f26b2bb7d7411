package hub

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/flowstore"
	"github.com/codex-autorunner/car/internal/fsutil"
	"github.com/codex-autorunner/car/internal/stateroot"
)

// Workspace docs seeded into a fresh contextspace. A hub template with the
// same name wins over the built-in text.
var seedDocs = map[string]string{
	"active_context.md": `# Active Context

What is being worked on right now. Every prompt includes this file, so keep
it short and current.
`,
	"decisions.md": `# Decisions

Settled decisions that must not be relitigated. One bullet per decision,
newest first.
`,
	"spec.md": `# Spec

What this repo is building. Tickets should reference sections here instead
of restating them.
`,
}

const stateGitignore = "*\n!/.gitignore\n"

// InitWorkspace initializes the repo state root at repoRoot. Safe to call
// repeatedly: existing files are never overwritten. templatesDir, when
// non-empty, provides seed documents for the contextspace.
func InitWorkspace(repoRoot, templatesDir string) error {
	root := stateroot.Repo(repoRoot)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create state root: %w", err)
	}
	if err := writeIfAbsent(filepath.Join(root, ".gitignore"), []byte(stateGitignore)); err != nil {
		return err
	}
	repoCfg := fmt.Sprintf("mode: repo\nversion: %d\n", config.Version)
	if err := writeIfAbsent(stateroot.RepoConfigPath(repoRoot), []byte(repoCfg)); err != nil {
		return err
	}

	for _, dir := range []string{
		stateroot.TicketsDir(repoRoot),
		stateroot.ContextspaceDir(repoRoot),
		stateroot.RunsDir(repoRoot),
		stateroot.ProcessesDir(root),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	for name, fallback := range seedDocs {
		dst := filepath.Join(stateroot.ContextspaceDir(repoRoot), name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if templatesDir != "" {
			src := filepath.Join(templatesDir, name)
			if _, err := os.Stat(src); err == nil {
				if err := fsutil.CopyFileContents(src, dst, 0o644); err != nil {
					return fmt.Errorf("seed %s: %w", name, err)
				}
				continue
			}
		}
		if err := writeIfAbsent(dst, []byte(fallback)); err != nil {
			return err
		}
	}

	// Opening the store creates flows.db and its schema.
	store, err := flowstore.Open(stateroot.FlowDBPath(repoRoot))
	if err != nil {
		return fmt.Errorf("create flow store: %w", err)
	}
	if err := store.Close(); err != nil {
		return err
	}

	return touch(stateroot.RepoLogPath(repoRoot))
}

// InitHub initializes the hub state root at hubRoot: hub config, empty
// manifest, templates directory, and log file. Idempotent.
func InitHub(hubRoot string) error {
	root := filepath.Join(hubRoot, stateroot.DirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create hub state root: %w", err)
	}
	if err := writeIfAbsent(filepath.Join(root, ".gitignore"), []byte(stateGitignore)); err != nil {
		return err
	}
	hubCfg := fmt.Sprintf("mode: hub\nversion: %d\n", config.Version)
	if err := writeIfAbsent(filepath.Join(root, "config.yml"), []byte(hubCfg)); err != nil {
		return err
	}
	if err := os.MkdirAll(stateroot.HubTemplates(hubRoot), 0o755); err != nil {
		return err
	}
	manifestPath := stateroot.HubManifestPath(hubRoot)
	if _, err := os.Stat(manifestPath); errors.Is(err, os.ErrNotExist) {
		if err := SaveManifest(manifestPath, &Manifest{Version: ManifestVersion, Repos: []RepoEntry{}}); err != nil {
			return err
		}
	}
	return touch(stateroot.HubLogPath(hubRoot))
}

// IsInitialized reports whether repoRoot carries an initialized state root.
func IsInitialized(repoRoot string) bool {
	_, err := os.Stat(stateroot.RepoConfigPath(repoRoot))
	return err == nil
}

func writeIfAbsent(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
