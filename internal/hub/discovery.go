package hub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/codex-autorunner/car/internal/stateroot"
)

// ScanResult summarizes one discovery pass.
type ScanResult struct {
	// Added lists repo ids newly appended to the manifest.
	Added []string
	// Missing lists manifest ids whose directory is gone.
	Missing []string
	// Initialized lists repos whose state root was created this pass.
	Initialized []string
	// InitFailed maps repo id to the error that aborted its init.
	InitFailed map[string]string
}

// Scan enumerates the immediate children of the repos root (depth fixed at
// one), appends every untracked git checkout to the manifest with
// enabled=true and auto_run=false, flags manifest entries whose directory
// is gone, and, when auto_init_missing is set, initializes present repos
// idempotently. The status snapshot is rewritten at the end.
func (h *Hub) Scan(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{InitFailed: map[string]string{}}

	candidates, err := discoverRepos(h.reposRoot())
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	byPath := make(map[string]bool, len(h.manifest.Repos))
	for i := range h.manifest.Repos {
		byPath[h.repoPath(&h.manifest.Repos[i])] = true
	}
	changed := false
	for _, dir := range candidates {
		if byPath[dir] {
			continue
		}
		id := filepath.Base(dir)
		if _, exists := h.manifest.Entry(id); exists {
			h.log.WithFields(logrus.Fields{"repo": id, "path": dir}).
				Warn("discovered repo collides with an existing manifest id; skipped")
			continue
		}
		rel, err := filepath.Rel(h.root, dir)
		if err != nil {
			rel = dir
		}
		h.manifest.Upsert(RepoEntry{ID: id, Path: rel, Enabled: true, AutoRun: false})
		result.Added = append(result.Added, id)
		changed = true
	}
	for i := range h.manifest.Repos {
		e := &h.manifest.Repos[i]
		if _, err := os.Stat(h.repoPath(e)); os.IsNotExist(err) {
			result.Missing = append(result.Missing, e.ID)
		}
	}
	var saveErr error
	if changed {
		saveErr = SaveManifest(stateroot.HubManifestPath(h.root), h.manifest)
	}
	entries := make([]RepoEntry, len(h.manifest.Repos))
	copy(entries, h.manifest.Repos)
	h.mu.Unlock()
	if saveErr != nil {
		return nil, fmt.Errorf("save manifest: %w", saveErr)
	}

	if h.autoInit() {
		missing := make(map[string]bool, len(result.Missing))
		for _, id := range result.Missing {
			missing[id] = true
		}
		for _, e := range entries {
			if !e.Enabled || missing[e.ID] || IsInitialized(h.repoPath(&e)) {
				continue
			}
			if err := h.InitRepo(e.ID); err != nil {
				result.InitFailed[e.ID] = err.Error()
				continue
			}
			result.Initialized = append(result.Initialized, e.ID)
		}
	}

	if _, err := h.Snapshot(ctx); err != nil {
		return nil, err
	}
	h.log.WithFields(logrus.Fields{
		"added":       len(result.Added),
		"missing":     len(result.Missing),
		"initialized": len(result.Initialized),
	}).Info("hub scan complete")
	return result, nil
}

func (h *Hub) autoInit() bool {
	v := h.cfg.Hub.AutoInitMissing
	return v == nil || *v
}

// discoverRepos returns the absolute paths of root's immediate children
// that look like git checkouts (a .git directory, or the .git file a
// worktree carries), sorted by name.
func discoverRepos(root string) ([]string, error) {
	dirents, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read repos root: %w", err)
	}
	var found []string
	for _, d := range dirents {
		if !d.IsDir() || d.Name() == stateroot.DirName {
			continue
		}
		dir := filepath.Join(root, d.Name())
		if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
			continue
		}
		found = append(found, dir)
	}
	sort.Strings(found)
	return found, nil
}
