package hub

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/codex-autorunner/car/internal/fsutil"
	"github.com/codex-autorunner/car/internal/gitutil"
	"github.com/codex-autorunner/car/internal/lockfile"
	"github.com/codex-autorunner/car/internal/stateroot"
)

// runtimeStateGlobs selects the state-root files worth archiving before a
// worktree is destroyed. Everything else under the state root is
// regenerable.
var runtimeStateGlobs = []string{
	"flows.db",
	"codex-autorunner.log",
	"tickets/**",
	"contextspace/**",
	"runs/**",
}

// WorktreeOptions configure CreateWorktree.
type WorktreeOptions struct {
	// BaseID is the manifest id of the primary checkout.
	BaseID string
	// Branch to check out; created from the base HEAD when absent.
	Branch string
	// Name overrides the generated worktree directory name.
	Name string
}

// CreateWorktree adds a git worktree next to the base checkout, runs the
// base entry's setup commands inside it, initializes its state root, and
// tracks it as a manifest entry of its own.
func (h *Hub) CreateWorktree(ctx context.Context, opts WorktreeOptions) (*RepoEntry, error) {
	if opts.Branch == "" {
		return nil, errors.New("worktree: branch is required")
	}
	base, err := h.entry(opts.BaseID)
	if err != nil {
		return nil, err
	}
	if base.IsWorktree() {
		return nil, fmt.Errorf("worktree: %s is itself a worktree", base.ID)
	}
	basePath := h.repoPath(&base)
	if _, err := os.Stat(basePath); err != nil {
		return nil, fmt.Errorf("worktree: base repo %s: %w", base.ID, err)
	}

	mu := h.repoLock(base.ID)
	mu.Lock()
	defer mu.Unlock()

	name := opts.Name
	if name == "" {
		name = worktreeName(base.ID, opts.Branch)
	}
	wtPath := filepath.Join(h.reposRoot(), name)
	if _, err := os.Stat(wtPath); err == nil {
		return nil, fmt.Errorf("worktree: %s already exists", wtPath)
	}
	h.mu.Lock()
	_, taken := h.manifest.Entry(name)
	h.mu.Unlock()
	if taken {
		return nil, fmt.Errorf("worktree: manifest id %s is taken", name)
	}

	if err := gitutil.AddWorktree(basePath, wtPath, opts.Branch); err != nil {
		return nil, err
	}

	if err := h.runSetupCommands(ctx, wtPath, base.WorktreeSetupCommands); err != nil {
		_ = gitutil.RemoveWorktree(basePath, wtPath, true)
		return nil, err
	}
	if err := InitWorkspace(wtPath, stateroot.HubTemplates(h.root)); err != nil {
		_ = gitutil.RemoveWorktree(basePath, wtPath, true)
		return nil, fmt.Errorf("init worktree: %w", err)
	}

	rel, err := filepath.Rel(h.root, wtPath)
	if err != nil {
		rel = wtPath
	}
	entry := RepoEntry{
		ID:         name,
		Path:       rel,
		Kind:       KindWorktree,
		BaseRepoID: base.ID,
		Branch:     opts.Branch,
		Enabled:    true,
		AutoRun:    false,
	}
	h.mu.Lock()
	h.manifest.Upsert(entry)
	err = SaveManifest(stateroot.HubManifestPath(h.root), h.manifest)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	h.log.WithFields(logrus.Fields{
		"worktree": name,
		"base":     base.ID,
		"branch":   opts.Branch,
	}).Info("worktree created")
	return &entry, nil
}

// CleanupOptions configure CleanupWorktree.
type CleanupOptions struct {
	// Force removes the worktree even with uncommitted changes.
	Force bool
	// ForceArchive copies the worktree's runtime state into the hub archive
	// before removal. The default cleanup discards it.
	ForceArchive bool
}

// CleanupWorktree removes a worktree checkout and its manifest entry. A
// worktree whose lock is held by a live process is refused; a dirty
// worktree is refused unless Force is set.
func (h *Hub) CleanupWorktree(ctx context.Context, id string, opts CleanupOptions) error {
	entry, err := h.entry(id)
	if err != nil {
		return err
	}
	if !entry.IsWorktree() {
		return fmt.Errorf("worktree: %s is not a worktree entry", id)
	}
	base, err := h.entry(entry.BaseRepoID)
	if err != nil {
		return fmt.Errorf("worktree %s: base: %w", id, err)
	}

	baseMu := h.repoLock(base.ID)
	baseMu.Lock()
	defer baseMu.Unlock()
	mu := h.repoLock(id)
	mu.Lock()
	defer mu.Unlock()

	wtPath := h.repoPath(&entry)
	if _, err := os.Stat(wtPath); os.IsNotExist(err) {
		// Checkout already gone; drop the bookkeeping.
		return h.removeEntry(id)
	}

	status, info, err := lockfile.Inspect(stateroot.LockPath(wtPath))
	if err != nil {
		return err
	}
	if status == lockfile.LockedAlive {
		pid := 0
		if info != nil {
			pid = info.PID
		}
		return fmt.Errorf("worktree %s: pid %d: %w", id, pid, lockfile.ErrHeld)
	}

	h.dropEngine(id)

	if !opts.Force {
		dirty, err := userChanges(wtPath)
		if err != nil {
			return err
		}
		if len(dirty) > 0 {
			return fmt.Errorf("worktree %s has uncommitted changes (%s); use force to discard them", id, strings.Join(dirty, ", "))
		}
	}

	if opts.ForceArchive {
		if err := h.archiveWorktreeState(id, wtPath); err != nil {
			return fmt.Errorf("archive worktree state: %w", err)
		}
	}

	// The untracked state root makes plain `git worktree remove` refuse
	// even a clean checkout, so removal is always forced once the
	// user-change guard above has passed.
	if err := gitutil.RemoveWorktree(h.repoPath(&base), wtPath, true); err != nil {
		return err
	}
	if err := h.removeEntry(id); err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{"worktree": id, "archived": opts.ForceArchive}).
		Info("worktree removed")
	return nil
}

// userChanges lists dirty paths that belong to the user, not the harness:
// everything git reports except the state root.
func userChanges(wtPath string) ([]string, error) {
	dirty, err := gitutil.DirtyPaths(wtPath)
	if err != nil {
		return nil, err
	}
	var user []string
	for _, p := range dirty {
		rel := filepath.ToSlash(p)
		if rel == stateroot.DirName || strings.HasPrefix(rel, stateroot.DirName+"/") {
			continue
		}
		user = append(user, p)
	}
	return user, nil
}

func (h *Hub) removeEntry(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.manifest.Remove(id) {
		return nil
	}
	return SaveManifest(stateroot.HubManifestPath(h.root), h.manifest)
}

// archiveWorktreeState copies the worktree's runtime files into
// <hub>/.codex-autorunner/archive/<id>-<timestamp>/, preserving their
// state-root-relative layout.
func (h *Hub) archiveWorktreeState(id, wtPath string) error {
	stateRoot := stateroot.Repo(wtPath)
	if _, err := os.Stat(stateRoot); os.IsNotExist(err) {
		return nil
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	dst := filepath.Join(h.root, stateroot.DirName, "archive", id+"-"+stamp)

	fsys := os.DirFS(stateRoot)
	for _, pattern := range runtimeStateGlobs {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return err
		}
		for _, m := range matches {
			info, err := fs.Stat(fsys, m)
			if err != nil || info.IsDir() {
				continue
			}
			src := filepath.Join(stateRoot, filepath.FromSlash(m))
			if err := fsutil.CopyFileContents(src, filepath.Join(dst, filepath.FromSlash(m)), 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Hub) runSetupCommands(ctx context.Context, dir string, commands []string) error {
	for _, command := range commands {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("setup command %q: %w: %s", command, err, strings.TrimSpace(string(out)))
		}
		h.log.WithFields(logrus.Fields{"dir": dir, "command": command}).Debug("setup command ok")
	}
	return nil
}

// worktreeName derives a unique directory name from the base id and
// branch. The ulid tail keeps repeated checkouts of one branch apart.
func worktreeName(baseID, branch string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, branch)
	suffix := strings.ToLower(ulid.Make().String())
	return fmt.Sprintf("%s-%s-%s", baseID, safe, suffix[len(suffix)-8:])
}
