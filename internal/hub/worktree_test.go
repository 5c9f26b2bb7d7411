package hub

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codex-autorunner/car/internal/lockfile"
	"github.com/codex-autorunner/car/internal/stateroot"
	"github.com/codex-autorunner/car/internal/ticket"
)

// initGitRepo turns dir into a real git checkout with one commit.
func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test",
			"GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test",
			"GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
}

// newWorktreeFixture builds a hub with one real git repo "alpha" tracked
// and initialized, and a setup command recorded on its entry.
func newWorktreeFixture(t *testing.T) *hubFixture {
	t.Helper()
	f := newHubFixture(t, nil)
	initGitRepo(t, filepath.Join(f.root, "alpha"))
	if _, err := f.hub.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	m, err := LoadManifest(stateroot.HubManifestPath(f.root))
	if err != nil {
		t.Fatal(err)
	}
	e, ok := m.Entry("alpha")
	if !ok {
		t.Fatal("alpha not tracked after scan")
	}
	e.WorktreeSetupCommands = []string{"touch setup-ran.txt"}
	if err := SaveManifest(stateroot.HubManifestPath(f.root), m); err != nil {
		t.Fatal(err)
	}
	f.reopen(t)
	return f
}

func TestCreateWorktree(t *testing.T) {
	f := newWorktreeFixture(t)
	ctx := context.Background()

	entry, err := f.hub.CreateWorktree(ctx, WorktreeOptions{BaseID: "alpha", Branch: "feature/x"})
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if !entry.IsWorktree() || entry.BaseRepoID != "alpha" || entry.Branch != "feature/x" {
		t.Fatalf("entry fields: %+v", entry)
	}
	if !strings.HasPrefix(entry.ID, "alpha-feature-x-") {
		t.Fatalf("entry id = %q, want alpha-feature-x- prefix", entry.ID)
	}
	if entry.AutoRun || !entry.Enabled {
		t.Fatalf("worktree defaults: %+v", entry)
	}

	wtPath := filepath.Join(f.root, entry.Path)
	if _, err := os.Stat(filepath.Join(wtPath, "initial.txt")); err != nil {
		t.Fatalf("worktree has no checkout: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wtPath, "setup-ran.txt")); err != nil {
		t.Fatalf("setup command did not run: %v", err)
	}
	if !IsInitialized(wtPath) {
		t.Fatal("worktree state root not initialized")
	}

	m, err := LoadManifest(stateroot.HubManifestPath(f.root))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Entry(entry.ID); !ok {
		t.Fatal("worktree entry not persisted")
	}

	// A rescan must not duplicate the worktree under a second id.
	res, err := f.hub.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Added) != 0 {
		t.Fatalf("rescan added %v", res.Added)
	}
}

func TestCreateWorktreeGuards(t *testing.T) {
	f := newWorktreeFixture(t)
	ctx := context.Background()

	if _, err := f.hub.CreateWorktree(ctx, WorktreeOptions{BaseID: "alpha"}); err == nil {
		t.Fatal("missing branch should fail")
	}
	if _, err := f.hub.CreateWorktree(ctx, WorktreeOptions{BaseID: "nope", Branch: "x"}); !errors.Is(err, ErrUnknownRepo) {
		t.Fatalf("unknown base: got %v", err)
	}

	entry, err := f.hub.CreateWorktree(ctx, WorktreeOptions{BaseID: "alpha", Branch: "stack/base"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.hub.CreateWorktree(ctx, WorktreeOptions{BaseID: entry.ID, Branch: "stack/top"}); err == nil {
		t.Fatal("worktree-of-worktree should fail")
	}
}

func TestCleanupWorktreeRefusesLiveLock(t *testing.T) {
	f := newWorktreeFixture(t)
	ctx := context.Background()

	entry, err := f.hub.CreateWorktree(ctx, WorktreeOptions{BaseID: "alpha", Branch: "feature/locked"})
	if err != nil {
		t.Fatal(err)
	}
	wtPath := filepath.Join(f.root, entry.Path)

	sleeper := exec.Command("sleep", "60")
	if err := sleeper.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = sleeper.Process.Kill()
		_, _ = sleeper.Process.Wait()
	})
	if err := lockfile.WriteForeign(stateroot.LockPath(wtPath), lockfile.Info{PID: sleeper.Process.Pid}); err != nil {
		t.Fatal(err)
	}

	err = f.hub.CleanupWorktree(ctx, entry.ID, CleanupOptions{Force: true})
	if !errors.Is(err, lockfile.ErrHeld) {
		t.Fatalf("cleanup under live lock: got %v, want ErrHeld", err)
	}
	if _, statErr := os.Stat(wtPath); statErr != nil {
		t.Fatal("refused cleanup must leave the worktree in place")
	}
}

func TestCleanupWorktreeDirtyNeedsForce(t *testing.T) {
	f := newWorktreeFixture(t)
	ctx := context.Background()

	entry, err := f.hub.CreateWorktree(ctx, WorktreeOptions{BaseID: "alpha", Branch: "feature/dirty"})
	if err != nil {
		t.Fatal(err)
	}
	wtPath := filepath.Join(f.root, entry.Path)
	if err := os.WriteFile(filepath.Join(wtPath, "wip.txt"), []byte("wip\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	err = f.hub.CleanupWorktree(ctx, entry.ID, CleanupOptions{})
	if err == nil || !strings.Contains(err.Error(), "uncommitted") {
		t.Fatalf("dirty cleanup: got %v", err)
	}
	if err := f.hub.CleanupWorktree(ctx, entry.ID, CleanupOptions{Force: true}); err != nil {
		t.Fatalf("forced cleanup: %v", err)
	}
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Fatalf("worktree dir still present: %v", err)
	}
	m, err := LoadManifest(stateroot.HubManifestPath(f.root))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Entry(entry.ID); ok {
		t.Fatal("manifest entry not removed")
	}
}

func TestCleanupWorktreeForceArchive(t *testing.T) {
	f := newWorktreeFixture(t)
	ctx := context.Background()

	entry, err := f.hub.CreateWorktree(ctx, WorktreeOptions{BaseID: "alpha", Branch: "feature/archive"})
	if err != nil {
		t.Fatal(err)
	}
	wtPath := filepath.Join(f.root, entry.Path)
	if err := ticket.Write(filepath.Join(stateroot.TicketsDir(wtPath), "TICKET-001.md"), "codex", true, "", "kept work\n"); err != nil {
		t.Fatal(err)
	}
	runLog := filepath.Join(stateroot.RunsDir(wtPath), "r1", "run.log")
	if err := os.MkdirAll(filepath.Dir(runLog), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(runLog, []byte("turn output\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.hub.CleanupWorktree(ctx, entry.ID, CleanupOptions{Force: true, ForceArchive: true}); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	archiveRoot := filepath.Join(f.root, stateroot.DirName, "archive")
	dirents, err := os.ReadDir(archiveRoot)
	if err != nil {
		t.Fatalf("archive root: %v", err)
	}
	var archived string
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), entry.ID+"-") {
			archived = filepath.Join(archiveRoot, d.Name())
		}
	}
	if archived == "" {
		t.Fatalf("no archive dir for %s in %v", entry.ID, dirents)
	}
	for _, rel := range []string{
		"tickets/TICKET-001.md",
		filepath.Join("runs", "r1", "run.log"),
		"flows.db",
	} {
		if _, err := os.Stat(filepath.Join(archived, rel)); err != nil {
			t.Fatalf("archived file %s missing: %v", rel, err)
		}
	}
}

func TestCleanupRejectsBaseRepo(t *testing.T) {
	f := newWorktreeFixture(t)
	err := f.hub.CleanupWorktree(context.Background(), "alpha", CleanupOptions{Force: true})
	if err == nil || !strings.Contains(err.Error(), "not a worktree") {
		t.Fatalf("cleanup on base repo: got %v", err)
	}
}
