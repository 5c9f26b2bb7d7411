package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
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
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestIsRepo(t *testing.T) {
	dir := initTestRepo(t)
	if !IsRepo(dir) {
		t.Fatalf("IsRepo(%s) = false, want true", dir)
	}
	if IsRepo(t.TempDir()) {
		t.Fatal("IsRepo on plain dir = true, want false")
	}
}

func TestHeadSHAAndBranch(t *testing.T) {
	dir := initTestRepo(t)
	sha, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(sha) != 40 {
		t.Fatalf("HeadSHA = %q, want 40 hex chars", sha)
	}
	branch, err := CurrentBranch(dir)
	if err != nil {
		t.Fatal(err)
	}
	if branch != "main" {
		t.Fatalf("CurrentBranch = %q, want main", branch)
	}
}

func TestIsClean(t *testing.T) {
	dir := initTestRepo(t)
	clean, err := IsClean(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Fatal("fresh repo should be clean")
	}
	if err := os.WriteFile(filepath.Join(dir, "dirty.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	clean, err = IsClean(dir)
	if err != nil {
		t.Fatal(err)
	}
	if clean {
		t.Fatal("repo with untracked file should be dirty")
	}
}

func TestDirtyPaths(t *testing.T) {
	dir := initTestRepo(t)
	paths, err := DirtyPaths(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Fatalf("fresh repo dirty paths = %v, want none", paths)
	}

	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("changed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "newdir"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "newdir", "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	paths, err = DirtyPaths(dir)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, p := range paths {
		got[p] = true
	}
	if !got["initial.txt"] {
		t.Fatalf("modified file not reported: %v", paths)
	}
	if !got["newdir/"] && !got["newdir/new.txt"] {
		t.Fatalf("untracked dir not reported: %v", paths)
	}
}

func TestWorktreeLifecycle(t *testing.T) {
	dir := initTestRepo(t)
	wt := filepath.Join(t.TempDir(), "feature-wt")

	if err := AddWorktree(dir, wt, "feature/x"); err != nil {
		t.Fatalf("AddWorktree: %v", err)
	}
	if !BranchExists(dir, "feature/x") {
		t.Fatal("AddWorktree should create the branch")
	}
	branch, err := CurrentBranch(wt)
	if err != nil {
		t.Fatal(err)
	}
	if branch != "feature/x" {
		t.Fatalf("worktree branch = %q, want feature/x", branch)
	}

	trees, err := ListWorktrees(dir)
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	if len(trees) != 2 {
		t.Fatalf("worktrees: got %d want 2 (%+v)", len(trees), trees)
	}
	var found bool
	for _, tr := range trees {
		if tr.Branch == "feature/x" {
			found = true
			if tr.Head == "" {
				t.Fatalf("worktree entry missing HEAD: %+v", tr)
			}
		}
	}
	if !found {
		t.Fatalf("feature/x not listed: %+v", trees)
	}

	// A dirty worktree refuses plain removal but yields to force.
	if err := os.WriteFile(filepath.Join(wt, "wip.txt"), []byte("wip"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RemoveWorktree(dir, wt, false); err == nil {
		t.Fatal("removing dirty worktree without force should fail")
	}
	if err := RemoveWorktree(dir, wt, true); err != nil {
		t.Fatalf("force remove: %v", err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Fatalf("worktree dir still present: %v", err)
	}
}

func TestAddWorktreeExistingBranch(t *testing.T) {
	dir := initTestRepo(t)

	// Pre-create the branch, then attach a worktree to it.
	cmd := exec.Command("git", "-C", dir, "branch", "topic")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git branch: %v\n%s", err, out)
	}
	wt := filepath.Join(t.TempDir(), "topic-wt")
	if err := AddWorktree(dir, wt, "topic"); err != nil {
		t.Fatalf("AddWorktree: %v", err)
	}
	branch, err := CurrentBranch(wt)
	if err != nil {
		t.Fatal(err)
	}
	if branch != "topic" {
		t.Fatalf("worktree branch = %q, want topic", branch)
	}
}
