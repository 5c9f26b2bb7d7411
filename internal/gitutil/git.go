// Package gitutil wraps the git CLI for repo detection and worktree
// management. All helpers run git with auto-maintenance disabled so hub
// scans never leave background gc processes behind.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// CommandError carries the full git invocation context for diagnostics.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func runGit(dir string, args ...string) (string, error) {
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), &CommandError{
			Args:   args,
			Stdout: stdout.String(),
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return stdout.String(), nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	out, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// HeadSHA returns the current HEAD commit of dir.
func HeadSHA(dir string) (string, error) {
	out, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checked-out branch name, or "" for a detached
// HEAD.
func CurrentBranch(dir string) (string, error) {
	out, err := runGit(dir, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsClean reports whether dir has no staged or unstaged changes.
func IsClean(dir string) (bool, error) {
	out, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// DirtyPaths returns the repo-relative paths reported by git status:
// modified, staged, and untracked files. Renames report the new path.
func DirtyPaths(dir string) ([]string, error) {
	out, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		p := line[3:]
		if i := strings.Index(p, " -> "); i >= 0 {
			p = p[i+4:]
		}
		p = strings.Trim(p, `"`)
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// BranchExists reports whether branch exists in the repo at dir.
func BranchExists(dir, branch string) bool {
	_, err := runGit(dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// AddWorktree creates a worktree at worktreeDir. When the branch does not
// exist yet it is created from the current HEAD; otherwise the existing
// branch is checked out.
func AddWorktree(repoDir, worktreeDir, branch string) error {
	args := []string{"worktree", "add"}
	if branch != "" && !BranchExists(repoDir, branch) {
		args = append(args, "-b", branch, worktreeDir)
	} else if branch != "" {
		args = append(args, worktreeDir, branch)
	} else {
		args = append(args, worktreeDir)
	}
	_, err := runGit(repoDir, args...)
	return err
}

// RemoveWorktree removes the worktree at worktreeDir. force discards
// uncommitted changes; without it git refuses to remove a dirty worktree.
func RemoveWorktree(repoDir, worktreeDir string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreeDir)
	_, err := runGit(repoDir, args...)
	return err
}

// Worktree is one entry of `git worktree list`.
type Worktree struct {
	Path   string
	Head   string
	Branch string // "" when detached
}

// ListWorktrees returns every worktree of the repo at dir, the main
// checkout first.
func ListWorktrees(dir string) ([]Worktree, error) {
	out, err := runGit(dir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var (
		trees []Worktree
		cur   *Worktree
	)
	flush := func() {
		if cur != nil {
			trees = append(trees, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
			// Attribute line before any worktree header; ignore.
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return trees, nil
}
