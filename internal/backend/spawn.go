package backend

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Environment variables overriding backend binary discovery.
const (
	EnvCodexBin    = "CODEX_BIN"
	EnvOpencodeBin = "OPENCODE_BIN"
)

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// resolveBinary finds the backend executable: explicit env override first,
// then PATH.
func resolveBinary(envKey, name string) (string, error) {
	candidate := envOr(envKey, name)
	path, err := exec.LookPath(candidate)
	if err != nil {
		return "", fmt.Errorf("backend binary %q not found (set %s or install it on PATH): %w", candidate, envKey, err)
	}
	return path, nil
}

// mergeEnvWithOverrides overlays overrides onto base ("K=V" entries),
// replacing in place and appending the remaining keys sorted.
func mergeEnvWithOverrides(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	used := map[string]bool{}
	for _, entry := range base {
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if v, ok := overrides[key]; ok {
			out = append(out, key+"="+v)
			used[key] = true
			continue
		}
		out = append(out, entry)
	}
	remaining := make([]string, 0, len(overrides))
	for k := range overrides {
		if used[k] {
			continue
		}
		remaining = append(remaining, k)
	}
	sort.Strings(remaining)
	for _, k := range remaining {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// killProcessGroup signals the command's whole process group, tolerating
// already-gone processes.
func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// terminateGroup asks the command's process group to exit: SIGTERM, wait up
// to grace, then SIGKILL and a bounded final wait. waitCh must carry the
// single cmd.Wait result.
func terminateGroup(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if err := killProcessGroup(cmd, syscall.SIGTERM); err != nil {
		return err
	}
	if grace > 0 {
		select {
		case <-waitCh:
			return nil
		case <-time.After(grace):
		}
	}
	if err := killProcessGroup(cmd, syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case <-waitCh:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for process exit after SIGKILL")
	}
}

// exitCodeOf extracts the exit code after Wait, -1 when unknown.
func exitCodeOf(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func pgidOf(cmd *exec.Cmd) int {
	if cmd == nil || cmd.Process == nil {
		return 0
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return 0
	}
	return pgid
}
