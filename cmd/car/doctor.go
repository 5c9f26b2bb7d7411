package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/codex-autorunner/car/internal/backend"
	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/flowstore"
	"github.com/codex-autorunner/car/internal/lockfile"
	"github.com/codex-autorunner/car/internal/stateroot"
)

// finding is one doctor probe result.
type finding struct {
	name string
	ok   bool
	note string
}

// cmdDoctor probes the environment without mutating anything: config
// resolution, backend binaries, docker destinations, the flow store, and
// lock state.
func cmdDoctor(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("unknown arg: %s", args[0])
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	var findings []finding
	wctx, err := config.FindContext(cwd)
	if err != nil {
		findings = append(findings, finding{"workspace config", false, err.Error()})
		report(findings)
		return err
	}
	findings = append(findings, finding{"workspace config", true,
		fmt.Sprintf("%s mode at %s", wctx.Mode, wctx.Root)})

	findings = append(findings, probeGlobalRoot(wctx))
	findings = append(findings, probeBackendBinary(wctx.Config))
	if wctx.Config.Destination.Kind == "docker" {
		findings = append(findings, probeDockerDestination(ctx, wctx.Config))
	}
	if wctx.Mode == config.ModeRepo {
		findings = append(findings, probeStore(ctx, wctx.Root))
		findings = append(findings, probeLock(stateroot.LockPath(wctx.Root), "repo lock"))
	} else {
		findings = append(findings, probeLock(stateroot.HubLockPath(wctx.Root), "hub lock"))
	}

	report(findings)
	for _, f := range findings {
		if !f.ok {
			return fmt.Errorf("%d check(s) failed", countFailed(findings))
		}
	}
	return nil
}

func countFailed(findings []finding) int {
	n := 0
	for _, f := range findings {
		if !f.ok {
			n++
		}
	}
	return n
}

func report(findings []finding) {
	for _, f := range findings {
		mark := "ok  "
		if !f.ok {
			mark = "FAIL"
		}
		line := fmt.Sprintf("%s %s", mark, f.name)
		if f.note != "" {
			line += ": " + f.note
		}
		fmt.Println(line)
	}
}

func probeGlobalRoot(wctx *config.WorkspaceContext) finding {
	root, err := stateroot.Global(stateroot.GlobalOptions{
		ConfigOverride:    wctx.Config.GlobalStateRoot,
		RepoRoot:          wctx.Root,
		DockerDestination: wctx.Config.Destination.Kind == "docker",
	})
	if err != nil {
		return finding{"global state root", false, err.Error()}
	}
	return finding{"global state root", true, root}
}

func probeBackendBinary(cfg *config.Config) finding {
	id := cfg.Backend.ID
	var envKey, name string
	switch id {
	case "codex", "":
		envKey, name = backend.EnvCodexBin, "codex"
		id = "codex"
	case "opencode":
		envKey, name = backend.EnvOpencodeBin, "opencode"
	default:
		return finding{"backend binary", false, fmt.Sprintf("unknown backend %q", id)}
	}
	candidate := strings.TrimSpace(os.Getenv(envKey))
	if candidate == "" {
		candidate = name
	}
	path, err := exec.LookPath(candidate)
	if err != nil {
		return finding{"backend binary", false,
			fmt.Sprintf("%q not found (set %s or install it on PATH)", candidate, envKey)}
	}
	return finding{"backend binary", true, fmt.Sprintf("%s -> %s", id, path)}
}

func probeDockerDestination(ctx context.Context, cfg *config.Config) finding {
	image := cfg.Destination.Docker.Image
	if image == "" {
		return finding{"docker destination", false, "destination.docker.image is not set"}
	}
	cmd := exec.CommandContext(ctx, "docker", "image", "inspect", image)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return finding{"docker destination", false,
			fmt.Sprintf("docker image inspect %s: %v", image, err)}
	}
	return finding{"docker destination", true, image}
}

func probeStore(ctx context.Context, repoRoot string) finding {
	store, err := flowstore.Open(stateroot.FlowDBPath(repoRoot))
	if err != nil {
		return finding{"flow store", false, err.Error()}
	}
	defer store.Close()
	runs, err := store.ListRuns(ctx, flowstore.Filter{FlowType: flowstore.FlowTypeTicket, Limit: 1})
	if err != nil {
		return finding{"flow store", false, err.Error()}
	}
	note := "empty"
	if len(runs) > 0 {
		note = fmt.Sprintf("latest run %s (%s)", runs[0].ID, runs[0].Status)
	}
	return finding{"flow store", true, note}
}

func probeLock(path, name string) finding {
	status, info, err := lockfile.Inspect(path)
	if err != nil {
		return finding{name, false, err.Error()}
	}
	switch status {
	case lockfile.LockedAlive:
		return finding{name, true, fmt.Sprintf("held by live pid %d", info.PID)}
	case lockfile.LockedStale:
		return finding{name, true, fmt.Sprintf("stale (pid %d is gone); next run recovers it", info.PID)}
	default:
		return finding{name, true, "unlocked"}
	}
}
