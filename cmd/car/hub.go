package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/codex-autorunner/car/internal/hub"
)

func cmdHub(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: car hub <scan|list|start|stop|resume|run>")
	}
	switch args[0] {
	case "scan":
		return hubScan(ctx, args[1:])
	case "list":
		return hubList(ctx, args[1:])
	case "start":
		return hubStart(ctx, args[1:])
	case "stop":
		return hubStop(ctx, args[1:])
	case "resume":
		return hubResume(ctx, args[1:])
	case "run":
		return hubRun(ctx, args[1:])
	default:
		return fmt.Errorf("unknown hub command: %s", args[0])
	}
}

func hubScan(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("unknown arg: %s", args[0])
	}
	wctx, err := hubContext()
	if err != nil {
		return err
	}
	svc, err := hubServices(wctx)
	if err != nil {
		return err
	}
	defer svc.close()

	res, err := svc.hub.Scan(ctx)
	if err != nil {
		return err
	}
	for _, id := range res.Added {
		fmt.Printf("added    %s\n", id)
	}
	for _, id := range res.Initialized {
		fmt.Printf("init     %s\n", id)
	}
	for _, id := range res.Missing {
		fmt.Printf("missing  %s\n", id)
	}
	ids := make([]string, 0, len(res.InitFailed))
	for id := range res.InitFailed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("init-err %s: %s\n", id, res.InitFailed[id])
	}
	fmt.Printf("%d added, %d missing\n", len(res.Added), len(res.Missing))
	return nil
}

func hubList(ctx context.Context, args []string) error {
	var asJSON bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			asJSON = true
		default:
			return fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	wctx, err := hubContext()
	if err != nil {
		return err
	}
	svc, err := hubServices(wctx)
	if err != nil {
		return err
	}
	defer svc.close()

	state, err := svc.hub.Snapshot(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}
	for _, r := range state.Repos {
		line := fmt.Sprintf("%-24s %-13s %-12s", r.ID, r.Status, r.Lock)
		if r.ActiveRunID != "" {
			line += fmt.Sprintf(" run=%s(%s)", r.ActiveRunID, r.ActiveRunStatus)
		}
		if r.Error != "" {
			line += " error=" + r.Error
		}
		fmt.Println(line)
	}
	return nil
}

func hubStart(ctx context.Context, args []string) error {
	var forceNew bool
	var repoID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--force-new":
			forceNew = true
		default:
			if repoID != "" {
				return fmt.Errorf("unknown arg: %s", args[i])
			}
			repoID = args[i]
		}
	}
	if repoID == "" {
		return errors.New("usage: car hub start <repo_id> [--force-new]")
	}
	wctx, err := hubContext()
	if err != nil {
		return err
	}
	svc, err := hubServices(wctx)
	if err != nil {
		return err
	}
	defer svc.close()

	run, err := svc.hub.RunRepo(ctx, repoID, forceNew)
	if err != nil {
		return err
	}
	fmt.Printf("%s: run %s is %s\n", repoID, run.ID, run.Status)
	return nil
}

func hubStop(ctx context.Context, args []string) error {
	var repoID, runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			if err := flagValue(args, &i, "--run", &runID); err != nil {
				return err
			}
		default:
			if repoID != "" {
				return fmt.Errorf("unknown arg: %s", args[i])
			}
			repoID = args[i]
		}
	}
	if repoID == "" {
		return errors.New("usage: car hub stop <repo_id> [--run <id>]")
	}
	wctx, err := hubContext()
	if err != nil {
		return err
	}
	svc, err := hubServices(wctx)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.hub.StopRepo(ctx, repoID, runID); err != nil {
		return err
	}
	fmt.Printf("%s: stop requested\n", repoID)
	return nil
}

func hubResume(ctx context.Context, args []string) error {
	var repoID, runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			if err := flagValue(args, &i, "--run", &runID); err != nil {
				return err
			}
		default:
			if repoID != "" {
				return fmt.Errorf("unknown arg: %s", args[i])
			}
			repoID = args[i]
		}
	}
	if repoID == "" {
		return errors.New("usage: car hub resume <repo_id> [--run <id>]")
	}
	wctx, err := hubContext()
	if err != nil {
		return err
	}
	svc, err := hubServices(wctx)
	if err != nil {
		return err
	}
	defer svc.close()

	run, err := svc.hub.ResumeRepo(ctx, repoID, runID)
	if err != nil {
		return err
	}
	fmt.Printf("%s: run %s is %s\n", repoID, run.ID, run.Status)
	return nil
}

func hubRun(ctx context.Context, args []string) error {
	var forceNew bool
	var reposCSV string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--force-new":
			forceNew = true
		case "--repos":
			if err := flagValue(args, &i, "--repos", &reposCSV); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	wctx, err := hubContext()
	if err != nil {
		return err
	}
	svc, err := hubServices(wctx)
	if err != nil {
		return err
	}
	defer svc.close()

	results := svc.hub.RunRepos(ctx, splitCSV(reposCSV), forceNew)
	if len(results) == 0 {
		fmt.Println("no repos selected (enable auto_run or pass --repos)")
		return nil
	}
	failed := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
			fmt.Printf("%s: error: %v\n", r.RepoID, r.Err)
		case r.Run != nil:
			fmt.Printf("%s: run %s is %s\n", r.RepoID, r.Run.ID, r.Run.Status)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repos failed", failed, len(results))
	}
	return nil
}

func cmdWorktree(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: car worktree <create|cleanup>")
	}
	switch args[0] {
	case "create":
		return worktreeCreate(ctx, args[1:])
	case "cleanup":
		return worktreeCleanup(ctx, args[1:])
	default:
		return fmt.Errorf("unknown worktree command: %s", args[0])
	}
}

func worktreeCreate(ctx context.Context, args []string) error {
	var baseID, branch, name string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--base":
			if err := flagValue(args, &i, "--base", &baseID); err != nil {
				return err
			}
		case "--branch":
			if err := flagValue(args, &i, "--branch", &branch); err != nil {
				return err
			}
		case "--name":
			if err := flagValue(args, &i, "--name", &name); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	if baseID == "" || branch == "" {
		return errors.New("usage: car worktree create --base <repo_id> --branch <branch> [--name <dir>]")
	}
	wctx, err := hubContext()
	if err != nil {
		return err
	}
	svc, err := hubServices(wctx)
	if err != nil {
		return err
	}
	defer svc.close()

	entry, err := svc.hub.CreateWorktree(ctx, hub.WorktreeOptions{
		BaseID: baseID,
		Branch: branch,
		Name:   name,
	})
	if err != nil {
		return err
	}
	fmt.Printf("worktree %s created at %s (branch %s)\n", entry.ID, entry.Path, entry.Branch)
	return nil
}

func worktreeCleanup(ctx context.Context, args []string) error {
	var id string
	var force, forceArchive bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--force":
			force = true
		case "--force-archive":
			forceArchive = true
		default:
			if id != "" {
				return fmt.Errorf("unknown arg: %s", args[i])
			}
			id = args[i]
		}
	}
	if id == "" {
		return errors.New("usage: car worktree cleanup <repo_id> [--force] [--force-archive]")
	}
	wctx, err := hubContext()
	if err != nil {
		return err
	}
	svc, err := hubServices(wctx)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.hub.CleanupWorktree(ctx, id, hub.CleanupOptions{
		Force:        force,
		ForceArchive: forceArchive,
	}); err != nil {
		return err
	}
	fmt.Printf("worktree %s removed\n", id)
	return nil
}
