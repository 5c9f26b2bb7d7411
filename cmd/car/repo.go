package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/codex-autorunner/car/internal/engine"
	"github.com/codex-autorunner/car/internal/flowstore"
	"github.com/codex-autorunner/car/internal/hub"
	"github.com/codex-autorunner/car/internal/lockfile"
	"github.com/codex-autorunner/car/internal/stateroot"
	"github.com/codex-autorunner/car/internal/ticket"
)

func cmdInit(ctx context.Context, args []string) error {
	var asHub bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--hub":
			asHub = true
		default:
			return fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	if asHub {
		if err := hub.InitHub(cwd); err != nil {
			return err
		}
		fmt.Printf("initialized hub workspace at %s\n", stateroot.Repo(cwd))
		return nil
	}
	if err := hub.InitWorkspace(cwd, ""); err != nil {
		return err
	}
	fmt.Printf("initialized repo workspace at %s\n", stateroot.Repo(cwd))
	return nil
}

// repoStatus is the status command's output shape.
type repoStatus struct {
	Root        string `json:"root"`
	Lock        string `json:"lock"`
	LockPID     int    `json:"lock_pid,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	RunStatus   string `json:"run_status,omitempty"`
	RunError    string `json:"run_error,omitempty"`
	TicketsOpen int    `json:"tickets_open"`
	TicketsDone int    `json:"tickets_done"`
	ParseErrors int    `json:"parse_errors,omitempty"`
}

func cmdStatus(ctx context.Context, args []string) error {
	var asJSON bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			asJSON = true
		default:
			return fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	wctx, err := repoContext()
	if err != nil {
		return err
	}

	out := repoStatus{Root: wctx.Root}

	lockStatus, info, err := lockfile.Inspect(stateroot.LockPath(wctx.Root))
	if err != nil {
		return fmt.Errorf("inspecting lock: %w", err)
	}
	switch lockStatus {
	case lockfile.LockedAlive:
		out.Lock = "LOCKED_ALIVE"
	case lockfile.LockedStale:
		out.Lock = "LOCKED_STALE"
	default:
		out.Lock = "UNLOCKED"
	}
	if info != nil {
		out.LockPID = info.PID
	}

	store, err := flowstore.Open(stateroot.FlowDBPath(wctx.Root))
	if err != nil {
		return fmt.Errorf("opening flow store: %w", err)
	}
	defer store.Close()
	run, err := store.LatestRun(ctx, flowstore.FlowTypeTicket)
	if err != nil && !errors.Is(err, flowstore.ErrNotFound) {
		return err
	}
	if run != nil {
		out.RunID = run.ID
		out.RunStatus = string(run.Status)
		out.RunError = run.Error
	}

	tickets, parseErrs, err := ticket.List(stateroot.TicketsDir(wctx.Root))
	if err != nil {
		return fmt.Errorf("listing tickets: %w", err)
	}
	for _, t := range tickets {
		if t.Done {
			out.TicketsDone++
		} else {
			out.TicketsOpen++
		}
	}
	out.ParseErrors = len(parseErrs)

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Printf("workspace: %s\n", out.Root)
	fmt.Printf("lock:      %s", out.Lock)
	if out.LockPID != 0 {
		fmt.Printf(" (pid %d)", out.LockPID)
	}
	fmt.Println()
	if out.RunID != "" {
		fmt.Printf("run:       %s %s\n", out.RunID, out.RunStatus)
		if out.RunError != "" {
			fmt.Printf("error:     %s\n", out.RunError)
		}
	} else {
		fmt.Println("run:       none")
	}
	fmt.Printf("tickets:   %d open, %d done", out.TicketsOpen, out.TicketsDone)
	if out.ParseErrors > 0 {
		fmt.Printf(", %d unparsable", out.ParseErrors)
	}
	fmt.Println()
	return nil
}

func cmdStart(ctx context.Context, args []string) error {
	var forceNew, watch bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--force-new":
			forceNew = true
		case "--watch":
			watch = true
		default:
			return fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	wctx, err := repoContext()
	if err != nil {
		return err
	}
	svc, err := repoServices(wctx)
	if err != nil {
		return err
	}
	defer svc.close()

	res, err := svc.eng.Start(ctx, forceNew)
	if err != nil {
		return err
	}
	if res.Reused {
		fmt.Printf("run %s is %s (active_run_reused)\n", res.Run.ID, res.Run.Status)
		if res.Run.Status == flowstore.StatusPaused {
			return nil
		}
	} else {
		fmt.Printf("run %s created\n", res.Run.ID)
		if res.Superseded != "" {
			fmt.Printf("run %s superseded\n", res.Superseded)
		}
	}

	var stopWatch func()
	if watch {
		stopWatch = watchEvents(svc.eng)
	}
	run, err := svc.eng.RunLoop(ctx, res.Run.ID)
	if stopWatch != nil {
		stopWatch()
	}
	if err != nil {
		return err
	}
	fmt.Printf("run %s is %s\n", run.ID, run.Status)
	return nil
}

// watchEvents mirrors the engine's event feed onto stdout until the
// returned cancel function runs.
func watchEvents(eng *engine.Engine) func() {
	ch, closed, cancel := eng.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				printEvent(os.Stdout, ev)
			case <-closed:
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func cmdStep(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("unknown arg: %s", args[0])
	}
	wctx, err := repoContext()
	if err != nil {
		return err
	}
	svc, err := repoServices(wctx)
	if err != nil {
		return err
	}
	defer svc.close()

	outcome, err := svc.eng.Step(ctx)
	if err != nil {
		return err
	}
	switch {
	case outcome.Paused:
		fmt.Printf("run %s paused after %s\n", outcome.Run.ID, outcome.Ticket)
	case outcome.Terminal:
		fmt.Printf("run %s is %s\n", outcome.Run.ID, outcome.Run.Status)
	default:
		fmt.Printf("run %s stepped %s\n", outcome.Run.ID, outcome.Ticket)
	}
	return nil
}

func cmdStop(ctx context.Context, args []string) error {
	var runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			if err := flagValue(args, &i, "--run", &runID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	wctx, err := repoContext()
	if err != nil {
		return err
	}
	svc, err := repoServices(wctx)
	if err != nil {
		return err
	}
	defer svc.close()

	if runID == "" {
		run, err := svc.eng.ActiveRun(ctx)
		if err != nil {
			return err
		}
		runID = run.ID
	}
	if err := svc.eng.Stop(ctx, runID); err != nil {
		return err
	}
	fmt.Printf("stop requested for run %s\n", runID)
	return nil
}

func cmdResume(ctx context.Context, args []string) error {
	var runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			if err := flagValue(args, &i, "--run", &runID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	wctx, err := repoContext()
	if err != nil {
		return err
	}
	svc, err := repoServices(wctx)
	if err != nil {
		return err
	}
	defer svc.close()

	if runID == "" {
		run, err := svc.eng.ActiveRun(ctx)
		if err != nil {
			return err
		}
		runID = run.ID
	}
	if _, err := svc.eng.Resume(ctx, runID); err != nil {
		return err
	}
	run, err := svc.eng.RunLoop(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Printf("run %s is %s\n", run.ID, run.Status)
	return nil
}

func cmdArchive(ctx context.Context, args []string) error {
	var runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			if err := flagValue(args, &i, "--run", &runID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	if runID == "" {
		return errors.New("archive requires --run <id>")
	}
	wctx, err := repoContext()
	if err != nil {
		return err
	}
	svc, err := repoServices(wctx)
	if err != nil {
		return err
	}
	defer svc.close()

	res, err := svc.eng.Archive(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Printf("archived %d tickets, %d artifacts recorded\n", len(res.Tickets), res.Artifacts)
	return nil
}

func cmdTickets(ctx context.Context, args []string) error {
	if len(args) < 1 || args[0] != "list" {
		return errors.New("usage: car tickets list")
	}
	wctx, err := repoContext()
	if err != nil {
		return err
	}
	tickets, parseErrs, err := ticket.List(stateroot.TicketsDir(wctx.Root))
	if err != nil {
		return err
	}
	for _, t := range tickets {
		state := "open"
		if t.Done {
			state = "done"
		}
		line := fmt.Sprintf("%s  %-4s  agent=%s", t.Name(), state, t.Agent)
		if t.Title != "" {
			line += "  " + t.Title
		}
		fmt.Println(line)
	}
	for _, pe := range parseErrs {
		fmt.Printf("%s  unparsable: %v\n", pe.Path, pe.Err)
	}
	return nil
}
