// Package engine drives the ticket-flow state machine for one workspace:
// select the next open ticket, compose the prompt, run one backend turn,
// persist the normalized events, advance ticket and run state. The engine
// consumes only RunEvents; everything backend-specific stays behind the
// orchestrator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/codex-autorunner/car/internal/backend"
	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/events"
	"github.com/codex-autorunner/car/internal/flowstore"
	"github.com/codex-autorunner/car/internal/lockfile"
	"github.com/codex-autorunner/car/internal/stateroot"
	"github.com/codex-autorunner/car/internal/ticket"
)

// stopCheckInterval throttles mid-turn polls of the cooperative stop flag
// so a chatty stream does not hammer the store.
const stopCheckInterval = 500 * time.Millisecond

// ErrNoActiveRun reports an operation that needs an active run when none
// exists.
var ErrNoActiveRun = errors.New("no active run")

// Options configure one Engine.
type Options struct {
	// RepoRoot is the workspace the engine operates on.
	RepoRoot string
	// WorkspaceID keys locks, process records and backend handles.
	// Defaults to RepoRoot.
	WorkspaceID string
	Config      *config.Config
	Log         *logrus.Logger
	// Orchestrator is shared and outlives the engine; the engine never
	// closes it.
	Orchestrator *backend.Orchestrator
}

// Engine is the per-workspace ticket-flow state machine. One instance per
// repo; hub mode owns one per managed repo.
type Engine struct {
	log  *logrus.Logger
	cfg  *config.Config
	root string
	wsID string

	store *flowstore.Store
	orch  *backend.Orchestrator
	bus   *events.Broadcaster

	mu           sync.Mutex
	closed       bool
	activeRunID  string
	activeStream *backend.TurnStream
	reportedErrs map[string]map[string]bool // run id -> ticket path
}

// New opens the workspace's flow store and returns an engine bound to it.
func New(opts Options) (*Engine, error) {
	if opts.RepoRoot == "" {
		return nil, errors.New("engine: RepoRoot is required")
	}
	if opts.Config == nil {
		return nil, errors.New("engine: Config is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("engine: Orchestrator is required")
	}
	wsID := opts.WorkspaceID
	if wsID == "" {
		wsID = opts.RepoRoot
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	store, err := flowstore.Open(stateroot.FlowDBPath(opts.RepoRoot))
	if err != nil {
		return nil, fmt.Errorf("opening flow store: %w", err)
	}
	return &Engine{
		log:          log,
		cfg:          opts.Config,
		root:         opts.RepoRoot,
		wsID:         wsID,
		store:        store,
		orch:         opts.Orchestrator,
		bus:          events.NewBroadcaster(),
		reportedErrs: map[string]map[string]bool{},
	}, nil
}

// Store exposes the engine's flow store for read paths (status, events).
func (e *Engine) Store() *flowstore.Store { return e.store }

// WorkspaceID returns the engine's workspace key.
func (e *Engine) WorkspaceID() string { return e.wsID }

// ActiveRun returns the workspace's newest non-terminal run.
func (e *Engine) ActiveRun(ctx context.Context) (*flowstore.Run, error) {
	run, err := e.store.ActiveRun(ctx, flowstore.FlowTypeTicket)
	if errors.Is(err, flowstore.ErrNotFound) {
		return nil, ErrNoActiveRun
	}
	return run, err
}

// Subscribe attaches an in-process listener to the engine's event feed.
// History since engine start is replayed first.
func (e *Engine) Subscribe() (<-chan flowstore.Event, <-chan struct{}, func()) {
	return e.bus.Subscribe()
}

// Close releases the engine's resources: any in-flight turn is abandoned
// (the orchestrator tears the subprocess down), then the broadcaster and
// store close. Idempotent. The shared orchestrator stays up.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stream := e.activeStream
	e.activeStream = nil
	e.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	e.bus.Close()
	return e.store.Close()
}

func (e *Engine) workspace() backend.Workspace {
	return backend.Workspace{
		ID:        e.wsID,
		Root:      e.root,
		StateRoot: stateroot.Repo(e.root),
		Backend:   e.cfg.Backend,
		Opencode:  e.cfg.Opencode,
		Dest:      e.cfg.Destination,
	}
}

func (e *Engine) lockPath() string { return stateroot.LockPath(e.root) }

// StartResult reports what Start did.
type StartResult struct {
	Run *flowstore.Run
	// Reused is true when an active run already existed and force_new was
	// not set; no events were emitted.
	Reused bool
	// Superseded is the run id force_new displaced, if any.
	Superseded string
}

// Start creates a flow run, or returns the existing active one. With
// forceNew, an existing active run is superseded: its turn is cancelled,
// its timeline gets flow_superseded, and its stale lock (if any) is
// cleared. Start refuses to displace a run whose lock is held by a live
// process.
func (e *Engine) Start(ctx context.Context, forceNew bool) (*StartResult, error) {
	active, err := e.store.ActiveRun(ctx, flowstore.FlowTypeTicket)
	if err != nil && !errors.Is(err, flowstore.ErrNotFound) {
		return nil, err
	}
	superseded := ""
	if active != nil {
		if !forceNew {
			e.log.WithFields(logrus.Fields{"run_id": active.ID, "status": active.Status}).
				Info("active run reused")
			return &StartResult{Run: active, Reused: true}, nil
		}
		status, info, err := lockfile.Inspect(e.lockPath())
		if err != nil {
			return nil, fmt.Errorf("inspecting lock: %w", err)
		}
		if status == lockfile.LockedAlive && (info == nil || info.PID != os.Getpid()) {
			return nil, stepErrorf(backend.KindLockedAlive,
				"run %s is owned by live pid %d; refusing force_new", active.ID, info.PID)
		}
		e.cancelActiveTurn(active.ID)
		superseded = active.ID
	}

	run, err := e.store.CreateRun(ctx, flowstore.FlowTypeTicket, map[string]any{
		"workspace_id": e.wsID,
		"backend":      e.cfg.Backend.ID,
	})
	if err != nil {
		return nil, err
	}

	if superseded != "" {
		e.appendEvent(ctx, superseded, EventFlowSuperseded, "", map[string]any{
			"superseded_by": run.ID,
		})
		if err := e.store.SetRunStatus(ctx, superseded, flowstore.StatusSuperseded, nil); err != nil {
			return nil, fmt.Errorf("superseding run %s: %w", superseded, err)
		}
		if status, _, _ := lockfile.Inspect(e.lockPath()); status == lockfile.LockedStale {
			_ = os.Remove(e.lockPath())
		}
	}

	e.appendEvent(ctx, run.ID, EventFlowStarted, "", map[string]any{
		"workspace_id": e.wsID,
		"backend":      e.cfg.Backend.ID,
		"force_new":    forceNew,
	})
	e.log.WithFields(logrus.Fields{"run_id": run.ID, "superseded": superseded}).Info("flow run created")
	return &StartResult{Run: run, Superseded: superseded}, nil
}

// StepOutcome reports one iteration of the ticket flow.
type StepOutcome struct {
	Run      *flowstore.Run
	Ticket   string
	Terminal bool
	Paused   bool
	Stopped  bool
}

// Step runs a single ticket-flow iteration against the active run,
// creating one when none exists.
func (e *Engine) Step(ctx context.Context) (*StepOutcome, error) {
	run, err := e.store.ActiveRun(ctx, flowstore.FlowTypeTicket)
	if errors.Is(err, flowstore.ErrNotFound) {
		res, startErr := e.Start(ctx, false)
		if startErr != nil {
			return nil, startErr
		}
		run = res.Run
	} else if err != nil {
		return nil, err
	}
	if run.Status == flowstore.StatusPaused {
		return nil, fmt.Errorf("run %s is paused; resume it first: %w", run.ID, flowstore.ErrIllegalTransition)
	}
	return e.stepOnce(ctx, run)
}

// RunLoop drives steps until the run is terminal, paused, or a budget or
// stop flag ends it. Returns the refreshed run.
func (e *Engine) RunLoop(ctx context.Context, runID string) (*flowstore.Run, error) {
	turns := 0
	for {
		if err := ctx.Err(); err != nil {
			return e.store.GetRun(context.Background(), runID)
		}
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() || run.Status == flowstore.StatusPaused {
			return run, nil
		}
		if run.StopRequested() {
			e.finishStopped(ctx, run.ID, "", "stop requested")
			return e.store.GetRun(ctx, runID)
		}
		if e.cfg.Flow.StopAfterRuns > 0 && turns >= e.cfg.Flow.StopAfterRuns {
			e.finishStopped(ctx, run.ID, "", "stop_after_runs reached")
			return e.store.GetRun(ctx, runID)
		}
		outcome, err := e.stepOnce(ctx, run)
		if err != nil {
			return run, err
		}
		turns++
		if outcome.Terminal || outcome.Paused || outcome.Stopped {
			return outcome.Run, nil
		}
	}
}

// Resume transitions a paused run back to running and clears any pending
// stop flag. Fails when the run is not paused or a live process holds the
// repo lock.
func (e *Engine) Resume(ctx context.Context, runID string) (*flowstore.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != flowstore.StatusPaused {
		return nil, fmt.Errorf("run %s is %s, not paused: %w", runID, run.Status, flowstore.ErrIllegalTransition)
	}
	status, info, err := lockfile.Inspect(e.lockPath())
	if err != nil {
		return nil, fmt.Errorf("inspecting lock: %w", err)
	}
	if status == lockfile.LockedAlive {
		pid := 0
		if info != nil {
			pid = info.PID
		}
		return nil, stepErrorf(backend.KindLockedAlive, "repo lock held by live pid %d", pid)
	}
	if err := e.store.ClearStop(ctx, runID); err != nil {
		return nil, err
	}
	e.appendEvent(ctx, runID, EventFlowResumed, "", map[string]any{"workspace_id": e.wsID})
	if err := e.store.SetRunStatus(ctx, runID, flowstore.StatusRunning, nil); err != nil {
		return nil, err
	}
	e.log.WithField("run_id", runID).Info("flow run resumed")
	return e.store.GetRun(ctx, runID)
}

// Stop records a cooperative stop request. A live engine loop acknowledges
// it between events or turns; when no live process holds the repo lock the
// stop is acknowledged immediately.
func (e *Engine) Stop(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s is already %s: %w", runID, run.Status, flowstore.ErrIllegalTransition)
	}
	if err := e.store.RequestStop(ctx, runID); err != nil {
		return err
	}
	e.cancelActiveTurn(runID)

	status, _, err := lockfile.Inspect(e.lockPath())
	if err != nil {
		return fmt.Errorf("inspecting lock: %w", err)
	}
	if status != lockfile.LockedAlive {
		e.finishStopped(ctx, runID, "", "stop requested")
	}
	return nil
}

// stepOnce is one iteration: lock, pick ticket, prompt, turn, persist.
func (e *Engine) stepOnce(ctx context.Context, run *flowstore.Run) (*StepOutcome, error) {
	lock, recovered, err := lockfile.AcquireWithRecovery(e.lockPath(), e.wsID)
	if err != nil {
		if errors.Is(err, lockfile.ErrHeld) {
			return nil, stepErrorf(backend.KindLockedAlive, "repo lock: %v", err)
		}
		return nil, fmt.Errorf("acquiring repo lock: %w", err)
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			e.log.WithError(relErr).Warn("releasing repo lock")
		}
	}()
	if recovered {
		e.appendEvent(ctx, run.ID, EventLockRecovered, "", map[string]any{
			"workspace_id": e.wsID,
		})
	}

	if run.Status == flowstore.StatusPending {
		if err := e.store.SetRunStatus(ctx, run.ID, flowstore.StatusRunning, nil); err != nil {
			return nil, err
		}
	}

	tickets, parseErrs, err := ticket.List(stateroot.TicketsDir(e.root))
	if err != nil {
		return nil, fmt.Errorf("listing tickets: %w", err)
	}
	for _, pe := range parseErrs {
		if e.markReported(run.ID, pe.Path) {
			e.appendEvent(ctx, run.ID, EventTicketParseError, "", map[string]any{
				"path":  pe.Path,
				"line":  pe.Line,
				"error": pe.Err.Error(),
			})
		}
	}

	next, ok := ticket.NextOpen(tickets)
	if !ok {
		e.appendEvent(ctx, run.ID, EventFlowCompleted, "", map[string]any{
			"open_tickets": 0,
		})
		if err := e.store.SetRunStatus(ctx, run.ID, flowstore.StatusCompleted, nil); err != nil {
			return nil, err
		}
		refreshed, _ := e.store.GetRun(ctx, run.ID)
		return &StepOutcome{Run: refreshed, Terminal: true}, nil
	}

	stepID := ulid.Make().String()
	if err := e.store.SetStepID(ctx, run.ID, stepID); err != nil {
		return nil, err
	}

	prompt, stats, err := e.composeTurnPrompt(ctx, run, next)
	if err != nil {
		return nil, err
	}
	turnIndex := intFromState(run.State, "turn_count")
	e.appendEvent(ctx, run.ID, EventStepStarted, stepID, map[string]any{
		"ticket":        next.Name(),
		"ticket_number": next.Number,
		"turn_index":    turnIndex,
		"prompt_hash":   stats.Hash,
		"prompt_bytes":  stats.Bytes,
		"prompt_tail":   stats.TailLines,
	})

	handle, failOutcome, err := e.ensureBackend(ctx, run)
	if err != nil || failOutcome != nil {
		return failOutcome, err
	}

	return e.runTurn(ctx, run, next, handle, stepID, prompt, turnIndex, tickets)
}

// ensureBackend readies the configured backend with bounded, seeded
// backoff. Exhausted attempts fail the flow (BackendStartFailure).
func (e *Engine) ensureBackend(ctx context.Context, run *flowstore.Run) (*backend.Handle, *StepOutcome, error) {
	attempts := e.cfg.Backoff.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backendID := e.cfg.Backend.ID
	ws := e.workspace()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		handle, err := e.orch.EnsureReady(ctx, backendID, ws)
		if err == nil {
			return handle, nil, nil
		}
		lastErr = err
		if errors.Is(err, backend.ErrUnknownBackend) {
			return nil, nil, stepErrorf(backend.KindConfigError, "backend %q: %v", backendID, err)
		}
		if attempt == attempts {
			break
		}
		delay := backend.DelayForAttempt(attempt, e.cfg.Backoff,
			backend.BackoffSeed(e.wsID, "ensure_ready", attempt))
		e.log.WithError(err).WithFields(logrus.Fields{
			"backend": backendID,
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("backend not ready; retrying")
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	e.appendEvent(ctx, run.ID, EventFlowFailed, "", map[string]any{
		"kind":        backend.KindBackendStartFailure,
		"error":       lastErr.Error(),
		"recoverable": false,
	})
	if err := e.store.FailRun(ctx, run.ID,
		fmt.Sprintf("%s: %v", backend.KindBackendStartFailure, lastErr), nil); err != nil {
		return nil, nil, err
	}
	refreshed, _ := e.store.GetRun(ctx, run.ID)
	return nil, &StepOutcome{Run: refreshed, Terminal: true}, nil
}

// runTurn executes one backend turn and folds its stream into the run's
// timeline.
func (e *Engine) runTurn(ctx context.Context, run *flowstore.Run, tk *ticket.Ticket, handle *backend.Handle, stepID, prompt string, turnIndex int, before []*ticket.Ticket) (*StepOutcome, error) {
	runDir := stateroot.RunDir(e.root, run.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}

	opts := backend.TurnOptions{
		TurnID:     stepID,
		RawLogPath: filepath.Join(runDir, "agent.jsonl"),
	}
	if e.cfg.Flow.TurnTimeoutS > 0 {
		opts.Timeout = time.Duration(e.cfg.Flow.TurnTimeoutS) * time.Second
	}

	stream, err := e.orch.RunTurn(ctx, handle, prompt, opts)
	if err != nil {
		e.appendEvent(ctx, run.ID, EventFlowFailed, stepID, map[string]any{
			"kind":  backend.KindBackendStartFailure,
			"error": err.Error(),
		})
		if failErr := e.store.FailRun(ctx, run.ID,
			fmt.Sprintf("%s: %v", backend.KindBackendStartFailure, err), nil); failErr != nil {
			return nil, failErr
		}
		refreshed, _ := e.store.GetRun(ctx, run.ID)
		return &StepOutcome{Run: refreshed, Terminal: true}, nil
	}

	e.setActiveStream(run.ID, stream)
	defer e.clearActiveStream()

	runLog, err := os.OpenFile(filepath.Join(runDir, "run.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		e.log.WithError(err).Warn("opening run.log")
		runLog = nil
	}
	if runLog != nil {
		defer runLog.Close()
	}

	var (
		terminal       *backend.RunEvent
		pauseRequested bool
		stopReason     string
		lastStopCheck  = time.Now()
		runDeadline    time.Time
	)
	if e.cfg.Flow.RunTimeoutS > 0 && run.StartedAt != nil {
		runDeadline = run.StartedAt.Add(time.Duration(e.cfg.Flow.RunTimeoutS) * time.Second)
	}

	for ev := range stream.Events() {
		e.persistRunEvent(ctx, run.ID, stepID, ev, runLog)
		switch {
		case ev.Type == backend.EventHandoffRequested && ev.HandoffMode == backend.HandoffPause:
			pauseRequested = true
		case ev.Terminal():
			evCopy := ev
			terminal = &evCopy
		}
		if stopReason == "" && time.Since(lastStopCheck) >= stopCheckInterval {
			lastStopCheck = time.Now()
			if cur, gerr := e.store.GetRun(ctx, run.ID); gerr == nil && cur.StopRequested() {
				stopReason = "stop requested"
				stream.Close()
			}
		}
		if stopReason == "" && !runDeadline.IsZero() && time.Now().After(runDeadline) {
			stopReason = "run_timeout_s exceeded"
			stream.Close()
		}
	}

	newCount := turnIndex + 1
	if err := e.store.PatchState(ctx, run.ID, map[string]any{"turn_count": newCount}); err != nil {
		e.log.WithError(err).Warn("recording turn count")
	}

	// The stream may have been closed under us by Stop or force_new; a
	// pending stop flag outranks the crash classification.
	if stopReason == "" && terminal == nil {
		if cur, gerr := e.store.GetRun(ctx, run.ID); gerr == nil && cur.StopRequested() {
			stopReason = "stop requested"
		}
	}

	switch {
	case stopReason != "":
		e.finishStopped(ctx, run.ID, stepID, stopReason)
		refreshed, _ := e.store.GetRun(ctx, run.ID)
		return &StepOutcome{Run: refreshed, Ticket: tk.Name(), Terminal: true, Stopped: true}, nil

	case terminal != nil && terminal.Type == backend.EventFailed:
		kind := terminal.FailureKind
		if kind == "" {
			kind = backend.KindTurnCrash
		}
		e.appendEvent(ctx, run.ID, EventFlowFailed, stepID, map[string]any{
			"kind":        kind,
			"error":       terminal.Message,
			"recoverable": terminal.Recoverable,
		})
		if err := e.store.FailRun(ctx, run.ID, fmt.Sprintf("%s: %s", kind, terminal.Message), nil); err != nil {
			return nil, err
		}
		refreshed, _ := e.store.GetRun(ctx, run.ID)
		return &StepOutcome{Run: refreshed, Ticket: tk.Name(), Terminal: true}, nil

	case pauseRequested:
		// A pause handoff ends the turn even when the backend never sent a
		// terminal event; completion claims (if any) are still honored.
		if terminal != nil && terminal.Type == backend.EventCompleted {
			e.recordTicketTransitions(ctx, run.ID, stepID, terminal.TicketsTouched, before)
		}
		if err := e.store.SetRunStatus(ctx, run.ID, flowstore.StatusPaused, nil); err != nil {
			return nil, err
		}
		refreshed, _ := e.store.GetRun(ctx, run.ID)
		return &StepOutcome{Run: refreshed, Ticket: tk.Name(), Paused: true}, nil

	case terminal == nil:
		// The stream ended without Completed or Failed: a crashed turn.
		e.appendEvent(ctx, run.ID, EventFlowFailed, stepID, map[string]any{
			"kind":        backend.KindTurnCrash,
			"error":       "backend stream ended without terminal event",
			"recoverable": true,
		})
		if err := e.store.FailRun(ctx, run.ID, backend.KindTurnCrash+": stream ended without terminal event", nil); err != nil {
			return nil, err
		}
		refreshed, _ := e.store.GetRun(ctx, run.ID)
		return &StepOutcome{Run: refreshed, Ticket: tk.Name(), Terminal: true}, nil
	}

	// Completed.
	e.recordTicketTransitions(ctx, run.ID, stepID, terminal.TicketsTouched, before)

	if cur, gerr := e.store.GetRun(ctx, run.ID); gerr == nil && cur.StopRequested() {
		e.finishStopped(ctx, run.ID, stepID, "stop requested")
		refreshed, _ := e.store.GetRun(ctx, run.ID)
		return &StepOutcome{Run: refreshed, Ticket: tk.Name(), Terminal: true, Stopped: true}, nil
	}
	if e.cfg.Flow.MaxTurnsPerRun > 0 && newCount >= e.cfg.Flow.MaxTurnsPerRun {
		e.finishStopped(ctx, run.ID, stepID, "max_turns_per_run reached")
		refreshed, _ := e.store.GetRun(ctx, run.ID)
		return &StepOutcome{Run: refreshed, Ticket: tk.Name(), Terminal: true, Stopped: true}, nil
	}

	refreshed, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &StepOutcome{Run: refreshed, Ticket: tk.Name()}, nil
}

// persistRunEvent maps one normalized backend event onto the run timeline
// and mirrors delta text into run.log.
func (e *Engine) persistRunEvent(ctx context.Context, runID, stepID string, ev backend.RunEvent, runLog *os.File) {
	switch ev.Type {
	case backend.EventStarted:
		e.appendEvent(ctx, runID, EventAgentStarted, stepID, map[string]any{
			"backend":   ev.BackendID,
			"thread_id": ev.ThreadID,
			"turn_id":   ev.TurnID,
		})
	case backend.EventDelta:
		if runLog != nil && ev.Text != "" {
			fmt.Fprintln(runLog, ev.Text)
		}
		e.appendEvent(ctx, runID, EventAgentDelta, stepID, map[string]any{
			"text": ev.Text,
		})
	case backend.EventTokenUsage:
		e.appendEvent(ctx, runID, EventAgentTokenUsage, stepID, map[string]any{
			"total_tokens":         ev.TotalTokens,
			"model_context_window": ev.ModelContextWindow,
		})
	case backend.EventToolCall:
		e.appendEvent(ctx, runID, EventAgentToolCall, stepID, map[string]any{
			"tool":    ev.ToolName,
			"status":  ev.ToolStatus,
			"summary": ev.Summary,
		})
	case backend.EventNotification:
		e.appendEvent(ctx, runID, EventAgentNotification, stepID, map[string]any{
			"kind":    ev.Kind,
			"payload": ev.Payload,
		})
	case backend.EventHandoffRequested:
		data := map[string]any{
			"mode":  ev.HandoffMode,
			"title": ev.Title,
			"body":  ev.Body,
		}
		if len(ev.Attachments) > 0 {
			data["attachments"] = ev.Attachments
		}
		e.appendEvent(ctx, runID, EventHandoffRequested, stepID, data)
	case backend.EventCompleted, backend.EventFailed:
		// Folded into flow_completed / flow_failed / ticket transitions by
		// the caller.
	}
}

// recordTicketTransitions emits ticket_done for every ticket whose
// frontmatter went false -> true during the turn, marking claimed tickets
// done itself when the agent forgot, and tickets_added for new files.
func (e *Engine) recordTicketTransitions(ctx context.Context, runID, stepID string, claimed []string, before []*ticket.Ticket) {
	doneBefore := map[string]bool{}
	for _, t := range before {
		doneBefore[t.Name()] = t.Done
	}

	after, _, err := ticket.List(stateroot.TicketsDir(e.root))
	if err != nil {
		e.log.WithError(err).Warn("relisting tickets after turn")
		return
	}
	byName := map[string]*ticket.Ticket{}
	for _, t := range after {
		byName[t.Name()] = t
	}

	claimedSet := map[string]bool{}
	for _, name := range claimed {
		claimedSet[normalizeTicketName(name)] = true
	}

	for _, t := range after {
		name := t.Name()
		if !t.Done && claimedSet[name] {
			// The agent claims this ticket is finished but forgot the
			// frontmatter flip; advance it so the flow cannot loop on a
			// ticket the agent considers done.
			if changed, mdErr := ticket.MarkDone(t.Path); mdErr != nil {
				e.log.WithError(mdErr).WithField("ticket", name).Warn("marking claimed ticket done")
				continue
			} else if changed {
				t.Done = true
			}
		}
		if t.Done && !doneBefore[name] {
			e.appendEvent(ctx, runID, EventTicketDone, stepID, map[string]any{
				"ticket": name,
			})
		}
	}

	var added []string
	for _, t := range after {
		if _, ok := doneBefore[t.Name()]; !ok {
			added = append(added, t.Name())
		}
	}
	if len(added) > 0 {
		e.appendEvent(ctx, runID, EventTicketsAdded, stepID, map[string]any{
			"tickets": added,
		})
	}
}

// finishStopped appends the stop acknowledgement and moves the run to
// stopped.
func (e *Engine) finishStopped(ctx context.Context, runID, stepID, reason string) {
	e.appendEvent(ctx, runID, EventFlowStopped, stepID, map[string]any{"reason": reason})
	if err := e.store.SetRunStatus(ctx, runID, flowstore.StatusStopped, nil); err != nil {
		e.log.WithError(err).WithField("run_id", runID).Warn("marking run stopped")
	}
}

func (e *Engine) composeTurnPrompt(ctx context.Context, run *flowstore.Run, tk *ticket.Ticket) (string, PromptStats, error) {
	sources, err := loadPromptSources(e.root, e.cfg.Prompt.Sources)
	if err != nil {
		return "", PromptStats{}, err
	}
	prompt, stats := BuildPrompt(PromptInputs{
		Ticket:    tk,
		PriorTail: e.priorTail(ctx, run),
		Sources:   sources,
	}, e.cfg.Prompt)
	return prompt, stats, nil
}

// priorTail returns the tail of this run's own run.log, falling back to
// the newest earlier run's log for the first turn.
func (e *Engine) priorTail(ctx context.Context, run *flowstore.Run) []string {
	n := e.cfg.Prompt.PriorTailLines
	if lines := tailLines(filepath.Join(stateroot.RunDir(e.root, run.ID), "run.log"), n); len(lines) > 0 {
		return lines
	}
	runs, err := e.store.ListRuns(ctx, flowstore.Filter{FlowType: flowstore.FlowTypeTicket, Limit: 10})
	if err != nil {
		return nil
	}
	for _, r := range runs {
		if r.ID == run.ID {
			continue
		}
		if lines := tailLines(filepath.Join(stateroot.RunDir(e.root, r.ID), "run.log"), n); len(lines) > 0 {
			return lines
		}
	}
	return nil
}

// appendEvent writes one flow event and fans it out to in-process
// subscribers. Append failures are logged, not fatal: the only expected
// one is a lost race against a terminal transition.
func (e *Engine) appendEvent(ctx context.Context, runID, eventType, stepID string, data map[string]any) {
	seq, err := e.store.AppendEvent(ctx, runID, eventType, stepID, data)
	if err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"run_id": runID,
			"event":  eventType,
		}).Warn("appending flow event")
		return
	}
	e.bus.Send(flowstore.Event{
		Seq:       seq,
		RunID:     runID,
		Type:      eventType,
		StepID:    stepID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	e.log.WithFields(logrus.Fields{
		"run_id": runID,
		"event":  eventType,
		"seq":    seq,
	}).Debug("flow event")
}

func (e *Engine) setActiveStream(runID string, s *backend.TurnStream) {
	e.mu.Lock()
	e.activeRunID = runID
	e.activeStream = s
	e.mu.Unlock()
}

func (e *Engine) clearActiveStream() {
	e.mu.Lock()
	e.activeRunID = ""
	e.activeStream = nil
	e.mu.Unlock()
}

// cancelActiveTurn abandons the in-flight turn for runID, if any. The
// orchestrator reacts by terminating the subprocess.
func (e *Engine) cancelActiveTurn(runID string) {
	e.mu.Lock()
	stream := e.activeStream
	match := e.activeRunID == runID
	e.mu.Unlock()
	if match && stream != nil {
		stream.Close()
	}
}

// markReported returns true the first time a parse failure for path is seen
// during runID.
func (e *Engine) markReported(runID, path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.reportedErrs[runID]
	if m == nil {
		m = map[string]bool{}
		e.reportedErrs[runID] = m
	}
	if m[path] {
		return false
	}
	m[path] = true
	return true
}

func intFromState(state map[string]any, key string) int {
	switch v := state[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// normalizeTicketName maps agent-reported ticket references ("TICKET-001",
// "TICKET-001.md", a path) onto the canonical name.
func normalizeTicketName(s string) string {
	s = filepath.Base(s)
	if ext := filepath.Ext(s); ext == ".md" {
		s = s[:len(s)-len(ext)]
	}
	return s
}
