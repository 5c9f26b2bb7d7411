package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codex-autorunner/car/internal/backend"
	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/flowstore"
	"github.com/codex-autorunner/car/internal/lockfile"
	"github.com/codex-autorunner/car/internal/procrec"
	"github.com/codex-autorunner/car/internal/stateroot"
	"github.com/codex-autorunner/car/internal/ticket"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// turnFunc scripts one backend turn. The stub calls Finish after it returns.
type turnFunc func(ctx context.Context, opts backend.TurnOptions, stream *backend.TurnStream)

// scriptedBackend replaces the codex adapter with canned turns.
type scriptedBackend struct {
	mu          sync.Mutex
	turns       []turnFunc
	ensureErr   error
	ensureCalls int
	turnCalls   int
	prompts     []string
}

func newScriptedBackend(turns ...turnFunc) *scriptedBackend {
	return &scriptedBackend{turns: turns}
}

func (b *scriptedBackend) ID() string { return "codex" }

func (b *scriptedBackend) EnsureReady(ctx context.Context, ws backend.Workspace) (*backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureCalls++
	if b.ensureErr != nil {
		return nil, b.ensureErr
	}
	return &backend.Handle{WorkspaceID: ws.ID, BackendID: "codex"}, nil
}

func (b *scriptedBackend) RunTurn(ctx context.Context, h *backend.Handle, prompt string, opts backend.TurnOptions) (*backend.TurnStream, error) {
	b.mu.Lock()
	var turn turnFunc
	if len(b.turns) > 0 {
		turn = b.turns[0]
		b.turns = b.turns[1:]
	}
	b.turnCalls++
	b.prompts = append(b.prompts, prompt)
	b.mu.Unlock()

	stream := backend.NewTurnStream(16)
	go func() {
		defer stream.Finish()
		if turn != nil {
			turn(ctx, opts, stream)
			return
		}
		_ = stream.Send(ctx, backend.RunEvent{Type: backend.EventStarted, BackendID: "codex", TurnID: opts.TurnID})
		_ = stream.Send(ctx, backend.RunEvent{Type: backend.EventCompleted})
	}()
	return stream, nil
}

func (b *scriptedBackend) Close(h *backend.Handle) error { return nil }

func (b *scriptedBackend) Health(h *backend.Handle) backend.Health {
	return backend.Health{Alive: true}
}

func (b *scriptedBackend) counts() (ensure, turns int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureCalls, b.turnCalls
}

func (b *scriptedBackend) sentPrompts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

func newEngineFixture(t *testing.T, cfg *config.Config, stub backend.Backend) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(stateroot.TicketsDir(root), 0o755); err != nil {
		t.Fatalf("mkdir tickets: %v", err)
	}
	if cfg == nil {
		cfg = config.Defaults()
	}
	orch := backend.NewOrchestrator(testLogger(), procrec.NewRegistry(filepath.Join(t.TempDir(), "processes")))
	if stub != nil {
		orch.Register(stub)
	}
	eng, err := New(Options{RepoRoot: root, Config: cfg, Log: testLogger(), Orchestrator: orch})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng, root
}

func writeTicketFile(t *testing.T, root, name string, done bool, body string) string {
	t.Helper()
	path := filepath.Join(stateroot.TicketsDir(root), name)
	if err := ticket.Write(path, "codex", done, "", body); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func eventTypes(t *testing.T, eng *Engine, runID string) []string {
	t.Helper()
	evs, err := eng.Store().GetEvents(context.Background(), runID, 0, nil)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func countType(types []string, want string) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}

// assertEventOrder checks that want appears, in order, within got.
func assertEventOrder(t *testing.T, got []string, want ...string) {
	t.Helper()
	i := 0
	for _, typ := range got {
		if i < len(want) && typ == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("event order: want subsequence %v, got %v", want, got)
	}
}

func waitForEventType(t *testing.T, eng *Engine, runID, typ string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, et := range eventTypes(t, eng, runID) {
			if et == typ {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event %s never appeared on run %s", typ, runID)
}

func reapedPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	return pid
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	var ticketPath string
	stub := newScriptedBackend(func(ctx context.Context, opts backend.TurnOptions, s *backend.TurnStream) {
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventStarted, BackendID: "codex", ThreadID: "th-1", TurnID: opts.TurnID})
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventDelta, Text: "ok"})
		if _, err := ticket.MarkDone(ticketPath); err != nil {
			t.Errorf("MarkDone: %v", err)
		}
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventCompleted, TicketsTouched: []string{"TICKET-001"}})
	})
	eng, root := newEngineFixture(t, nil, stub)
	ticketPath = writeTicketFile(t, root, "TICKET-001.md", false, "Do the thing.")

	res, err := eng.Start(ctx, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := eng.RunLoop(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("RunLoop: %v", err)
	}
	if run.Status != flowstore.StatusCompleted {
		t.Fatalf("status: got %q want %q (error: %s)", run.Status, flowstore.StatusCompleted, run.Error)
	}

	types := eventTypes(t, eng, run.ID)
	assertEventOrder(t, types,
		EventFlowStarted, EventStepStarted, EventAgentStarted,
		EventAgentDelta, EventTicketDone, EventFlowCompleted)

	evs, err := eng.Store().GetEvents(ctx, run.ID, 0, []string{EventTicketDone})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].Data["ticket"] != "TICKET-001" {
		t.Fatalf("ticket_done: got %+v", evs)
	}

	tk, err := ticket.Load(ticketPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !tk.Done {
		t.Fatal("ticket frontmatter still done: false")
	}

	status, _, err := lockfile.Inspect(stateroot.LockPath(root))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if status != lockfile.Unlocked {
		t.Fatalf("lock: got %q want %q", status, lockfile.Unlocked)
	}

	logBytes, err := os.ReadFile(filepath.Join(stateroot.RunDir(root, run.ID), "run.log"))
	if err != nil {
		t.Fatalf("reading run.log: %v", err)
	}
	if !strings.Contains(string(logBytes), "ok") {
		t.Fatalf("run.log does not mirror delta text: %q", logBytes)
	}

	prompts := stub.sentPrompts()
	if len(prompts) != 1 || !strings.Contains(prompts[0], "=== ticket TICKET-001 ===") {
		t.Fatalf("prompt body: got %d prompts", len(prompts))
	}
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	var ticketPath string
	stub := newScriptedBackend(
		func(ctx context.Context, opts backend.TurnOptions, s *backend.TurnStream) {
			_ = s.Send(ctx, backend.RunEvent{Type: backend.EventStarted, BackendID: "codex"})
			_ = s.Send(ctx, backend.RunEvent{
				Type:        backend.EventHandoffRequested,
				HandoffMode: backend.HandoffPause,
				Body:        "need approval",
			})
		},
		func(ctx context.Context, opts backend.TurnOptions, s *backend.TurnStream) {
			_ = s.Send(ctx, backend.RunEvent{Type: backend.EventStarted, BackendID: "codex"})
			if _, err := ticket.MarkDone(ticketPath); err != nil {
				t.Errorf("MarkDone: %v", err)
			}
			_ = s.Send(ctx, backend.RunEvent{Type: backend.EventCompleted, TicketsTouched: []string{"TICKET-001"}})
		},
	)
	eng, root := newEngineFixture(t, nil, stub)
	ticketPath = writeTicketFile(t, root, "TICKET-001.md", false, "Needs a human decision.")

	res, err := eng.Start(ctx, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := eng.RunLoop(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("RunLoop: %v", err)
	}
	if run.Status != flowstore.StatusPaused {
		t.Fatalf("status: got %q want %q", run.Status, flowstore.StatusPaused)
	}
	if status, _, _ := lockfile.Inspect(stateroot.LockPath(root)); status != lockfile.Unlocked {
		t.Fatalf("lock not released on pause: %q", status)
	}
	types := eventTypes(t, eng, run.ID)
	if countType(types, EventHandoffRequested) != 1 {
		t.Fatalf("handoff_requested missing: %v", types)
	}

	resumed, err := eng.Resume(ctx, run.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != flowstore.StatusRunning {
		t.Fatalf("resumed status: got %q", resumed.Status)
	}

	final, err := eng.RunLoop(ctx, run.ID)
	if err != nil {
		t.Fatalf("RunLoop after resume: %v", err)
	}
	if final.Status != flowstore.StatusCompleted {
		t.Fatalf("final status: got %q (error: %s)", final.Status, final.Error)
	}
	types = eventTypes(t, eng, run.ID)
	if got := countType(types, EventStepStarted); got != 2 {
		t.Fatalf("step_started count: got %d want 2 (%v)", got, types)
	}
	assertEventOrder(t, types, EventHandoffRequested, EventFlowResumed, EventStepStarted, EventFlowCompleted)
}

func TestStaleLockRecovery(t *testing.T) {
	ctx := context.Background()
	var ticketPath string
	stub := newScriptedBackend(func(ctx context.Context, opts backend.TurnOptions, s *backend.TurnStream) {
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventStarted, BackendID: "codex"})
		if _, err := ticket.MarkDone(ticketPath); err != nil {
			t.Errorf("MarkDone: %v", err)
		}
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventCompleted, TicketsTouched: []string{"TICKET-001"}})
	})
	eng, root := newEngineFixture(t, nil, stub)
	ticketPath = writeTicketFile(t, root, "TICKET-001.md", false, "Work behind a dead lock.")

	if err := lockfile.WriteForeign(stateroot.LockPath(root), lockfile.Info{
		PID:   reapedPID(t),
		Owner: "crashed-engine",
	}); err != nil {
		t.Fatalf("WriteForeign: %v", err)
	}

	outcome, err := eng.Step(ctx)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	types := eventTypes(t, eng, outcome.Run.ID)
	assertEventOrder(t, types, EventFlowStarted, EventLockRecovered, EventStepStarted, EventAgentStarted)
	if outcome.Ticket != "TICKET-001" {
		t.Fatalf("ticket: got %q", outcome.Ticket)
	}
}

func TestConcurrentStepContention(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	var ticketPath string
	stub := newScriptedBackend(func(ctx context.Context, opts backend.TurnOptions, s *backend.TurnStream) {
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventStarted, BackendID: "codex"})
		close(started)
		<-release
		if _, err := ticket.MarkDone(ticketPath); err != nil {
			t.Errorf("MarkDone: %v", err)
		}
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventCompleted})
	})
	eng, root := newEngineFixture(t, nil, stub)
	ticketPath = writeTicketFile(t, root, "TICKET-001.md", false, "Contended work.")

	stepDone := make(chan error, 1)
	go func() {
		_, err := eng.Step(ctx)
		stepDone <- err
	}()
	<-started

	run, err := eng.ActiveRun(ctx)
	if err != nil {
		t.Fatalf("ActiveRun: %v", err)
	}
	waitForEventType(t, eng, run.ID, EventAgentStarted)
	before := len(eventTypes(t, eng, run.ID))

	_, contendErr := eng.Step(ctx)
	var se *StepError
	if !errors.As(contendErr, &se) || se.Kind != backend.KindLockedAlive {
		t.Fatalf("contending step: got %v, want StepError kind %s", contendErr, backend.KindLockedAlive)
	}
	if after := len(eventTypes(t, eng, run.ID)); after != before {
		t.Fatalf("locked-out step appended events: %d -> %d", before, after)
	}

	close(release)
	if err := <-stepDone; err != nil {
		t.Fatalf("first step: %v", err)
	}
	if got := countType(eventTypes(t, eng, run.ID), EventStepStarted); got != 1 {
		t.Fatalf("step_started count: got %d want 1", got)
	}
}

func TestTurnCrashMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	stub := newScriptedBackend(func(ctx context.Context, opts backend.TurnOptions, s *backend.TurnStream) {
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventStarted, BackendID: "codex"})
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventDelta, Text: "partial"})
		// Stream ends here without Completed or Failed.
	})
	eng, root := newEngineFixture(t, nil, stub)
	writeTicketFile(t, root, "TICKET-001.md", false, "Never finishes.")

	res, err := eng.Start(ctx, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := eng.RunLoop(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("RunLoop: %v", err)
	}
	if run.Status != flowstore.StatusFailed {
		t.Fatalf("status: got %q want %q", run.Status, flowstore.StatusFailed)
	}
	if !strings.Contains(run.Error, backend.KindTurnCrash) {
		t.Fatalf("run error: got %q", run.Error)
	}

	evs, err := eng.Store().GetEvents(ctx, run.ID, 0, []string{EventFlowFailed})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].Data["kind"] != backend.KindTurnCrash {
		t.Fatalf("flow_failed: got %+v", evs)
	}

	n, err := eng.orch.Registry().Count("")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("orphan process records: %d", n)
	}
}

func TestForceNewSupersede(t *testing.T) {
	ctx := context.Background()
	var ticketPath string
	stub := newScriptedBackend(
		func(ctx context.Context, opts backend.TurnOptions, s *backend.TurnStream) {
			_ = s.Send(ctx, backend.RunEvent{Type: backend.EventStarted, BackendID: "codex"})
			_ = s.Send(ctx, backend.RunEvent{
				Type:        backend.EventHandoffRequested,
				HandoffMode: backend.HandoffPause,
				Body:        "waiting",
			})
		},
		func(ctx context.Context, opts backend.TurnOptions, s *backend.TurnStream) {
			_ = s.Send(ctx, backend.RunEvent{Type: backend.EventStarted, BackendID: "codex"})
			if _, err := ticket.MarkDone(ticketPath); err != nil {
				t.Errorf("MarkDone: %v", err)
			}
			_ = s.Send(ctx, backend.RunEvent{Type: backend.EventCompleted, TicketsTouched: []string{"TICKET-001"}})
		},
	)
	eng, root := newEngineFixture(t, nil, stub)
	ticketPath = writeTicketFile(t, root, "TICKET-001.md", false, "Restarted work.")

	res1, err := eng.Start(ctx, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r1, err := eng.RunLoop(ctx, res1.Run.ID)
	if err != nil {
		t.Fatalf("RunLoop: %v", err)
	}
	if r1.Status != flowstore.StatusPaused {
		t.Fatalf("first run status: got %q", r1.Status)
	}

	res2, err := eng.Start(ctx, true)
	if err != nil {
		t.Fatalf("Start force_new: %v", err)
	}
	if res2.Run.ID == r1.ID {
		t.Fatal("force_new reused the old run id")
	}
	if res2.Superseded != r1.ID {
		t.Fatalf("superseded: got %q want %q", res2.Superseded, r1.ID)
	}

	old, err := eng.Store().GetRun(ctx, r1.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if old.Status != flowstore.StatusSuperseded {
		t.Fatalf("old run status: got %q", old.Status)
	}
	evs, err := eng.Store().GetEvents(ctx, r1.ID, 0, []string{EventFlowSuperseded})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].Data["superseded_by"] != res2.Run.ID {
		t.Fatalf("flow_superseded: got %+v", evs)
	}
	if _, err := eng.Store().AppendEvent(ctx, r1.ID, "late", "", nil); !errors.Is(err, flowstore.ErrRunTerminal) {
		t.Fatalf("superseded run accepted an event: %v", err)
	}

	r2, err := eng.RunLoop(ctx, res2.Run.ID)
	if err != nil {
		t.Fatalf("RunLoop on new run: %v", err)
	}
	if r2.Status != flowstore.StatusCompleted {
		t.Fatalf("new run status: got %q (error: %s)", r2.Status, r2.Error)
	}

	runs, err := eng.Store().ListRuns(ctx, flowstore.Filter{FlowType: flowstore.FlowTypeTicket})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs: got %d want 2", len(runs))
	}
	if runs[0].ID == runs[1].ID {
		t.Fatal("duplicate run ids in list")
	}
}

func TestStartReusesActiveRun(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngineFixture(t, nil, newScriptedBackend())

	res1, err := eng.Start(ctx, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res2, err := eng.Start(ctx, false)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !res2.Reused || res2.Run.ID != res1.Run.ID {
		t.Fatalf("second start: reused=%v id=%s want id=%s", res2.Reused, res2.Run.ID, res1.Run.ID)
	}
	if got := countType(eventTypes(t, eng, res1.Run.ID), EventFlowStarted); got != 1 {
		t.Fatalf("flow_started count: got %d want 1", got)
	}
}

func TestEmptyTicketsCompleteImmediately(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngineFixture(t, nil, newScriptedBackend())

	res, err := eng.Start(ctx, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := eng.RunLoop(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("RunLoop: %v", err)
	}
	if run.Status != flowstore.StatusCompleted {
		t.Fatalf("status: got %q", run.Status)
	}
	types := eventTypes(t, eng, run.ID)
	if countType(types, EventStepStarted) != 0 {
		t.Fatalf("empty repo ran a step: %v", types)
	}
	assertEventOrder(t, types, EventFlowStarted, EventFlowCompleted)
}

func TestTicketParseErrorReportedOnce(t *testing.T) {
	ctx := context.Background()
	var ticketPath string
	stub := newScriptedBackend(func(ctx context.Context, opts backend.TurnOptions, s *backend.TurnStream) {
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventStarted, BackendID: "codex"})
		if _, err := ticket.MarkDone(ticketPath); err != nil {
			t.Errorf("MarkDone: %v", err)
		}
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventCompleted, TicketsTouched: []string{"TICKET-001"}})
	})
	eng, root := newEngineFixture(t, nil, stub)
	ticketPath = writeTicketFile(t, root, "TICKET-001.md", false, "Good ticket.")
	badPath := filepath.Join(stateroot.TicketsDir(root), "TICKET-002.md")
	if err := os.WriteFile(badPath, []byte("---\nagent: [unclosed\n---\nbody\n"), 0o644); err != nil {
		t.Fatalf("writing bad ticket: %v", err)
	}

	res, err := eng.Start(ctx, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := eng.RunLoop(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("RunLoop: %v", err)
	}
	if run.Status != flowstore.StatusCompleted {
		t.Fatalf("status: got %q (error: %s)", run.Status, run.Error)
	}

	evs, err := eng.Store().GetEvents(ctx, run.ID, 0, []string{EventTicketParseError})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("ticket_parse_error count: got %d want 1", len(evs))
	}
	path, _ := evs[0].Data["path"].(string)
	if !strings.Contains(path, "TICKET-002.md") {
		t.Fatalf("parse error path: got %q", path)
	}
}

func TestBackendStartFailureExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	stub := newScriptedBackend()
	stub.ensureErr = errors.New("codex binary not found")

	cfg := config.Defaults()
	cfg.Backoff.MaxAttempts = 2
	cfg.Backoff.InitialDelayMS = 1
	cfg.Backoff.MaxDelayMS = 2

	eng, root := newEngineFixture(t, cfg, stub)
	writeTicketFile(t, root, "TICKET-001.md", false, "Unreachable backend.")

	outcome, err := eng.Step(ctx)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if outcome.Run.Status != flowstore.StatusFailed {
		t.Fatalf("status: got %q", outcome.Run.Status)
	}
	if !strings.Contains(outcome.Run.Error, backend.KindBackendStartFailure) {
		t.Fatalf("run error: got %q", outcome.Run.Error)
	}
	if ensure, _ := stub.counts(); ensure != 2 {
		t.Fatalf("ensure calls: got %d want 2", ensure)
	}
}

func TestRunLoopStopAfterRuns(t *testing.T) {
	ctx := context.Background()
	var firstPath string
	stub := newScriptedBackend(func(ctx context.Context, opts backend.TurnOptions, s *backend.TurnStream) {
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventStarted, BackendID: "codex"})
		if _, err := ticket.MarkDone(firstPath); err != nil {
			t.Errorf("MarkDone: %v", err)
		}
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventCompleted, TicketsTouched: []string{"TICKET-001"}})
	})

	cfg := config.Defaults()
	cfg.Flow.StopAfterRuns = 1

	eng, root := newEngineFixture(t, cfg, stub)
	firstPath = writeTicketFile(t, root, "TICKET-001.md", false, "First.")
	writeTicketFile(t, root, "TICKET-002.md", false, "Second, never reached.")

	res, err := eng.Start(ctx, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := eng.RunLoop(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("RunLoop: %v", err)
	}
	if run.Status != flowstore.StatusStopped {
		t.Fatalf("status: got %q", run.Status)
	}
	if _, turns := stub.counts(); turns != 1 {
		t.Fatalf("turns: got %d want 1", turns)
	}

	evs, err := eng.Store().GetEvents(ctx, run.ID, 0, []string{EventFlowStopped})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("flow_stopped count: got %d", len(evs))
	}
	reason, _ := evs[0].Data["reason"].(string)
	if !strings.Contains(reason, "stop_after_runs") {
		t.Fatalf("stop reason: got %q", reason)
	}
}

func TestMaxTurnsPerRunStopsRun(t *testing.T) {
	ctx := context.Background()
	stub := newScriptedBackend(func(ctx context.Context, opts backend.TurnOptions, s *backend.TurnStream) {
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventStarted, BackendID: "codex"})
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventCompleted})
	})

	cfg := config.Defaults()
	cfg.Flow.MaxTurnsPerRun = 1

	eng, root := newEngineFixture(t, cfg, stub)
	writeTicketFile(t, root, "TICKET-001.md", false, "Never closed by the agent.")

	res, err := eng.Start(ctx, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run, err := eng.RunLoop(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("RunLoop: %v", err)
	}
	if run.Status != flowstore.StatusStopped {
		t.Fatalf("status: got %q", run.Status)
	}
	evs, err := eng.Store().GetEvents(ctx, run.ID, 0, []string{EventFlowStopped})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("flow_stopped count: got %d", len(evs))
	}
	reason, _ := evs[0].Data["reason"].(string)
	if !strings.Contains(reason, "max_turns_per_run") {
		t.Fatalf("stop reason: got %q", reason)
	}
}

func TestStopWithoutLiveLockAcknowledgesDirectly(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngineFixture(t, nil, newScriptedBackend())

	res, err := eng.Start(ctx, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Stop(ctx, res.Run.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	run, err := eng.Store().GetRun(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != flowstore.StatusStopped {
		t.Fatalf("status: got %q", run.Status)
	}
	if countType(eventTypes(t, eng, run.ID), EventFlowStopped) != 1 {
		t.Fatal("flow_stopped not appended")
	}

	if err := eng.Stop(ctx, res.Run.ID); !errors.Is(err, flowstore.ErrIllegalTransition) {
		t.Fatalf("stop on terminal run: got %v", err)
	}
}

func TestStopCancelsInFlightTurn(t *testing.T) {
	ctx := context.Background()
	sendErr := make(chan error, 1)
	stub := newScriptedBackend(func(ctx context.Context, opts backend.TurnOptions, s *backend.TurnStream) {
		_ = s.Send(ctx, backend.RunEvent{Type: backend.EventStarted, BackendID: "codex"})
		for {
			if err := s.Send(ctx, backend.RunEvent{Type: backend.EventDelta, Text: "tick"}); err != nil {
				sendErr <- err
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
	eng, root := newEngineFixture(t, nil, stub)
	writeTicketFile(t, root, "TICKET-001.md", false, "Endless turn.")

	stepDone := make(chan error, 1)
	go func() {
		_, err := eng.Step(ctx)
		stepDone <- err
	}()

	var run *flowstore.Run
	deadline := time.Now().Add(5 * time.Second)
	for run == nil && time.Now().Before(deadline) {
		if r, err := eng.ActiveRun(ctx); err == nil {
			run = r
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if run == nil {
		t.Fatal("no active run appeared")
	}
	waitForEventType(t, eng, run.ID, EventAgentStarted)

	if err := eng.Stop(ctx, run.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-stepDone; err != nil {
		t.Fatalf("step: %v", err)
	}

	select {
	case err := <-sendErr:
		if !errors.Is(err, backend.ErrStreamClosed) {
			t.Fatalf("producer error: got %v want %v", err, backend.ErrStreamClosed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("producer never observed the closed stream")
	}

	final, err := eng.Store().GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if final.Status != flowstore.StatusStopped {
		t.Fatalf("status: got %q want %q", final.Status, flowstore.StatusStopped)
	}
	if countType(eventTypes(t, eng, run.ID), EventFlowFailed) != 0 {
		t.Fatal("cancelled turn was misclassified as a failure")
	}
}

func TestResumeGuards(t *testing.T) {
	ctx := context.Background()
	eng, root := newEngineFixture(t, nil, newScriptedBackend())

	res, err := eng.Start(ctx, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := eng.Resume(ctx, res.Run.ID); !errors.Is(err, flowstore.ErrIllegalTransition) {
		t.Fatalf("resume on pending run: got %v", err)
	}

	if err := eng.Store().SetRunStatus(ctx, res.Run.ID, flowstore.StatusRunning, nil); err != nil {
		t.Fatalf("SetRunStatus: %v", err)
	}
	if err := eng.Store().SetRunStatus(ctx, res.Run.ID, flowstore.StatusPaused, nil); err != nil {
		t.Fatalf("SetRunStatus: %v", err)
	}
	if err := lockfile.WriteForeign(stateroot.LockPath(root), lockfile.Info{
		PID:   os.Getpid(),
		Owner: "other-engine",
	}); err != nil {
		t.Fatalf("WriteForeign: %v", err)
	}
	_, err = eng.Resume(ctx, res.Run.ID)
	var se *StepError
	if !errors.As(err, &se) || se.Kind != backend.KindLockedAlive {
		t.Fatalf("resume under live lock: got %v", err)
	}
}

func TestStartRefusesForceNewUnderLiveForeignLock(t *testing.T) {
	ctx := context.Background()
	eng, root := newEngineFixture(t, nil, newScriptedBackend())

	if _, err := eng.Start(ctx, false); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A live process that is not us.
	sleeper := exec.Command("sleep", "60")
	if err := sleeper.Start(); err != nil {
		t.Fatalf("starting sleeper: %v", err)
	}
	t.Cleanup(func() {
		_ = sleeper.Process.Kill()
		_, _ = sleeper.Process.Wait()
	})
	foreign := lockfile.Info{PID: sleeper.Process.Pid, Owner: "other-engine"}
	if err := lockfile.WriteForeign(stateroot.LockPath(root), foreign); err != nil {
		t.Fatalf("WriteForeign: %v", err)
	}

	_, err := eng.Start(ctx, true)
	var se *StepError
	if !errors.As(err, &se) || se.Kind != backend.KindLockedAlive {
		t.Fatalf("force_new under live lock: got %v", err)
	}
}
