package flowstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "flows.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateRunStartsPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, FlowTypeTicket, map[string]any{"ticket_engine": map[string]any{"ticket_turns": float64(0)}})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != StatusPending {
		t.Fatalf("status: got %s want pending", run.Status)
	}
	if run.ID == "" {
		t.Fatal("run id empty")
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != StatusPending || got.FlowType != FlowTypeTicket {
		t.Fatalf("round trip: %+v", got)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Fatal("pending run should have no started/finished timestamps")
	}
}

func TestStatusTransitionsStampTimestamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, err := s.CreateRun(ctx, "", nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := s.SetRunStatus(ctx, run.ID, StatusRunning, nil); err != nil {
		t.Fatalf("to running: %v", err)
	}
	got, _ := s.GetRun(ctx, run.ID)
	if got.StartedAt == nil {
		t.Fatal("running run should have started_at")
	}
	started := *got.StartedAt

	if err := s.SetRunStatus(ctx, run.ID, StatusPaused, nil); err != nil {
		t.Fatalf("to paused: %v", err)
	}
	if err := s.SetRunStatus(ctx, run.ID, StatusRunning, nil); err != nil {
		t.Fatalf("back to running: %v", err)
	}
	got, _ = s.GetRun(ctx, run.ID)
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("started_at changed on re-entry: got %v want %v", got.StartedAt, started)
	}

	if err := s.SetRunStatus(ctx, run.ID, StatusCompleted, nil); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	got, _ = s.GetRun(ctx, run.ID)
	if got.FinishedAt == nil {
		t.Fatal("terminal run should have finished_at")
	}
}

func TestTerminalRunsAreFrozen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, _ := s.CreateRun(ctx, "", nil)
	if err := s.SetRunStatus(ctx, run.ID, StatusStopped, nil); err != nil {
		t.Fatalf("to stopped: %v", err)
	}

	err := s.SetRunStatus(ctx, run.ID, StatusRunning, nil)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("transition on terminal run: got %v want ErrIllegalTransition", err)
	}

	_, err = s.AppendEvent(ctx, run.ID, "agent_stream_delta", "", nil)
	if !errors.Is(err, ErrRunTerminal) {
		t.Fatalf("append on terminal run: got %v want ErrRunTerminal", err)
	}

	err = s.PatchState(ctx, run.ID, map[string]any{"x": 1})
	if !errors.Is(err, ErrRunTerminal) {
		t.Fatalf("patch on terminal run: got %v want ErrRunTerminal", err)
	}
}

func TestAppendEventSeqStrictlyIncreases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a, _ := s.CreateRun(ctx, "", nil)
	b, _ := s.CreateRun(ctx, "", nil)

	var last int64
	for i := 0; i < 5; i++ {
		runID := a.ID
		if i%2 == 1 {
			runID = b.ID
		}
		seq, err := s.AppendEvent(ctx, runID, "agent_stream_delta", "step-1", map[string]any{"i": i})
		if err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
		if seq <= last {
			t.Fatalf("seq not strictly increasing: got %d after %d", seq, last)
		}
		last = seq
	}

	events, err := s.GetEvents(ctx, a.ID, 0, nil)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events for run a: got %d want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("events out of order: %d then %d", events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestGetEventsAfterSeqAndTypes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, _ := s.CreateRun(ctx, "", nil)

	seq1, _ := s.AppendEvent(ctx, run.ID, "flow_started", "", nil)
	s.AppendEvent(ctx, run.ID, "agent_stream_delta", "", map[string]any{"text": "hi"})
	s.AppendEvent(ctx, run.ID, "tool_call", "", map[string]any{"name": "bash"})

	after, err := s.GetEvents(ctx, run.ID, seq1, nil)
	if err != nil {
		t.Fatalf("GetEvents after: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("after seq %d: got %d events want 2", seq1, len(after))
	}

	typed, err := s.GetEvents(ctx, run.ID, 0, []string{"tool_call"})
	if err != nil {
		t.Fatalf("GetEvents typed: %v", err)
	}
	if len(typed) != 1 || typed[0].Type != "tool_call" {
		t.Fatalf("typed filter: got %+v", typed)
	}
	if typed[0].Data["name"] != "bash" {
		t.Fatalf("data round trip: got %v", typed[0].Data)
	}
}

func TestPatchStateMergesRecursively(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, _ := s.CreateRun(ctx, "", map[string]any{
		"ticket_engine": map[string]any{"current_ticket": "TICKET-001", "ticket_turns": float64(1)},
	})

	err := s.PatchState(ctx, run.ID, map[string]any{
		"ticket_engine": map[string]any{"ticket_turns": float64(2)},
	})
	if err != nil {
		t.Fatalf("PatchState: %v", err)
	}
	got, _ := s.GetRun(ctx, run.ID)
	te, ok := got.State["ticket_engine"].(map[string]any)
	if !ok {
		t.Fatalf("ticket_engine missing: %v", got.State)
	}
	if te["current_ticket"] != "TICKET-001" {
		t.Fatalf("sibling key lost: %v", te)
	}
	if te["ticket_turns"] != float64(2) {
		t.Fatalf("patched key: got %v want 2", te["ticket_turns"])
	}
}

func TestStopRequestRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, _ := s.CreateRun(ctx, "", nil)

	if err := s.RequestStop(ctx, run.ID); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	got, _ := s.GetRun(ctx, run.ID)
	if !got.StopRequested() {
		t.Fatal("stop flag not visible")
	}
	if err := s.ClearStop(ctx, run.ID); err != nil {
		t.Fatalf("ClearStop: %v", err)
	}
	got, _ = s.GetRun(ctx, run.ID)
	if got.StopRequested() {
		t.Fatal("stop flag should be cleared")
	}
}

func TestActiveRunSkipsTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.ActiveRun(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store: got %v want ErrNotFound", err)
	}

	old, _ := s.CreateRun(ctx, "", nil)
	if err := s.SetRunStatus(ctx, old.ID, StatusCompleted, nil); err != nil {
		t.Fatalf("complete old: %v", err)
	}
	cur, _ := s.CreateRun(ctx, "", nil)

	active, err := s.ActiveRun(ctx, "")
	if err != nil {
		t.Fatalf("ActiveRun: %v", err)
	}
	if active.ID != cur.ID {
		t.Fatalf("active: got %s want %s", active.ID, cur.ID)
	}
}

func TestListRunsNewestFirstWithFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, _ := s.CreateRun(ctx, "", nil)
	second, _ := s.CreateRun(ctx, "", nil)
	s.SetRunStatus(ctx, first.ID, StatusFailed, nil)

	all, err := s.ListRuns(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 2 || all[0].ID != second.ID {
		t.Fatalf("newest first: got %v", runIDs(all))
	}

	failed, err := s.ListRuns(ctx, Filter{Statuses: []RunStatus{StatusFailed}})
	if err != nil {
		t.Fatalf("ListRuns filtered: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != first.ID {
		t.Fatalf("status filter: got %v", runIDs(failed))
	}

	limited, err := s.ListRuns(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit: got %d want 1", len(limited))
	}
}

func TestFailRunRecordsError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, _ := s.CreateRun(ctx, "", nil)

	if err := s.FailRun(ctx, run.ID, "backend exploded", map[string]any{"ticket_engine": map[string]any{"reason": "TurnCrash"}}); err != nil {
		t.Fatalf("FailRun: %v", err)
	}
	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != StatusFailed || got.Error != "backend exploded" {
		t.Fatalf("failed run: status=%s error=%q", got.Status, got.Error)
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run, _ := s.CreateRun(ctx, "", nil)

	if err := s.RecordArtifact(ctx, run.ID, "run_log", "/tmp/run.log", map[string]any{"bytes": float64(12)}); err != nil {
		t.Fatalf("RecordArtifact: %v", err)
	}
	arts, err := s.GetArtifacts(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetArtifacts: %v", err)
	}
	if len(arts) != 1 || arts[0].Kind != "run_log" || arts[0].Path != "/tmp/run.log" {
		t.Fatalf("artifact: %+v", arts)
	}
}

func TestReopenPreservesSeq(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flows.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	run, _ := s.CreateRun(ctx, "", nil)
	seq1, _ := s.AppendEvent(ctx, run.ID, "flow_started", "", nil)
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	seq2, err := s2.AppendEvent(ctx, run.ID, "step_started", "", nil)
	if err != nil {
		t.Fatalf("AppendEvent after reopen: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("seq regressed across reopen: %d then %d", seq1, seq2)
	}
}

func runIDs(runs []*Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
