package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/codex-autorunner/car/internal/flowstore"
	"github.com/codex-autorunner/car/internal/stateroot"
	"github.com/codex-autorunner/car/internal/ticket"
)

// ArchiveResult reports what Archive moved and recorded.
type ArchiveResult struct {
	RunID     string
	Tickets   []string
	Artifacts int
}

// Archive moves every done ticket into the run's artifact directory and
// records artifact rows (with content hashes) for the moved tickets and the
// run's logs. Only terminal runs can be archived; their event timeline is
// frozen, so Archive appends no events. Idempotent: already-recorded paths
// are skipped.
func (e *Engine) Archive(ctx context.Context, runID string) (*ArchiveResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.IsTerminal() {
		return nil, fmt.Errorf("run %s is %s; only terminal runs can be archived: %w",
			runID, run.Status, flowstore.ErrIllegalTransition)
	}

	existing, err := e.store.GetArtifacts(ctx, runID)
	if err != nil {
		return nil, err
	}
	recorded := map[string]bool{}
	for _, a := range existing {
		recorded[a.Path] = true
	}

	res := &ArchiveResult{RunID: runID}
	runDir := stateroot.RunDir(e.root, runID)
	destDir := filepath.Join(runDir, "tickets")

	tickets, _, err := ticket.List(stateroot.TicketsDir(e.root))
	if err != nil {
		return nil, fmt.Errorf("listing tickets: %w", err)
	}
	for _, t := range tickets {
		if !t.Done {
			continue
		}
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating archive dir: %w", err)
		}
		dest := filepath.Join(destDir, filepath.Base(t.Path))
		if err := os.Rename(t.Path, dest); err != nil {
			return nil, fmt.Errorf("archiving %s: %w", t.Name(), err)
		}
		res.Tickets = append(res.Tickets, t.Name())
		if recorded[dest] {
			continue
		}
		if err := e.recordFileArtifact(ctx, runID, "ticket", dest, map[string]any{
			"ticket": t.Name(),
		}); err != nil {
			return nil, err
		}
		recorded[dest] = true
		res.Artifacts++
	}

	logs := []struct{ kind, name string }{
		{"run_log", "run.log"},
		{"agent_log", "agent.jsonl"},
	}
	for _, l := range logs {
		path := filepath.Join(runDir, l.name)
		if recorded[path] {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		if err := e.recordFileArtifact(ctx, runID, l.kind, path, nil); err != nil {
			return nil, err
		}
		recorded[path] = true
		res.Artifacts++
	}

	e.log.WithField("run_id", runID).WithField("tickets", len(res.Tickets)).Info("run archived")
	return res, nil
}

// recordFileArtifact hashes the file and writes one artifact row.
func (e *Engine) recordFileArtifact(ctx context.Context, runID, kind, path string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	if b, err := os.ReadFile(path); err == nil {
		sum := blake3.Sum256(b)
		meta["blake3"] = hex.EncodeToString(sum[:])
		meta["bytes"] = len(b)
	}
	if err := e.store.RecordArtifact(ctx, runID, kind, path, meta); err != nil {
		return fmt.Errorf("recording %s artifact: %w", kind, err)
	}
	return nil
}
