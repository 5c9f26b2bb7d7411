package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/codex-autorunner/car/internal/flowstore"
	"github.com/codex-autorunner/car/internal/stateroot"
)

// followInterval is the poll period for --follow. The store is the read
// path; there is no file tailing.
const followInterval = 500 * time.Millisecond

func cmdEvents(ctx context.Context, args []string) error {
	var (
		runID    string
		afterStr string
		typesCSV string
		follow   bool
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			if err := flagValue(args, &i, "--run", &runID); err != nil {
				return err
			}
		case "--after":
			if err := flagValue(args, &i, "--after", &afterStr); err != nil {
				return err
			}
		case "--types":
			if err := flagValue(args, &i, "--types", &typesCSV); err != nil {
				return err
			}
		case "--follow":
			follow = true
		default:
			return fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	if runID == "" {
		return errors.New("events requires --run <id>")
	}
	afterSeq := int64(0)
	if afterStr != "" {
		n, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil {
			return fmt.Errorf("--after must be an integer: %v", err)
		}
		afterSeq = n
	}
	types := splitCSV(typesCSV)

	wctx, err := repoContext()
	if err != nil {
		return err
	}
	store, err := flowstore.Open(stateroot.FlowDBPath(wctx.Root))
	if err != nil {
		return fmt.Errorf("opening flow store: %w", err)
	}
	defer store.Close()

	if _, err := store.GetRun(ctx, runID); errors.Is(err, flowstore.ErrNotFound) {
		// Pre-store runs live in legacy numeric run-log directories; those
		// stay readable but are never written.
		return printLegacyEvents(os.Stdout, wctx.Root, runID, afterSeq, types)
	} else if err != nil {
		return err
	}

	for {
		events, err := store.GetEvents(ctx, runID, afterSeq, types)
		if err != nil {
			return err
		}
		for _, ev := range events {
			printEvent(os.Stdout, ev)
			afterSeq = ev.Seq
		}
		if !follow {
			return nil
		}
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(followInterval):
		}
	}
}

// printEvent writes one event as a single NDJSON line.
func printEvent(w io.Writer, ev flowstore.Event) {
	line := map[string]any{
		"seq":        ev.Seq,
		"run_id":     ev.RunID,
		"event_type": ev.Type,
		"timestamp":  ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if ev.StepID != "" {
		line["step_id"] = ev.StepID
	}
	if len(ev.Data) > 0 {
		line["data"] = ev.Data
	}
	b, err := json.Marshal(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "car: encoding event %d: %v\n", ev.Seq, err)
		return
	}
	fmt.Fprintln(w, string(b))
}

// legacyEvent is one line of a pre-store runs/<n>/events.ndjson file.
type legacyEvent struct {
	Seq       int64          `json:"seq"`
	Type      string         `json:"event_type"`
	StepID    string         `json:"step_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// printLegacyEvents reads a numeric legacy run-log directory. Compatibility
// read path only; nothing ever writes here.
func printLegacyEvents(w io.Writer, repoRoot, runID string, afterSeq int64, types []string) error {
	if _, err := strconv.Atoi(runID); err != nil {
		return fmt.Errorf("run %s: %w", runID, flowstore.ErrNotFound)
	}
	path := filepath.Join(stateroot.RunsDir(repoRoot), runID, "events.ndjson")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("run %s: %w", runID, flowstore.ErrNotFound)
		}
		return err
	}
	defer f.Close()

	wanted := map[string]bool{}
	for _, t := range types {
		wanted[t] = true
	}

	events := []legacyEvent{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev legacyEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Damaged tail lines are skipped rather than failing the replay.
			continue
		}
		if ev.Seq <= afterSeq {
			continue
		}
		if len(wanted) > 0 && !wanted[ev.Type] {
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	for _, ev := range events {
		line := map[string]any{
			"seq":        ev.Seq,
			"run_id":     runID,
			"event_type": ev.Type,
		}
		if ev.StepID != "" {
			line["step_id"] = ev.StepID
		}
		if ev.Timestamp != "" {
			line["timestamp"] = ev.Timestamp
		}
		if len(ev.Data) > 0 {
			line["data"] = ev.Data
		}
		b, err := json.Marshal(line)
		if err != nil {
			continue
		}
		fmt.Fprintln(w, string(b))
	}
	return nil
}

// splitCSV splits a comma-separated flag value, dropping empty entries.
func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
