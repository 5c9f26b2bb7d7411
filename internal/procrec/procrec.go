// Package procrec maintains durable JSON records for every long-lived
// subprocess the orchestrator spawns. Records live under
// <state_root>/processes/<kind>/ with two key files per process: one keyed
// by workspace id, one by pid. Both are written atomically and removed only
// after the process has been reaped.
package procrec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/codex-autorunner/car/internal/fsutil"
	"github.com/codex-autorunner/car/internal/procutil"
)

// Record describes one managed subprocess.
type Record struct {
	Kind        string            `json:"kind"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	PID         int               `json:"pid"`
	PGID        int               `json:"pgid,omitempty"`
	BaseURL     string            `json:"base_url,omitempty"`
	Command     []string          `json:"command"`
	OwnerPID    int               `json:"owner_pid"`
	StartedAt   time.Time         `json:"started_at"`
	StartTime   uint64            `json:"start_time,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Alive reports whether the recorded process still exists and, when the
// record carries a process start time, whether the pid has been reused.
func (r *Record) Alive() bool {
	if r.PID <= 0 || !procutil.PIDAlive(r.PID) {
		return false
	}
	if r.StartTime == 0 {
		return true
	}
	st, err := procutil.ReadPIDStartTime(r.PID)
	if err != nil {
		// procfs unavailable; the liveness probe already passed.
		return true
	}
	return st == r.StartTime
}

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("process record not found")

// Registry reads and writes records under a processes root directory.
type Registry struct {
	root string
}

// NewRegistry returns a registry rooted at <stateRoot>/processes.
func NewRegistry(processesRoot string) *Registry {
	return &Registry{root: processesRoot}
}

// Root returns the registry's directory.
func (g *Registry) Root() string { return g.root }

func (g *Registry) workspacePath(kind, workspaceID string) string {
	return filepath.Join(g.root, kind, sanitizeKey(workspaceID)+".json")
}

func (g *Registry) pidPath(kind string, pid int) string {
	return filepath.Join(g.root, kind, strconv.Itoa(pid)+".json")
}

// Write persists both key files for the record.
func (g *Registry) Write(rec *Record) error {
	if rec.Kind == "" {
		return fmt.Errorf("process record kind is required")
	}
	if rec.PID <= 0 {
		return fmt.Errorf("process record pid is required")
	}
	if err := os.MkdirAll(filepath.Join(g.root, rec.Kind), 0o755); err != nil {
		return fmt.Errorf("creating process record dir: %w", err)
	}
	if err := fsutil.WriteJSONAtomic(g.pidPath(rec.Kind, rec.PID), rec); err != nil {
		return fmt.Errorf("writing pid record: %w", err)
	}
	if rec.WorkspaceID != "" {
		if err := fsutil.WriteJSONAtomic(g.workspacePath(rec.Kind, rec.WorkspaceID), rec); err != nil {
			return fmt.Errorf("writing workspace record: %w", err)
		}
	}
	return nil
}

// Remove deletes both key files. Call only after the process was reaped.
func (g *Registry) Remove(rec *Record) error {
	paths := []string{g.pidPath(rec.Kind, rec.PID)}
	if rec.WorkspaceID != "" {
		paths = append(paths, g.workspacePath(rec.Kind, rec.WorkspaceID))
	}
	var firstErr error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadByWorkspace loads the record keyed by workspace id.
func (g *Registry) ReadByWorkspace(kind, workspaceID string) (*Record, error) {
	return readRecord(g.workspacePath(kind, workspaceID))
}

// ReadByPID loads the record keyed by pid.
func (g *Registry) ReadByPID(kind string, pid int) (*Record, error) {
	return readRecord(g.pidPath(kind, pid))
}

func readRecord(path string) (*Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parsing process record %s: %w", path, err)
	}
	return &rec, nil
}

// List returns every record of the given kind, deduplicated by pid and
// sorted by pid. Empty kind lists all kinds.
func (g *Registry) List(kind string) ([]*Record, error) {
	var kinds []string
	if kind != "" {
		kinds = []string{kind}
	} else {
		entries, err := os.ReadDir(g.root)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				kinds = append(kinds, e.Name())
			}
		}
	}
	seen := map[string]*Record{}
	for _, k := range kinds {
		entries, err := os.ReadDir(filepath.Join(g.root, k))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			rec, err := readRecord(filepath.Join(g.root, k, e.Name()))
			if err != nil {
				continue
			}
			seen[fmt.Sprintf("%s/%d", rec.Kind, rec.PID)] = rec
		}
	}
	out := make([]*Record, 0, len(seen))
	for _, rec := range seen {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].PID < out[j].PID
	})
	return out, nil
}

// SweepStale removes records whose process is gone. Returns the removed
// records.
func (g *Registry) SweepStale(kind string) ([]*Record, error) {
	recs, err := g.List(kind)
	if err != nil {
		return nil, err
	}
	var removed []*Record
	for _, rec := range recs {
		if rec.Alive() {
			continue
		}
		if err := g.Remove(rec); err != nil {
			return removed, err
		}
		removed = append(removed, rec)
	}
	return removed, nil
}

// Count returns how many live records of the given kind exist.
func (g *Registry) Count(kind string) (int, error) {
	recs, err := g.List(kind)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// sanitizeKey makes a workspace id safe as a file name component.
func sanitizeKey(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
