package hub

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/codex-autorunner/car/internal/flowstore"
	"github.com/codex-autorunner/car/internal/fsutil"
	"github.com/codex-autorunner/car/internal/lockfile"
	"github.com/codex-autorunner/car/internal/stateroot"
)

// RepoStatus is the coarse headline state of one managed repo.
type RepoStatus string

const (
	StatusUninitialized RepoStatus = "UNINITIALIZED"
	StatusInitializing  RepoStatus = "INITIALIZING"
	StatusIdle          RepoStatus = "IDLE"
	StatusRunning       RepoStatus = "RUNNING"
	StatusLocked        RepoStatus = "LOCKED"
	StatusPaused        RepoStatus = "PAUSED"
	StatusError         RepoStatus = "ERROR"
	StatusInitError     RepoStatus = "INIT_ERROR"
	StatusMissing       RepoStatus = "MISSING"
)

// LockState is the repo lock as seen against the OS process table.
type LockState string

const (
	LockUnlocked LockState = "UNLOCKED"
	LockAlive    LockState = "LOCKED_ALIVE"
	LockStale    LockState = "LOCKED_STALE"
)

func lockStateOf(s lockfile.Status) LockState {
	switch s {
	case lockfile.LockedAlive:
		return LockAlive
	case lockfile.LockedStale:
		return LockStale
	default:
		return LockUnlocked
	}
}

// RepoSnapshot is one repo's row in the hub state snapshot.
type RepoSnapshot struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Path    string     `json:"path"`
	Kind    RepoKind   `json:"kind"`
	Enabled bool       `json:"enabled"`
	AutoRun bool       `json:"auto_run"`
	Status  RepoStatus `json:"status"`
	Lock    LockState  `json:"lock"`

	ActiveRunID     string `json:"active_run_id,omitempty"`
	ActiveRunStatus string `json:"active_run_status,omitempty"`
	Error           string `json:"error,omitempty"`
}

// HubState is the durable snapshot written to hub_state.json after every
// scan and list so read surfaces stay cheap.
type HubState struct {
	ScannedAt time.Time      `json:"scanned_at"`
	Repos     []RepoSnapshot `json:"repos"`
}

// Snapshot derives the per-repo status table and writes it atomically to
// hub_state.json. Rows come back in manifest order.
func (h *Hub) Snapshot(ctx context.Context) (*HubState, error) {
	entries := h.Repos()
	state := &HubState{
		ScannedAt: time.Now().UTC(),
		Repos:     make([]RepoSnapshot, 0, len(entries)),
	}
	for i := range entries {
		state.Repos = append(state.Repos, h.snapshotRepo(ctx, &entries[i]))
	}
	if err := fsutil.WriteJSONAtomic(stateroot.HubStatePath(h.root), state); err != nil {
		return nil, err
	}
	return state, nil
}

// LoadHubState reads the last written snapshot.
func LoadHubState(hubRoot string) (*HubState, error) {
	var state HubState
	if err := fsutil.ReadJSONFile(stateroot.HubStatePath(hubRoot), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (h *Hub) snapshotRepo(ctx context.Context, e *RepoEntry) RepoSnapshot {
	snap := RepoSnapshot{
		ID:      e.ID,
		Name:    e.DisplayName(),
		Path:    e.Path,
		Kind:    e.Kind,
		Enabled: e.Enabled,
		AutoRun: e.AutoRun,
		Lock:    LockUnlocked,
	}
	if snap.Kind == "" {
		snap.Kind = KindBase
	}

	repoRoot := h.repoPath(e)
	if _, err := os.Stat(repoRoot); os.IsNotExist(err) {
		snap.Status = StatusMissing
		return snap
	}

	h.mu.Lock()
	initing := h.initing[e.ID]
	initErr := h.initErr[e.ID]
	h.mu.Unlock()
	if initing {
		snap.Status = StatusInitializing
		return snap
	}
	if initErr != "" {
		snap.Status = StatusInitError
		snap.Error = initErr
		return snap
	}
	if !IsInitialized(repoRoot) {
		snap.Status = StatusUninitialized
		return snap
	}

	lockStatus, _, err := lockfile.Inspect(stateroot.LockPath(repoRoot))
	if err != nil {
		snap.Status = StatusError
		snap.Error = err.Error()
		return snap
	}
	snap.Lock = lockStateOf(lockStatus)

	run, err := h.activeRunOf(ctx, e.ID, repoRoot)
	if err != nil {
		snap.Status = StatusError
		snap.Error = err.Error()
		return snap
	}
	if run != nil {
		snap.ActiveRunID = run.ID
		snap.ActiveRunStatus = string(run.Status)
	}

	switch {
	case h.isDriving(e.ID):
		snap.Status = StatusRunning
	case snap.Lock == LockAlive:
		if run != nil && (run.Status == flowstore.StatusRunning || run.Status == flowstore.StatusPending) {
			snap.Status = StatusRunning
		} else {
			// Lock held but the store shows nothing active; whoever holds
			// it is not running a flow we can see.
			snap.Status = StatusLocked
		}
	case run == nil:
		snap.Status = StatusIdle
	case run.Status == flowstore.StatusPaused:
		snap.Status = StatusPaused
	case run.Status == flowstore.StatusRunning:
		snap.Status = StatusError
		snap.Error = "active run has no live lock owner"
	default:
		// A pending run with no driver yet; the repo is idle until one
		// picks it up.
		snap.Status = StatusIdle
	}
	return snap
}

// activeRunOf reads the repo's active run, reusing the cached engine's
// store when one is open and otherwise opening the flow store directly.
func (h *Hub) activeRunOf(ctx context.Context, id, repoRoot string) (*flowstore.Run, error) {
	h.mu.Lock()
	eng, ok := h.engines[id]
	h.mu.Unlock()

	var store *flowstore.Store
	if ok {
		store = eng.Store()
	} else {
		opened, err := flowstore.Open(stateroot.FlowDBPath(repoRoot))
		if err != nil {
			return nil, err
		}
		defer func() { _ = opened.Close() }()
		store = opened
	}

	run, err := store.ActiveRun(ctx, flowstore.FlowTypeTicket)
	if errors.Is(err, flowstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}
