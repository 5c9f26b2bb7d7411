// Package lockfile implements the filesystem mutual-exclusion files that
// enforce single-writer-per-repo and single-hub-per-root. A lock carries the
// owner PID and its kernel start time so a reused PID is never mistaken for a
// live owner.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/codex-autorunner/car/internal/fsutil"
	"github.com/codex-autorunner/car/internal/procutil"
)

// Status describes a lock file as observed on disk.
type Status string

const (
	Unlocked    Status = "unlocked"
	LockedAlive Status = "locked_alive"
	LockedStale Status = "locked_stale"
)

// ErrHeld is returned when a live process owns the lock.
var ErrHeld = errors.New("lock held by live process")

// Info is the JSON payload of a lock file.
type Info struct {
	PID        int       `json:"pid"`
	StartTime  uint64    `json:"start_time,omitempty"`
	Owner      string    `json:"owner,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held lock. Release removes it only if this process still owns it.
type Lock struct {
	path string
	info Info
}

func (l *Lock) Path() string { return l.path }
func (l *Lock) Info() Info   { return l.info }

// Inspect classifies the lock file at path. A lock is stale when its PID is
// absent from the process table, when the recorded start time no longer
// matches the live process (PID reuse), or when the file cannot be parsed.
func Inspect(path string) (Status, *Info, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Unlocked, nil, nil
		}
		return Unlocked, nil, err
	}
	var info Info
	if err := json.Unmarshal(b, &info); err != nil {
		return LockedStale, nil, nil
	}
	if !procutil.PIDAlive(info.PID) {
		return LockedStale, &info, nil
	}
	if info.StartTime != 0 {
		start, err := procutil.ReadPIDStartTime(info.PID)
		if err != nil || start != info.StartTime {
			return LockedStale, &info, nil
		}
	}
	return LockedAlive, &info, nil
}

// Acquire creates the lock file exclusively. When a live owner holds it the
// error wraps ErrHeld; a stale lock is reported as an error too — callers that
// are allowed to recover use AcquireWithRecovery.
func Acquire(path, owner string) (*Lock, error) {
	info := Info{
		PID:        os.Getpid(),
		StartTime:  procutil.SelfStartTime(),
		Owner:      owner,
		AcquiredAt: time.Now().UTC(),
	}
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			status, held, _ := Inspect(path)
			switch status {
			case LockedAlive:
				return nil, fmt.Errorf("%w: pid %d since %s", ErrHeld, held.PID, held.AcquiredAt.Format(time.RFC3339))
			case LockedStale:
				pid := 0
				if held != nil {
					pid = held.PID
				}
				return nil, fmt.Errorf("stale lock at %s (pid %d is gone)", path, pid)
			default:
				// Raced with a release; let the caller retry.
				return nil, fmt.Errorf("lock %s contended: %w", path, err)
			}
		}
		return nil, err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &Lock{path: path, info: info}, nil
}

// AcquireWithRecovery acquires the lock, reclaiming it when the recorded
// owner is dead. The second return reports whether a stale lock was replaced.
// Two racing reclaimers both remove the stale file, but only one wins the
// exclusive create; the loser re-observes a live owner and returns ErrHeld.
func AcquireWithRecovery(path, owner string) (*Lock, bool, error) {
	recovered := false
	for attempt := 0; attempt < 3; attempt++ {
		l, err := Acquire(path, owner)
		if err == nil {
			return l, recovered, nil
		}
		if errors.Is(err, ErrHeld) {
			return nil, false, err
		}
		status, _, ierr := Inspect(path)
		if ierr != nil {
			return nil, false, ierr
		}
		switch status {
		case LockedStale:
			if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				return nil, false, fmt.Errorf("clear stale lock %s: %w", path, rerr)
			}
			recovered = true
		case LockedAlive:
			return nil, false, fmt.Errorf("%w: %s", ErrHeld, path)
		case Unlocked:
			// Released between attempts; retry the exclusive create.
		}
	}
	return nil, false, fmt.Errorf("lock %s contended", path)
}

// Release removes the lock if this process still owns it. Releasing a lock
// that was already replaced by another owner is a no-op.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	b, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var cur Info
	if err := json.Unmarshal(b, &cur); err == nil {
		if cur.PID != l.info.PID || cur.StartTime != l.info.StartTime {
			return nil
		}
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WriteForeign writes a lock file owned by an arbitrary PID. Intended for
// tests and for hub tooling that must represent another process's lock.
func WriteForeign(path string, info Info) error {
	if info.AcquiredAt.IsZero() {
		info.AcquiredAt = time.Now().UTC()
	}
	return fsutil.WriteJSONAtomic(path, info)
}
