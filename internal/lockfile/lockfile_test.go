package lockfile

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

func deadPID(t *testing.T) int {
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

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	l, err := Acquire(path, "engine")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	status, info, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if status != LockedAlive {
		t.Fatalf("status: got %q want %q", status, LockedAlive)
	}
	if info.PID != os.Getpid() {
		t.Fatalf("pid: got %d want %d", info.PID, os.Getpid())
	}
	if info.Owner != "engine" {
		t.Fatalf("owner: got %q want %q", info.Owner, "engine")
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	status, _, err = Inspect(path)
	if err != nil {
		t.Fatalf("Inspect after release: %v", err)
	}
	if status != Unlocked {
		t.Fatalf("status after release: got %q want %q", status, Unlocked)
	}
}

func TestAcquireRefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	l, err := Acquire(path, "engine")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = l.Release() }()

	if _, err := Acquire(path, "engine"); !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire: got %v want ErrHeld", err)
	}
	if _, _, err := AcquireWithRecovery(path, "engine"); !errors.Is(err, ErrHeld) {
		t.Fatalf("AcquireWithRecovery on live lock: got %v want ErrHeld", err)
	}
}

func TestStaleLockRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	if err := WriteForeign(path, Info{PID: deadPID(t), Owner: "engine"}); err != nil {
		t.Fatalf("WriteForeign: %v", err)
	}

	status, _, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if status != LockedStale {
		t.Fatalf("status: got %q want %q", status, LockedStale)
	}

	l, recovered, err := AcquireWithRecovery(path, "engine")
	if err != nil {
		t.Fatalf("AcquireWithRecovery: %v", err)
	}
	defer func() { _ = l.Release() }()
	if !recovered {
		t.Fatal("expected recovered=true for stale lock")
	}
	if l.Info().PID != os.Getpid() {
		t.Fatalf("new owner pid: got %d want %d", l.Info().PID, os.Getpid())
	}
}

func TestCorruptLockTreatedAsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	status, _, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if status != LockedStale {
		t.Fatalf("status: got %q want %q", status, LockedStale)
	}
}

func TestReleaseDoesNotRemoveForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	l, err := Acquire(path, "engine")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Simulate another process replacing the lock after ours was cleared.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := WriteForeign(path, Info{PID: os.Getpid(), StartTime: 1, Owner: "other"}); err != nil {
		t.Fatal(err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("foreign lock should survive Release: %v", err)
	}
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	const n = 8
	var wg sync.WaitGroup
	wins := make(chan *Lock, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l, _, err := AcquireWithRecovery(path, "engine"); err == nil {
				wins <- l
			}
		}()
	}
	wg.Wait()
	close(wins)

	var held []*Lock
	for l := range wins {
		held = append(held, l)
	}
	if len(held) != 1 {
		t.Fatalf("winners: got %d want 1", len(held))
	}
	_ = held[0].Release()
}
