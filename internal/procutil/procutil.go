package procutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcFSAvailable reports whether procfs is available for process introspection.
func ProcFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// PIDAlive reports whether a process exists and is not a zombie.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if PIDZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// PIDZombie checks whether a PID is in a zombie/dead state.
func PIDZombie(pid int) bool {
	if !ProcFSAvailable() {
		return pidZombieFromPS(pid)
	}
	statPath := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	b, err := os.ReadFile(statPath)
	if err != nil {
		return false
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return false
	}
	state := line[closeIdx+2]
	return state == 'Z' || state == 'X'
}

func pidZombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return false
	}
	c := state[0]
	return c == 'Z' || c == 'X'
}

// ReadPIDStartTime returns the kernel start time (clock ticks since boot) of
// pid, used to distinguish a live owner from a reused PID. Returns an error
// when procfs is unavailable or the process is gone.
func ReadPIDStartTime(pid int) (uint64, error) {
	if !ProcFSAvailable() {
		return 0, fmt.Errorf("procfs unavailable")
	}
	statPath := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	b, err := os.ReadFile(statPath)
	if err != nil {
		return 0, err
	}
	line := string(b)
	// The comm field is parenthesized and may contain spaces; fields are
	// positional only after the closing paren. starttime is field 22
	// (1-indexed), i.e. the 20th space-separated field after ") ".
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(line[closeIdx+2:])
	const startTimeField = 19 // 0-indexed within the post-comm fields
	if len(fields) <= startTimeField {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	start, err := strconv.ParseUint(fields[startTimeField], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse starttime for pid %d: %w", pid, err)
	}
	return start, nil
}

// SelfStartTime returns the start time of the current process, or 0 when it
// cannot be determined (procfs unavailable).
func SelfStartTime() uint64 {
	start, err := ReadPIDStartTime(os.Getpid())
	if err != nil {
		return 0
	}
	return start
}
