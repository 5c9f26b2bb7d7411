package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codex-autorunner/car/internal/procrec"
	"github.com/codex-autorunner/car/internal/procutil"
)

// streamTranslator converts one backend's native NDJSON lines into
// normalized events. Implementations are stateful: they must make sure the
// whole stream ends with exactly one Completed or Failed, emitting it from
// Finalize when the native stream never carried one.
type streamTranslator interface {
	// TranslateLine maps a single line to zero or more events.
	TranslateLine(line []byte) []RunEvent
	// Finalize runs after the child exited; the returned events are
	// appended as-is.
	Finalize(waitErr error, exitCode int, stderrTail string) []RunEvent
}

// turnProcess supervises one spawned turn child: it owns the watchdogs,
// the managed process record, and the translation loop feeding the stream.
type turnProcess struct {
	log        *logrus.Logger
	registry   *procrec.Registry
	backendID  string
	workspace  string
	cmd        *exec.Cmd
	translator streamTranslator
	opts       TurnOptions

	lastActivity atomic.Int64 // unix nanos
	killReason   atomic.Value // string
}

const stderrTailLimit = 16 * 1024

// stderrTailWriter keeps the last chunk of stderr for failure messages.
type stderrTailWriter struct {
	mu  sync.Mutex
	buf []byte
}

func (w *stderrTailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > stderrTailLimit {
		w.buf = w.buf[len(w.buf)-stderrTailLimit:]
	}
	return len(p), nil
}

func (w *stderrTailWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}

// startTurnProcess spawns wrapped argv with the prompt on stdin and streams
// translated events until the child exits. The returned stream is finite;
// its last event is Completed or Failed unless the consumer closed early.
func startTurnProcess(ctx context.Context, log *logrus.Logger, registry *procrec.Registry, backendID string, ws Workspace, wrapped *WrappedCommand, prompt string, opts TurnOptions, tr streamTranslator) (*TurnStream, error) {
	cmd := exec.Command(wrapped.Argv[0], wrapped.Argv[1:]...)
	cmd.Dir = wrapped.Dir
	cmd.Env = mergeEnvWithOverrides(os.Environ(), wrapped.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &stderrTailWriter{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s turn: %w", backendID, err)
	}

	tp := &turnProcess{
		log:        log,
		registry:   registry,
		backendID:  backendID,
		workspace:  ws.ID,
		cmd:        cmd,
		translator: tr,
		opts:       opts,
	}
	tp.touch()

	rec := &procrec.Record{
		Kind:        backendID,
		WorkspaceID: ws.ID,
		PID:         cmd.Process.Pid,
		PGID:        pgidOf(cmd),
		Command:     wrapped.Argv,
		OwnerPID:    os.Getpid(),
		StartedAt:   time.Now().UTC(),
		Metadata:    map[string]string{"turn_id": opts.TurnID, "role": "turn"},
	}
	if st, err := procutil.ReadPIDStartTime(cmd.Process.Pid); err == nil {
		rec.StartTime = st
	}
	if err := registry.Write(rec); err != nil {
		log.WithError(err).Warn("writing turn process record")
	}

	stream := NewTurnStream(0)
	waitCh := make(chan error, 1)
	scanDone := make(chan struct{})
	go func() {
		tp.consume(ctx, stream, stdout)
		close(scanDone)
	}()
	go func() {
		<-scanDone
		waitCh <- cmd.Wait()
	}()
	go tp.watch(ctx, stream, scanDone)
	go tp.finish(ctx, stream, rec, waitCh, stderr)
	return stream, nil
}

func (p *turnProcess) touch() {
	p.lastActivity.Store(time.Now().UnixNano())
}

func (p *turnProcess) setKillReason(reason string) {
	p.killReason.CompareAndSwap(nil, reason)
}

func (p *turnProcess) reason() string {
	if v := p.killReason.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// consume reads the child's NDJSON stream, mirrors it to the raw log, and
// forwards translated events. Returns when the pipe closes.
func (p *turnProcess) consume(ctx context.Context, stream *TurnStream, r io.Reader) {
	var raw *os.File
	if p.opts.RawLogPath != "" {
		f, err := os.OpenFile(p.opts.RawLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			p.log.WithError(err).Warn("opening raw turn log")
		} else {
			raw = f
			defer raw.Close()
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		p.touch()
		if raw != nil {
			raw.Write(line)
			raw.Write([]byte("\n"))
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		for _, ev := range p.translator.TranslateLine(line) {
			if err := stream.Send(ctx, ev); err != nil {
				// Consumer abandoned the turn (or ctx canceled): kill the
				// child and drain the pipe so Wait can reap it.
				p.setKillReason("stream closed")
				_ = killProcessGroup(p.cmd, syscall.SIGTERM)
				io.Copy(io.Discard, r)
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		p.log.WithError(err).Debug("turn stream scan ended")
	}
}

// watch enforces the idle watchdog, the turn budget, and context
// cancellation while the child runs.
func (p *turnProcess) watch(ctx context.Context, stream *TurnStream, scanDone <-chan struct{}) {
	started := time.Now()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-scanDone:
			return
		case <-ctx.Done():
			p.setKillReason("canceled")
			_ = killProcessGroup(p.cmd, syscall.SIGTERM)
			p.killAfterGrace(scanDone)
			return
		case <-ticker.C:
			if stream.Closed() {
				p.setKillReason("stream closed")
				_ = killProcessGroup(p.cmd, syscall.SIGTERM)
				p.killAfterGrace(scanDone)
				return
			}
			if p.opts.Timeout > 0 && time.Since(started) > p.opts.Timeout {
				p.setKillReason(fmt.Sprintf("turn budget %s exceeded", p.opts.Timeout))
				_ = killProcessGroup(p.cmd, syscall.SIGTERM)
				p.killAfterGrace(scanDone)
				return
			}
			if p.opts.IdleTimeout > 0 {
				last := time.Unix(0, p.lastActivity.Load())
				if time.Since(last) > p.opts.IdleTimeout {
					p.setKillReason(fmt.Sprintf("no output for %s", p.opts.IdleTimeout))
					_ = killProcessGroup(p.cmd, syscall.SIGTERM)
					p.killAfterGrace(scanDone)
					return
				}
			}
		}
	}
}

const turnKillGrace = 2 * time.Second

func (p *turnProcess) killAfterGrace(scanDone <-chan struct{}) {
	select {
	case <-scanDone:
		return
	case <-time.After(turnKillGrace):
	}
	_ = killProcessGroup(p.cmd, syscall.SIGKILL)
}

// finish waits for the reap, appends the translator's trailing events, and
// removes the process record.
func (p *turnProcess) finish(ctx context.Context, stream *TurnStream, rec *procrec.Record, waitCh <-chan error, stderr *stderrTailWriter) {
	waitErr := <-waitCh
	if err := p.registry.Remove(rec); err != nil {
		p.log.WithError(err).Warn("removing turn process record")
	}

	if reason := p.reason(); reason != "" {
		if waitErr == nil {
			waitErr = fmt.Errorf("turn killed: %s", reason)
		} else {
			waitErr = fmt.Errorf("turn killed (%s): %w", reason, waitErr)
		}
	}

	for _, ev := range p.translator.Finalize(waitErr, exitCodeOf(p.cmd), stderr.Tail()) {
		if err := stream.Send(ctx, ev); err != nil {
			break
		}
	}
	stream.Finish()
}
