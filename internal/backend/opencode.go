package backend

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codex-autorunner/car/internal/procrec"
	"github.com/codex-autorunner/car/internal/procutil"
)

// opencodeServerKind is the process record kind for long-lived servers;
// turn children are recorded under the plain backend id.
const opencodeServerKind = "opencode-server"

const serverStartTimeout = 30 * time.Second

var baseURLRe = regexp.MustCompile(`https?://[^\s]+`)

// opencodeBackend drives the opencode CLI against a long-lived local
// server. One server per workspace by default; opencode.server_scope
// "global" shares a single server across workspaces.
type opencodeBackend struct {
	log      *logrus.Logger
	registry *procrec.Registry

	mu      sync.Mutex
	servers map[string]*opencodeServer // scope key -> owned server
}

type opencodeServer struct {
	cmd    *exec.Cmd
	rec    *procrec.Record
	waitCh chan error
}

func newOpencodeBackend(log *logrus.Logger, registry *procrec.Registry) *opencodeBackend {
	return &opencodeBackend{
		log:      log,
		registry: registry,
		servers:  map[string]*opencodeServer{},
	}
}

func (b *opencodeBackend) ID() string { return "opencode" }

func (b *opencodeBackend) scopeKey(ws Workspace) string {
	if ws.Opencode.ServerScope == "global" {
		return "global"
	}
	return ws.ID
}

func (b *opencodeBackend) binary(ws Workspace) (string, error) {
	if ws.Dest.Kind == "docker" {
		return envOr(EnvOpencodeBin, "opencode"), nil
	}
	return resolveBinary(EnvOpencodeBin, "opencode")
}

// EnsureReady starts or attaches to the opencode server for the
// workspace's scope. Idempotent: a live owned server or a live record from
// another owner is reused.
func (b *opencodeBackend) EnsureReady(ctx context.Context, ws Workspace) (*Handle, error) {
	bin, err := b.binary(ws)
	if err != nil {
		return nil, err
	}
	threads := NewThreadStore(ws.StateRoot)
	threadID, err := threads.Get("opencode")
	if err != nil {
		return nil, fmt.Errorf("loading opencode session for %s: %w", ws.ID, err)
	}
	scope := b.scopeKey(ws)

	b.mu.Lock()
	if srv, ok := b.servers[scope]; ok && srv.rec.Alive() {
		baseURL := srv.rec.BaseURL
		b.mu.Unlock()
		return b.handle(ws, bin, baseURL, threadID), nil
	}
	delete(b.servers, scope)
	b.mu.Unlock()

	// A server from a previous process may still be serving this scope.
	if rec, err := b.registry.ReadByWorkspace(opencodeServerKind, scope); err == nil {
		if rec.Alive() && rec.BaseURL != "" {
			return b.handle(ws, bin, rec.BaseURL, threadID), nil
		}
		if !rec.Alive() {
			if err := b.registry.Remove(rec); err != nil {
				b.log.WithError(err).Warn("removing stale opencode server record")
			}
		}
	}

	baseURL, err := b.startServer(ctx, ws, bin, scope)
	if err != nil {
		return nil, err
	}
	return b.handle(ws, bin, baseURL, threadID), nil
}

func (b *opencodeBackend) handle(ws Workspace, bin, baseURL, threadID string) *Handle {
	return &Handle{
		WorkspaceID: ws.ID,
		BackendID:   "opencode",
		BaseURL:     baseURL,
		ThreadID:    threadID,
		ws:          ws,
		bin:         bin,
	}
}

// startServer spawns `opencode serve` and waits for the announced base URL
// on its first stdout line.
func (b *opencodeBackend) startServer(ctx context.Context, ws Workspace, bin, scope string) (string, error) {
	argv := []string{bin, "serve", "--hostname", "127.0.0.1", "--port", "0"}
	wrapped, err := WrapCommand(ws, argv, nil)
	if err != nil {
		return "", err
	}
	cmd := exec.Command(wrapped.Argv[0], wrapped.Argv[1:]...)
	cmd.Dir = wrapped.Dir
	cmd.Env = mergeEnvWithOverrides(os.Environ(), wrapped.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logPath := filepath.Join(ws.StateRoot, "opencode-server.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening opencode server log: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return "", fmt.Errorf("starting opencode server: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	urlCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		announced := false
		for scanner.Scan() {
			line := scanner.Text()
			fmt.Fprintln(logFile, line)
			if !announced {
				if m := baseURLRe.FindString(line); m != "" {
					announced = true
					urlCh <- strings.TrimRight(m, "/")
				}
			}
		}
		close(urlCh)
		logFile.Close()
	}()

	select {
	case baseURL, ok := <-urlCh:
		if !ok || baseURL == "" {
			err := <-waitCh
			return "", fmt.Errorf("opencode server exited before announcing its address (see %s): %v", logPath, err)
		}
		rec := &procrec.Record{
			Kind:        opencodeServerKind,
			WorkspaceID: scope,
			PID:         cmd.Process.Pid,
			PGID:        pgidOf(cmd),
			BaseURL:     baseURL,
			Command:     wrapped.Argv,
			OwnerPID:    os.Getpid(),
			StartedAt:   time.Now().UTC(),
			Metadata:    map[string]string{"role": "server", "workspace_root": ws.Root},
		}
		if st, err := procutil.ReadPIDStartTime(cmd.Process.Pid); err == nil {
			rec.StartTime = st
		}
		if err := b.registry.Write(rec); err != nil {
			b.log.WithError(err).Warn("writing opencode server record")
		}
		b.mu.Lock()
		b.servers[scope] = &opencodeServer{cmd: cmd, rec: rec, waitCh: waitCh}
		b.mu.Unlock()
		b.log.WithFields(logrus.Fields{"scope": scope, "base_url": baseURL, "pid": rec.PID}).Info("opencode server ready")
		return baseURL, nil
	case <-time.After(serverStartTimeout):
		_ = terminateGroup(cmd, waitCh, turnKillGrace)
		return "", fmt.Errorf("opencode server did not announce its address within %s", serverStartTimeout)
	case <-ctx.Done():
		_ = terminateGroup(cmd, waitCh, turnKillGrace)
		return "", ctx.Err()
	}
}

func (b *opencodeBackend) turnArgv(h *Handle) []string {
	argv := []string{h.bin, "run", "--format", "jsonl", "--server", h.BaseURL}
	if h.ThreadID != "" {
		argv = append(argv, "--session", h.ThreadID)
	}
	return argv
}

func (b *opencodeBackend) RunTurn(ctx context.Context, h *Handle, prompt string, opts TurnOptions) (*TurnStream, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	if h.BaseURL == "" {
		return nil, fmt.Errorf("opencode handle has no server address; EnsureReady first")
	}
	wrapped, err := WrapCommand(h.ws, b.turnArgv(h), nil)
	if err != nil {
		return nil, err
	}
	threads := NewThreadStore(h.ws.StateRoot)
	tr := newOpencodeTranslator(opts.TurnID, h.ThreadID, func(sessionID string) {
		h.ThreadID = sessionID
		if err := threads.Set("opencode", sessionID); err != nil {
			b.log.WithError(err).Warn("persisting opencode session")
		}
	})
	return startTurnProcess(ctx, b.log, b.registry, "opencode", h.ws, wrapped, prompt, opts, tr)
}

// Close stops the owned server for the handle's scope. Servers attached
// from other owner processes are left alone; stale records for them are
// swept instead.
func (b *opencodeBackend) Close(h *Handle) error {
	scope := b.scopeKey(h.ws)
	b.mu.Lock()
	srv, ok := b.servers[scope]
	delete(b.servers, scope)
	b.mu.Unlock()
	if !ok {
		_, err := b.registry.SweepStale(opencodeServerKind)
		return err
	}
	err := terminateGroup(srv.cmd, srv.waitCh, turnKillGrace)
	if rmErr := b.registry.Remove(srv.rec); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

func (b *opencodeBackend) Health(h *Handle) Health {
	scope := b.scopeKey(h.ws)
	b.mu.Lock()
	srv, ok := b.servers[scope]
	b.mu.Unlock()
	if ok {
		if srv.rec.Alive() {
			return Health{Alive: true, Detail: "server " + srv.rec.BaseURL}
		}
		return Health{Alive: false, Detail: "owned server exited"}
	}
	rec, err := b.registry.ReadByWorkspace(opencodeServerKind, scope)
	if err != nil {
		return Health{Alive: false, Detail: "no server record"}
	}
	if rec.Alive() && rec.BaseURL == h.BaseURL {
		return Health{Alive: true, Detail: "attached server " + rec.BaseURL}
	}
	return Health{Alive: false, Detail: "server record stale"}
}
