// Package backend starts and supervises agent subprocesses and translates
// their native event streams into the normalized RunEvent contract. The
// engine talks only to the Orchestrator; every long-lived process the
// system spawns is owned here.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/procrec"
)

// Workspace identifies one execution target for a backend.
type Workspace struct {
	// ID is the stable workspace key (hub repo id, or the repo root path
	// for standalone repos).
	ID string
	// Root is the working directory turns execute in.
	Root string
	// StateRoot is the workspace's .codex-autorunner directory.
	StateRoot string

	Backend  config.BackendConfig
	Opencode config.OpencodeConfig
	Dest     config.DestinationConfig
}

// Handle is the engine's reference to a ready backend for one workspace.
type Handle struct {
	WorkspaceID string
	BackendID   string
	// BaseURL is set for server-backed backends (opencode).
	BaseURL string
	// ThreadID is the backend-native conversation id used to resume
	// context across turns. Empty for the first turn of a workspace.
	ThreadID string

	ws  Workspace
	bin string
}

// TurnOptions parameterizes a single turn.
type TurnOptions struct {
	// TurnID labels the turn in events and raw logs.
	TurnID string
	// Timeout bounds the whole turn; zero means no turn budget.
	Timeout time.Duration
	// IdleTimeout kills a turn that produced no output for this long;
	// zero disables the watchdog.
	IdleTimeout time.Duration
	// RawLogPath, when set, receives the backend-native stream verbatim.
	RawLogPath string
}

// Health is a backend liveness probe result.
type Health struct {
	Alive  bool
	Detail string
}

// Backend is the protocol-agnostic surface every adapter implements.
type Backend interface {
	// ID returns the backend identifier ("codex", "opencode").
	ID() string
	// EnsureReady starts or attaches to the backend for the workspace.
	// Idempotent per workspace id.
	EnsureReady(ctx context.Context, ws Workspace) (*Handle, error)
	// RunTurn executes a single turn. The returned stream is finite and
	// non-restartable; its terminal element is Completed or Failed.
	RunTurn(ctx context.Context, h *Handle, prompt string, opts TurnOptions) (*TurnStream, error)
	// Close releases the handle's resources. Best-effort, idempotent.
	Close(h *Handle) error
	// Health probes the handle.
	Health(h *Handle) Health
}

// ErrUnknownBackend reports a backend id with no adapter.
var ErrUnknownBackend = errors.New("unknown backend")

// Orchestrator owns backend adapters and their subprocesses. One
// orchestrator per process; handles are cached per workspace so
// EnsureReady stays idempotent.
type Orchestrator struct {
	log      *logrus.Logger
	registry *procrec.Registry

	mu       sync.Mutex
	backends map[string]Backend
	handles  map[string]*Handle // workspace id + backend id -> handle
	closed   bool
}

// NewOrchestrator builds an orchestrator whose process records live in
// registry.
func NewOrchestrator(log *logrus.Logger, registry *procrec.Registry) *Orchestrator {
	o := &Orchestrator{
		log:      log,
		registry: registry,
		backends: map[string]Backend{},
		handles:  map[string]*Handle{},
	}
	o.backends["codex"] = newCodexBackend(log, registry)
	o.backends["opencode"] = newOpencodeBackend(log, registry)
	return o
}

// Register adds or replaces an adapter. Tests use this to install stubs.
func (o *Orchestrator) Register(b Backend) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backends[b.ID()] = b
}

// Registry exposes the process record registry.
func (o *Orchestrator) Registry() *procrec.Registry { return o.registry }

func (o *Orchestrator) backend(id string) (Backend, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.backends[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, id)
	}
	return b, nil
}

func handleKey(workspaceID, backendID string) string {
	return workspaceID + "\x00" + backendID
}

// EnsureReady resolves the adapter for backendID and makes it ready for
// the workspace, reusing a cached handle when one exists.
func (o *Orchestrator) EnsureReady(ctx context.Context, backendID string, ws Workspace) (*Handle, error) {
	b, err := o.backend(backendID)
	if err != nil {
		return nil, err
	}
	key := handleKey(ws.ID, backendID)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, errors.New("orchestrator is closed")
	}
	if h, ok := o.handles[key]; ok {
		o.mu.Unlock()
		if hs := b.Health(h); hs.Alive {
			return h, nil
		}
		// Stale handle: drop and re-ensure.
		o.mu.Lock()
		delete(o.handles, key)
		o.mu.Unlock()
	} else {
		o.mu.Unlock()
	}

	h, err := b.EnsureReady(ctx, ws)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.handles[key] = h
	o.mu.Unlock()
	return h, nil
}

// RunTurn executes one turn on the handle's backend.
func (o *Orchestrator) RunTurn(ctx context.Context, h *Handle, prompt string, opts TurnOptions) (*TurnStream, error) {
	b, err := o.backend(h.BackendID)
	if err != nil {
		return nil, err
	}
	return b.RunTurn(ctx, h, prompt, opts)
}

// Health probes the handle's backend.
func (o *Orchestrator) Health(h *Handle) Health {
	b, err := o.backend(h.BackendID)
	if err != nil {
		return Health{Alive: false, Detail: err.Error()}
	}
	return b.Health(h)
}

// CloseWorkspace releases the cached handle for one workspace, if any.
func (o *Orchestrator) CloseWorkspace(workspaceID, backendID string) error {
	key := handleKey(workspaceID, backendID)
	o.mu.Lock()
	h, ok := o.handles[key]
	delete(o.handles, key)
	o.mu.Unlock()
	if !ok {
		return nil
	}
	b, err := o.backend(backendID)
	if err != nil {
		return err
	}
	return b.Close(h)
}

// Close shuts down every backend the orchestrator owns. Each owned process
// receives a graceful terminate, then a kill after the grace period; its
// record is removed only after the reap. Idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	handles := make([]*Handle, 0, len(o.handles))
	for _, h := range o.handles {
		handles = append(handles, h)
	}
	o.handles = map[string]*Handle{}
	backends := o.backends
	o.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		b, ok := backends[h.BackendID]
		if !ok {
			continue
		}
		if err := b.Close(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
