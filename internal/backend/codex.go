package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/codex-autorunner/car/internal/procrec"
)

// codexBackend drives the codex CLI. Codex has no long-lived server: every
// turn is one `codex exec --json` child, with multi-turn context carried by
// `codex exec resume <thread_id>`. EnsureReady therefore only verifies the
// binary and loads the workspace's thread; managed process records exist
// for the duration of each turn child.
type codexBackend struct {
	log      *logrus.Logger
	registry *procrec.Registry
}

func newCodexBackend(log *logrus.Logger, registry *procrec.Registry) *codexBackend {
	return &codexBackend{log: log, registry: registry}
}

func (b *codexBackend) ID() string { return "codex" }

func (b *codexBackend) EnsureReady(ctx context.Context, ws Workspace) (*Handle, error) {
	bin, err := b.binary(ws)
	if err != nil {
		return nil, err
	}
	threads := NewThreadStore(ws.StateRoot)
	threadID, err := threads.Get("codex")
	if err != nil {
		return nil, fmt.Errorf("loading codex thread for %s: %w", ws.ID, err)
	}
	return &Handle{
		WorkspaceID: ws.ID,
		BackendID:   "codex",
		ThreadID:    threadID,
		ws:          ws,
		bin:         bin,
	}, nil
}

// binary resolves the codex executable. For docker destinations the binary
// lives inside the container, so only the name is resolved.
func (b *codexBackend) binary(ws Workspace) (string, error) {
	if ws.Dest.Kind == "docker" {
		return envOr(EnvCodexBin, "codex"), nil
	}
	return resolveBinary(EnvCodexBin, "codex")
}

func (b *codexBackend) turnArgv(h *Handle) []string {
	cfg := h.ws.Backend
	argv := []string{h.bin, "exec"}
	if h.ThreadID != "" {
		argv = append(argv, "resume", h.ThreadID)
	}
	argv = append(argv, "--json", "--skip-git-repo-check")
	if cfg.Model != "" {
		argv = append(argv, "-m", cfg.Model)
	}
	// Sandbox policy is established on the first exec and persists for
	// the thread; resume does not accept the flag.
	if h.ThreadID == "" && cfg.Sandbox != "" {
		argv = append(argv, "--sandbox", cfg.Sandbox)
	}
	if cfg.FullAuto == nil || *cfg.FullAuto {
		argv = append(argv, "--full-auto")
	}
	// "-" reads the prompt from stdin.
	argv = append(argv, "-")
	return argv
}

func (b *codexBackend) RunTurn(ctx context.Context, h *Handle, prompt string, opts TurnOptions) (*TurnStream, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	wrapped, err := WrapCommand(h.ws, b.turnArgv(h), nil)
	if err != nil {
		return nil, err
	}
	threads := NewThreadStore(h.ws.StateRoot)
	tr := newCodexTranslator(opts.TurnID, h.ThreadID, func(threadID string) {
		h.ThreadID = threadID
		if err := threads.Set("codex", threadID); err != nil {
			b.log.WithError(err).Warn("persisting codex thread")
		}
	})
	return startTurnProcess(ctx, b.log, b.registry, "codex", h.ws, wrapped, prompt, opts, tr)
}

// Close is a no-op: codex turn children are reaped per turn.
func (b *codexBackend) Close(h *Handle) error { return nil }

func (b *codexBackend) Health(h *Handle) Health {
	if _, err := b.binary(h.ws); err != nil {
		return Health{Alive: false, Detail: err.Error()}
	}
	return Health{Alive: true, Detail: "exec-per-turn"}
}
