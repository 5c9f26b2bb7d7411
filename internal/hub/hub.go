package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/codex-autorunner/car/internal/backend"
	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/engine"
	"github.com/codex-autorunner/car/internal/flowstore"
	"github.com/codex-autorunner/car/internal/lockfile"
	"github.com/codex-autorunner/car/internal/stateroot"
)

var (
	// ErrHubLockHeld reports a second supervisor on the same hub root.
	// Secondaries fail fast instead of queueing.
	ErrHubLockHeld = errors.New("hub already running")

	// ErrUnknownRepo reports a repo id absent from the manifest.
	ErrUnknownRepo = errors.New("repo not in manifest")

	// ErrRepoDisabled reports an operation on a disabled manifest entry.
	ErrRepoDisabled = errors.New("repo is disabled")
)

// Options configure one Hub.
type Options struct {
	// HubRoot is the directory whose .codex-autorunner/ holds the manifest,
	// hub lock, and state snapshot.
	HubRoot string
	// Config must be a hub-mode config.
	Config *config.Config
	Log    *logrus.Logger
	// Orchestrator is shared across all engines and outlives the hub; the
	// hub never closes it.
	Orchestrator *backend.Orchestrator
}

// Hub supervises the repos tracked by one manifest. It exclusively owns the
// per-repo engines; engines hold a non-owning reference to the shared
// orchestrator. Mutating operations are serialized per repo id and run in
// parallel across repos.
type Hub struct {
	log  *logrus.Logger
	cfg  *config.Config
	root string
	orch *backend.Orchestrator
	lock *lockfile.Lock

	mu       sync.Mutex
	closed   bool
	manifest *Manifest
	engines  map[string]*engine.Engine
	repoMu   map[string]*sync.Mutex
	driving  map[string]bool
	initing  map[string]bool
	initErr  map[string]string
}

// Open acquires the hub lock and loads the manifest. A stale lock from a
// dead supervisor is recovered silently; a live one fails fast with
// ErrHubLockHeld.
func Open(opts Options) (*Hub, error) {
	if opts.HubRoot == "" {
		return nil, errors.New("hub: HubRoot is required")
	}
	if opts.Config == nil {
		return nil, errors.New("hub: Config is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("hub: Orchestrator is required")
	}
	if opts.Config.Mode != config.ModeHub {
		return nil, config.MismatchError(opts.Config.Mode, "hub operations")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	root, err := filepath.Abs(opts.HubRoot)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, stateroot.DirName), 0o755); err != nil {
		return nil, err
	}

	lock, recovered, err := lockfile.AcquireWithRecovery(stateroot.HubLockPath(root), "hub")
	if errors.Is(err, lockfile.ErrHeld) {
		return nil, fmt.Errorf("%w: %v", ErrHubLockHeld, err)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire hub lock: %w", err)
	}
	if recovered {
		log.WithField("hub_root", root).Warn("recovered stale hub lock")
	}

	manifest, err := LoadManifest(stateroot.HubManifestPath(root))
	if err != nil {
		_ = lock.Release()
		return nil, err
	}

	return &Hub{
		log:      log,
		cfg:      opts.Config,
		root:     root,
		orch:     opts.Orchestrator,
		lock:     lock,
		manifest: manifest,
		engines:  map[string]*engine.Engine{},
		repoMu:   map[string]*sync.Mutex{},
		driving:  map[string]bool{},
		initing:  map[string]bool{},
		initErr:  map[string]string{},
	}, nil
}

// Root returns the hub root directory.
func (h *Hub) Root() string { return h.root }

// Repos returns a snapshot copy of the manifest entries.
func (h *Hub) Repos() []RepoEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RepoEntry, len(h.manifest.Repos))
	copy(out, h.manifest.Repos)
	return out
}

// Close shuts down every engine and releases the hub lock. The shared
// orchestrator stays up. Idempotent.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	engines := h.engines
	h.engines = map[string]*engine.Engine{}
	h.mu.Unlock()

	var firstErr error
	for id, eng := range engines {
		if err := eng.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close engine %s: %w", id, err)
		}
	}
	if err := h.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// reposRoot resolves the discovery root against the hub root.
func (h *Hub) reposRoot() string {
	rr := h.cfg.Hub.ReposRoot
	if rr == "" {
		rr = "."
	}
	if filepath.IsAbs(rr) {
		return filepath.Clean(rr)
	}
	return filepath.Join(h.root, rr)
}

// repoPath resolves a manifest entry's path against the hub root.
func (h *Hub) repoPath(e *RepoEntry) string {
	if filepath.IsAbs(e.Path) {
		return filepath.Clean(e.Path)
	}
	return filepath.Join(h.root, e.Path)
}

func (h *Hub) entry(id string) (RepoEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.manifest.Entry(id)
	if !ok {
		return RepoEntry{}, fmt.Errorf("%w: %s", ErrUnknownRepo, id)
	}
	return *e, nil
}

// repoLock returns the mutex serializing mutating operations on one repo.
func (h *Hub) repoLock(id string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	mu, ok := h.repoMu[id]
	if !ok {
		mu = &sync.Mutex{}
		h.repoMu[id] = mu
	}
	return mu
}

// engineFor returns the repo's engine, creating it on first use. The repo
// must be initialized; its own config is loaded and the manifest's
// destination override, when present, replaces the configured one.
func (h *Hub) engineFor(id string) (*engine.Engine, error) {
	h.mu.Lock()
	if eng, ok := h.engines[id]; ok {
		h.mu.Unlock()
		return eng, nil
	}
	e, ok := h.manifest.Entry(id)
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownRepo, id)
	}
	entry := *e
	h.mu.Unlock()

	repoRoot := h.repoPath(&entry)
	cfg, err := config.Load(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("repo %s: %w", id, err)
	}
	if cfg.Mode != config.ModeRepo {
		return nil, fmt.Errorf("repo %s: %w", id, config.MismatchError(cfg.Mode, "a managed repo"))
	}
	if entry.Destination != nil {
		c := *cfg
		c.Destination = *entry.Destination
		cfg = &c
	}

	eng, err := engine.New(engine.Options{
		RepoRoot:     repoRoot,
		WorkspaceID:  id,
		Config:       cfg,
		Log:          h.log,
		Orchestrator: h.orch,
	})
	if err != nil {
		return nil, fmt.Errorf("repo %s: %w", id, err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = eng.Close()
		return nil, errors.New("hub is closed")
	}
	if existing, ok := h.engines[id]; ok {
		h.mu.Unlock()
		_ = eng.Close()
		return existing, nil
	}
	h.engines[id] = eng
	h.mu.Unlock()
	return eng, nil
}

// dropEngine closes and forgets a cached engine so the next operation
// rebuilds it from fresh config.
func (h *Hub) dropEngine(id string) {
	h.mu.Lock()
	eng, ok := h.engines[id]
	delete(h.engines, id)
	h.mu.Unlock()
	if ok {
		_ = eng.Close()
	}
}

func (h *Hub) setDriving(id string, on bool) {
	h.mu.Lock()
	if on {
		h.driving[id] = true
	} else {
		delete(h.driving, id)
	}
	h.mu.Unlock()
}

func (h *Hub) isDriving(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.driving[id]
}

// InitRepo initializes the repo's state root, seeding contextspace docs
// from the hub's templates directory. Idempotent.
func (h *Hub) InitRepo(id string) error {
	entry, err := h.entry(id)
	if err != nil {
		return err
	}
	mu := h.repoLock(id)
	mu.Lock()
	defer mu.Unlock()

	h.mu.Lock()
	h.initing[id] = true
	delete(h.initErr, id)
	h.mu.Unlock()

	err = InitWorkspace(h.repoPath(&entry), stateroot.HubTemplates(h.root))

	h.mu.Lock()
	delete(h.initing, id)
	if err != nil {
		h.initErr[id] = err.Error()
	}
	h.mu.Unlock()

	if err != nil {
		h.log.WithFields(logrus.Fields{"repo": id, "error": err}).Error("repo init failed")
		return fmt.Errorf("init repo %s: %w", id, err)
	}
	h.log.WithField("repo", id).Info("repo initialized")
	return nil
}

// SetDestination updates the manifest's destination override for a repo and
// drops any cached engine so the next run picks it up.
func (h *Hub) SetDestination(id string, dest *config.DestinationConfig) error {
	mu := h.repoLock(id)
	mu.Lock()
	defer mu.Unlock()

	h.mu.Lock()
	e, ok := h.manifest.Entry(id)
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRepo, id)
	}
	e.Destination = dest
	err := SaveManifest(stateroot.HubManifestPath(h.root), h.manifest)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	h.dropEngine(id)
	return nil
}

// StartRepo creates or reuses a flow run for the repo. It does not drive
// the loop; RunRepo and RunRepos do.
func (h *Hub) StartRepo(ctx context.Context, id string, forceNew bool) (*engine.StartResult, error) {
	entry, err := h.entry(id)
	if err != nil {
		return nil, err
	}
	if !entry.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrRepoDisabled, id)
	}
	mu := h.repoLock(id)
	mu.Lock()
	defer mu.Unlock()

	eng, err := h.engineFor(id)
	if err != nil {
		return nil, err
	}
	return eng.Start(ctx, forceNew)
}

// StopRepo sets the stop flag on the repo's run and cancels its in-flight
// turn. runID empty targets the active run. Deliberately not serialized
// behind the per-repo mutex: stop must interrupt a held RunRepo.
func (h *Hub) StopRepo(ctx context.Context, id, runID string) error {
	if _, err := h.entry(id); err != nil {
		return err
	}
	eng, err := h.engineFor(id)
	if err != nil {
		return err
	}
	if runID == "" {
		run, err := eng.ActiveRun(ctx)
		if err != nil {
			return err
		}
		runID = run.ID
	}
	return eng.Stop(ctx, runID)
}

// ResumeRepo resumes a paused run and drives the loop until the flow
// reaches a terminal or paused state again.
func (h *Hub) ResumeRepo(ctx context.Context, id, runID string) (*flowstore.Run, error) {
	entry, err := h.entry(id)
	if err != nil {
		return nil, err
	}
	if !entry.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrRepoDisabled, id)
	}
	mu := h.repoLock(id)
	mu.Lock()
	defer mu.Unlock()

	eng, err := h.engineFor(id)
	if err != nil {
		return nil, err
	}
	if runID == "" {
		run, err := eng.ActiveRun(ctx)
		if err != nil {
			return nil, err
		}
		runID = run.ID
	}
	if _, err := eng.Resume(ctx, runID); err != nil {
		return nil, err
	}
	h.setDriving(id, true)
	defer h.setDriving(id, false)
	return eng.RunLoop(ctx, runID)
}

// RunRepo starts (or reuses) a flow run and drives it until it parks.
func (h *Hub) RunRepo(ctx context.Context, id string, forceNew bool) (*flowstore.Run, error) {
	entry, err := h.entry(id)
	if err != nil {
		return nil, err
	}
	if !entry.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrRepoDisabled, id)
	}
	mu := h.repoLock(id)
	mu.Lock()
	defer mu.Unlock()

	eng, err := h.engineFor(id)
	if err != nil {
		return nil, err
	}
	res, err := eng.Start(ctx, forceNew)
	if err != nil {
		return nil, err
	}
	h.setDriving(id, true)
	defer h.setDriving(id, false)
	return eng.RunLoop(ctx, res.Run.ID)
}

// RepoRunResult is one repo's outcome from a RunRepos fan-out.
type RepoRunResult struct {
	RepoID string
	Run    *flowstore.Run
	Err    error
}

// RunRepos drives flow runs across repos in parallel, at most
// hub.max_parallel at a time. With no explicit ids it selects every
// enabled entry with auto_run set; explicit ids select exactly those
// repos. Results come back in selection order.
func (h *Hub) RunRepos(ctx context.Context, ids []string, forceNew bool) []RepoRunResult {
	if len(ids) == 0 {
		for _, e := range h.Repos() {
			if e.Enabled && e.AutoRun {
				ids = append(ids, e.ID)
			}
		}
	}
	results := make([]RepoRunResult, len(ids))

	parallel := h.cfg.Hub.MaxParallel
	if parallel < 1 {
		parallel = 1
	}
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			run, err := h.RunRepo(ctx, id, forceNew)
			results[i] = RepoRunResult{RepoID: id, Run: run, Err: err}
		}(i, id)
	}
	wg.Wait()
	return results
}
