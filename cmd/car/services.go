package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/codex-autorunner/car/internal/backend"
	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/engine"
	"github.com/codex-autorunner/car/internal/hub"
	"github.com/codex-autorunner/car/internal/logging"
	"github.com/codex-autorunner/car/internal/procrec"
	"github.com/codex-autorunner/car/internal/stateroot"
)

// services owns every long-lived resource a command builds: the process
// logger, the managed-process registry, and the orchestrator that reaps
// all owned subprocesses on close. Commands acquire engines and hubs from
// it and must call close before exiting. close is idempotent.
type services struct {
	log  *logrus.Logger
	orch *backend.Orchestrator

	eng *engine.Engine
	hub *hub.Hub
}

func (s *services) close() {
	if s.eng != nil {
		if err := s.eng.Close(); err != nil {
			s.log.WithError(err).Warn("closing engine")
		}
		s.eng = nil
	}
	if s.hub != nil {
		if err := s.hub.Close(); err != nil {
			s.log.WithError(err).Warn("closing hub")
		}
		s.hub = nil
	}
	if s.orch != nil {
		if err := s.orch.Close(); err != nil {
			s.log.WithError(err).Warn("closing orchestrator")
		}
		s.orch = nil
	}
}

// repoContext resolves the nearest workspace from the current directory and
// requires it to be in repo mode.
func repoContext() (*config.WorkspaceContext, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	wctx, err := config.FindContext(cwd)
	if err != nil {
		return nil, err
	}
	if wctx.Mode != config.ModeRepo {
		return nil, config.MismatchError(wctx.Mode, "this command needs a repo workspace")
	}
	return wctx, nil
}

// hubContext resolves the nearest workspace and requires hub mode.
func hubContext() (*config.WorkspaceContext, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	wctx, err := config.FindContext(cwd)
	if err != nil {
		return nil, err
	}
	if wctx.Mode != config.ModeHub {
		return nil, config.MismatchError(wctx.Mode, "this command needs a hub workspace")
	}
	return wctx, nil
}

// repoServices builds the runtime services plus an engine bound to the
// workspace's repo root.
func repoServices(wctx *config.WorkspaceContext) (*services, error) {
	log := logging.New(logging.Options{
		Path:  stateroot.RepoLogPath(wctx.Root),
		Level: wctx.Config.LogLevel,
	})
	registry := procrec.NewRegistry(stateroot.ProcessesDir(stateroot.Repo(wctx.Root)))
	orch := backend.NewOrchestrator(log, registry)
	s := &services{log: log, orch: orch}

	eng, err := engine.New(engine.Options{
		RepoRoot:     wctx.Root,
		Config:       wctx.Config,
		Log:          log,
		Orchestrator: orch,
	})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("opening engine: %w", err)
	}
	s.eng = eng
	return s, nil
}

// hubServices builds the runtime services plus a hub supervisor bound to the
// workspace's hub root. A second live supervisor on the same root fails
// fast with ErrHubLockHeld.
func hubServices(wctx *config.WorkspaceContext) (*services, error) {
	log := logging.New(logging.Options{
		Path:  stateroot.HubLogPath(wctx.Root),
		Level: wctx.Config.LogLevel,
	})
	registry := procrec.NewRegistry(stateroot.ProcessesDir(stateroot.Repo(wctx.Root)))
	orch := backend.NewOrchestrator(log, registry)
	s := &services{log: log, orch: orch}

	h, err := hub.Open(hub.Options{
		HubRoot:      wctx.Root,
		Config:       wctx.Config,
		Log:          log,
		Orchestrator: orch,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	s.hub = h
	return s, nil
}
