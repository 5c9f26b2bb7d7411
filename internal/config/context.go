package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/codex-autorunner/car/internal/stateroot"
)

// ErrNoWorkspace is returned when no .codex-autorunner/config.yml is found
// walking upward from the starting directory.
var ErrNoWorkspace = errors.New("no codex-autorunner workspace found")

// WorkspaceContext is the resolved workspace for the current directory.
type WorkspaceContext struct {
	Root   string
	Mode   Mode
	Config *Config
}

// FindContext walks upward from dir looking for the nearest workspace config
// and loads it. The nearest config determines whether the process operates in
// repo or hub mode.
func FindContext(dir string) (*WorkspaceContext, error) {
	cur, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(stateroot.RepoConfigPath(cur)); err == nil {
			cfg, err := Load(cur)
			if err != nil {
				return nil, err
			}
			return &WorkspaceContext{Root: cur, Mode: cfg.Mode, Config: cfg}, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return nil, ErrNoWorkspace
		}
		cur = parent
	}
}
