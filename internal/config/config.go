// Package config resolves the layered harness configuration. Precedence,
// lowest to highest: built-in defaults, committed codex-autorunner.yml, local
// codex-autorunner.override.yml, .codex-autorunner/config.yml, environment
// variables. Unknown keys in any layer are load errors.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codex-autorunner/car/internal/stateroot"
)

// Mode distinguishes a repo workspace from a hub workspace.
type Mode string

const (
	ModeRepo Mode = "repo"
	ModeHub  Mode = "hub"
)

// Version is the single supported config schema version.
const Version = 2

// CommittedFileName is the repo-committed layer.
const CommittedFileName = "codex-autorunner.yml"

// OverrideFileName is the uncommitted local layer.
const OverrideFileName = "codex-autorunner.override.yml"

// Config is the fully merged configuration for one workspace.
type Config struct {
	Mode            Mode   `yaml:"mode" json:"mode"`
	Version         int    `yaml:"version" json:"version"`
	LogLevel        string `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	GlobalStateRoot string `yaml:"global_state_root,omitempty" json:"global_state_root,omitempty"`

	Backend     BackendConfig     `yaml:"backend,omitempty" json:"backend,omitempty"`
	Opencode    OpencodeConfig    `yaml:"opencode,omitempty" json:"opencode,omitempty"`
	Flow        FlowConfig        `yaml:"flow,omitempty" json:"flow,omitempty"`
	Prompt      PromptConfig      `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Backoff     BackoffConfig     `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	Destination DestinationConfig `yaml:"destination,omitempty" json:"destination,omitempty"`
	Hub         HubConfig         `yaml:"hub,omitempty" json:"hub,omitempty"`
}

// BackendConfig selects and parameterizes the agent backend.
type BackendConfig struct {
	ID       string `yaml:"id,omitempty" json:"id,omitempty"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
	Sandbox  string `yaml:"sandbox,omitempty" json:"sandbox,omitempty"`
	FullAuto *bool  `yaml:"full_auto,omitempty" json:"full_auto,omitempty"`
}

// OpencodeConfig holds opencode-specific knobs.
type OpencodeConfig struct {
	// ServerScope is "workspace" (one server per workspace) or "global"
	// (a single shared server reused across workspaces).
	ServerScope string `yaml:"server_scope,omitempty" json:"server_scope,omitempty"`
}

// FlowConfig bounds the ticket-flow loop.
type FlowConfig struct {
	StopAfterRuns  int `yaml:"stop_after_runs,omitempty" json:"stop_after_runs,omitempty"`
	MaxTurnsPerRun int `yaml:"max_turns_per_run,omitempty" json:"max_turns_per_run,omitempty"`
	TurnTimeoutS   int `yaml:"turn_timeout_s,omitempty" json:"turn_timeout_s,omitempty"`
	RunTimeoutS    int `yaml:"run_timeout_s,omitempty" json:"run_timeout_s,omitempty"`
}

// PromptConfig bounds prompt composition.
type PromptConfig struct {
	MaxBytes       int      `yaml:"max_bytes,omitempty" json:"max_bytes,omitempty"`
	PriorTailLines int      `yaml:"prior_tail_lines,omitempty" json:"prior_tail_lines,omitempty"`
	Sources        []string `yaml:"sources,omitempty" json:"sources,omitempty"`
}

// BackoffConfig configures ensure_ready retry delays.
type BackoffConfig struct {
	InitialDelayMS int     `yaml:"initial_delay_ms,omitempty" json:"initial_delay_ms,omitempty"`
	BackoffFactor  float64 `yaml:"backoff_factor,omitempty" json:"backoff_factor,omitempty"`
	MaxDelayMS     int     `yaml:"max_delay_ms,omitempty" json:"max_delay_ms,omitempty"`
	Jitter         *bool   `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	MaxAttempts    int     `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
}

// MountConfig is one bind mount of a docker destination.
type MountConfig struct {
	Source   string `yaml:"source" json:"source"`
	Target   string `yaml:"target" json:"target"`
	ReadOnly bool   `yaml:"read_only,omitempty" json:"read_only,omitempty"`
}

// DockerConfig parameterizes a docker destination.
type DockerConfig struct {
	Image          string            `yaml:"image,omitempty" json:"image,omitempty"`
	ContainerName  string            `yaml:"container_name,omitempty" json:"container_name,omitempty"`
	Workdir        string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Profile        string            `yaml:"profile,omitempty" json:"profile,omitempty"`
	EnvPassthrough []string          `yaml:"env_passthrough,omitempty" json:"env_passthrough,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Mounts         []MountConfig     `yaml:"mounts,omitempty" json:"mounts,omitempty"`
}

// DestinationConfig is the execution target for backend subprocesses.
type DestinationConfig struct {
	Kind   string       `yaml:"kind,omitempty" json:"kind,omitempty"`
	Docker DockerConfig `yaml:"docker,omitempty" json:"docker,omitempty"`
}

// HubConfig applies in hub mode only.
type HubConfig struct {
	ReposRoot       string `yaml:"repos_root,omitempty" json:"repos_root,omitempty"`
	AutoInitMissing *bool  `yaml:"auto_init_missing,omitempty" json:"auto_init_missing,omitempty"`
	MaxParallel     int    `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
}

// ConfigError marks configuration failures so callers can map them to the
// dedicated exit code.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// IsConfigError reports whether err is a configuration failure.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Defaults returns the built-in configuration layer. Mode is deliberately
// unset: it must come from a config file.
func Defaults() *Config {
	t := true
	return &Config{
		Version:  Version,
		LogLevel: "info",
		Backend: BackendConfig{
			ID:       "codex",
			Sandbox:  "workspace-write",
			FullAuto: &t,
		},
		Opencode: OpencodeConfig{ServerScope: "workspace"},
		Prompt: PromptConfig{
			MaxBytes:       32768,
			PriorTailLines: 40,
			Sources:        []string{"contextspace/*.md"},
		},
		Backoff: BackoffConfig{
			InitialDelayMS: 200,
			BackoffFactor:  2.0,
			MaxDelayMS:     8000,
			Jitter:         &t,
			MaxAttempts:    3,
		},
		Destination: DestinationConfig{Kind: "local"},
		Hub: HubConfig{
			ReposRoot:       ".",
			AutoInitMissing: &t,
			MaxParallel:     4,
		},
	}
}

// Load merges all config layers for the workspace rooted at root and
// validates the result. A missing .codex-autorunner/config.yml is an error:
// the workspace is not initialized.
func Load(root string) (*Config, error) {
	workspaceCfg := stateroot.RepoConfigPath(root)
	if _, err := os.Stat(workspaceCfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, configErrorf("workspace %s is not initialized (missing %s)", root, filepath.Join(stateroot.DirName, "config.yml"))
		}
		return nil, err
	}

	merged, err := yamlToTree(mustMarshal(Defaults()))
	if err != nil {
		return nil, err
	}
	for _, layer := range []string{
		filepath.Join(root, CommittedFileName),
		filepath.Join(root, OverrideFileName),
		workspaceCfg,
	} {
		tree, err := loadLayer(layer)
		if err != nil {
			return nil, err
		}
		if tree != nil {
			merged = mergeTrees(merged, tree)
		}
	}

	if err := validateSchema(merged); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := decodeStrict(mustMarshal(merged), cfg); err != nil {
		return nil, configErrorf("config for %s: %v", root, err)
	}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadLayer(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	tree, err := yamlToTree(b)
	if err != nil {
		return nil, configErrorf("parse %s: %v", path, err)
	}
	return tree, nil
}

func yamlToTree(b []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return map[string]any{}, nil
	}
	var tree map[string]any
	if err := yaml.Unmarshal(b, &tree); err != nil {
		return nil, err
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// mergeTrees overlays src onto dst: maps merge recursively, everything else
// (scalars, lists) replaces.
func mergeTrees(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := out[k].(map[string]any); ok {
				out[k] = mergeTrees(cur, sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func decodeStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func mustMarshal(v any) []byte {
	b, err := yaml.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(stateroot.EnvGlobalStateRoot)); v != "" {
		cfg.GlobalStateRoot = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Backend.ID == "" {
		cfg.Backend.ID = "codex"
	}
	if cfg.Backend.Sandbox == "" {
		cfg.Backend.Sandbox = "workspace-write"
	}
	if cfg.Backend.FullAuto == nil {
		t := true
		cfg.Backend.FullAuto = &t
	}
	if cfg.Opencode.ServerScope == "" {
		cfg.Opencode.ServerScope = "workspace"
	}
	if cfg.Prompt.MaxBytes <= 0 {
		cfg.Prompt.MaxBytes = 32768
	}
	if cfg.Prompt.PriorTailLines <= 0 {
		cfg.Prompt.PriorTailLines = 40
	}
	if len(cfg.Prompt.Sources) == 0 {
		cfg.Prompt.Sources = []string{"contextspace/*.md"}
	}
	if cfg.Backoff.InitialDelayMS <= 0 {
		cfg.Backoff.InitialDelayMS = 200
	}
	if cfg.Backoff.BackoffFactor <= 0 {
		cfg.Backoff.BackoffFactor = 2.0
	}
	if cfg.Backoff.MaxDelayMS <= 0 {
		cfg.Backoff.MaxDelayMS = 8000
	}
	if cfg.Backoff.Jitter == nil {
		t := true
		cfg.Backoff.Jitter = &t
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = 3
	}
	if cfg.Destination.Kind == "" {
		cfg.Destination.Kind = "local"
	}
	if cfg.Hub.ReposRoot == "" {
		cfg.Hub.ReposRoot = "."
	}
	if cfg.Hub.AutoInitMissing == nil {
		t := true
		cfg.Hub.AutoInitMissing = &t
	}
	if cfg.Hub.MaxParallel <= 0 {
		cfg.Hub.MaxParallel = 4
	}
}

func validate(cfg *Config) error {
	switch cfg.Mode {
	case ModeRepo, ModeHub:
	case "":
		return configErrorf("mode is required (repo|hub)")
	default:
		return configErrorf("invalid mode: %q (want repo|hub)", cfg.Mode)
	}
	if cfg.Version != Version {
		return configErrorf("unsupported config version: %d (want %d)", cfg.Version, Version)
	}
	switch cfg.Backend.ID {
	case "codex", "opencode":
	default:
		return configErrorf("invalid backend.id: %q (want codex|opencode)", cfg.Backend.ID)
	}
	switch cfg.Opencode.ServerScope {
	case "workspace", "global":
	default:
		return configErrorf("invalid opencode.server_scope: %q (want workspace|global)", cfg.Opencode.ServerScope)
	}
	switch cfg.Destination.Kind {
	case "local", "docker":
	default:
		return configErrorf("invalid destination.kind: %q (want local|docker)", cfg.Destination.Kind)
	}
	if cfg.Flow.StopAfterRuns < 0 {
		return configErrorf("flow.stop_after_runs must be >= 0")
	}
	if cfg.Flow.MaxTurnsPerRun < 0 {
		return configErrorf("flow.max_turns_per_run must be >= 0")
	}
	if cfg.Flow.TurnTimeoutS < 0 {
		return configErrorf("flow.turn_timeout_s must be >= 0")
	}
	if cfg.Flow.RunTimeoutS < 0 {
		return configErrorf("flow.run_timeout_s must be >= 0")
	}
	for _, m := range cfg.Destination.Docker.Mounts {
		if strings.TrimSpace(m.Source) == "" || strings.TrimSpace(m.Target) == "" {
			return configErrorf("destination.docker.mounts entries require source and target")
		}
	}
	return nil
}

// MismatchError builds the error for a command issued in the wrong mode.
func MismatchError(have Mode, wantDesc string) error {
	return configErrorf("this workspace is in %s mode; %s", have, wantDesc)
}
