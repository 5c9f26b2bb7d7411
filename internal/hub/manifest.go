// Package hub implements the multi-repo supervisor: manifest bookkeeping,
// depth-1 repo discovery, idempotent workspace initialization, per-repo
// status snapshots, worktree lifecycle, and fan-out of flow runs across
// repos. The hub owns its engines; the backend orchestrator is shared and
// outlives them.
package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/fsutil"
)

// ManifestVersion is the single supported manifest schema version.
const ManifestVersion = 1

// RepoKind distinguishes primary checkouts from worktrees.
type RepoKind string

const (
	KindBase     RepoKind = "base"
	KindWorktree RepoKind = "worktree"
)

// RepoEntry is one tracked repo in the hub manifest. Relative paths keep
// the manifest valid when the hub directory moves.
type RepoEntry struct {
	ID string `yaml:"id" json:"id"`
	// Path is relative to the hub root.
	Path string `yaml:"path" json:"path"`
	// Kind is base when empty; only worktree entries spell it out.
	Kind RepoKind `yaml:"kind,omitempty" json:"kind,omitempty"`

	// BaseRepoID and Branch are set for worktree entries only.
	BaseRepoID string `yaml:"base_repo_id,omitempty" json:"base_repo_id,omitempty"`
	Branch     string `yaml:"branch,omitempty" json:"branch,omitempty"`

	Enabled bool `yaml:"enabled" json:"enabled"`
	AutoRun bool `yaml:"auto_run" json:"auto_run"`

	// Destination overrides the repo's configured execution target when set.
	Destination *config.DestinationConfig `yaml:"destination,omitempty" json:"destination,omitempty"`

	// WorktreeSetupCommands run inside a freshly created worktree, in order,
	// before the workspace is initialized.
	WorktreeSetupCommands []string `yaml:"worktree_setup_commands,omitempty" json:"worktree_setup_commands,omitempty"`
}

// DisplayName is the human-facing repo name: the last path element.
func (e *RepoEntry) DisplayName() string {
	return filepath.Base(e.Path)
}

// IsWorktree reports whether the entry tracks a secondary checkout.
func (e *RepoEntry) IsWorktree() bool { return e.Kind == KindWorktree }

// Manifest is the hub's durable repo registry.
type Manifest struct {
	Version int         `yaml:"version" json:"version"`
	Repos   []RepoEntry `yaml:"repos" json:"repos"`
}

// Entry returns the entry with the given id.
func (m *Manifest) Entry(id string) (*RepoEntry, bool) {
	for i := range m.Repos {
		if m.Repos[i].ID == id {
			return &m.Repos[i], true
		}
	}
	return nil, false
}

// Upsert replaces the entry with a matching id or appends a new one.
func (m *Manifest) Upsert(entry RepoEntry) {
	for i := range m.Repos {
		if m.Repos[i].ID == entry.ID {
			m.Repos[i] = entry
			return
		}
	}
	m.Repos = append(m.Repos, entry)
}

// Remove deletes the entry with the given id and reports whether it existed.
func (m *Manifest) Remove(id string) bool {
	for i := range m.Repos {
		if m.Repos[i].ID == id {
			m.Repos = append(m.Repos[:i], m.Repos[i+1:]...)
			return true
		}
	}
	return false
}

// manifestSchema mirrors the YAML shape. The manifest is hand-editable, so
// shape errors are validated with JSON-pointer locations before the strict
// decode, same as the config layers.
const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "version": {"type": "integer"},
    "repos": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "path": {"type": "string", "minLength": 1},
          "kind": {"type": "string", "enum": ["base", "worktree"]},
          "base_repo_id": {"type": "string"},
          "branch": {"type": "string"},
          "enabled": {"type": "boolean"},
          "auto_run": {"type": "boolean"},
          "destination": {
            "type": "object",
            "properties": {
              "kind": {"type": "string", "enum": ["local", "docker"]},
              "docker": {"type": "object"}
            },
            "additionalProperties": false
          },
          "worktree_setup_commands": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["id", "path"],
        "additionalProperties": false
      }
    }
  },
  "required": ["version", "repos"],
  "additionalProperties": false
}`

var (
	manifestSchemaOnce sync.Once
	manifestCompiled   *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.schema.json", strings.NewReader(manifestSchema)); err != nil {
			manifestSchemaErr = err
			return
		}
		manifestCompiled, manifestSchemaErr = c.Compile("manifest.schema.json")
	})
	return manifestCompiled, manifestSchemaErr
}

func validateManifestTree(tree map[string]any) error {
	schema, err := compiledManifestSchema()
	if err != nil {
		return err
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("manifest validation: %w", err)
	}
	return nil
}

// LoadManifest reads and validates the manifest at path. A missing file is
// an empty manifest, not an error: the first scan populates it.
func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Manifest{Version: ManifestVersion}, nil
	}
	if err != nil {
		return nil, err
	}

	var tree map[string]any
	if err := yaml.Unmarshal(b, &tree); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if tree == nil {
		return &Manifest{Version: ManifestVersion}, nil
	}
	if err := validateManifestTree(tree); err != nil {
		return nil, err
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("manifest version %d is not supported (want %d)", m.Version, ManifestVersion)
	}

	seen := make(map[string]bool, len(m.Repos))
	for i := range m.Repos {
		e := &m.Repos[i]
		if seen[e.ID] {
			return nil, fmt.Errorf("manifest repo id %q appears more than once", e.ID)
		}
		seen[e.ID] = true
		if e.Kind == KindWorktree && e.BaseRepoID == "" {
			return nil, fmt.Errorf("manifest worktree %q has no base_repo_id", e.ID)
		}
	}
	return &m, nil
}

// SaveManifest writes the manifest atomically. Marshalling a struct keeps
// field order stable, so save-load-save is byte-identical.
func SaveManifest(path string, m *Manifest) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, b, 0o644)
}
