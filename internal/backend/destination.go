package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codex-autorunner/car/internal/config"
)

// DestinationError reports an invalid or unusable execution destination.
type DestinationError struct {
	Err error
}

func (e *DestinationError) Error() string { return e.Err.Error() }
func (e *DestinationError) Unwrap() error { return e.Err }

func destErrorf(format string, args ...any) error {
	return &DestinationError{Err: fmt.Errorf(format, args...)}
}

// WrappedCommand is a destination-resolved invocation.
type WrappedCommand struct {
	Argv []string
	Dir  string
	// Env overrides merged over the inherited environment at spawn time.
	Env map[string]string
}

// WrapCommand resolves the workspace's destination and rewrites argv for
// it. local passes through; docker prefixes a `docker exec` against the
// destination's container, injecting passthrough and explicit env. The
// container is expected to exist with the repo bind-mounted; mounts are
// validated here and materialized by DockerRunArgs.
func WrapCommand(ws Workspace, argv []string, env map[string]string) (*WrappedCommand, error) {
	if len(argv) == 0 {
		return nil, destErrorf("empty command")
	}
	switch ws.Dest.Kind {
	case "", "local":
		return &WrappedCommand{Argv: argv, Dir: ws.Root, Env: env}, nil
	case "docker":
		return wrapDocker(ws, argv, env)
	default:
		return nil, destErrorf("invalid destination kind: %q (want local|docker)", ws.Dest.Kind)
	}
}

func wrapDocker(ws Workspace, argv []string, env map[string]string) (*WrappedCommand, error) {
	d := ws.Dest.Docker
	if strings.TrimSpace(d.Image) == "" {
		return nil, destErrorf("docker destination requires an image")
	}
	if err := validateMounts(d.Mounts); err != nil {
		return nil, err
	}

	workdir := strings.TrimSpace(d.Workdir)
	if workdir == "" {
		// The repo is bind-mounted at its host path, so the host root
		// doubles as the in-container working directory.
		workdir = ws.Root
	}

	out := []string{"docker", "exec", "-i", "-w", workdir}
	merged := map[string]string{}
	for _, key := range d.EnvPassthrough {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if v, ok := os.LookupEnv(key); ok {
			merged[key] = v
		}
	}
	for k, v := range d.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, "-e", k+"="+merged[k])
	}
	out = append(out, ContainerName(ws))
	out = append(out, argv...)

	// Env rides inside the docker exec argv; nothing extra for the host
	// process beyond its inherited environment.
	return &WrappedCommand{Argv: out, Dir: ws.Root, Env: nil}, nil
}

// ContainerName returns the destination's container, derived from the
// workspace when not configured explicitly.
func ContainerName(ws Workspace) string {
	if name := strings.TrimSpace(ws.Dest.Docker.ContainerName); name != "" {
		return name
	}
	base := filepath.Base(ws.Root)
	return "car-" + sanitizeContainerToken(base)
}

// DockerRunArgs builds the `docker run` argv that creates the destination
// container with every configured mount plus the repo bind mount. Used by
// doctor and hub tooling; the orchestrator itself only execs.
func DockerRunArgs(ws Workspace) ([]string, error) {
	d := ws.Dest.Docker
	if strings.TrimSpace(d.Image) == "" {
		return nil, destErrorf("docker destination requires an image")
	}
	if err := validateMounts(d.Mounts); err != nil {
		return nil, err
	}
	args := []string{
		"docker", "run", "-d",
		"--name", ContainerName(ws),
		"-v", fmt.Sprintf("%s:%s", ws.Root, ws.Root),
	}
	for _, m := range d.Mounts {
		spec := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	if p := strings.TrimSpace(d.Profile); p != "" {
		args = append(args, "--label", "car.profile="+p)
	}
	args = append(args, d.Image, "sleep", "infinity")
	return args, nil
}

func validateMounts(mounts []config.MountConfig) error {
	for i, m := range mounts {
		if strings.TrimSpace(m.Source) == "" || strings.TrimSpace(m.Target) == "" {
			return destErrorf("docker mount %d requires source and target", i)
		}
		if !filepath.IsAbs(m.Target) {
			return destErrorf("docker mount %d target must be absolute: %q", i, m.Target)
		}
	}
	return nil
}

func sanitizeContainerToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "workspace"
	}
	return b.String()
}
