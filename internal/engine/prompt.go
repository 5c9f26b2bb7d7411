package engine

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/ticket"
)

// defaultConstitution is the identity header prepended to every prompt
// unless the workspace overrides it.
const defaultConstitution = `You are an autonomous coding agent working one ticket at a time.
Work only inside this repository. When the ticket is done, set done: true in
its frontmatter and end with a short summary of what changed. If you created
follow-up work, add new TICKET-NNN.md files instead of expanding this one.`

// truncationMarker is appended wherever capping cut workspace content.
const truncationMarker = "\n[truncated]"

// PromptSource is one workspace document included in the prompt.
type PromptSource struct {
	Path    string // repo-relative
	Content string
}

// PromptInputs are the raw materials of one composed prompt.
type PromptInputs struct {
	Constitution string
	Ticket       *ticket.Ticket
	PriorTail    []string
	Sources      []PromptSource
}

// PromptStats describe the composed prompt, recorded on step_started.
type PromptStats struct {
	Hash      string
	Bytes     int
	TailLines int
	Truncated bool
}

// BuildPrompt composes the turn prompt. The template is deterministic:
// identical inputs and config yield byte-identical output. When the result
// exceeds cfg.MaxBytes, oldest prior-tail lines are dropped first, then
// workspace sources are cut from the end with an explicit marker. The
// ticket body is never cut.
func BuildPrompt(in PromptInputs, cfg config.PromptConfig) (string, PromptStats) {
	tail := in.PriorTail
	if cfg.PriorTailLines > 0 && len(tail) > cfg.PriorTailLines {
		tail = tail[len(tail)-cfg.PriorTailLines:]
	}
	sources := make([]PromptSource, len(in.Sources))
	copy(sources, in.Sources)

	truncated := false
	prompt := composePrompt(in, tail, sources)
	if cfg.MaxBytes > 0 {
		for len(prompt) > cfg.MaxBytes && len(tail) > 0 {
			tail = tail[1:]
			truncated = true
			prompt = composePrompt(in, tail, sources)
		}
		for i := len(sources) - 1; len(prompt) > cfg.MaxBytes && i >= 0; i-- {
			over := len(prompt) - cfg.MaxBytes
			keep := len(sources[i].Content) - over - len(truncationMarker)
			if keep < 0 {
				keep = 0
			}
			if keep < len(sources[i].Content) {
				sources[i].Content = sources[i].Content[:keep] + truncationMarker
				truncated = true
			}
			prompt = composePrompt(in, tail, sources)
		}
	}

	sum := blake3.Sum256([]byte(prompt))
	return prompt, PromptStats{
		Hash:      hex.EncodeToString(sum[:]),
		Bytes:     len(prompt),
		TailLines: len(tail),
		Truncated: truncated,
	}
}

func composePrompt(in PromptInputs, tail []string, sources []PromptSource) string {
	var b strings.Builder
	b.WriteString("=== instructions ===\n")
	constitution := in.Constitution
	if constitution == "" {
		constitution = defaultConstitution
	}
	b.WriteString(strings.TrimRight(constitution, "\n"))
	b.WriteString("\n\n")

	t := in.Ticket
	fmt.Fprintf(&b, "=== ticket %s ===\n", t.Name())
	fmt.Fprintf(&b, "agent: %s\n", t.Agent)
	if t.Title != "" {
		fmt.Fprintf(&b, "title: %s\n", t.Title)
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimRight(t.Body, "\n"))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "=== prior run tail (%d lines) ===\n", len(tail))
	if len(tail) == 0 {
		b.WriteString("(none)\n")
	} else {
		for _, line := range tail {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")

	for _, src := range sources {
		fmt.Fprintf(&b, "=== workspace %s ===\n", src.Path)
		b.WriteString(strings.TrimRight(src.Content, "\n"))
		b.WriteString("\n\n")
	}

	b.WriteString("=== end ===\n")
	return b.String()
}

// loadPromptSources resolves the configured whitelist globs against the
// repo and reads every match, sorted by path for determinism.
func loadPromptSources(root string, patterns []string) ([]PromptSource, error) {
	fsys := os.DirFS(root)
	seen := map[string]bool{}
	var paths []string
	for _, pat := range patterns {
		matches, err := doublestar.Glob(fsys, pat)
		if err != nil {
			return nil, fmt.Errorf("prompt source glob %q: %w", pat, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)

	sources := make([]PromptSource, 0, len(paths))
	for _, rel := range paths {
		full := filepath.Join(root, rel)
		if fi, err := os.Stat(full); err != nil || fi.IsDir() {
			continue
		}
		b, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("reading prompt source %s: %w", rel, err)
		}
		sources = append(sources, PromptSource{Path: rel, Content: string(b)})
	}
	return sources, nil
}

// tailLines returns the last n lines of the file at path, or nil when the
// file is missing or empty.
func tailLines(path string, n int) []string {
	if n <= 0 {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	text := strings.TrimRight(string(b), "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
