package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codex-autorunner/car/internal/config"
	"github.com/codex-autorunner/car/internal/ticket"
)

func promptTicket() *ticket.Ticket {
	return &ticket.Ticket{
		Path:   "/repo/.codex-autorunner/tickets/TICKET-001.md",
		Number: 1,
		Agent:  "codex",
		Title:  "Add health endpoint",
		Body:   "Implement GET /healthz returning 200.",
	}
}

func TestBuildPromptDeterministic(t *testing.T) {
	in := PromptInputs{
		Ticket:    promptTicket(),
		PriorTail: []string{"line one", "line two"},
		Sources:   []PromptSource{{Path: "contextspace/notes.md", Content: "remember the port"}},
	}
	cfg := config.Defaults().Prompt

	p1, s1 := BuildPrompt(in, cfg)
	p2, s2 := BuildPrompt(in, cfg)
	if p1 != p2 {
		t.Fatal("identical inputs produced different prompts")
	}
	if s1.Hash != s2.Hash {
		t.Fatalf("hash: got %q and %q for identical inputs", s1.Hash, s2.Hash)
	}
	if len(s1.Hash) != 64 {
		t.Fatalf("hash length: got %d want 64", len(s1.Hash))
	}
	if s1.Bytes != len(p1) {
		t.Fatalf("bytes: got %d want %d", s1.Bytes, len(p1))
	}

	in.Ticket.Body = "Implement GET /healthz returning 204."
	_, s3 := BuildPrompt(in, cfg)
	if s3.Hash == s1.Hash {
		t.Fatal("different ticket bodies produced the same hash")
	}
}

func TestBuildPromptSections(t *testing.T) {
	in := PromptInputs{
		Ticket:    promptTicket(),
		PriorTail: []string{"did a thing", "did another"},
		Sources:   []PromptSource{{Path: "contextspace/notes.md", Content: "remember the port"}},
	}
	prompt, stats := BuildPrompt(in, config.Defaults().Prompt)

	for _, want := range []string{
		"=== instructions ===\n",
		"=== ticket TICKET-001 ===\nagent: codex\ntitle: Add health endpoint\n",
		"Implement GET /healthz returning 200.",
		"=== prior run tail (2 lines) ===\ndid a thing\ndid another\n",
		"=== workspace contextspace/notes.md ===\nremember the port\n",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if !strings.HasSuffix(prompt, "=== end ===\n") {
		t.Fatalf("prompt does not end with end marker:\n%s", prompt)
	}
	if stats.Truncated {
		t.Fatal("small prompt reported truncated")
	}
	if stats.TailLines != 2 {
		t.Fatalf("tail lines: got %d want 2", stats.TailLines)
	}
}

func TestBuildPromptEmptyTail(t *testing.T) {
	prompt, _ := BuildPrompt(PromptInputs{Ticket: promptTicket()}, config.Defaults().Prompt)
	if !strings.Contains(prompt, "=== prior run tail (0 lines) ===\n(none)\n") {
		t.Fatalf("empty tail not rendered as (none):\n%s", prompt)
	}
}

func TestBuildPromptTailWindow(t *testing.T) {
	var tail []string
	for i := 0; i < 10; i++ {
		tail = append(tail, "tail-"+strings.Repeat("x", i))
	}
	cfg := config.Defaults().Prompt
	cfg.PriorTailLines = 3

	prompt, stats := BuildPrompt(PromptInputs{Ticket: promptTicket(), PriorTail: tail}, cfg)
	if stats.TailLines != 3 {
		t.Fatalf("tail lines: got %d want 3", stats.TailLines)
	}
	if strings.Contains(prompt, "tail-\n") {
		t.Fatal("oldest tail line survived the configured window")
	}
	if !strings.Contains(prompt, tail[9]) {
		t.Fatal("newest tail line missing")
	}
	if stats.Truncated {
		t.Fatal("window trim is not truncation")
	}
}

func TestBuildPromptDropsTailBeforeSources(t *testing.T) {
	tail := make([]string, 50)
	for i := range tail {
		tail[i] = strings.Repeat("t", 80)
	}
	src := PromptSource{Path: "contextspace/a.md", Content: strings.Repeat("s", 200)}
	cfg := config.Defaults().Prompt
	cfg.PriorTailLines = 50
	cfg.MaxBytes = 2048

	prompt, stats := BuildPrompt(PromptInputs{
		Ticket:    promptTicket(),
		PriorTail: tail,
		Sources:   []PromptSource{src},
	}, cfg)

	if len(prompt) > cfg.MaxBytes {
		t.Fatalf("prompt over cap: %d > %d", len(prompt), cfg.MaxBytes)
	}
	if !stats.Truncated {
		t.Fatal("capping did not report truncated")
	}
	if stats.TailLines >= 50 {
		t.Fatalf("no tail lines dropped: %d", stats.TailLines)
	}
	if !strings.Contains(prompt, src.Content) {
		t.Fatal("source was cut before the tail was exhausted")
	}
	if strings.Contains(prompt, "[truncated]") {
		t.Fatal("source carries a truncation marker though dropping tail sufficed")
	}
}

func TestBuildPromptTruncatesSourcesWithMarker(t *testing.T) {
	first := PromptSource{Path: "contextspace/a.md", Content: strings.Repeat("a", 100)}
	second := PromptSource{Path: "contextspace/b.md", Content: strings.Repeat("b", 4000)}
	cfg := config.Defaults().Prompt
	cfg.MaxBytes = 1500

	prompt, stats := BuildPrompt(PromptInputs{
		Ticket:  promptTicket(),
		Sources: []PromptSource{first, second},
	}, cfg)

	if len(prompt) > cfg.MaxBytes {
		t.Fatalf("prompt over cap: %d > %d", len(prompt), cfg.MaxBytes)
	}
	if !stats.Truncated {
		t.Fatal("capping did not report truncated")
	}
	if !strings.Contains(prompt, first.Content) {
		t.Fatal("earlier source was cut before the last one")
	}
	if !strings.Contains(prompt, "[truncated]") {
		t.Fatal("cut source has no truncation marker")
	}
	if strings.Contains(prompt, second.Content) {
		t.Fatal("last source was not cut")
	}
}

func TestBuildPromptNeverCutsTicketBody(t *testing.T) {
	tk := promptTicket()
	tk.Body = strings.Repeat("body ", 2000)
	cfg := config.Defaults().Prompt
	cfg.MaxBytes = 512

	prompt, stats := BuildPrompt(PromptInputs{Ticket: tk}, cfg)
	if !strings.Contains(prompt, strings.TrimRight(tk.Body, "\n")) {
		t.Fatal("ticket body was cut")
	}
	if stats.Bytes <= cfg.MaxBytes {
		t.Fatalf("oversized ticket cannot fit the cap, got %d bytes", stats.Bytes)
	}
}

func TestLoadPromptSources(t *testing.T) {
	root := t.TempDir()
	ctxDir := filepath.Join(root, "contextspace")
	if err := os.MkdirAll(ctxDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile := func(rel, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(root, rel), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	writeFile("contextspace/b.md", "beta")
	writeFile("contextspace/a.md", "alpha")
	writeFile("contextspace/skip.txt", "nope")

	sources, err := loadPromptSources(root, []string{"contextspace/*.md", "contextspace/a.md"})
	if err != nil {
		t.Fatalf("loadPromptSources: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("sources: got %d want 2", len(sources))
	}
	if sources[0].Path != "contextspace/a.md" || sources[1].Path != "contextspace/b.md" {
		t.Fatalf("order: got %q, %q", sources[0].Path, sources[1].Path)
	}
	if sources[0].Content != "alpha" || sources[1].Content != "beta" {
		t.Fatalf("content: got %q, %q", sources[0].Content, sources[1].Content)
	}
}

func TestLoadPromptSourcesSkipsDirectories(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "contextspace", "sub.md"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	sources, err := loadPromptSources(root, []string{"contextspace/*.md"})
	if err != nil {
		t.Fatalf("loadPromptSources: %v", err)
	}
	if len(sources) != 0 {
		t.Fatalf("sources: got %d want 0", len(sources))
	}
}

func TestTailLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := tailLines(path, 2)
	if len(got) != 2 || got[0] != "three" || got[1] != "four" {
		t.Fatalf("tail: got %v", got)
	}
	if got := tailLines(path, 10); len(got) != 4 {
		t.Fatalf("short file tail: got %v", got)
	}
	if got := tailLines(filepath.Join(dir, "missing.log"), 3); got != nil {
		t.Fatalf("missing file: got %v", got)
	}
	if got := tailLines(path, 0); got != nil {
		t.Fatalf("zero n: got %v", got)
	}
}
