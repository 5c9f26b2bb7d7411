// Package ticket reads and updates the TICKET-NNN.md files that drive the
// flow. The frontmatter on disk is the single authority for ticket status:
// a ticket is done iff its frontmatter says done: true.
package ticket

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultAgent is assumed when the frontmatter omits the agent key.
const DefaultAgent = "codex"

var fileNameRe = regexp.MustCompile(`^TICKET-(\d+)\.md$`)

// Ticket is one unit of work.
type Ticket struct {
	Path   string
	Number int
	Agent  string
	Done   bool
	Title  string
	Body   string
}

// Name returns the ticket's file name without extension, e.g. "TICKET-001".
func (t *Ticket) Name() string {
	base := filepath.Base(t.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ParseError describes a ticket file that could not be parsed. The file is
// skipped, never silently treated as done or open.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// frontmatter is the declared subset; unknown keys are tolerated because
// humans and agents both edit these files.
type frontmatter struct {
	Agent string `yaml:"agent"`
	Done  *bool  `yaml:"done"`
	Title string `yaml:"title"`
}

// Load parses a single ticket file.
func Load(path string) (*Ticket, error) {
	m := fileNameRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("file name is not TICKET-NNN.md")}
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fm, body, fmLine, err := splitFrontmatter(b)
	if err != nil {
		return nil, &ParseError{Path: path, Line: fmLine, Err: err}
	}
	var parsed frontmatter
	if err := yaml.Unmarshal(fm, &parsed); err != nil {
		return nil, &ParseError{Path: path, Line: fmLine, Err: err}
	}
	if parsed.Done == nil {
		return nil, &ParseError{Path: path, Line: fmLine, Err: fmt.Errorf("frontmatter is missing required key done")}
	}
	agent := strings.TrimSpace(parsed.Agent)
	if agent == "" {
		agent = DefaultAgent
	}
	return &Ticket{
		Path:   path,
		Number: num,
		Agent:  agent,
		Done:   *parsed.Done,
		Title:  strings.TrimSpace(parsed.Title),
		Body:   string(body),
	}, nil
}

// List parses every TICKET-NNN.md in dir, sorted by number. Unparsable
// tickets are returned separately so the caller can record them.
func List(dir string) ([]*Ticket, []*ParseError, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var tickets []*Ticket
	var parseErrs []*ParseError
	for _, e := range entries {
		if e.IsDir() || !fileNameRe.MatchString(e.Name()) {
			continue
		}
		t, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			var pe *ParseError
			if ok := asParseError(err, &pe); ok {
				parseErrs = append(parseErrs, pe)
				continue
			}
			return nil, nil, err
		}
		tickets = append(tickets, t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].Number < tickets[j].Number })
	return tickets, parseErrs, nil
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*target = pe
	}
	return ok
}

// NextOpen returns the lowest-numbered ticket whose done is false.
func NextOpen(tickets []*Ticket) (*Ticket, bool) {
	for _, t := range tickets {
		if !t.Done {
			return t, true
		}
	}
	return nil, false
}

// MarkDone flips the done key to true in the file's frontmatter, preserving
// every other byte. Returns whether the file changed.
func MarkDone(path string) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	fm, _, fmLine, err := splitFrontmatter(b)
	if err != nil {
		return false, &ParseError{Path: path, Line: fmLine, Err: err}
	}

	lines := strings.Split(string(fm), "\n")
	replaced := false
	for i, line := range lines {
		key, rest, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) != "done" {
			continue
		}
		if strings.TrimSpace(rest) == "true" {
			return false, nil
		}
		lines[i] = "done: true"
		replaced = true
		break
	}
	if !replaced {
		// fm always ends with a newline unless empty, so the split leaves a
		// trailing empty element; insert before it to keep the closing
		// delimiter on its own line.
		if n := len(lines); n > 0 && lines[n-1] == "" {
			lines = append(lines[:n-1], "done: true", "")
		} else {
			lines = append(lines, "done: true", "")
		}
	}
	newFM := strings.Join(lines, "\n")

	// fm is a subslice of b starting right after the opening delimiter line.
	fmStart := bytes.IndexByte(b, '\n') + 1
	fmEnd := fmStart + len(fm)
	out := make([]byte, 0, len(b)+len(newFM)-len(fm))
	out = append(out, b[:fmStart]...)
	out = append(out, newFM...)
	out = append(out, b[fmEnd:]...)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return false, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false, err
	}
	return true, nil
}

// splitFrontmatter separates the YAML frontmatter block from the body.
// Returns the raw frontmatter (without delimiters), the body, and the line
// number where the frontmatter starts.
func splitFrontmatter(b []byte) (fm []byte, body []byte, fmLine int, err error) {
	const delim = "---"
	s := string(b)
	lines := strings.SplitAfter(s, "\n")
	if len(lines) == 0 || strings.TrimSpace(strings.TrimSuffix(lines[0], "\n")) != delim {
		return nil, nil, 1, fmt.Errorf("missing frontmatter opening delimiter")
	}
	offset := len(lines[0])
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(strings.TrimSuffix(lines[i], "\n")) == delim {
			fmEnd := offset
			bodyStart := offset + len(lines[i])
			return b[len(lines[0]):fmEnd], b[bodyStart:], 2, nil
		}
		offset += len(lines[i])
	}
	return nil, nil, 1, fmt.Errorf("missing frontmatter closing delimiter")
}

// Checklist counts top-level markdown checkboxes in a ticket body.
func Checklist(body string) (done, total int) {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "- [x]"), strings.HasPrefix(trimmed, "- [X]"):
			done++
			total++
		case strings.HasPrefix(trimmed, "- [ ]"):
			total++
		}
	}
	return done, total
}

// Write creates or replaces a ticket file with the given frontmatter and body.
func Write(path string, agent string, done bool, title string, body string) error {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	fmt.Fprintf(&buf, "agent: %s\n", agent)
	fmt.Fprintf(&buf, "done: %t\n", done)
	if strings.TrimSpace(title) != "" {
		fmt.Fprintf(&buf, "title: %s\n", title)
	}
	buf.WriteString("---\n")
	buf.WriteString(body)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
