package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// codexEvent is one NDJSON line from `codex exec --json`. Events carry a
// top-level type (thread.started, turn.started, item.started,
// item.completed, turn.completed, turn.failed, error); item events nest an
// item object with its own type.
type codexEvent struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id,omitempty"`
	Item     *codexItem  `json:"item,omitempty"`
	Usage    *codexUsage `json:"usage,omitempty"`
	Error    *codexError `json:"error,omitempty"`
	Message  string      `json:"message,omitempty"`
}

type codexItem struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`

	// agent_message, reasoning
	Text string `json:"text,omitempty"`

	// command_execution
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`

	// web_search
	Query string `json:"query,omitempty"`

	// mcp_tool_call
	Server string `json:"server,omitempty"`
	Tool   string `json:"tool,omitempty"`

	// error item
	Message string `json:"message,omitempty"`
}

// UnmarshalJSON accepts both "type" and "item_type" for the item
// discriminator; codex releases have used either spelling.
func (it *codexItem) UnmarshalJSON(b []byte) error {
	type alias codexItem
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*it = codexItem(a)
	if it.Type == "" {
		var t struct {
			ItemType string `json:"item_type"`
		}
		if err := json.Unmarshal(b, &t); err == nil {
			it.Type = t.ItemType
		}
	}
	return nil
}

type codexUsage struct {
	InputTokens        int64 `json:"input_tokens"`
	CachedInputTokens  int64 `json:"cached_input_tokens"`
	OutputTokens       int64 `json:"output_tokens"`
	ModelContextWindow int64 `json:"model_context_window,omitempty"`
}

type codexError struct {
	Message string `json:"message"`
}

// codexTranslator converts the codex native stream to normalized events.
// Codex emits complete blocks, not streaming deltas, so each agent_message
// arrives as one Delta.
type codexTranslator struct {
	backendID   string
	turnID      string
	onThread    func(threadID string)
	started     bool
	terminal    bool
	lastMessage string
	threadID    string
}

func newCodexTranslator(turnID, priorThread string, onThread func(string)) *codexTranslator {
	return &codexTranslator{
		backendID: "codex",
		turnID:    turnID,
		onThread:  onThread,
		threadID:  priorThread,
	}
}

func (t *codexTranslator) startedEvent() RunEvent {
	t.started = true
	return RunEvent{
		Type:      EventStarted,
		BackendID: t.backendID,
		ThreadID:  t.threadID,
		TurnID:    t.turnID,
	}
}

func (t *codexTranslator) TranslateLine(line []byte) []RunEvent {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || t.terminal {
		return nil
	}
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		// Non-JSON noise on stdout is surfaced, not dropped silently.
		return t.withStart(RunEvent{
			Type:    EventNotification,
			Kind:    "unparsed_output",
			Payload: map[string]any{"line": string(line)},
		})
	}

	switch ev.Type {
	case "thread.started":
		if ev.ThreadID != "" {
			t.threadID = ev.ThreadID
			if t.onThread != nil {
				t.onThread(ev.ThreadID)
			}
		}
		return []RunEvent{t.startedEvent()}
	case "turn.started":
		if !t.started {
			return []RunEvent{t.startedEvent()}
		}
		return nil
	case "item.started", "item.updated", "item.completed":
		return t.withStart(t.translateItem(ev.Type, ev.Item)...)
	case "turn.completed":
		out := []RunEvent{}
		if ev.Usage != nil {
			out = append(out, RunEvent{
				Type:               EventTokenUsage,
				TotalTokens:        ev.Usage.InputTokens + ev.Usage.CachedInputTokens + ev.Usage.OutputTokens,
				ModelContextWindow: ev.Usage.ModelContextWindow,
			})
		}
		t.terminal = true
		out = append(out, RunEvent{Type: EventCompleted, Summary: t.lastMessage})
		return t.withStart(out...)
	case "turn.failed":
		msg := "turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		t.terminal = true
		return t.withStart(RunEvent{
			Type:        EventFailed,
			FailureKind: KindTurnCrash,
			Message:     msg,
			Recoverable: true,
		})
	case "error":
		msg := ev.Message
		if msg == "" && ev.Error != nil {
			msg = ev.Error.Message
		}
		return t.withStart(RunEvent{
			Type:    EventNotification,
			Kind:    "backend_error",
			Payload: map[string]any{"message": msg},
		})
	default:
		return nil
	}
}

func (t *codexTranslator) translateItem(phase string, item *codexItem) []RunEvent {
	if item == nil {
		return nil
	}
	switch item.Type {
	case "agent_message":
		if phase != "item.completed" || item.Text == "" {
			return nil
		}
		t.lastMessage = item.Text
		return []RunEvent{{Type: EventDelta, Text: item.Text}}
	case "reasoning":
		return nil
	case "command_execution":
		status := "running"
		if phase == "item.completed" {
			status = item.Status
			if status == "" {
				status = "completed"
			}
		}
		summary := item.Command
		if phase == "item.completed" && item.ExitCode != nil && *item.ExitCode != 0 {
			summary = fmt.Sprintf("%s (exit %d)", item.Command, *item.ExitCode)
		}
		return []RunEvent{{Type: EventToolCall, ToolName: "shell", ToolStatus: status, Summary: summary}}
	case "file_change", "file_changes":
		if phase != "item.completed" {
			return nil
		}
		return []RunEvent{{Type: EventToolCall, ToolName: "apply_patch", ToolStatus: "completed", Summary: item.Status}}
	case "web_search":
		if phase != "item.completed" {
			return nil
		}
		return []RunEvent{{Type: EventToolCall, ToolName: "web_search", ToolStatus: "completed", Summary: item.Query}}
	case "mcp_tool_call":
		name := item.Tool
		if item.Server != "" {
			name = item.Server + "." + item.Tool
		}
		status := "running"
		if phase == "item.completed" {
			status = "completed"
			if item.Status != "" {
				status = item.Status
			}
		}
		return []RunEvent{{Type: EventToolCall, ToolName: name, ToolStatus: status}}
	case "todo_list":
		return nil
	case "error":
		return []RunEvent{{
			Type:    EventNotification,
			Kind:    "backend_error",
			Payload: map[string]any{"message": item.Message},
		}}
	default:
		return nil
	}
}

// withStart prepends the synthetic Started event when the native stream
// jumped straight to items (resume turns skip thread.started).
func (t *codexTranslator) withStart(events ...RunEvent) []RunEvent {
	if t.started || len(events) == 0 {
		return events
	}
	return append([]RunEvent{t.startedEvent()}, events...)
}

func (t *codexTranslator) Finalize(waitErr error, exitCode int, stderrTail string) []RunEvent {
	if t.terminal {
		return nil
	}
	t.terminal = true
	if waitErr == nil && exitCode == 0 {
		return t.withStart(RunEvent{Type: EventCompleted, Summary: t.lastMessage})
	}
	msg := fmt.Sprintf("codex exited with code %d", exitCode)
	if waitErr != nil {
		msg = waitErr.Error()
	}
	if tail := strings.TrimSpace(stderrTail); tail != "" {
		msg = msg + ": " + lastLine(tail)
	}
	return t.withStart(RunEvent{
		Type:        EventFailed,
		FailureKind: KindTurnCrash,
		Message:     msg,
		Recoverable: true,
	})
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
