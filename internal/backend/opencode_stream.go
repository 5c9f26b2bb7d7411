package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// opencodeEvent is one JSONL line from `opencode run --format jsonl`.
type opencodeEvent struct {
	Type string `json:"type"`

	// session.start
	SessionID string `json:"session_id,omitempty"`

	// text.delta
	Text string `json:"text,omitempty"`

	// tool.start / tool.end
	Tool   string `json:"tool,omitempty"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status,omitempty"`

	// usage
	Tokens        *opencodeTokens `json:"tokens,omitempty"`
	ContextWindow int64           `json:"context_window,omitempty"`

	// handoff
	Mode        string   `json:"mode,omitempty"`
	Body        string   `json:"body,omitempty"`
	Attachments []string `json:"attachments,omitempty"`

	// notification
	Kind    string         `json:"kind,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	// error
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`

	// done
	Summary        string   `json:"summary,omitempty"`
	TicketsTouched []string `json:"tickets_touched,omitempty"`
}

type opencodeTokens struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// opencodeTranslator converts the opencode native stream to normalized
// events. Rate limits arrive as error events with code "rate_limited" and
// stay non-fatal; the server keeps the turn alive and retries internally.
type opencodeTranslator struct {
	turnID    string
	onSession func(sessionID string)
	started   bool
	terminal  bool
	sessionID string
	lastText  strings.Builder
}

func newOpencodeTranslator(turnID, priorSession string, onSession func(string)) *opencodeTranslator {
	return &opencodeTranslator{
		turnID:    turnID,
		onSession: onSession,
		sessionID: priorSession,
	}
}

func (t *opencodeTranslator) startedEvent() RunEvent {
	t.started = true
	return RunEvent{
		Type:      EventStarted,
		BackendID: "opencode",
		ThreadID:  t.sessionID,
		TurnID:    t.turnID,
	}
}

func (t *opencodeTranslator) withStart(events ...RunEvent) []RunEvent {
	if t.started || len(events) == 0 {
		return events
	}
	return append([]RunEvent{t.startedEvent()}, events...)
}

func (t *opencodeTranslator) TranslateLine(line []byte) []RunEvent {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || t.terminal {
		return nil
	}
	var ev opencodeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return t.withStart(RunEvent{
			Type:    EventNotification,
			Kind:    "unparsed_output",
			Payload: map[string]any{"line": string(line)},
		})
	}

	switch ev.Type {
	case "session.start":
		if ev.SessionID != "" {
			t.sessionID = ev.SessionID
			if t.onSession != nil {
				t.onSession(ev.SessionID)
			}
		}
		return []RunEvent{t.startedEvent()}
	case "text.delta":
		if ev.Text == "" {
			return nil
		}
		t.lastText.WriteString(ev.Text)
		return t.withStart(RunEvent{Type: EventDelta, Text: ev.Text})
	case "tool.start":
		return t.withStart(RunEvent{Type: EventToolCall, ToolName: ev.Tool, ToolStatus: "running", Summary: ev.Title})
	case "tool.end":
		status := ev.Status
		if status == "" {
			status = "completed"
		}
		return t.withStart(RunEvent{Type: EventToolCall, ToolName: ev.Tool, ToolStatus: status, Summary: ev.Title})
	case "usage":
		var total int64
		if ev.Tokens != nil {
			total = ev.Tokens.Total
			if total == 0 {
				total = ev.Tokens.Input + ev.Tokens.Output
			}
		}
		return t.withStart(RunEvent{Type: EventTokenUsage, TotalTokens: total, ModelContextWindow: ev.ContextWindow})
	case "handoff":
		mode := ev.Mode
		if mode != HandoffPause && mode != HandoffNotify {
			mode = HandoffNotify
		}
		return t.withStart(RunEvent{
			Type:        EventHandoffRequested,
			HandoffMode: mode,
			Title:       ev.Title,
			Body:        ev.Body,
			Attachments: ev.Attachments,
		})
	case "notification":
		return t.withStart(RunEvent{Type: EventNotification, Kind: ev.Kind, Payload: ev.Payload})
	case "error":
		if ev.Code == "rate_limited" {
			return t.withStart(RunEvent{
				Type: EventNotification,
				Kind: "rate_limited",
				Payload: map[string]any{
					"message":        ev.Message,
					"retry_after_ms": ev.RetryAfterMS,
				},
			})
		}
		t.terminal = true
		msg := ev.Message
		if msg == "" {
			msg = "backend error"
		}
		if ev.Code != "" {
			msg = fmt.Sprintf("%s: %s", ev.Code, msg)
		}
		return t.withStart(RunEvent{
			Type:        EventFailed,
			FailureKind: KindTurnCrash,
			Message:     msg,
			Recoverable: true,
		})
	case "done":
		t.terminal = true
		summary := ev.Summary
		if summary == "" {
			summary = t.lastText.String()
		}
		return t.withStart(RunEvent{
			Type:           EventCompleted,
			Summary:        summary,
			TicketsTouched: ev.TicketsTouched,
		})
	default:
		return nil
	}
}

func (t *opencodeTranslator) Finalize(waitErr error, exitCode int, stderrTail string) []RunEvent {
	if t.terminal {
		return nil
	}
	t.terminal = true
	if waitErr == nil && exitCode == 0 {
		return t.withStart(RunEvent{Type: EventCompleted, Summary: t.lastText.String()})
	}
	msg := fmt.Sprintf("opencode exited with code %d", exitCode)
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
