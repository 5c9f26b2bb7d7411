package backend

import (
	"context"
	"errors"
	"sync"
)

// EventType discriminates normalized run events. Every backend adapter
// translates its native stream into these; the engine never sees anything
// backend-specific.
type EventType string

const (
	EventStarted          EventType = "started"
	EventDelta            EventType = "delta"
	EventTokenUsage       EventType = "token_usage"
	EventToolCall         EventType = "tool_call"
	EventNotification     EventType = "notification"
	EventHandoffRequested EventType = "handoff_requested"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
)

// Failure kinds shared across the engine and the adapters.
const (
	KindConfigError         = "ConfigError"
	KindLockedAlive         = "LockedAlive"
	KindLockStale           = "LockStale"
	KindBackendStartFailure = "BackendStartFailure"
	KindTurnCrash           = "TurnCrash"
	KindTicketParseError    = "TicketParseError"
)

// HandoffMode is how a HandoffRequested event wants the flow to react.
const (
	HandoffPause  = "pause"
	HandoffNotify = "notify"
)

// RunEvent is one normalized event on a turn stream. Only the fields for
// the event's Type are meaningful.
type RunEvent struct {
	Type EventType

	// Started
	BackendID string
	ThreadID  string
	TurnID    string

	// Delta
	Text string

	// TokenUsage
	TotalTokens        int64
	ModelContextWindow int64

	// ToolCall
	ToolName   string
	ToolStatus string

	// Notification
	Kind    string
	Payload map[string]any

	// HandoffRequested
	HandoffMode string
	Title       string
	Body        string
	Attachments []string

	// Completed (Summary also used by ToolCall)
	Summary        string
	TicketsTouched []string

	// Failed
	FailureKind string
	Message     string
	Recoverable bool
}

// Terminal reports whether the event ends its stream.
func (e RunEvent) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

// ErrStreamClosed is returned by Send after the consumer abandoned the
// stream.
var ErrStreamClosed = errors.New("turn stream closed by consumer")

// defaultStreamBuffer bounds the producer/consumer channel. A full buffer
// blocks the producer, which in turn stalls reads from the backend pipe:
// backpressure instead of unbounded memory.
const defaultStreamBuffer = 256

// TurnStream carries the finite event stream of a single turn. The producer
// (adapter) calls Send then Finish; the consumer (engine) ranges over
// Events. The last event before close is Completed or Failed unless the
// consumer abandoned the stream early with Close.
type TurnStream struct {
	ch         chan RunEvent
	done       chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once
}

// NewTurnStream returns a stream with the given buffer size; size <= 0 uses
// the default.
func NewTurnStream(buffer int) *TurnStream {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &TurnStream{
		ch:   make(chan RunEvent, buffer),
		done: make(chan struct{}),
	}
}

// Send delivers one event to the consumer, blocking when the buffer is
// full. Returns ErrStreamClosed if the consumer abandoned the stream, or
// the context error on cancellation.
func (s *TurnStream) Send(ctx context.Context, ev RunEvent) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish closes the event channel. The producer must not Send afterwards.
func (s *TurnStream) Finish() {
	s.finishOnce.Do(func() { close(s.ch) })
}

// Events returns the consumer side of the stream.
func (s *TurnStream) Events() <-chan RunEvent { return s.ch }

// Close abandons the stream from the consumer side. Pending and future
// Sends return ErrStreamClosed; the producer is expected to tear the turn
// down. Idempotent.
func (s *TurnStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Closed reports whether the consumer abandoned the stream.
func (s *TurnStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
