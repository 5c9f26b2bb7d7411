package engine

// Flow event types appended to the store. Replaying a run's timeline in seq
// order reconstructs every ticket transition and status change.
const (
	EventFlowStarted    = "flow_started"
	EventFlowCompleted  = "flow_completed"
	EventFlowFailed     = "flow_failed"
	EventFlowStopped    = "flow_stopped"
	EventFlowSuperseded = "flow_superseded"
	EventFlowResumed    = "flow_resumed"

	EventStepStarted   = "step_started"
	EventLockRecovered = "lock_recovered"

	EventAgentStarted      = "agent_started"
	EventAgentDelta        = "agent_stream_delta"
	EventAgentTokenUsage   = "agent_token_usage"
	EventAgentToolCall     = "agent_tool_call"
	EventAgentNotification = "agent_notification"
	EventHandoffRequested  = "handoff_requested"

	EventTicketDone       = "ticket_done"
	EventTicketsAdded     = "tickets_added"
	EventTicketParseError = "ticket_parse_error"
)
