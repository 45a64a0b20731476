package protocol

// EventKind classifies a ledger event. The set is closed: anything a
// provider emits that does not match a known shape is stored as KindUnknown
// with its payload preserved verbatim, so new provider item types degrade
// to pass-through instead of being dropped.
type EventKind string

// Ledger event kinds.
const (
	KindUserMessage      EventKind = "user_message"
	KindAssistantMessage EventKind = "assistant_message"
	KindSystemMessage    EventKind = "system_message"
	KindToolCall         EventKind = "tool_call"
	KindToolResult       EventKind = "tool_result"
	KindMCPCall          EventKind = "mcp_call"
	KindReasoning        EventKind = "reasoning"
	KindToolContext      EventKind = "tool_context"
	KindError            EventKind = "error"
	KindDone             EventKind = "done"
	KindUnknown          EventKind = "unknown"
)

// Known reports whether k is a member of the closed kind set.
func (k EventKind) Known() bool {
	switch k {
	case KindUserMessage, KindAssistantMessage, KindSystemMessage,
		KindToolCall, KindToolResult, KindMCPCall, KindReasoning,
		KindToolContext, KindError, KindDone, KindUnknown:
		return true
	}
	return false
}

// Terminal reports whether k ends a stream. A terminal event triggers
// finalize in the orchestrator and releases admission.
func (k EventKind) Terminal() bool {
	return k == KindDone || k == KindError
}

// SchemaVersion is the current ledger event schema version, stamped on
// every event row and wire frame.
const SchemaVersion = 1
