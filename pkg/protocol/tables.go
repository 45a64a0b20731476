package protocol

// Conversation represents a row in the conversations SQLite table.
// Mutated only through the ledger store and the truncator.
type Conversation struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	AgentKey      string `json:"agent_key"`
	WorkflowKey   string `json:"workflow_key"`
	MessageCount  int    `json:"message_count"`
	LastMessageAt string `json:"last_message_at"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// Segment represents a row in the segments SQLite table.
// ParentSegmentID is a back-reference for lineage, never an ownership edge.
// A nil TruncatedAt marks the single active segment of a conversation.
type Segment struct {
	ID                  int64  `json:"id"`
	ConversationID      string `json:"conversation_id"`
	SegmentIndex        int    `json:"segment_index"`
	ParentSegmentID     *int64 `json:"parent_segment_id"`
	VisibleThroughEvent *int64 `json:"visible_through_event_id"`
	VisibleThroughPos   *int64 `json:"visible_through_message_position"`
	TruncatedAt         string `json:"truncated_at"`
	TruncatedBy         string `json:"truncated_by"`
	CreatedAt           string `json:"created_at"`
}

// Active reports whether this segment is the conversation's open segment.
func (s Segment) Active() bool {
	return s.TruncatedAt == ""
}

// Event represents a row in the events SQLite table. ID is the global
// ordering and cursor key; (ConversationID, StreamID, Seq) is the
// idempotency key. Payload holds the body inline unless PayloadRef points
// at externally stored bytes.
type Event struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SegmentID      int64     `json:"segment_id"`
	SchemaVersion  int       `json:"schema_version"`
	Kind           EventKind `json:"kind"`
	StreamID       string    `json:"stream_id"`
	Seq            int64     `json:"seq"`
	ServerTS       string    `json:"server_ts"`
	ResponseID     string    `json:"response_id,omitempty"`
	AgentKey       string    `json:"agent_key,omitempty"`
	WorkflowRunID  string    `json:"workflow_run_id,omitempty"`
	StageName      string    `json:"stage_name,omitempty"`
	ParallelGroup  string    `json:"parallel_group,omitempty"`
	BranchIndex    int       `json:"branch_index"`
	ItemID         string    `json:"item_id,omitempty"`
	ToolCallID     string    `json:"tool_call_id,omitempty"`
	ContentIndex   int       `json:"content_index"`
	Payload        string    `json:"payload,omitempty"`
	PayloadRef     string    `json:"payload_ref,omitempty"`
	PayloadSize    int64     `json:"payload_size"`
}

// Message represents a row in the messages SQLite table. Position is
// monotonic per conversation and never reused, even across truncation.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SegmentID      int64  `json:"segment_id"`
	Position       int64  `json:"position"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Attachments    string `json:"attachments"`
	InputTokens    int64  `json:"input_tokens"`
	OutputTokens   int64  `json:"output_tokens"`
	CreatedAt      string `json:"created_at"`
}

// Message role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// RunStatus is the lifecycle state of a run_queue item.
type RunStatus string

// Run queue item states. Transitions only move forward:
// queued -> running -> {completed, failed, cancelled}.
const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether a status is an end state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunQueueItem represents a row in the run_queue SQLite table: one pending
// or executing turn for a conversation.
type RunQueueItem struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SegmentID      *int64    `json:"segment_id"`
	CreatedBy      string    `json:"created_by"`
	Status         RunStatus `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	Payload        string    `json:"payload"`
	Error          string    `json:"error"`
	CreatedAt      string    `json:"created_at"`
	StartedAt      string    `json:"started_at"`
	HeartbeatAt    string    `json:"heartbeat_at"`
	CompletedAt    string    `json:"completed_at"`
	CancelledAt    string    `json:"cancelled_at"`
}

// Workflow run states.
const (
	WorkflowRunning   = "running"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
	WorkflowCancelled = "cancelled"
)

// WorkflowRun represents a row in the workflow_runs SQLite table.
type WorkflowRun struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	WorkflowKey    string `json:"workflow_key"`
	Status         string `json:"status"`
	FinalOutput    string `json:"final_output"`
	Error          string `json:"error"`
	CreatedAt      string `json:"created_at"`
	CompletedAt    string `json:"completed_at"`
}

// WorkflowStep represents a row in the workflow_steps SQLite table: one row
// per executed step, including every branch of a parallel stage.
type WorkflowStep struct {
	ID            int64  `json:"id"`
	RunID         string `json:"run_id"`
	StageName     string `json:"stage_name"`
	ParallelGroup string `json:"parallel_group"`
	BranchIndex   int    `json:"branch_index"`
	AgentKey      string `json:"agent_key"`
	Status        string `json:"status"`
	Input         string `json:"input"`
	Output        string `json:"output"`
	RawPayload    string `json:"raw_payload"`
	Error         string `json:"error"`
	InputTokens   int64  `json:"input_tokens"`
	OutputTokens  int64  `json:"output_tokens"`
	StartedAt     string `json:"started_at"`
	CompletedAt   string `json:"completed_at"`
}
