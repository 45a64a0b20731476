package runner

import (
	"context"
	"encoding/json"

	"loom/pkg/protocol"
)

// --- External collaborator contracts ---
//
// The orchestrator consumes narrow interfaces; production implementations
// live outside this module (model runtimes, guardrail services, billing).

// RunRequest is one agent invocation.
type RunRequest struct {
	AgentKey       string
	ConversationID string
	SessionID      string
	Input          string
	Options        map[string]string
}

// Usage is a token-usage snapshot for one provider call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates another snapshot into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ProducedFile is a file emitted by a tool during a run (a chart, an
// exported document). The orchestrator ingests these into the object store
// and attaches them to the assistant message.
type ProducedFile struct {
	Name      string
	MediaType string
	Data      []byte
}

// RunResult is the outcome of a completed provider call.
type RunResult struct {
	ResponseID string
	Output     string            // final assistant text
	Items      []json.RawMessage // raw run items, in production order
	Files      []ProducedFile
	Usage      Usage
}

// StreamEvent is one element of a provider's live event sequence. Exactly
// one terminal event (Done or Err set) ends the sequence.
type StreamEvent struct {
	Item json.RawMessage // raw run item, projected into the ledger
	Done *RunResult      // set on the successful terminal event
	Err  error           // set on the failing terminal event
}

// Terminal reports whether ev ends the stream.
func (ev StreamEvent) Terminal() bool {
	return ev.Done != nil || ev.Err != nil
}

// Provider is the agent provider runtime: an opaque external system that
// executes one agent turn, either as a single call or as a live stream.
// The stream channel is closed after the terminal event.
type Provider interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	RunStream(ctx context.Context, req RunRequest) (<-chan StreamEvent, error)
}

// Guardrail stages.
const (
	GuardInput  = "input"
	GuardOutput = "output"
)

// Verdict is a guardrail decision. Only the allow/block bit and the info
// string are consumed here; policy content is out of scope.
type Verdict struct {
	Allow bool
	Info  string
}

// Guardrail checks content before and after provider calls.
type Guardrail interface {
	Check(ctx context.Context, stage, content string) (Verdict, error)
}

// UsageSnapshot is what the billing recorder receives at finalize time.
type UsageSnapshot struct {
	TenantID       string
	ConversationID string
	AgentKey       string
	WorkflowRunID  string
	Usage          Usage
}

// UsageRecorder receives usage snapshots. Fire-and-forget: the orchestrator
// never fails a turn on a recorder error.
type UsageRecorder interface {
	Record(ctx context.Context, snap UsageSnapshot)
}

// TurnRequest is the payload of a run_queue item: one pending user turn.
type TurnRequest struct {
	AgentKey    string                `json:"agent_key"`
	Input       string                `json:"input"`
	SessionID   string                `json:"session_id,omitempty"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`
	Options     map[string]string     `json:"options,omitempty"`
}

// EncodeTurnRequest serializes a TurnRequest for the queue payload column.
func EncodeTurnRequest(req TurnRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeTurnRequest parses a queue payload back into a TurnRequest.
func DecodeTurnRequest(payload string) (TurnRequest, error) {
	var req TurnRequest
	err := json.Unmarshal([]byte(payload), &req)
	return req, err
}
