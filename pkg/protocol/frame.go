package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Frame is the server-sent-event wire form of a ledger event; the mapping
// is 1:1. Consumers must de-duplicate on (StreamID, Seq) — the same frame
// may be delivered again after a reconnect replay.
type Frame struct {
	SchemaVersion int       `json:"v"`
	Kind          EventKind `json:"kind"`
	StreamID      string    `json:"stream_id"`
	Seq           int64     `json:"seq"`
	ServerTS      string    `json:"ts"`
	ResponseID    string    `json:"response_id,omitempty"`
	AgentKey      string    `json:"agent_key,omitempty"`
	WorkflowRunID string    `json:"workflow_run_id,omitempty"`
	StageName     string    `json:"stage,omitempty"`
	ParallelGroup string    `json:"parallel_group,omitempty"`
	BranchIndex   int       `json:"branch,omitempty"`
	ItemID        string    `json:"item_id,omitempty"`
	ToolCallID    string    `json:"tool_call_id,omitempty"`
	ContentIndex  int       `json:"content_index,omitempty"`
	Payload       string    `json:"payload,omitempty"`
}

// FrameFromEvent converts a stored ledger event into its wire frame.
func FrameFromEvent(ev Event) Frame {
	return Frame{
		SchemaVersion: ev.SchemaVersion,
		Kind:          ev.Kind,
		StreamID:      ev.StreamID,
		Seq:           ev.Seq,
		ServerTS:      ev.ServerTS,
		ResponseID:    ev.ResponseID,
		AgentKey:      ev.AgentKey,
		WorkflowRunID: ev.WorkflowRunID,
		StageName:     ev.StageName,
		ParallelGroup: ev.ParallelGroup,
		BranchIndex:   ev.BranchIndex,
		ItemID:        ev.ItemID,
		ToolCallID:    ev.ToolCallID,
		ContentIndex:  ev.ContentIndex,
		Payload:       ev.Payload,
	}
}

// MarshalSSE renders the frame as a complete server-sent-event block:
// an id line carrying the global ledger id (the resume cursor), an event
// line carrying the kind, and a data line carrying the JSON body.
func (f Frame) MarshalSSE(globalID int64) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame body: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\n", globalID)
	fmt.Fprintf(&buf, "event: %s\n", f.Kind)
	fmt.Fprintf(&buf, "data: %s\n\n", body)
	return buf.Bytes(), nil
}
