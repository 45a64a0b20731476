// Package projector normalizes heterogeneous provider run items into
// ledger event records. Providers emit loosely-shaped JSON items; the
// projector classifies each into the closed kind set and extracts the
// fields the ledger anchors on. Shapes it does not recognize degrade to
// kind "unknown" with the original payload preserved verbatim, so a new
// provider item type is forward-compatible instead of fatal.
package projector

import (
	"encoding/json"
	"strings"

	"loom/pkg/protocol"
)

// rawItem is the superset of fields the known provider item shapes carry.
// Unknown fields are ignored; missing fields are zero.
type rawItem struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	Role        string          `json:"role"`
	Status      string          `json:"status"`
	Name        string          `json:"name"`
	CallID      string          `json:"call_id"`
	Arguments   json.RawMessage `json:"arguments"`
	Output      json.RawMessage `json:"output"`
	Content     json.RawMessage `json:"content"`
	ServerLabel string          `json:"server_label"`
	Summary     json.RawMessage `json:"summary"`
	ContainerID string          `json:"container_id"`
}

// contentBlock is one element of a structured message content array.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Project classifies one raw provider item into a ledger event record.
// Stream identity (stream_id, seq) and segment placement are assigned by
// the caller; Project only fills kind, anchors, and payload.
func Project(raw json.RawMessage) protocol.Event {
	var item rawItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return unknown(raw)
	}

	switch item.Type {
	case "message":
		return projectMessage(item, raw)
	case "function_call", "tool_call", "custom_tool_call":
		return protocol.Event{
			Kind:       protocol.KindToolCall,
			ItemID:     item.ID,
			ToolCallID: item.CallID,
			Payload:    payloadJSON(map[string]any{"name": item.Name, "arguments": rawOrNil(item.Arguments)}),
		}
	case "function_call_output", "tool_result", "custom_tool_call_output":
		return protocol.Event{
			Kind:       protocol.KindToolResult,
			ItemID:     item.ID,
			ToolCallID: item.CallID,
			Payload:    payloadJSON(map[string]any{"output": rawOrNil(item.Output)}),
		}
	case "mcp_call", "mcp_tool_call":
		return protocol.Event{
			Kind:       protocol.KindMCPCall,
			ItemID:     item.ID,
			ToolCallID: item.CallID,
			Payload: payloadJSON(map[string]any{
				"server":    item.ServerLabel,
				"name":      item.Name,
				"arguments": rawOrNil(item.Arguments),
				"output":    rawOrNil(item.Output),
			}),
		}
	case "reasoning":
		return protocol.Event{
			Kind:    protocol.KindReasoning,
			ItemID:  item.ID,
			Payload: extractText(item.Summary),
		}
	case "tool_context", "container", "code_interpreter_container":
		return protocol.Event{
			Kind:    protocol.KindToolContext,
			ItemID:  item.ID,
			Payload: payloadJSON(map[string]any{"container_id": item.ContainerID}),
		}
	default:
		return unknown(raw)
	}
}

// ProjectAll projects a batch of raw items and stamps them with a stream
// identity: consecutive sequence numbers starting at startSeq.
func ProjectAll(raws []json.RawMessage, streamID string, startSeq int64) []protocol.Event {
	events := make([]protocol.Event, 0, len(raws))
	for i, raw := range raws {
		ev := Project(raw)
		ev.StreamID = streamID
		ev.Seq = startSeq + int64(i)
		events = append(events, ev)
	}
	return events
}

func projectMessage(item rawItem, raw json.RawMessage) protocol.Event {
	var kind protocol.EventKind
	switch item.Role {
	case protocol.RoleUser:
		kind = protocol.KindUserMessage
	case protocol.RoleAssistant:
		kind = protocol.KindAssistantMessage
	case protocol.RoleSystem, "developer":
		kind = protocol.KindSystemMessage
	default:
		return unknown(raw)
	}
	return protocol.Event{
		Kind:    kind,
		ItemID:  item.ID,
		Payload: extractText(item.Content),
	}
}

// extractText pulls human-readable text out of a content field that may be
// a bare string or an array of typed blocks.
func extractText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return string(content)
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text", "input_text", "output_text", "summary_text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func unknown(raw json.RawMessage) protocol.Event {
	return protocol.Event{
		Kind:    protocol.KindUnknown,
		Payload: string(raw),
	}
}

func payloadJSON(m map[string]any) string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

// rawOrNil keeps structured arguments/output as raw JSON inside the
// normalized payload rather than double-encoding them as strings.
func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
