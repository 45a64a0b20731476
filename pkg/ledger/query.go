package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"loom/pkg/protocol"
)

// Query is the visibility-aware read path over segments, events, and
// messages. A truncated segment only exposes rows up to its cutoffs; the
// active segment exposes everything. Query never mutates the ledger.
type Query struct {
	db    *sql.DB
	blobs ObjectStore
}

// NewQuery creates a read handle. blobs may be nil when offloaded payloads
// will never be resolved through this handle.
func NewQuery(db *sql.DB, blobs ObjectStore) *Query {
	return &Query{db: db, blobs: blobs}
}

// messageVisible is the visibility predicate for messages: everything in
// the active segment, only the prefix up to the cutoff in truncated ones.
// A truncated segment with a NULL cutoff exposes nothing.
const messageVisible = `(s.truncated_at IS NULL OR m.position <= COALESCE(s.visible_through_message_position, -1))`

// eventVisible is the visibility predicate for events, keyed on the global
// ledger id.
const eventVisible = `(s.truncated_at IS NULL OR e.id <= COALESCE(s.visible_through_event_id, 0))`

// Conversation resolves a conversation and enforces tenant ownership.
// A foreign conversation is indistinguishable from an absent one.
func (q *Query) Conversation(ctx context.Context, tenantID, conversationID string) (*protocol.Conversation, error) {
	var c protocol.Conversation
	var lastMsg sql.NullString
	err := q.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, agent_key, workflow_key, message_count, last_message_at, created_at, updated_at
		 FROM conversations WHERE id = ? AND tenant_id = ?`,
		conversationID, tenantID,
	).Scan(&c.ID, &c.TenantID, &c.AgentKey, &c.WorkflowKey, &c.MessageCount, &lastMsg, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Entity: "conversation", ID: conversationID}
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	c.LastMessageAt = lastMsg.String
	return &c, nil
}

// Conversations lists a tenant's conversations, most recently touched
// first. An empty tenantID lists every tenant's conversations; the
// dashboard uses that.
func (q *Query) Conversations(ctx context.Context, tenantID string, limit int) ([]protocol.Conversation, error) {
	query := `SELECT id, tenant_id, agent_key, workflow_key, message_count, last_message_at, created_at, updated_at
	          FROM conversations`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []protocol.Conversation
	for rows.Next() {
		var c protocol.Conversation
		var lastMsg sql.NullString
		if err := rows.Scan(&c.ID, &c.TenantID, &c.AgentKey, &c.WorkflowKey, &c.MessageCount, &lastMsg, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.LastMessageAt = lastMsg.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// Transcript returns the visible messages of a conversation in position
// order: the transcript a user sees after any number of truncations.
func (q *Query) Transcript(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.segment_id, m.position, m.role, m.content,
		        m.attachments, m.input_tokens, m.output_tokens, m.created_at
		 FROM messages m
		 JOIN segments s ON s.id = m.segment_id
		 WHERE m.conversation_id = ? AND `+messageVisible+`
		 ORDER BY m.position ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.Message
	for rows.Next() {
		var m protocol.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SegmentID, &m.Position, &m.Role,
			&m.Content, &m.Attachments, &m.InputTokens, &m.OutputTokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return msgs, nil
}

// Message resolves one message by id within a conversation, without
// visibility filtering (truncation needs to see hidden rows).
func (q *Query) Message(ctx context.Context, conversationID, messageID string) (*protocol.Message, error) {
	var m protocol.Message
	err := q.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, segment_id, position, role, content,
		        attachments, input_tokens, output_tokens, created_at
		 FROM messages WHERE id = ? AND conversation_id = ?`,
		messageID, conversationID,
	).Scan(&m.ID, &m.ConversationID, &m.SegmentID, &m.Position, &m.Role,
		&m.Content, &m.Attachments, &m.InputTokens, &m.OutputTokens, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Entity: "message", ID: messageID}
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	return &m, nil
}

// EventPage is one page of the event log. Cursor is the global id of the
// last event in the page; pass it back as afterID to resume. Resuming from
// a cursor never re-returns an observed id and never skips one that existed
// when the cursor was issued, because ids are append-only and strictly
// increasing.
type EventPage struct {
	Events  []protocol.Event
	Cursor  int64
	HasMore bool
}

// Events returns visible events with id > afterID, oldest first, up to
// limit (default 100).
func (q *Query) Events(ctx context.Context, conversationID string, afterID int64, limit int) (EventPage, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT e.id, e.conversation_id, e.segment_id, e.schema_version, e.kind, e.stream_id, e.seq, e.server_ts,
		        e.response_id, e.agent_key, e.workflow_run_id, e.stage_name, e.parallel_group, e.branch_index,
		        e.item_id, e.tool_call_id, e.content_index, e.payload, e.payload_ref, e.payload_size
		 FROM events e
		 JOIN segments s ON s.id = e.segment_id
		 WHERE e.conversation_id = ? AND e.id > ? AND `+eventVisible+`
		 ORDER BY e.id ASC
		 LIMIT ?`,
		conversationID, afterID, limit+1,
	)
	if err != nil {
		return EventPage{}, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var page EventPage
	for rows.Next() {
		var e protocol.Event
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.SegmentID, &e.SchemaVersion, &e.Kind, &e.StreamID, &e.Seq, &e.ServerTS,
			&e.ResponseID, &e.AgentKey, &e.WorkflowRunID, &e.StageName, &e.ParallelGroup, &e.BranchIndex,
			&e.ItemID, &e.ToolCallID, &e.ContentIndex, &e.Payload, &e.PayloadRef, &e.PayloadSize); err != nil {
			return EventPage{}, fmt.Errorf("scan event: %w", err)
		}
		page.Events = append(page.Events, e)
	}
	if err := rows.Err(); err != nil {
		return EventPage{}, fmt.Errorf("iterate events: %w", err)
	}

	if len(page.Events) > limit {
		page.Events = page.Events[:limit]
		page.HasMore = true
	}
	if n := len(page.Events); n > 0 {
		page.Cursor = page.Events[n-1].ID
	} else {
		page.Cursor = afterID
	}
	return page, nil
}

// EventPayload resolves an event's payload body, following the object
// store pointer when the payload was offloaded.
func (q *Query) EventPayload(ctx context.Context, ev protocol.Event) (string, error) {
	if ev.PayloadRef == "" {
		return ev.Payload, nil
	}
	if q.blobs == nil {
		return "", fmt.Errorf("event %s/%d payload is offloaded and no object store is configured", ev.StreamID, ev.Seq)
	}
	data, err := q.blobs.Get(ctx, ev.PayloadRef)
	if err != nil {
		return "", fmt.Errorf("resolve payload %s/%d: %w", ev.StreamID, ev.Seq, err)
	}
	return string(data), nil
}

// Segments returns all segments of a conversation in index order,
// including truncated ones. Mostly a maintenance/debugging surface.
func (q *Query) Segments(ctx context.Context, conversationID string) ([]protocol.Segment, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, conversation_id, segment_index, parent_segment_id,
		        visible_through_event_id, visible_through_message_position,
		        truncated_at, truncated_by, created_at
		 FROM segments WHERE conversation_id = ? ORDER BY segment_index ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segs []protocol.Segment
	for rows.Next() {
		var s protocol.Segment
		var parent, cutEvent, cutPos sql.NullInt64
		var truncated sql.NullString
		if err := rows.Scan(&s.ID, &s.ConversationID, &s.SegmentIndex, &parent,
			&cutEvent, &cutPos, &truncated, &s.TruncatedBy, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if parent.Valid {
			v := parent.Int64
			s.ParentSegmentID = &v
		}
		if cutEvent.Valid {
			v := cutEvent.Int64
			s.VisibleThroughEvent = &v
		}
		if cutPos.Valid {
			v := cutPos.Int64
			s.VisibleThroughPos = &v
		}
		s.TruncatedAt = truncated.String
		segs = append(segs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}
	return segs, nil
}

// WorkflowRun returns a workflow run with its step rows in execution order.
func (q *Query) WorkflowRun(ctx context.Context, runID string) (*protocol.WorkflowRun, []protocol.WorkflowStep, error) {
	var run protocol.WorkflowRun
	var completed sql.NullString
	err := q.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, workflow_key, status, final_output, error, created_at, completed_at
		 FROM workflow_runs WHERE id = ?`, runID,
	).Scan(&run.ID, &run.ConversationID, &run.WorkflowKey, &run.Status, &run.FinalOutput, &run.Error, &run.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, &protocol.NotFoundError{Entity: "workflow run", ID: runID}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query workflow run: %w", err)
	}
	run.CompletedAt = completed.String

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, run_id, stage_name, parallel_group, branch_index, agent_key, status,
		        input, output, raw_payload, error, input_tokens, output_tokens, started_at, completed_at
		 FROM workflow_steps WHERE run_id = ? ORDER BY id ASC`, runID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []protocol.WorkflowStep
	for rows.Next() {
		var st protocol.WorkflowStep
		var done sql.NullString
		if err := rows.Scan(&st.ID, &st.RunID, &st.StageName, &st.ParallelGroup, &st.BranchIndex, &st.AgentKey, &st.Status,
			&st.Input, &st.Output, &st.RawPayload, &st.Error, &st.InputTokens, &st.OutputTokens, &st.StartedAt, &done); err != nil {
			return nil, nil, fmt.Errorf("scan workflow step: %w", err)
		}
		st.CompletedAt = done.String
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate workflow steps: %w", err)
	}
	return &run, steps, nil
}
