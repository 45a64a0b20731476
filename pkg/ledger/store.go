// Package ledger implements the durable record side of loom: transactional
// append of messages and event frames into a conversation's active segment,
// the visibility-aware read path, and non-destructive truncation. Rows are
// never deleted; history edits only advance index boundaries.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"loom/pkg/protocol"

	"github.com/google/uuid"
)

// sqliteTimeLayout matches the format produced by SQLite's datetime('now').
const sqliteTimeLayout = "2006-01-02 15:04:05"

// DefaultInlinePayloadLimit is the event payload size above which bytes are
// offloaded to the object store and replaced with a pointer.
const DefaultInlinePayloadLimit = 64 * 1024

// Store is the write path of the ledger. All writes target the
// conversation's current active segment; callers must hold admission for
// the conversation before mutating it.
type Store struct {
	db          *sql.DB
	blobs       ObjectStore
	inlineLimit int64

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithInlinePayloadLimit overrides the payload offload threshold.
func WithInlinePayloadLimit(n int64) StoreOption {
	return func(s *Store) { s.inlineLimit = n }
}

// WithNowFunc overrides the clock. Tests only.
func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) { s.nowFunc = now }
}

// NewStore creates a ledger Store over an open database. blobs may be nil
// if no payload will ever exceed the inline limit.
func NewStore(db *sql.DB, blobs ObjectStore, opts ...StoreOption) *Store {
	s := &Store{
		db:          db,
		blobs:       blobs,
		inlineLimit: DefaultInlinePayloadLimit,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() string {
	return s.nowFunc().UTC().Format(sqliteTimeLayout)
}

// CreateConversation inserts a new conversation owned by a tenant and
// returns its row. The first segment is created lazily on first write.
func (s *Store) CreateConversation(ctx context.Context, tenantID, agentKey, workflowKey string) (*protocol.Conversation, error) {
	conv := &protocol.Conversation{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		AgentKey:    agentKey,
		WorkflowKey: workflowKey,
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, tenant_id, agent_key, workflow_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.TenantID, conv.AgentKey, conv.WorkflowKey, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// activeSegmentTx resolves the conversation's active segment inside tx,
// creating segment 0 on first use. Returns the segment rowid.
func (s *Store) activeSegmentTx(ctx context.Context, tx *sql.Tx, conversationID string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM segments WHERE conversation_id = ? AND truncated_at IS NULL`,
		conversationID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query active segment: %w", err)
	}

	// First write to this conversation: verify it exists, then open segment 0.
	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return 0, &protocol.NotFoundError{Entity: "conversation", ID: conversationID}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO segments (conversation_id, segment_index, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(segment_index) + 1, 0) FROM segments WHERE conversation_id = ?), ?)`,
		conversationID, conversationID, s.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("open segment: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("segment rowid: %w", err)
	}
	return id, nil
}

// AppendMessage appends one message to the conversation's active segment,
// assigning the next position and bumping message_count/last_message_at.
// Positions strictly increase and are never reassigned, even across
// truncation.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string, attachments []protocol.Attachment) (*protocol.Message, error) {
	attJSON, err := protocol.EncodeAttachments(attachments)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	msg, err := s.appendMessageTx(ctx, tx, conversationID, role, content, attJSON, 0, 0)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append message: %w", err)
	}
	return msg, nil
}

// appendMessageTx does the message insert inside an open transaction so
// AppendTurn can combine it with event inserts atomically.
func (s *Store) appendMessageTx(ctx context.Context, tx *sql.Tx, conversationID, role, content, attJSON string, inTokens, outTokens int64) (*protocol.Message, error) {
	segID, err := s.activeSegmentTx(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next position: %w", err)
	}

	now := s.now()
	msg := &protocol.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SegmentID:      segID,
		Position:       next,
		Role:           role,
		Content:        content,
		Attachments:    attJSON,
		InputTokens:    inTokens,
		OutputTokens:   outTokens,
		CreatedAt:      now,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, segment_id, position, role, content, attachments, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SegmentID, msg.Position, msg.Role,
		msg.Content, msg.Attachments, msg.InputTokens, msg.OutputTokens, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1, last_message_at = ?, updated_at = ? WHERE id = ?`,
		now, now, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("bump message count: %w", err)
	}

	return msg, nil
}

// AppendEvents inserts event frames under the conversation's active
// segment. (stream_id, seq) is the idempotency key: a duplicate insert is
// silently absorbed and counted as success. Oversized payloads are written
// to the object store first and replaced with a pointer. Returns the number
// of rows actually inserted (duplicates excluded).
func (s *Store) AppendEvents(ctx context.Context, conversationID string, events []protocol.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	// Offload oversized payloads before opening the transaction; blob
	// writes are not transactional and must not hold the db hostage.
	for i := range events {
		if err := s.offloadPayload(ctx, &events[i]); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append events: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	inserted, err := s.appendEventsTx(ctx, tx, conversationID, events)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append events: %w", err)
	}
	return inserted, nil
}

func (s *Store) appendEventsTx(ctx context.Context, tx *sql.Tx, conversationID string, events []protocol.Event) (int, error) {
	segID, err := s.activeSegmentTx(ctx, tx, conversationID)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for i := range events {
		ev := &events[i]
		ts := ev.ServerTS
		if ts == "" {
			ts = s.now()
		}
		version := ev.SchemaVersion
		if version == 0 {
			version = protocol.SchemaVersion
		}

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO events
			 (conversation_id, segment_id, schema_version, kind, stream_id, seq, server_ts,
			  response_id, agent_key, workflow_run_id, stage_name, parallel_group, branch_index,
			  item_id, tool_call_id, content_index, payload, payload_ref, payload_size)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID, segID, version, ev.Kind, ev.StreamID, ev.Seq, ts,
			ev.ResponseID, ev.AgentKey, ev.WorkflowRunID, ev.StageName, ev.ParallelGroup, ev.BranchIndex,
			ev.ItemID, ev.ToolCallID, ev.ContentIndex, ev.Payload, ev.PayloadRef, ev.PayloadSize,
		)
		if err != nil {
			return 0, fmt.Errorf("insert event %s/%d: %w", ev.StreamID, ev.Seq, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

// offloadPayload moves an oversized inline payload to the object store and
// leaves a pointer behind.
func (s *Store) offloadPayload(ctx context.Context, ev *protocol.Event) error {
	size := int64(len(ev.Payload))
	if ev.PayloadSize == 0 {
		ev.PayloadSize = size
	}
	if size <= s.inlineLimit || ev.PayloadRef != "" {
		return nil
	}
	if s.blobs == nil {
		return fmt.Errorf("event %s/%d payload %d bytes exceeds inline limit and no object store is configured", ev.StreamID, ev.Seq, size)
	}
	ref, err := s.blobs.Put(ctx, []byte(ev.Payload))
	if err != nil {
		return fmt.Errorf("offload payload %s/%d: %w", ev.StreamID, ev.Seq, err)
	}
	ev.PayloadRef = ref
	ev.Payload = ""
	return nil
}

// Turn bundles the assistant message and the projected events of one
// completed provider run.
type Turn struct {
	Role         string
	Content      string
	Attachments  []protocol.Attachment
	InputTokens  int64
	OutputTokens int64
	Events       []protocol.Event
}

// AppendTurn commits an assistant message and its projected events in a
// single transaction. If anything fails, nothing is written — a provider
// failure must never leave a partial assistant message behind.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, turn Turn) (*protocol.Message, int, error) {
	attJSON, err := protocol.EncodeAttachments(turn.Attachments)
	if err != nil {
		return nil, 0, err
	}
	for i := range turn.Events {
		if err := s.offloadPayload(ctx, &turn.Events[i]); err != nil {
			return nil, 0, err
		}
	}

	role := turn.Role
	if role == "" {
		role = protocol.RoleAssistant
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin append turn: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	msg, err := s.appendMessageTx(ctx, tx, conversationID, role, turn.Content, attJSON, turn.InputTokens, turn.OutputTokens)
	if err != nil {
		return nil, 0, err
	}
	inserted, err := s.appendEventsTx(ctx, tx, conversationID, turn.Events)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit append turn: %w", err)
	}
	return msg, inserted, nil
}
