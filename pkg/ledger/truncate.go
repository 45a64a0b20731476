package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"loom/pkg/protocol"
)

// Truncator implements non-destructive "edit and resend": it closes the
// active segment at the cutoff immediately preceding a user message and
// opens a fresh segment. No row is ever deleted; the visibility predicates
// in Query hide everything past the cutoff.
type Truncator struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewTruncator creates a Truncator over an open database.
func NewTruncator(db *sql.DB) *Truncator {
	return &Truncator{db: db, nowFunc: time.Now}
}

// TruncateFromUserMessage truncates the conversation's history from the
// given message onward. The target must exist in the conversation
// (NotFoundError otherwise) and must be user-authored (NotDeletableError
// otherwise). It must not race an in-flight run: a running admission item
// for the conversation yields a ConflictError.
//
// Returns the new active segment.
func (t *Truncator) TruncateFromUserMessage(ctx context.Context, conversationID, actor, messageID string) (*protocol.Segment, error) {
	now := t.nowFunc().UTC().Format(sqliteTimeLayout)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin truncate: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// Admission guard: truncation must never run under an active run.
	var running int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_queue WHERE conversation_id = ? AND status = 'running'`,
		conversationID,
	).Scan(&running)
	if err != nil {
		return nil, fmt.Errorf("check running items: %w", err)
	}
	if running > 0 {
		return nil, &protocol.ConflictError{ConversationID: conversationID, Reason: "a run is in flight"}
	}

	// Resolve the target message.
	var target protocol.Message
	err = tx.QueryRowContext(ctx,
		`SELECT id, segment_id, position, role, created_at FROM messages
		 WHERE id = ? AND conversation_id = ?`,
		messageID, conversationID,
	).Scan(&target.ID, &target.SegmentID, &target.Position, &target.Role, &target.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Entity: "message", ID: messageID}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve message: %w", err)
	}
	if target.Role != protocol.RoleUser {
		return nil, &protocol.NotDeletableError{MessageID: messageID, Role: target.Role}
	}

	// Resolve the active segment.
	var activeID int64
	var activeIndex int
	err = tx.QueryRowContext(ctx,
		`SELECT id, segment_index FROM segments WHERE conversation_id = ? AND truncated_at IS NULL`,
		conversationID,
	).Scan(&activeID, &activeIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.ConflictError{ConversationID: conversationID, Reason: "no active segment"}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve active segment: %w", err)
	}

	// Cutoff position: the message immediately preceding the target.
	// NULL when the target is the first message (nothing stays visible).
	var cutPos sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(position) FROM messages WHERE conversation_id = ? AND position < ?`,
		conversationID, target.Position,
	).Scan(&cutPos)
	if err != nil {
		return nil, fmt.Errorf("cutoff position: %w", err)
	}

	cutEvent, err := t.cutoffEventTx(ctx, tx, conversationID, &target)
	if err != nil {
		return nil, err
	}

	// Close the active segment. The truncated_at IS NULL guard catches a
	// concurrent truncation; zero rows affected means we lost the race.
	res, err := tx.ExecContext(ctx,
		`UPDATE segments SET visible_through_event_id = ?, visible_through_message_position = ?,
		        truncated_at = ?, truncated_by = ?
		 WHERE id = ? AND truncated_at IS NULL`,
		cutEvent, cutPos, now, actor, activeID,
	)
	if err != nil {
		return nil, fmt.Errorf("close segment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return nil, &protocol.ConflictError{ConversationID: conversationID, Reason: "segment truncated concurrently"}
	}

	// Open the successor segment.
	seg := &protocol.Segment{
		ConversationID:  conversationID,
		SegmentIndex:    activeIndex + 1,
		ParentSegmentID: &activeID,
		CreatedAt:       now,
	}
	ins, err := tx.ExecContext(ctx,
		`INSERT INTO segments (conversation_id, segment_index, parent_segment_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		seg.ConversationID, seg.SegmentIndex, activeID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("open successor segment: %w", err)
	}
	seg.ID, err = ins.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("segment rowid: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit truncate: %w", err)
	}
	return seg, nil
}

// cutoffEventTx finds the global event id immediately preceding the target
// message. The primary anchor is the target's own user_message event; when
// the message was appended without one, fall back to the last event
// recorded before the message row.
func (t *Truncator) cutoffEventTx(ctx context.Context, tx *sql.Tx, conversationID string, target *protocol.Message) (sql.NullInt64, error) {
	var anchor sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MIN(id) FROM events WHERE conversation_id = ? AND kind = ? AND item_id = ?`,
		conversationID, protocol.KindUserMessage, target.ID,
	).Scan(&anchor)
	if err != nil {
		return sql.NullInt64{}, fmt.Errorf("anchor event: %w", err)
	}

	var cut sql.NullInt64
	if anchor.Valid {
		err = tx.QueryRowContext(ctx,
			`SELECT MAX(id) FROM events WHERE conversation_id = ? AND id < ?`,
			conversationID, anchor.Int64,
		).Scan(&cut)
	} else {
		err = tx.QueryRowContext(ctx,
			`SELECT MAX(id) FROM events WHERE conversation_id = ? AND server_ts < ?`,
			conversationID, target.CreatedAt,
		).Scan(&cut)
	}
	if err != nil {
		return sql.NullInt64{}, fmt.Errorf("cutoff event: %w", err)
	}
	return cut, nil
}
