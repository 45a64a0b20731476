// Package admission implements the per-conversation run admission queue: a
// durable FIFO over SQLite that guarantees at most one active run per
// conversation while leaving different conversations fully independent.
// Serialization is message passing over durable rows, not a held lock —
// crash recovery is "requeue or fail the stale running item".
package admission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"loom/pkg/protocol"
)

// RecoveryPolicy decides what happens to a running item whose lease went
// stale (the holder stopped heartbeating).
type RecoveryPolicy string

// Recovery policies for stale running items.
const (
	// RecoverRequeue puts the item back in the queue, attempt_count
	// permitting.
	RecoverRequeue RecoveryPolicy = "requeue"
	// RecoverFail marks the item failed outright.
	RecoverFail RecoveryPolicy = "fail"
)

// Config holds Queue configuration.
type Config struct {
	LeaseTimeout time.Duration  // Stale threshold for running items (default 90s).
	MaxAttempts  int            // Requeue ceiling before a stale item fails (default 3).
	Recovery     RecoveryPolicy // Stale-item policy (default RecoverRequeue).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.LeaseTimeout == 0 {
		out.LeaseTimeout = 90 * time.Second
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = 3
	}
	if out.Recovery == "" {
		out.Recovery = RecoverRequeue
	}
	return out
}

// Queue is the durable admission queue.
type Queue struct {
	db  *sql.DB
	cfg Config

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Queue over an open database.
func New(db *sql.DB, cfg Config) *Queue {
	return &Queue{db: db, cfg: cfg.withDefaults(), nowFunc: time.Now}
}

const timeLayout = "2006-01-02 15:04:05"

func (q *Queue) now() string {
	return q.nowFunc().UTC().Format(timeLayout)
}

// Enqueue adds a pending turn for a conversation and returns the queued
// item. Items are executed strictly in enqueue order per conversation.
func (q *Queue) Enqueue(ctx context.Context, conversationID, createdBy, payload string) (*protocol.RunQueueItem, error) {
	now := q.now()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO run_queue (conversation_id, created_by, status, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conversationID, createdBy, protocol.RunQueued, payload, now,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("enqueue rowid: %w", err)
	}
	return &protocol.RunQueueItem{
		ID:             id,
		ConversationID: conversationID,
		CreatedBy:      createdBy,
		Status:         protocol.RunQueued,
		Payload:        payload,
		CreatedAt:      now,
	}, nil
}

// Lease picks the oldest queued item for the conversation, but only when
// no item is currently running there. Returns (nil, nil) when there is
// nothing to lease. The leased item transitions to running and its
// attempt_count is incremented.
func (q *Queue) Lease(ctx context.Context, conversationID string) (*protocol.RunQueueItem, error) {
	return q.lease(ctx, &conversationID)
}

// LeaseAny leases the oldest queued item of any conversation that has no
// running item. Workers draining the queue across conversations use this.
func (q *Queue) LeaseAny(ctx context.Context) (*protocol.RunQueueItem, error) {
	return q.lease(ctx, nil)
}

func (q *Queue) lease(ctx context.Context, conversationID *string) (*protocol.RunQueueItem, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// Oldest queued item whose conversation has nothing running.
	query := `SELECT id, conversation_id, created_by, attempt_count, payload, created_at
	          FROM run_queue r
	          WHERE r.status = 'queued'
	            AND NOT EXISTS (SELECT 1 FROM run_queue x
	                            WHERE x.conversation_id = r.conversation_id AND x.status = 'running')`
	args := []any{}
	if conversationID != nil {
		query += ` AND r.conversation_id = ?`
		args = append(args, *conversationID)
	}
	query += ` ORDER BY r.id ASC LIMIT 1`

	var item protocol.RunQueueItem
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&item.ID, &item.ConversationID, &item.CreatedBy, &item.AttemptCount, &item.Payload, &item.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pick queued item: %w", err)
	}

	now := q.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE run_queue SET status = 'running', attempt_count = attempt_count + 1,
		        started_at = ?, heartbeat_at = ?
		 WHERE id = ? AND status = 'queued'`,
		now, now, item.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		// Another leaser won the race inside the same tick.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	item.Status = protocol.RunRunning
	item.AttemptCount++
	item.StartedAt = now
	item.HeartbeatAt = now
	return &item, nil
}

// Heartbeat refreshes the lease on a running item. The reaper treats items
// without a recent heartbeat as abandoned.
func (q *Queue) Heartbeat(ctx context.Context, itemID int64) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE run_queue SET heartbeat_at = ? WHERE id = ? AND status = 'running'`,
		q.now(), itemID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("heartbeat item %d: not running", itemID)
	}
	return nil
}

// Complete marks a running item completed. Terminal; never requeued.
func (q *Queue) Complete(ctx context.Context, itemID int64) error {
	return q.finish(ctx, itemID, protocol.RunCompleted, "")
}

// Fail marks a running item failed with an error description. Terminal.
func (q *Queue) Fail(ctx context.Context, itemID int64, errMsg string) error {
	return q.finish(ctx, itemID, protocol.RunFailed, errMsg)
}

func (q *Queue) finish(ctx context.Context, itemID int64, status protocol.RunStatus, errMsg string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE run_queue SET status = ?, error = ?, completed_at = ? WHERE id = ? AND status = 'running'`,
		status, errMsg, q.now(), itemID,
	)
	if err != nil {
		return fmt.Errorf("finish item %d: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("finish item %d: not running", itemID)
	}
	return nil
}

// Cancel marks a queued or running item cancelled. Terminal; records are
// kept, never deleted.
func (q *Queue) Cancel(ctx context.Context, itemID int64) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE run_queue SET status = ?, cancelled_at = ? WHERE id = ? AND status IN ('queued', 'running')`,
		protocol.RunCancelled, q.now(), itemID,
	)
	if err != nil {
		return fmt.Errorf("cancel item %d: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("cancel item %d: already terminal", itemID)
	}
	return nil
}

// ReapStale sweeps running items whose heartbeat is older than the lease
// timeout and applies the configured recovery policy: requeue while
// attempt_count permits, fail otherwise. Returns the number of items acted
// on. Intended to run periodically and at process startup.
func (q *Queue) ReapStale(ctx context.Context) (int, error) {
	cutoff := q.nowFunc().UTC().Add(-q.cfg.LeaseTimeout).Format(timeLayout)

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, attempt_count FROM run_queue
		 WHERE status = 'running' AND (heartbeat_at IS NULL OR heartbeat_at < ?)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("query stale items: %w", err)
	}
	defer rows.Close()

	type stale struct {
		id       int64
		attempts int
	}
	var found []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.attempts); err != nil {
			return 0, fmt.Errorf("scan stale item: %w", err)
		}
		found = append(found, s)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stale items: %w", err)
	}

	reaped := 0
	for _, s := range found {
		var res sql.Result
		if q.cfg.Recovery == RecoverRequeue && s.attempts < q.cfg.MaxAttempts {
			res, err = q.db.ExecContext(ctx,
				`UPDATE run_queue SET status = 'queued', started_at = NULL, heartbeat_at = NULL
				 WHERE id = ? AND status = 'running'`, s.id)
		} else {
			res, err = q.db.ExecContext(ctx,
				`UPDATE run_queue SET status = 'failed', error = 'lease expired', completed_at = ?
				 WHERE id = ? AND status = 'running'`, q.now(), s.id)
		}
		if err != nil {
			return reaped, fmt.Errorf("recover item %d: %w", s.id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			reaped++
		}
	}
	return reaped, nil
}

// Item fetches a queue item by id.
func (q *Queue) Item(ctx context.Context, itemID int64) (*protocol.RunQueueItem, error) {
	var item protocol.RunQueueItem
	var segID sql.NullInt64
	var started, heartbeat, completed, cancelled sql.NullString
	err := q.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, segment_id, created_by, status, attempt_count, payload, error,
		        created_at, started_at, heartbeat_at, completed_at, cancelled_at
		 FROM run_queue WHERE id = ?`, itemID,
	).Scan(&item.ID, &item.ConversationID, &segID, &item.CreatedBy, &item.Status, &item.AttemptCount,
		&item.Payload, &item.Error, &item.CreatedAt, &started, &heartbeat, &completed, &cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Entity: "queue item", ID: fmt.Sprintf("%d", itemID)}
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	if segID.Valid {
		v := segID.Int64
		item.SegmentID = &v
	}
	item.StartedAt = started.String
	item.HeartbeatAt = heartbeat.String
	item.CompletedAt = completed.String
	item.CancelledAt = cancelled.String
	return &item, nil
}

// Snapshot returns non-terminal items across all conversations, oldest
// first. The dashboard and `loom queue` read this.
func (q *Queue) Snapshot(ctx context.Context) ([]protocol.RunQueueItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, conversation_id, created_by, status, attempt_count, payload, error, created_at
		 FROM run_queue WHERE status IN ('queued', 'running') ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var items []protocol.RunQueueItem
	for rows.Next() {
		var item protocol.RunQueueItem
		if err := rows.Scan(&item.ID, &item.ConversationID, &item.CreatedBy, &item.Status,
			&item.AttemptCount, &item.Payload, &item.Error, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	return items, nil
}
