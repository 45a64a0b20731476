// Package protocol defines the shared storage and wire contract for the loom
// ledger runtime: the SQLite schema, row structs for every table, the closed
// set of ledger event kinds, typed errors, and the server-sent-event frame
// format. Every other package speaks in these types.
package protocol

// SchemaDDL defines the SQLite schema for the loom ledger database.
// Tables: conversations, segments, events, messages, run_queue,
// workflow_runs, workflow_steps.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Conversations: one row per tenant-owned conversation
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    agent_key TEXT NOT NULL DEFAULT '',
    workflow_key TEXT NOT NULL DEFAULT '',
    message_count INTEGER NOT NULL DEFAULT 0,
    last_message_at TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Segments: lineage windows of a conversation's ledger, closed by truncation.
-- Rows are never deleted; a truncated segment keeps everything and hides rows
-- past its cutoffs at query time.
CREATE TABLE IF NOT EXISTS segments (
    id INTEGER PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    segment_index INTEGER NOT NULL,
    parent_segment_id INTEGER,
    visible_through_event_id INTEGER,
    visible_through_message_position INTEGER,
    truncated_at TEXT,
    truncated_by TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE (conversation_id, segment_index)
);

-- At most one open segment per conversation.
CREATE UNIQUE INDEX IF NOT EXISTS segments_one_active
    ON segments(conversation_id) WHERE truncated_at IS NULL;

-- Ledger events: append-only, id is the global ordering and cursor key.
-- (conversation_id, stream_id, seq) is the idempotency key; duplicate
-- inserts are absorbed with INSERT OR IGNORE.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    segment_id INTEGER NOT NULL,
    schema_version INTEGER NOT NULL DEFAULT 1,
    kind TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    server_ts TEXT NOT NULL DEFAULT (datetime('now')),
    response_id TEXT NOT NULL DEFAULT '',
    agent_key TEXT NOT NULL DEFAULT '',
    workflow_run_id TEXT NOT NULL DEFAULT '',
    stage_name TEXT NOT NULL DEFAULT '',
    parallel_group TEXT NOT NULL DEFAULT '',
    branch_index INTEGER NOT NULL DEFAULT -1,
    item_id TEXT NOT NULL DEFAULT '',
    tool_call_id TEXT NOT NULL DEFAULT '',
    content_index INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL DEFAULT '',
    payload_ref TEXT NOT NULL DEFAULT '',
    payload_size INTEGER NOT NULL DEFAULT 0,
    UNIQUE (conversation_id, stream_id, seq)
);

CREATE INDEX IF NOT EXISTS events_conversation
    ON events(conversation_id, id);

-- Messages: the transcript. position is monotonic per conversation and is
-- never reassigned, including across truncation.
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    segment_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    attachments TEXT NOT NULL DEFAULT '[]',
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE (conversation_id, position)
);

-- Run admission queue: durable FIFO, at most one running item per
-- conversation (enforced by the partial index).
CREATE TABLE IF NOT EXISTS run_queue (
    id INTEGER PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    segment_id INTEGER,
    created_by TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'queued',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    started_at TEXT,
    heartbeat_at TEXT,
    completed_at TEXT,
    cancelled_at TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS run_queue_one_running
    ON run_queue(conversation_id) WHERE status = 'running';

CREATE INDEX IF NOT EXISTS run_queue_pending
    ON run_queue(conversation_id, id) WHERE status = 'queued';

-- Workflow runs and their per-step/per-branch bookkeeping rows.
CREATE TABLE IF NOT EXISTS workflow_runs (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    workflow_key TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    final_output TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    completed_at TEXT
);

CREATE TABLE IF NOT EXISTS workflow_steps (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL,
    stage_name TEXT NOT NULL,
    parallel_group TEXT NOT NULL DEFAULT '',
    branch_index INTEGER NOT NULL DEFAULT 0,
    agent_key TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    input TEXT NOT NULL DEFAULT '',
    output TEXT NOT NULL DEFAULT '',
    raw_payload TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL DEFAULT (datetime('now')),
    completed_at TEXT
);

CREATE INDEX IF NOT EXISTS workflow_steps_run
    ON workflow_steps(run_id, id);
`

// MigrateStepUsage adds token-usage columns to workflow_steps tables created
// before usage accounting landed.
const MigrateStepUsage = `
ALTER TABLE workflow_steps ADD COLUMN input_tokens INTEGER NOT NULL DEFAULT 0;
ALTER TABLE workflow_steps ADD COLUMN output_tokens INTEGER NOT NULL DEFAULT 0;
`

// MigrateQueueHeartbeat adds the lease heartbeat column to run_queue tables
// created before stale-lease recovery landed.
const MigrateQueueHeartbeat = `
ALTER TABLE run_queue ADD COLUMN heartbeat_at TEXT;
`
