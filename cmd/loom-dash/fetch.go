package main

import (
	"context"
	"time"

	"loom/pkg/admission"
	"loom/pkg/config"
	"loom/pkg/ledger"
	"loom/pkg/protocol"
)

// fetchTimeout bounds each ledger round-trip so a slow disk cannot wedge
// the UI loop.
const fetchTimeout = 5 * time.Second

// snapshot is one refresh of everything the dashboard renders.
type snapshot struct {
	conversations []protocol.Conversation
	queue         []protocol.RunQueueItem
	err           error
}

// transcript is the visible message history of one conversation.
type transcript struct {
	conversationID string
	messages       []protocol.Message
	err            error
}

// fetchSnapshot reads conversations and the admission queue in one pass.
// Errors are carried in the snapshot rather than returned; the dashboard
// keeps running and shows the last good data.
func fetchSnapshot(cfg config.Config) snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	db, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return snapshot{err: err}
	}
	defer db.Close()

	blobs, err := ledger.NewDirStore(cfg.BlobDir)
	if err != nil {
		return snapshot{err: err}
	}

	var snap snapshot
	query := ledger.NewQuery(db, blobs)
	snap.conversations, snap.err = query.Conversations(ctx, "", 100)
	if snap.err != nil {
		return snap
	}

	queue := admission.New(db, admission.Config{})
	snap.queue, snap.err = queue.Snapshot(ctx)
	return snap
}

// fetchTranscript reads the visible transcript of one conversation.
func fetchTranscript(cfg config.Config, conversationID string) transcript {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	db, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return transcript{conversationID: conversationID, err: err}
	}
	defer db.Close()

	blobs, err := ledger.NewDirStore(cfg.BlobDir)
	if err != nil {
		return transcript{conversationID: conversationID, err: err}
	}

	query := ledger.NewQuery(db, blobs)
	msgs, err := query.Transcript(ctx, conversationID)
	return transcript{conversationID: conversationID, messages: msgs, err: err}
}
