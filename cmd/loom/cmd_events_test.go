package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"loom/pkg/ledger"
	"loom/pkg/protocol"
)

func TestEventsCommandShortStreamID(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := ledger.InitSchema(ctx, db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	store := ledger.NewStore(db, nil)
	conv, err := store.CreateConversation(ctx, "tenant-1", "assistant", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	events := []protocol.Event{
		{Kind: protocol.KindUserMessage, StreamID: "s0", Seq: 0, Payload: "hi"},
		{Kind: protocol.KindAssistantMessage, StreamID: "s0", Seq: 1, Payload: "hello"},
	}
	if _, err := store.AppendEvents(ctx, conv.ID, events); err != nil {
		t.Fatalf("append events: %v", err)
	}
	db.Close()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"events", conv.ID, "--dir", dir})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("events command: %v", err)
	}
	if !strings.Contains(out.String(), "s0") {
		t.Errorf("output missing stream id:\n%s", out.String())
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("s0"); got != "s0" {
		t.Errorf("shortID(s0) = %q", got)
	}
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID(long) = %q", got)
	}
}
