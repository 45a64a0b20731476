package admission_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"loom/pkg/admission"
	"loom/pkg/ledger"
	"loom/pkg/protocol"
)

func setupQueue(t *testing.T, cfg admission.Config) (*sql.DB, *admission.Queue) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := ledger.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ledger.InitSchema(context.Background(), db); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return db, admission.New(db, cfg)
}

// expireLease backdates a running item's heartbeat so ReapStale sees it.
func expireLease(t *testing.T, db *sql.DB, itemID int64) {
	t.Helper()
	if _, err := db.Exec(
		`UPDATE run_queue SET heartbeat_at = '2000-01-01 00:00:00' WHERE id = ?`, itemID,
	); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
}

func TestLeaseFIFOWithinConversation(t *testing.T) {
	_, q := setupQueue(t, admission.Config{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "conv-1", "tester", `{"input":"one"}`)
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second, err := q.Enqueue(ctx, "conv-1", "tester", `{"input":"two"}`)
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	item, err := q.Lease(ctx, "conv-1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if item == nil || item.ID != first.ID {
		t.Fatalf("leased item = %+v, want id %d", item, first.ID)
	}
	if item.Status != protocol.RunRunning {
		t.Errorf("status = %s, want running", item.Status)
	}
	if item.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", item.AttemptCount)
	}

	// Second item stays blocked behind the running one.
	blocked, err := q.Lease(ctx, "conv-1")
	if err != nil {
		t.Fatalf("lease while running: %v", err)
	}
	if blocked != nil {
		t.Fatalf("leased %d while item %d is running", blocked.ID, item.ID)
	}

	if err := q.Complete(ctx, item.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	next, err := q.Lease(ctx, "conv-1")
	if err != nil {
		t.Fatalf("lease after complete: %v", err)
	}
	if next == nil || next.ID != second.ID {
		t.Fatalf("next leased = %+v, want id %d", next, second.ID)
	}
}

func TestLeaseConversationsIndependent(t *testing.T) {
	_, q := setupQueue(t, admission.Config{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "conv-a", "tester", "{}"); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, err := q.Enqueue(ctx, "conv-b", "tester", "{}"); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	a, err := q.Lease(ctx, "conv-a")
	if err != nil || a == nil {
		t.Fatalf("lease a: item=%v err=%v", a, err)
	}
	// conv-a running does not block conv-b.
	b, err := q.Lease(ctx, "conv-b")
	if err != nil || b == nil {
		t.Fatalf("lease b: item=%v err=%v", b, err)
	}
}

func TestLeaseAnySkipsBusyConversations(t *testing.T) {
	_, q := setupQueue(t, admission.Config{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "conv-a", "tester", "{}"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	busy, err := q.LeaseAny(ctx)
	if err != nil || busy == nil {
		t.Fatalf("lease any: item=%v err=%v", busy, err)
	}

	// conv-a has a queued follow-up but is busy; conv-b is free.
	if _, err := q.Enqueue(ctx, "conv-a", "tester", "{}"); err != nil {
		t.Fatalf("enqueue follow-up: %v", err)
	}
	free, err := q.Enqueue(ctx, "conv-b", "tester", "{}")
	if err != nil {
		t.Fatalf("enqueue conv-b: %v", err)
	}

	item, err := q.LeaseAny(ctx)
	if err != nil {
		t.Fatalf("lease any: %v", err)
	}
	if item == nil || item.ID != free.ID {
		t.Fatalf("leased = %+v, want conv-b item %d", item, free.ID)
	}
}

func TestConcurrentLeaseSingleWinner(t *testing.T) {
	_, q := setupQueue(t, admission.Config{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "conv-1", "tester", "{}"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	won := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := q.Lease(ctx, "conv-1")
			if err == nil && item != nil {
				won <- item.ID
			}
		}()
	}
	wg.Wait()
	close(won)

	winners := 0
	for range won {
		winners++
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestFailRecordsError(t *testing.T) {
	_, q := setupQueue(t, admission.Config{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "conv-1", "tester", "{}"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := q.Lease(ctx, "conv-1")
	if err != nil || item == nil {
		t.Fatalf("lease: item=%v err=%v", item, err)
	}

	if err := q.Fail(ctx, item.ID, "provider exploded"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := q.Item(ctx, item.ID)
	if err != nil {
		t.Fatalf("fetch item: %v", err)
	}
	if got.Status != protocol.RunFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error != "provider exploded" {
		t.Errorf("error = %q, want recorded message", got.Error)
	}
	if !got.Status.Terminal() {
		t.Error("failed status should be terminal")
	}
}

func TestCancelQueuedItem(t *testing.T) {
	_, q := setupQueue(t, admission.Config{})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "conv-1", "tester", "{}")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Cancel(ctx, item.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Terminal items cannot be cancelled again.
	if err := q.Cancel(ctx, item.ID); err == nil {
		t.Error("expected error cancelling a terminal item")
	}

	got, err := q.Item(ctx, item.ID)
	if err != nil {
		t.Fatalf("fetch item: %v", err)
	}
	if got.Status != protocol.RunCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestReapStaleRequeues(t *testing.T) {
	db, q := setupQueue(t, admission.Config{MaxAttempts: 3})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "conv-1", "tester", "{}"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := q.Lease(ctx, "conv-1")
	if err != nil || item == nil {
		t.Fatalf("lease: item=%v err=%v", item, err)
	}

	// A fresh heartbeat keeps the item alive.
	n, err := q.ReapStale(ctx)
	if err != nil {
		t.Fatalf("reap fresh: %v", err)
	}
	if n != 0 {
		t.Errorf("reaped %d fresh items, want 0", n)
	}

	expireLease(t, db, item.ID)
	n, err = q.ReapStale(ctx)
	if err != nil {
		t.Fatalf("reap stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}

	got, err := q.Item(ctx, item.ID)
	if err != nil {
		t.Fatalf("fetch item: %v", err)
	}
	if got.Status != protocol.RunQueued {
		t.Errorf("status after requeue = %s, want queued", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1 preserved", got.AttemptCount)
	}

	// The requeued item is leasable again.
	again, err := q.Lease(ctx, "conv-1")
	if err != nil || again == nil {
		t.Fatalf("re-lease: item=%v err=%v", again, err)
	}
	if again.AttemptCount != 2 {
		t.Errorf("attempt_count after re-lease = %d, want 2", again.AttemptCount)
	}
}

func TestReapStaleFailsAtMaxAttempts(t *testing.T) {
	db, q := setupQueue(t, admission.Config{MaxAttempts: 2})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "conv-1", "tester", "{}"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var itemID int64
	for attempt := 1; attempt <= 2; attempt++ {
		item, err := q.Lease(ctx, "conv-1")
		if err != nil || item == nil {
			t.Fatalf("lease attempt %d: item=%v err=%v", attempt, item, err)
		}
		itemID = item.ID
		expireLease(t, db, item.ID)
		if _, err := q.ReapStale(ctx); err != nil {
			t.Fatalf("reap attempt %d: %v", attempt, err)
		}
	}

	got, err := q.Item(ctx, itemID)
	if err != nil {
		t.Fatalf("fetch item: %v", err)
	}
	if got.Status != protocol.RunFailed {
		t.Errorf("status after max attempts = %s, want failed", got.Status)
	}
	if got.Error == "" {
		t.Error("expected lease-expired error recorded")
	}
}

func TestReapStaleFailPolicy(t *testing.T) {
	db, q := setupQueue(t, admission.Config{Recovery: admission.RecoverFail})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "conv-1", "tester", "{}"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := q.Lease(ctx, "conv-1")
	if err != nil || item == nil {
		t.Fatalf("lease: item=%v err=%v", item, err)
	}
	expireLease(t, db, item.ID)

	if _, err := q.ReapStale(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}

	got, err := q.Item(ctx, item.ID)
	if err != nil {
		t.Fatalf("fetch item: %v", err)
	}
	if got.Status != protocol.RunFailed {
		t.Errorf("status under fail policy = %s, want failed on first expiry", got.Status)
	}
}

func TestSnapshotListsActiveItems(t *testing.T) {
	_, q := setupQueue(t, admission.Config{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "conv-a", "tester", "{}"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	running, err := q.Lease(ctx, "conv-a")
	if err != nil || running == nil {
		t.Fatalf("lease: item=%v err=%v", running, err)
	}
	if _, err := q.Enqueue(ctx, "conv-a", "tester", "{}"); err != nil {
		t.Fatalf("enqueue queued: %v", err)
	}
	done, err := q.Enqueue(ctx, "conv-b", "tester", "{}")
	if err != nil {
		t.Fatalf("enqueue conv-b: %v", err)
	}
	if _, err := q.Lease(ctx, "conv-b"); err != nil {
		t.Fatalf("lease conv-b: %v", err)
	}
	if err := q.Complete(ctx, done.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	items, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("snapshot = %d items, want 2 (terminal excluded)", len(items))
	}
	if items[0].ID > items[1].ID {
		t.Error("snapshot not in id order")
	}
}

func TestHeartbeatRequiresRunning(t *testing.T) {
	_, q := setupQueue(t, admission.Config{})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "conv-1", "tester", "{}")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Heartbeat(ctx, item.ID); err == nil {
		t.Error("expected heartbeat on a queued item to fail")
	}

	leased, err := q.Lease(ctx, "conv-1")
	if err != nil || leased == nil {
		t.Fatalf("lease: item=%v err=%v", leased, err)
	}
	if err := q.Heartbeat(ctx, leased.ID); err != nil {
		t.Errorf("heartbeat on running item: %v", err)
	}
}
