package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	pebblestore "github.com/rzbill/regflow/internal/storage/pebble"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) (*Queue, *pebblestore.DB, *fakeClock) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return Open(db, Options{Now: clock.Now}), db, clock
}

func req(ref string) EnqueueRequest {
	return EnqueueRequest{
		PaymentRef:       ref,
		OrderRef:         "order-" + ref,
		PaymentSignature: "sig-" + ref,
		Amount:           2500,
		Payload:          map[string]any{"leader_name": "Ada", "event": "hackathon"},
	}
}

func TestEnqueueDefaults(t *testing.T) {
	q, _, clock := newTestQueue(t)
	it, err := q.Enqueue(context.Background(), req("PAY-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if it.State != StatePending || it.Attempts != 0 || it.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("unexpected item: %+v", it)
	}
	if !it.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("createdAt = %s", it.CreatedAt)
	}
	got, err := q.GetByPaymentRef(context.Background(), "PAY-1")
	if err != nil || got.ID != it.ID {
		t.Fatalf("lookup by ref = %+v, %v", got, err)
	}
	if got.Payload["event"] != "hackathon" {
		t.Fatalf("payload = %v", got.Payload)
	}
}

func TestEnqueueRequiresPaymentRef(t *testing.T) {
	q, _, _ := newTestQueue(t)
	if _, err := q.Enqueue(context.Background(), req(" ")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDuplicateEnqueueKeepsFirstPayload(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	first, err := q.Enqueue(ctx, req("PAY-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second := req("PAY-1")
	second.Payload = map[string]any{"leader_name": "Mallory"}
	existing, err := q.Enqueue(ctx, second)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if existing == nil || existing.ID != first.ID {
		t.Fatalf("duplicate should return the first item, got %+v", existing)
	}
	stored, _ := q.Get(ctx, first.ID)
	if stored.Payload["leader_name"] != "Ada" {
		t.Fatalf("payload overwritten: %v", stored.Payload)
	}
	st, _ := q.Stats(ctx)
	if st.Total != 1 {
		t.Fatalf("total = %d", st.Total)
	}
}

func TestConcurrentEnqueueSingleWinner(t *testing.T) {
	q, _, _ := newTestQueue(t)
	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, dups := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := req("PAY-RACE")
			r.Payload = map[string]any{"n": i}
			_, err := q.Enqueue(context.Background(), r)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrDuplicate):
				dups++
			default:
				t.Errorf("enqueue: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || dups != n-1 {
		t.Fatalf("wins=%d dups=%d", wins, dups)
	}
}

func TestLeaseNextOldestFirstAndCountsAttempt(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	var order []string
	for i := 0; i < 3; i++ {
		it, err := q.Enqueue(ctx, req(fmt.Sprintf("PAY-%d", i)))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		order = append(order, it.ID)
		clock.Advance(time.Millisecond)
	}

	got, err := q.LeaseNext(ctx, 2, time.Minute, "w1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(got) != 2 || got[0].ID != order[0] || got[1].ID != order[1] {
		t.Fatalf("leased %v, want first two of %v", itemIDs(got), order)
	}
	for _, it := range got {
		if it.State != StateLeased || it.Attempts != 1 || it.LeaseHolder != "w1" {
			t.Fatalf("bad lease: %+v", it)
		}
		if want := clock.Now().Add(time.Minute); !it.LeaseExpiresAt.Equal(want) {
			t.Fatalf("lease expiry = %s, want %s", it.LeaseExpiresAt, want)
		}
	}

	rest, _ := q.LeaseNext(ctx, 10, time.Minute, "w2")
	if len(rest) != 1 || rest[0].ID != order[2] {
		t.Fatalf("second batch = %v", itemIDs(rest))
	}
}

func TestExpiredLeaseReclaimed(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	it, _ := q.Enqueue(ctx, req("PAY-1"))
	if _, err := q.LeaseNext(ctx, 1, 30*time.Second, "w1"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if again, _ := q.LeaseNext(ctx, 1, 30*time.Second, "w2"); len(again) != 0 {
		t.Fatalf("live lease was stolen")
	}

	clock.Advance(31 * time.Second)
	again, err := q.LeaseNext(ctx, 1, 30*time.Second, "w2")
	if err != nil || len(again) != 1 {
		t.Fatalf("expired lease not reclaimed: %v %v", itemIDs(again), err)
	}
	if again[0].ID != it.ID || again[0].Attempts != 2 || again[0].LeaseHolder != "w2" {
		t.Fatalf("reclaimed item = %+v", again[0])
	}

	// the previous holder can no longer settle it
	if err := q.MarkCompleted(ctx, it.ID, "w1"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale holder complete: %v", err)
	}
}

func TestConcurrentLeaseAtMostOneHolder(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	q := Open(db, Options{})
	ctx := context.Background()
	const items, workers = 30, 8
	for i := 0; i < items; i++ {
		if _, err := q.Enqueue(ctx, req(fmt.Sprintf("PAY-%02d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	holders := map[string]string{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			worker := fmt.Sprintf("w%d", w)
			// each worker gets its own view of the queue
			wq := Open(db, Options{})
			got, err := wq.LeaseNext(ctx, items, time.Minute, worker)
			if err != nil {
				t.Errorf("lease: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, it := range got {
				if prev, dup := holders[it.ID]; dup {
					t.Errorf("item %s leased by %s and %s", it.ID, prev, worker)
				}
				holders[it.ID] = worker
			}
		}(w)
	}
	wg.Wait()

	if len(holders) != items {
		t.Fatalf("leased %d of %d items", len(holders), items)
	}
	for itemID, worker := range holders {
		it, _ := q.Get(ctx, itemID)
		if it.LeaseHolder != worker || it.Attempts != 1 {
			t.Fatalf("item %s: holder=%s attempts=%d, want %s/1", itemID, it.LeaseHolder, it.Attempts, worker)
		}
	}
}

func TestMarkFailedUntilExhausted(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	r := req("PAY-1")
	r.MaxAttempts = 3
	it, _ := q.Enqueue(ctx, r)

	for attempt := 1; attempt <= 3; attempt++ {
		got, err := q.LeaseNext(ctx, 1, time.Minute, "w1")
		if err != nil || len(got) != 1 {
			t.Fatalf("attempt %d: lease %v %v", attempt, itemIDs(got), err)
		}
		if err := q.MarkFailed(ctx, it.ID, "w1", fmt.Sprintf("boom %d", attempt)); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}
	final, _ := q.Get(ctx, it.ID)
	if final.State != StateFailed || final.Attempts != 3 || final.LastError != "boom 3" {
		t.Fatalf("final = %+v", final)
	}
	if final.LeaseHolder != "" || final.LeaseExpiresAt != nil {
		t.Fatalf("lease not cleared")
	}
	if more, _ := q.LeaseNext(ctx, 1, time.Minute, "w1"); len(more) != 0 {
		t.Fatalf("exhausted item leased again")
	}
}

func TestMarkCompletedIdempotent(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	it, _ := q.Enqueue(ctx, req("PAY-1"))
	if err := q.MarkCompleted(ctx, it.ID, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := q.MarkCompleted(ctx, it.ID, "w9"); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	got, _ := q.Get(ctx, it.ID)
	if got.State != StateCompleted || got.CompletedAt == nil {
		t.Fatalf("item = %+v", got)
	}
	if err := q.MarkCompleted(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestRetryResetsFailedItem(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	r := req("PAY-1")
	r.MaxAttempts = 1
	it, _ := q.Enqueue(ctx, r)
	_, _ = q.LeaseNext(ctx, 1, time.Minute, "w1")
	_ = q.MarkFailed(ctx, it.ID, "w1", "down")

	got, err := q.Retry(ctx, it.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.State != StatePending || got.Attempts != 0 {
		t.Fatalf("after retry = %+v", got)
	}
	if leased, _ := q.LeaseNext(ctx, 1, time.Minute, "w2"); len(leased) != 1 {
		t.Fatalf("retried item not leasable")
	}

	_ = q.MarkCompleted(ctx, it.ID, "w2")
	if _, err := q.Retry(ctx, it.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("retry completed: %v", err)
	}
}

func TestRetryLeasedItemOnlyOnceStuck(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	it, _ := q.Enqueue(ctx, req("PAY-1"))
	if leased, _ := q.LeaseNext(ctx, 1, 30*time.Second, "w1"); len(leased) != 1 {
		t.Fatalf("lease failed")
	}

	if _, err := q.Retry(ctx, it.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("retry under live lease: %v", err)
	}
	if got, _ := q.Get(ctx, it.ID); got.State != StateLeased || got.LeaseHolder != "w1" {
		t.Fatalf("live lease disturbed: %+v", got)
	}

	clock.Advance(31 * time.Second)
	got, err := q.Retry(ctx, it.ID)
	if err != nil {
		t.Fatalf("retry stuck item: %v", err)
	}
	if got.State != StatePending || got.Attempts != 0 || got.LeaseHolder != "" || got.LeaseExpiresAt != nil {
		t.Fatalf("after retry = %+v", got)
	}
	if err := q.MarkCompleted(ctx, it.ID, "w1"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("old holder settled a reset item: %v", err)
	}
}

func TestStatsAndList(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	var all []*Item
	for i := 0; i < 5; i++ {
		it, _ := q.Enqueue(ctx, req(fmt.Sprintf("PAY-%d", i)))
		all = append(all, it)
		clock.Advance(time.Second)
	}
	_, _ = q.LeaseNext(ctx, 2, time.Minute, "w1")
	_ = q.MarkCompleted(ctx, all[0].ID, "w1")

	st, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Pending != 3 || st.Leased != 1 || st.Completed != 1 || st.Failed != 0 || st.Total != 5 {
		t.Fatalf("stats = %+v", st)
	}
	if st.OldestPendingAgeMs < 3000 {
		t.Fatalf("oldest pending age = %d", st.OldestPendingAgeMs)
	}

	page, err := q.List(ctx, ListOptions{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 5 || page.TotalPages != 3 || len(page.Items) != 2 || page.Items[0].ID != all[4].ID {
		t.Fatalf("page = %+v", page)
	}
	pending, _ := q.List(ctx, ListOptions{State: StatePending})
	if pending.Total != 3 {
		t.Fatalf("pending total = %d", pending.Total)
	}
	if _, err := q.List(ctx, ListOptions{State: "stuck"}); err == nil {
		t.Fatalf("expected error for unknown state")
	}
	beyond, _ := q.List(ctx, ListOptions{Page: 9, PageSize: 2})
	if len(beyond.Items) != 0 {
		t.Fatalf("page beyond end returned items")
	}
}

func TestPurgeCompletedKeepsRefReserved(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	old, _ := q.Enqueue(ctx, req("PAY-OLD"))
	_ = q.MarkCompleted(ctx, old.ID, "")
	clock.Advance(25 * time.Hour)
	recent, _ := q.Enqueue(ctx, req("PAY-NEW"))
	_ = q.MarkCompleted(ctx, recent.ID, "")

	n, err := q.PurgeCompleted(ctx, DefaultRetention)
	if err != nil || n != 1 {
		t.Fatalf("purged %d, %v", n, err)
	}
	if _, err := q.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old item still present: %v", err)
	}
	if _, err := q.Get(ctx, recent.ID); err != nil {
		t.Fatalf("recent item purged: %v", err)
	}
	existing, err := q.Enqueue(ctx, req("PAY-OLD"))
	if !errors.Is(err, ErrDuplicate) || existing != nil {
		t.Fatalf("purged ref should stay reserved: %v %v", existing, err)
	}
	st, _ := q.Stats(ctx)
	if st.Completed != 1 {
		t.Fatalf("completed = %d", st.Completed)
	}
}

func TestClosedStoreSurfacesError(t *testing.T) {
	q, db, _ := newTestQueue(t)
	_ = db.Close()
	if _, err := q.Enqueue(context.Background(), req("PAY-1")); !errors.Is(err, pebblestore.ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}

func itemIDs(items []*Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
