package registration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/regflow/internal/sequence"
	pebblestore "github.com/rzbill/regflow/internal/storage/pebble"
)

func openStore(t *testing.T) (*PebbleStore, *pebblestore.DB) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPebbleStore(db), db
}

func fastWriter(store Store, seq Sequencer) *Writer {
	return NewWriter(store, seq, WriterOptions{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
}

// flakyStore fails the first n Insert calls.
type flakyStore struct {
	Store
	failures atomic.Int32
	inserts  atomic.Int32
}

func (f *flakyStore) Insert(ctx context.Context, rec *Registration) (*Registration, error) {
	f.inserts.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("disk busy")
	}
	return f.Store.Insert(ctx, rec)
}

type counterSeq struct{ n atomic.Uint64 }

func (c *counterSeq) NextID(context.Context) (uint64, error) { return c.n.Add(1), nil }

func writeReq(ref string) WriteRequest {
	return WriteRequest{PaymentRef: ref, OrderRef: "o-" + ref, Amount: 1500, Payload: map[string]any{"leader_name": "Ada"}}
}

func TestWriteAllocatesAndIndexes(t *testing.T) {
	store, db := openStore(t)
	alloc := sequence.New(db, sequence.Options{Seed: store})
	w := fastWriter(store, alloc)
	ctx := context.Background()

	reg, err := w.Write(ctx, writeReq("PAY-1"), 3)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if reg.SequenceID != sequence.DefaultFloor+sequence.DefaultBuffer+1 {
		t.Fatalf("sequence = %d", reg.SequenceID)
	}
	byRef, err := store.GetByPaymentRef(ctx, "PAY-1")
	if err != nil || byRef.SequenceID != reg.SequenceID {
		t.Fatalf("by ref = %+v, %v", byRef, err)
	}
	highest, err := store.MaxSequence(ctx)
	if err != nil || highest != reg.SequenceID {
		t.Fatalf("max sequence = %d, %v", highest, err)
	}
}

func TestWriteIsIdempotentPerPaymentRef(t *testing.T) {
	store, _ := openStore(t)
	seq := &counterSeq{}
	w := fastWriter(store, seq)
	ctx := context.Background()

	first, err := w.Write(ctx, writeReq("PAY-1"), 3)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	second, err := w.Write(ctx, writeReq("PAY-1"), 3)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if second.SequenceID != first.SequenceID {
		t.Fatalf("second write created %d, first was %d", second.SequenceID, first.SequenceID)
	}
	if seq.n.Load() != 1 {
		t.Fatalf("allocated %d numbers for one registration", seq.n.Load())
	}
}

func TestWriteCreatedReportsRepeat(t *testing.T) {
	store, _ := openStore(t)
	w := fastWriter(store, &counterSeq{})
	ctx := context.Background()

	first, created, err := w.WriteCreated(ctx, writeReq("PAY-1"), 3)
	if err != nil || !created {
		t.Fatalf("first write created=%v err=%v", created, err)
	}
	again, created, err := w.WriteCreated(ctx, writeReq("PAY-1"), 3)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if created {
		t.Fatal("repeat write reported a new registration")
	}
	if again.SequenceID != first.SequenceID {
		t.Fatalf("repeat returned %d, want %d", again.SequenceID, first.SequenceID)
	}
}

func TestConcurrentWritersConverge(t *testing.T) {
	store, db := openStore(t)
	alloc := sequence.New(db, sequence.Options{})
	w := fastWriter(store, alloc)

	const n = 12
	results := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg, err := w.Write(context.Background(), writeReq("PAY-RACE"), 3)
			if err != nil {
				t.Errorf("write: %v", err)
				return
			}
			results[i] = reg.SequenceID
		}(i)
	}
	wg.Wait()
	for _, s := range results[1:] {
		if s != results[0] {
			t.Fatalf("writers disagree: %v", results)
		}
	}
	list, err := store.List(context.Background(), 0, 100)
	if err != nil || len(list) != 1 {
		t.Fatalf("stored %d registrations, %v", len(list), err)
	}
}

func TestWriteRetriesTransientFailures(t *testing.T) {
	base, _ := openStore(t)
	store := &flakyStore{Store: base}
	store.failures.Store(2)
	w := fastWriter(store, &counterSeq{})

	reg, err := w.Write(context.Background(), writeReq("PAY-1"), 5)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if store.inserts.Load() != 3 {
		t.Fatalf("inserts = %d, want 3", store.inserts.Load())
	}
	if reg.SequenceID != 3 {
		// two numbers burned by the failed inserts
		t.Fatalf("sequence = %d", reg.SequenceID)
	}
}

func TestWriteSurfacesLastErrorAfterBudget(t *testing.T) {
	base, _ := openStore(t)
	store := &flakyStore{Store: base}
	store.failures.Store(100)
	w := fastWriter(store, &counterSeq{})

	_, err := w.Write(context.Background(), writeReq("PAY-1"), 4)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if store.inserts.Load() != 4 {
		t.Fatalf("inserts = %d, want 4", store.inserts.Load())
	}
	if _, err := base.GetByPaymentRef(context.Background(), "PAY-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed write left a record: %v", err)
	}
}

func TestInsertSequenceConflict(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	if _, err := store.Insert(ctx, &Registration{SequenceID: 7, PaymentRef: "A"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.Insert(ctx, &Registration{SequenceID: 7, PaymentRef: "B"}); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("err = %v", err)
	}
	if _, err := store.Get(ctx, 8); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
}

func TestWriteFailsWhenStoreClosed(t *testing.T) {
	store, db := openStore(t)
	w := fastWriter(store, &counterSeq{})
	_ = db.Close()
	if _, err := w.Write(context.Background(), writeReq("PAY-1"), 2); !errors.Is(err, pebblestore.ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}
