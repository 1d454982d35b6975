package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pebblestore "github.com/rzbill/regflow/internal/storage/pebble"
)

type fixedSeed struct {
	max uint64
	err error
}

func (s fixedSeed) MaxSequence(context.Context) (uint64, error) { return s.max, s.err }

func openDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLazySeedUsesFloor(t *testing.T) {
	a := New(openDB(t), Options{})
	got, err := a.NextID(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != DefaultFloor+DefaultBuffer+1 {
		t.Fatalf("first id = %d, want %d", got, DefaultFloor+DefaultBuffer+1)
	}
}

func TestSeedAboveExistingRegistrations(t *testing.T) {
	a := New(openDB(t), Options{Seed: fixedSeed{max: 5000}})
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	cur, err := a.Current(context.Background())
	if err != nil || cur != 5100 {
		t.Fatalf("current = %d, %v", cur, err)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	db := openDB(t)
	a := New(db, Options{})
	ctx := context.Background()
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	first, _ := a.NextID(ctx)

	// a later seed never rewinds or bumps an existing counter
	b := New(db, Options{Seed: fixedSeed{max: 90000}})
	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	second, _ := b.NextID(ctx)
	if second != first+1 {
		t.Fatalf("second = %d, want %d", second, first+1)
	}
}

func TestInitializeSeedError(t *testing.T) {
	boom := errors.New("scan failed")
	a := New(openDB(t), Options{Seed: fixedSeed{err: boom}})
	if err := a.Initialize(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestConcurrentNextIDDistinctAndMonotonic(t *testing.T) {
	a := New(openDB(t), Options{})
	const workers, perWorker = 10, 40

	var wg sync.WaitGroup
	results := make([][]uint64, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				n, err := a.NextID(context.Background())
				if err != nil {
					t.Errorf("next: %v", err)
					return
				}
				results[w] = append(results[w], n)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uint64]bool, workers*perWorker)
	for _, ids := range results {
		for i, n := range ids {
			if seen[n] {
				t.Fatalf("duplicate id %d", n)
			}
			seen[n] = true
			if i > 0 && n <= ids[i-1] {
				t.Fatalf("ids not increasing per caller: %d after %d", n, ids[i-1])
			}
		}
	}
	cur, _ := a.Current(context.Background())
	if cur != DefaultFloor+DefaultBuffer+workers*perWorker {
		t.Fatalf("current = %d", cur)
	}
}

func TestFallbackWhenStoreUnavailable(t *testing.T) {
	db := openDB(t)
	now := time.UnixMilli(1_700_000_000_000)
	a := New(db, Options{Now: func() time.Time { return now }})
	_ = db.Close()

	first, err := a.NextID(context.Background())
	if err != nil {
		t.Fatalf("fallback must not fail: %v", err)
	}
	second, _ := a.NextID(context.Background())
	if first != 1_700_000_000_000 {
		t.Fatalf("first fallback = %d", first)
	}
	if second <= first {
		t.Fatalf("fallback ids not strictly increasing: %d then %d", first, second)
	}
}

func TestCanceledContextIsReturned(t *testing.T) {
	a := New(openDB(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.NextID(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestCurrentBeforeFirstUse(t *testing.T) {
	a := New(openDB(t), Options{})
	cur, err := a.Current(context.Background())
	if err != nil || cur != 0 {
		t.Fatalf("current = %d, %v", cur, err)
	}
}
