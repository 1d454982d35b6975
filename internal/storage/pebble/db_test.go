package pebblestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type testMetrics struct {
	mu           sync.Mutex
	wrote        int
	read         int
	batchCommits int
	batchOps     int
}

func (m *testMetrics) ObserveWrite(_ time.Duration, bytes int) {
	m.mu.Lock()
	m.wrote += bytes
	m.mu.Unlock()
}

func (m *testMetrics) ObserveRead(_ time.Duration, bytes int) {
	m.mu.Lock()
	m.read += bytes
	m.mu.Unlock()
}

func (m *testMetrics) ObserveBatchCommit(_ time.Duration, numOps int, _ int) {
	m.mu.Lock()
	m.batchCommits++
	m.batchOps += numOps
	m.mu.Unlock()
}

func newTestDB(t *testing.T) (*DB, *testMetrics) {
	t.Helper()
	metrics := &testMetrics{}
	db, err := Open(Options{
		DataDir:       t.TempDir(),
		Fsync:         FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, metrics
}

func TestPointOps(t *testing.T) {
	db, metrics := newTestDB(t)

	if err := db.Set([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := db.Get([]byte("k1"))
	if err != nil || string(got) != "v1" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if metrics.read == 0 || metrics.wrote == 0 {
		t.Fatalf("metrics not observed: %+v", metrics)
	}
	if err := db.Delete([]byte("k1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("k1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScanPrefixOrdered(t *testing.T) {
	db, _ := newTestDB(t)
	for _, k := range []string{"p/b", "p/a", "q/x", "p/c", "o/z"} {
		if err := db.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	var keys []string
	if err := db.ScanPrefix([]byte("p/"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return len(keys) < 2
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if fmt.Sprint(keys) != "[p/a p/b]" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestPrefixEnd(t *testing.T) {
	if got := PrefixEnd([]byte("ab")); string(got) != "ac" {
		t.Fatalf("PrefixEnd(ab) = %q", got)
	}
	if got := PrefixEnd([]byte{'a', 0xff}); string(got) != "b" {
		t.Fatalf("PrefixEnd(a\\xff) = %q", got)
	}
	if got := PrefixEnd([]byte{0xff}); got != nil {
		t.Fatalf("PrefixEnd(\\xff) = %q, want nil", got)
	}
}

func TestAtomicRollbackOnError(t *testing.T) {
	db, metrics := newTestDB(t)
	boom := errors.New("boom")
	err := db.Atomic(context.Background(), [][]byte{[]byte("a")}, func(tx *Tx) error {
		if err := tx.Set([]byte("a"), []byte("1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, err := db.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("write leaked after failed tx: %v", err)
	}
	if metrics.batchCommits != 0 {
		t.Fatalf("unexpected commit")
	}
}

func TestAtomicReadsOwnWrites(t *testing.T) {
	db, metrics := newTestDB(t)
	_ = db.Set([]byte("gone"), []byte("x"))
	err := db.Atomic(context.Background(), [][]byte{[]byte("a"), []byte("gone")}, func(tx *Tx) error {
		_ = tx.Set([]byte("a"), []byte("1"))
		v, err := tx.Get([]byte("a"))
		if err != nil || string(v) != "1" {
			return fmt.Errorf("staged read = %q, %v", v, err)
		}
		_ = tx.Delete([]byte("gone"))
		if _, err := tx.Get([]byte("gone")); !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("staged delete visible: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
	if metrics.batchCommits != 1 || metrics.batchOps != 2 {
		t.Fatalf("commits=%d ops=%d", metrics.batchCommits, metrics.batchOps)
	}
}

func TestAtomicSerializesCounter(t *testing.T) {
	db, _ := newTestDB(t)
	key := []byte("counter")
	const workers, perWorker = 8, 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				err := db.Atomic(context.Background(), [][]byte{key}, func(tx *Tx) error {
					var n uint64
					cur, err := tx.Get(key)
					switch {
					case err == nil:
						n = binary.BigEndian.Uint64(cur)
					case !errors.Is(err, ErrNotFound):
						return err
					}
					return tx.Set(key, binary.BigEndian.AppendUint64(nil, n+1))
				})
				if err != nil {
					t.Errorf("atomic: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	raw, err := db.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := binary.BigEndian.Uint64(raw); got != workers*perWorker {
		t.Fatalf("counter = %d, want %d", got, workers*perWorker)
	}
}

func TestClosedReturnsErrClosed(t *testing.T) {
	db, _ := newTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !db.Closed() {
		t.Fatalf("Closed() = false")
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Fatalf("get after close: %v", err)
	}
	if err := db.Set([]byte("k"), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("set after close: %v", err)
	}
	err := db.Atomic(context.Background(), nil, func(*Tx) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("atomic after close: %v", err)
	}
	if err := db.ScanPrefix([]byte("x"), func(_, _ []byte) bool { return true }); !errors.Is(err, ErrClosed) {
		t.Fatalf("scan after close: %v", err)
	}
}

func TestLast(t *testing.T) {
	db, _ := newTestDB(t)
	if _, _, err := db.Last([]byte("r/"), PrefixEnd([]byte("r/"))); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty range: %v", err)
	}
	for _, k := range []string{"r/1", "r/3", "r/2", "s/9"} {
		_ = db.Set([]byte(k), []byte("v"+k))
	}
	k, v, err := db.Last([]byte("r/"), PrefixEnd([]byte("r/")))
	if err != nil || string(k) != "r/3" || string(v) != "vr/3" {
		t.Fatalf("last = %q %q %v", k, v, err)
	}
}
