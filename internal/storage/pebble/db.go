package pebblestore

import (
	"bytes"
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("pebblestore: database closed")
	// ErrNotFound is returned by Get and Tx.Get for absent keys.
	ErrNotFound = pebble.ErrNotFound
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every commit.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble.
	FsyncModeNever
)

// ParseFsyncMode maps a config string onto a FsyncMode.
func ParseFsyncMode(s string) FsyncMode {
	switch s {
	case "always":
		return FsyncModeAlways
	case "interval":
		return FsyncModeInterval
	case "never":
		return FsyncModeNever
	default:
		return FsyncModeUnspecified
	}
}

// Options configures the Pebble store wrapper.
type Options struct {
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. Nil means defaults.
	PebbleOptions *pebble.Options
	Metrics       MetricsHook
}

const lockStripes = 256

// DB wraps Pebble with an fsync policy, a closed state, and per-key
// read-modify-write transactions.
type DB struct {
	mu        sync.RWMutex
	closed    bool
	inner     *pebble.DB
	writeSync bool
	metrics   MetricsHook

	stripes [lockStripes]sync.Mutex
}

// Open creates or opens a Pebble database with the provided options.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return opts.FsyncInterval }
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &DB{
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways,
		metrics:   metrics,
	}, nil
}

// Close flushes and closes the database. It waits for in-flight operations
// and is safe to call more than once.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.inner.Close()
}

// Closed reports whether Close has been called.
func (db *DB) Closed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

func (db *DB) writeOpts() *pebble.WriteOptions {
	if db.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (db *DB) commit(b *pebble.Batch) error {
	start := time.Now()
	ops, size := int(b.Count()), b.Len()
	err := b.Commit(db.writeOpts())
	db.metrics.ObserveBatchCommit(time.Since(start), ops, size)
	return err
}

// Get returns a copy of the value stored under key.
func (db *DB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.get(key)
}

func (db *DB) get(key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	db.metrics.ObserveRead(time.Since(start), len(buf))
	return buf, nil
}

// Set writes a single key outside of any transaction.
func (db *DB) Set(key, value []byte) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	start := time.Now()
	if err := db.inner.Set(key, value, db.writeOpts()); err != nil {
		return err
	}
	db.metrics.ObserveWrite(time.Since(start), len(key)+len(value))
	return nil
}

// Delete removes a single key outside of any transaction.
func (db *DB) Delete(key []byte) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return db.inner.Delete(key, db.writeOpts())
}

// Scan calls fn for every key in [lower, upper) in ascending order until fn
// returns false. Key and value slices are only valid during the call.
func (db *DB) Scan(lower, upper []byte, fn func(key, value []byte) bool) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	it, err := db.inner.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	for valid := it.First(); valid; valid = it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Close()
}

// Last returns a copy of the greatest key in [lower, upper) and its value,
// or ErrNotFound when the range is empty.
func (db *DB) Last(lower, upper []byte) ([]byte, []byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, nil, ErrClosed
	}
	it, err := db.inner.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()
	if !it.Last() {
		return nil, nil, ErrNotFound
	}
	return bytes.Clone(it.Key()), bytes.Clone(it.Value()), nil
}

// ScanPrefix is Scan over every key starting with prefix.
func (db *DB) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	return db.Scan(prefix, PrefixEnd(prefix), fn)
}

// PrefixEnd returns the smallest key greater than every key with prefix.
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Tx is a read-modify-write view handed to Atomic. Reads see the staged
// writes of the same Tx.
type Tx struct {
	db     *DB
	batch  *pebble.Batch
	staged map[string][]byte
	dels   map[string]struct{}
}

// Get returns the current value of key, including writes staged in tx.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	k := string(key)
	if _, ok := tx.dels[k]; ok {
		return nil, ErrNotFound
	}
	if v, ok := tx.staged[k]; ok {
		return bytes.Clone(v), nil
	}
	return tx.db.get(key)
}

// Set stages a write.
func (tx *Tx) Set(key, value []byte) error {
	k := string(key)
	delete(tx.dels, k)
	tx.staged[k] = bytes.Clone(value)
	return tx.batch.Set(key, value, nil)
}

// Delete stages a removal.
func (tx *Tx) Delete(key []byte) error {
	k := string(key)
	delete(tx.staged, k)
	tx.dels[k] = struct{}{}
	return tx.batch.Delete(key, nil)
}

// Atomic runs fn while holding exclusive locks on keys and commits every
// write fn stages as one batch. If fn returns an error nothing is written.
//
// Concurrent Atomic calls that share a key are serialized, so a value read
// through tx for a locked key cannot change before the commit. Writes to keys
// outside the lock set are allowed when the caller owns them by convention
// (e.g. secondary index entries derived from a locked primary record).
func (db *DB) Atomic(ctx context.Context, keys [][]byte, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}

	unlock := db.lockKeys(keys)
	defer unlock()

	b := db.inner.NewBatch()
	defer b.Close()
	tx := &Tx{db: db, batch: b, staged: map[string][]byte{}, dels: map[string]struct{}{}}
	if err := fn(tx); err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}
	return db.commit(b)
}

func (db *DB) lockKeys(keys [][]byte) func() {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		h := fnv.New32a()
		_, _ = h.Write(k)
		i := int(h.Sum32() % lockStripes)
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	// fixed acquisition order prevents deadlock between overlapping key sets
	sort.Ints(idx)
	for _, i := range idx {
		db.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			db.stripes[idx[j]].Unlock()
		}
	}
}

// CompactRange requests compaction of the key range [start, end).
func (db *DB) CompactRange(start, end []byte) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return db.inner.Compact(start, end, true)
}
