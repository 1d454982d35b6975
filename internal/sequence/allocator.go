package sequence

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	pebblestore "github.com/rzbill/regflow/internal/storage/pebble"
	"github.com/rzbill/regflow/pkg/log"
)

// counterKey holds the last issued registration number (8 bytes, big-endian).
var counterKey = []byte("seq/registration")

const (
	DefaultFloor  uint64 = 1000
	DefaultBuffer uint64 = 100
)

// SeedSource reports the highest registration number already persisted.
type SeedSource interface {
	MaxSequence(ctx context.Context) (uint64, error)
}

// Options configures an Allocator. Zero values take the defaults.
type Options struct {
	Floor  uint64
	Buffer uint64
	Seed   SeedSource
	Logger log.Logger
	// Now is the clock used by the degraded path.
	Now func() time.Time
}

// Allocator issues registration numbers.
type Allocator struct {
	db     *pebblestore.DB
	floor  uint64
	buffer uint64
	seed   SeedSource
	logger log.Logger
	now    func() time.Time

	mu           sync.Mutex
	lastFallback uint64
}

var errUnseeded = errors.New("sequence: counter not initialized")

// New returns an Allocator over db.
func New(db *pebblestore.DB, opts Options) *Allocator {
	if opts.Floor == 0 {
		opts.Floor = DefaultFloor
	}
	if opts.Buffer == 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Allocator{
		db:     db,
		floor:  opts.Floor,
		buffer: opts.Buffer,
		seed:   opts.Seed,
		logger: opts.Logger.WithComponent("sequence"),
		now:    opts.Now,
	}
}

// Initialize creates the counter cell if it does not exist. It is idempotent
// and safe to race with NextID.
func (a *Allocator) Initialize(ctx context.Context) error {
	start := a.floor
	if a.seed != nil {
		highest, err := a.seed.MaxSequence(ctx)
		if err != nil {
			return fmt.Errorf("read seed: %w", err)
		}
		start = max(start, highest)
	}
	start += a.buffer

	created := false
	err := a.db.Atomic(ctx, [][]byte{counterKey}, func(tx *pebblestore.Tx) error {
		_, err := tx.Get(counterKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pebblestore.ErrNotFound) {
			return err
		}
		created = true
		return tx.Set(counterKey, encodeCounter(start))
	})
	if err != nil {
		return fmt.Errorf("initialize counter: %w", err)
	}
	if created {
		a.logger.Info("sequence counter seeded", log.Uint64("start", start))
	}
	return nil
}

// NextID returns the next registration number. Store failures fall back to a
// time-derived number; only context cancellation is returned as an error.
func (a *Allocator) NextID(ctx context.Context) (uint64, error) {
	n, err := a.increment(ctx)
	if errors.Is(err, errUnseeded) {
		if err = a.Initialize(ctx); err == nil {
			n, err = a.increment(ctx)
		}
	}
	if err == nil {
		return n, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	fallback := a.fallback()
	a.logger.Warn("sequence store unavailable, issuing time-derived id",
		log.Uint64("id", fallback),
		log.Err(err))
	return fallback, nil
}

func (a *Allocator) increment(ctx context.Context) (uint64, error) {
	var next uint64
	err := a.db.Atomic(ctx, [][]byte{counterKey}, func(tx *pebblestore.Tx) error {
		raw, err := tx.Get(counterKey)
		if errors.Is(err, pebblestore.ErrNotFound) {
			return errUnseeded
		}
		if err != nil {
			return err
		}
		cur, err := decodeCounter(raw)
		if err != nil {
			return err
		}
		next = cur + 1
		return tx.Set(counterKey, encodeCounter(next))
	})
	return next, err
}

func (a *Allocator) fallback() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := uint64(a.now().UnixMilli())
	if v <= a.lastFallback {
		v = a.lastFallback + 1
	}
	a.lastFallback = v
	return v
}

// Current returns the last issued number, or 0 before the first allocation.
func (a *Allocator) Current(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	raw, err := a.db.Get(counterKey)
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return decodeCounter(raw)
}

func encodeCounter(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}

func decodeCounter(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("sequence: corrupt counter (%d bytes)", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
