package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pebblestore "github.com/rzbill/regflow/internal/storage/pebble"
	"github.com/rzbill/regflow/pkg/id"
	"github.com/rzbill/regflow/pkg/log"
)

var (
	// ErrDuplicate is returned by Enqueue when the payment reference is
	// already held by another item.
	ErrDuplicate = errors.New("intake: duplicate payment reference")
	// ErrNotFound is returned for unknown item ids or payment references.
	ErrNotFound = errors.New("intake: item not found")
	// ErrLeaseLost is returned when a holder tries to settle an item it no
	// longer leases.
	ErrLeaseLost = errors.New("intake: lease lost")
	// ErrNotRetryable is returned by Retry for completed items and items
	// under a live lease.
	ErrNotRetryable = errors.New("intake: item is not retryable")
)

// ids is shared by every Queue in the process so two queues over one store
// never mint the same id.
var ids = id.NewGenerator()

// Options configures a Queue.
type Options struct {
	Logger log.Logger
	// Now is the queue clock; tests inject a fake one.
	Now func() time.Time
}

// Queue is the durable intake queue. All state transitions are conditional
// updates through pebblestore.DB.Atomic, so any number of Queue values and
// workers may share one store.
type Queue struct {
	db     *pebblestore.DB
	logger log.Logger
	now    func() time.Time
}

// Open returns a Queue over db.
func Open(db *pebblestore.DB, opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{db: db, logger: opts.Logger.WithComponent("intake"), now: opts.Now}
}

// Enqueue inserts a pending item. When the payment reference is already taken
// it returns the existing item (nil if it was purged) together with an error
// wrapping ErrDuplicate.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Item, error) {
	if strings.TrimSpace(req.PaymentRef) == "" {
		return nil, errors.New("intake: payment reference is required")
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = DefaultMaxAttempts
	}

	item := &Item{
		ID:               ids.Next().String(),
		PaymentRef:       req.PaymentRef,
		OrderRef:         req.OrderRef,
		PaymentSignature: req.PaymentSignature,
		Amount:           req.Amount,
		Payload:          req.Payload,
		State:            StatePending,
		MaxAttempts:      req.MaxAttempts,
		CreatedAt:        q.now().UTC(),
	}

	var existingID string
	rk := refKey(req.PaymentRef)
	err := q.db.Atomic(ctx, [][]byte{rk}, func(tx *pebblestore.Tx) error {
		held, err := tx.Get(rk)
		if err == nil {
			existingID = string(held)
			return ErrDuplicate
		}
		if !errors.Is(err, pebblestore.ErrNotFound) {
			return err
		}
		if err := tx.Set(rk, []byte(item.ID)); err != nil {
			return err
		}
		return q.put(tx, nil, item)
	})
	if errors.Is(err, ErrDuplicate) {
		existing, getErr := q.Get(ctx, existingID)
		if getErr != nil && !errors.Is(getErr, ErrNotFound) {
			return nil, fmt.Errorf("load duplicate %s: %w", existingID, getErr)
		}
		return existing, fmt.Errorf("%w: %s held by item %s", ErrDuplicate, req.PaymentRef, existingID)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", req.PaymentRef, err)
	}
	q.logger.Debug("item enqueued", log.Str("id", item.ID), log.PaymentRef(item.PaymentRef))
	return item, nil
}

// Get loads an item by id.
func (q *Queue) Get(ctx context.Context, itemID string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := id.Parse(itemID); err != nil {
		return nil, ErrNotFound
	}
	raw, err := q.db.Get(itemKey(itemID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", itemID, err)
	}
	return decodeItem(raw)
}

// GetByPaymentRef loads the item holding paymentRef.
func (q *Queue) GetByPaymentRef(ctx context.Context, paymentRef string) (*Item, error) {
	held, err := q.db.Get(refKey(paymentRef))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ref %s: %w", paymentRef, err)
	}
	return q.Get(ctx, string(held))
}

// put writes next and moves its index entries away from prev (nil on insert).
// The caller holds the lock on the item's key.
func (q *Queue) put(tx *pebblestore.Tx, prev, next *Item) error {
	if prev != nil {
		if err := tx.Delete(stateKey(prev.State, prev.ID)); err != nil {
			return err
		}
		if prev.State == StateCompleted && prev.CompletedAt != nil {
			if err := tx.Delete(doneKey(prev.CompletedAt.UnixMilli(), prev.ID)); err != nil {
				return err
			}
		}
	}
	raw, err := encodeItem(next)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	if err := tx.Set(itemKey(next.ID), raw); err != nil {
		return err
	}
	if err := tx.Set(stateKey(next.State, next.ID), stateIndexValue(next)); err != nil {
		return err
	}
	if next.State == StateCompleted && next.CompletedAt != nil {
		return tx.Set(doneKey(next.CompletedAt.UnixMilli(), next.ID), []byte{})
	}
	return nil
}

// mutate applies fn to the current version of an item under its lock. fn
// reports whether it changed anything; unchanged items are not rewritten.
func (q *Queue) mutate(ctx context.Context, itemID string, fn func(it *Item) (bool, error)) (*Item, error) {
	key := itemKey(itemID)
	var out *Item
	err := q.db.Atomic(ctx, [][]byte{key}, func(tx *pebblestore.Tx) error {
		raw, err := tx.Get(key)
		if errors.Is(err, pebblestore.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		prev, err := decodeItem(raw)
		if err != nil {
			return fmt.Errorf("decode item %s: %w", itemID, err)
		}
		next := prev.clone()
		changed, err := fn(next)
		if err != nil {
			return err
		}
		out = next
		if !changed {
			return nil
		}
		return q.put(tx, prev, next)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
