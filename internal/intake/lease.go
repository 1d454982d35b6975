package intake

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	pebblestore "github.com/rzbill/regflow/internal/storage/pebble"
	"github.com/rzbill/regflow/pkg/log"
)

// errStale marks a claim whose snapshot no longer matches the stored record.
var errStale = errors.New("intake: stale snapshot")

type candidate struct {
	id       string
	snapshot []byte
}

// LeaseNext claims up to batchSize items for workerID, oldest first.
//
// Candidates are pending items, leased items whose lease has expired, and
// failed items that still have attempts left. Each claim succeeds only if the
// stored record is byte-identical to the one read during the scan; items
// another worker changed in between are skipped. A successful claim sets the
// lease and increments Attempts in the same write.
func (q *Queue) LeaseNext(ctx context.Context, batchSize int, leaseDuration time.Duration, workerID string) ([]*Item, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := q.now().UTC()
	found, err := q.candidateIDs(now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("scan candidates: %w", err)
	}

	cands := make([]candidate, 0, len(found))
	for _, itemID := range found {
		raw, err := q.db.Get(itemKey(itemID))
		if errors.Is(err, pebblestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read candidate %s: %w", itemID, err)
		}
		cands = append(cands, candidate{id: itemID, snapshot: raw})
	}

	leased := make([]*Item, 0, len(cands))
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return leased, err
		}
		it, err := q.claim(ctx, c, now, leaseDuration, workerID)
		switch {
		case err == nil:
			leased = append(leased, it)
		case errors.Is(err, errStale):
			q.logger.Debug("claim lost to another worker", log.Str("id", c.id), log.Str(log.WorkerKey, workerID))
		default:
			return leased, fmt.Errorf("claim %s: %w", c.id, err)
		}
	}
	return leased, nil
}

func (q *Queue) claim(ctx context.Context, c candidate, now time.Time, leaseDuration time.Duration, workerID string) (*Item, error) {
	key := itemKey(c.id)
	var out *Item
	err := q.db.Atomic(ctx, [][]byte{key}, func(tx *pebblestore.Tx) error {
		cur, err := tx.Get(key)
		if errors.Is(err, pebblestore.ErrNotFound) {
			return errStale
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, c.snapshot) {
			return errStale
		}
		prev, err := decodeItem(cur)
		if err != nil {
			return err
		}
		if !claimable(prev, now) {
			return errStale
		}
		next := prev.clone()
		expires := now.Add(leaseDuration)
		next.State = StateLeased
		next.LeaseHolder = workerID
		next.LeaseExpiresAt = &expires
		next.Attempts++
		next.LastAttemptAt = &now
		out = next
		return q.put(tx, prev, next)
	})
	return out, err
}

func claimable(it *Item, now time.Time) bool {
	switch it.State {
	case StatePending:
		return true
	case StateLeased:
		return it.leaseExpired(now)
	case StateFailed:
		return !it.Exhausted()
	}
	return false
}

// candidateIDs merges the claimable entries of the pending, leased and failed
// indexes and returns the oldest batchSize ids.
func (q *Queue) candidateIDs(now time.Time, batchSize int) ([]string, error) {
	var out []string
	collect := func(s State, keep func(v []byte) bool) error {
		n := 0
		return q.db.ScanPrefix([]byte(statePrefix(s)), func(k, v []byte) bool {
			if keep(v) {
				out = append(out, idFromIndexKey(k))
				n++
			}
			return n < batchSize
		})
	}
	nowMs := now.UnixMilli()
	if err := collect(StatePending, func([]byte) bool { return true }); err != nil {
		return nil, err
	}
	if err := collect(StateLeased, func(v []byte) bool {
		return len(v) != 8 || int64(binary.BigEndian.Uint64(v)) <= nowMs
	}); err != nil {
		return nil, err
	}
	if err := collect(StateFailed, func(v []byte) bool {
		return len(v) == 1 && v[0] == 1
	}); err != nil {
		return nil, err
	}
	// ids are time-ordered hex, so string order is age order
	slices.Sort(out)
	if len(out) > batchSize {
		out = out[:batchSize]
	}
	return out, nil
}

// MarkCompleted records that the item's registration has been written. When
// holder is non-empty it must still hold the lease. Completing a completed
// item is a no-op.
func (q *Queue) MarkCompleted(ctx context.Context, itemID, holder string) error {
	_, err := q.mutate(ctx, itemID, func(it *Item) (bool, error) {
		if it.State == StateCompleted {
			return false, nil
		}
		if err := checkHolder(it, holder); err != nil {
			return false, err
		}
		now := q.now().UTC()
		it.State = StateCompleted
		it.CompletedAt = &now
		it.LastError = ""
		it.clearLease()
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", itemID, err)
	}
	return nil
}

// MarkFailed records a failed attempt. The item returns to pending while
// attempts remain and becomes failed once they are exhausted.
func (q *Queue) MarkFailed(ctx context.Context, itemID, holder, errMsg string) error {
	it, err := q.mutate(ctx, itemID, func(it *Item) (bool, error) {
		if it.State == StateCompleted {
			if holder != "" {
				return false, ErrLeaseLost
			}
			return false, nil
		}
		if err := checkHolder(it, holder); err != nil {
			return false, err
		}
		it.LastError = errMsg
		it.clearLease()
		if it.Exhausted() {
			it.State = StateFailed
		} else {
			it.State = StatePending
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("fail %s: %w", itemID, err)
	}
	if it.State == StateFailed {
		q.logger.Error("item permanently failed",
			log.Str("id", it.ID),
			log.PaymentRef(it.PaymentRef),
			log.Int("attempts", it.Attempts),
			log.Str("last_error", errMsg))
	}
	return nil
}

func checkHolder(it *Item, holder string) error {
	if holder == "" {
		return nil
	}
	if it.State != StateLeased || it.LeaseHolder != holder {
		return ErrLeaseLost
	}
	return nil
}
