package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	pebblestore "github.com/rzbill/regflow/internal/storage/pebble"
	"github.com/rzbill/regflow/pkg/log"
)

// DefaultRetention is how long completed items stay visible to operators.
const DefaultRetention = 24 * time.Hour

// PurgeCompleted deletes items completed more than olderThan ago and returns
// how many were removed. Payment reference index entries are kept so a
// purged reference still counts as a duplicate.
func (q *Queue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	cutoff := q.now().Add(-olderThan).UnixMilli()

	var expired []string
	err := q.db.Scan([]byte(prefixDone), doneUpperBound(cutoff), func(k, _ []byte) bool {
		expired = append(expired, idFromIndexKey(k))
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("scan completed: %w", err)
	}

	purged := 0
	for _, itemID := range expired {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		ok, err := q.purgeOne(ctx, itemID, cutoff)
		if err != nil {
			return purged, fmt.Errorf("purge %s: %w", itemID, err)
		}
		if ok {
			purged++
		}
	}
	if purged > 0 {
		q.logger.Info("purged completed items", log.Int("count", purged))
	}
	return purged, nil
}

func (q *Queue) purgeOne(ctx context.Context, itemID string, cutoffMs int64) (bool, error) {
	key := itemKey(itemID)
	removed := false
	err := q.db.Atomic(ctx, [][]byte{key}, func(tx *pebblestore.Tx) error {
		raw, err := tx.Get(key)
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		it, err := decodeItem(raw)
		if err != nil {
			return err
		}
		if it.State != StateCompleted || it.CompletedAt == nil || it.CompletedAt.UnixMilli() >= cutoffMs {
			return nil
		}
		removed = true
		if err := tx.Delete(key); err != nil {
			return err
		}
		if err := tx.Delete(stateKey(it.State, it.ID)); err != nil {
			return err
		}
		return tx.Delete(doneKey(it.CompletedAt.UnixMilli(), it.ID))
	})
	return removed, err
}
