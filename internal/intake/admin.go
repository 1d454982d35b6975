package intake

import (
	"context"
	"fmt"
	"slices"

	"github.com/rzbill/regflow/pkg/log"
)

// Stats summarizes queue depth per state.
type Stats struct {
	Pending   int `json:"pending"`
	Leased    int `json:"leased"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
	// OldestPendingAgeMs is the age of the oldest pending item, 0 if none.
	OldestPendingAgeMs int64 `json:"oldest_pending_age_ms"`
}

// Stats counts items per state from the state indexes.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var oldest string
	for _, s := range States {
		if err := ctx.Err(); err != nil {
			return Stats{}, err
		}
		n := 0
		err := q.db.ScanPrefix([]byte(statePrefix(s)), func(k, _ []byte) bool {
			if n == 0 && s == StatePending {
				oldest = idFromIndexKey(k)
			}
			n++
			return true
		})
		if err != nil {
			return Stats{}, fmt.Errorf("count %s: %w", s, err)
		}
		switch s {
		case StatePending:
			st.Pending = n
		case StateLeased:
			st.Leased = n
		case StateCompleted:
			st.Completed = n
		case StateFailed:
			st.Failed = n
		}
		st.Total += n
	}
	if oldest != "" {
		if it, err := q.Get(ctx, oldest); err == nil {
			st.OldestPendingAgeMs = max(0, q.now().Sub(it.CreatedAt).Milliseconds())
		}
	}
	return st, nil
}

// ListOptions selects one page of items. Page is 1-based.
type ListOptions struct {
	Page     int
	PageSize int
	// State filters by state when non-empty.
	State State
}

// ListResult is one page of items, newest first.
type ListResult struct {
	Items      []*Item `json:"items"`
	Page       int     `json:"page"`
	PageSize   int     `json:"page_size"`
	Total      int     `json:"total"`
	TotalPages int     `json:"total_pages"`
}

const maxPageSize = 500

// List returns a page of items ordered newest first.
func (q *Queue) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = 20
	}
	opts.PageSize = min(opts.PageSize, maxPageSize)
	if opts.State != "" && !opts.State.Valid() {
		return ListResult{}, fmt.Errorf("intake: unknown state %q", opts.State)
	}

	prefix := prefixItem
	if opts.State != "" {
		prefix = statePrefix(opts.State)
	}
	var all []string
	err := q.db.ScanPrefix([]byte(prefix), func(k, _ []byte) bool {
		all = append(all, idFromIndexKey(k))
		return true
	})
	if err != nil {
		return ListResult{}, fmt.Errorf("list: %w", err)
	}
	slices.Reverse(all)

	res := ListResult{
		Items:      []*Item{},
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		Total:      len(all),
		TotalPages: (len(all) + opts.PageSize - 1) / opts.PageSize,
	}
	start := (opts.Page - 1) * opts.PageSize
	if start >= len(all) {
		return res, nil
	}
	for _, itemID := range all[start:min(start+opts.PageSize, len(all))] {
		it, err := q.Get(ctx, itemID)
		if err != nil {
			// purged between scan and load
			continue
		}
		res.Items = append(res.Items, it)
	}
	return res, nil
}

// Retry returns a failed or stuck item to pending with a fresh attempt
// budget. A leased item is stuck once its lease has expired; completed items
// and items under a live lease cannot be retried.
func (q *Queue) Retry(ctx context.Context, itemID string) (*Item, error) {
	now := q.now()
	it, err := q.mutate(ctx, itemID, func(it *Item) (bool, error) {
		switch {
		case it.State == StateCompleted:
			return false, ErrNotRetryable
		case it.State == StateLeased && !it.leaseExpired(now):
			return false, ErrNotRetryable
		}
		it.State = StatePending
		it.Attempts = 0
		it.clearLease()
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retry %s: %w", itemID, err)
	}
	q.logger.Info("item reset for retry", log.Str("id", it.ID), log.PaymentRef(it.PaymentRef))
	return it, nil
}
