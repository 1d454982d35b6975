package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rzbill/regflow/pkg/log"
)

// Sequencer hands out registration numbers.
type Sequencer interface {
	NextID(ctx context.Context) (uint64, error)
}

// WriteRequest is the data a registration is created from.
type WriteRequest struct {
	PaymentRef string
	OrderRef   string
	Amount     float64
	Payload    map[string]any
}

// WriterOptions configures retry pacing. Zero values take the defaults.
type WriterOptions struct {
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
	Logger     log.Logger
	Now        func() time.Time
}

const (
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

// Writer creates registration records with bounded retries.
type Writer struct {
	store   Store
	seq     Sequencer
	initial time.Duration
	maxWait time.Duration
	logger  log.Logger
	now     func() time.Time
}

func NewWriter(store Store, seq Sequencer, opts WriterOptions) *Writer {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Writer{
		store:   store,
		seq:     seq,
		initial: opts.InitialBackoff,
		maxWait: opts.MaxBackoff,
		logger:  opts.Logger.WithComponent("writer"),
		now:     opts.Now,
	}
}

// Write persists a registration for req.PaymentRef, or returns the one that
// already exists. Each attempt checks the payment reference index, allocates
// a number and inserts record and index together. Failed attempts are
// retried with exponential backoff up to maxRetries attempts in total; the
// last error is returned.
func (w *Writer) Write(ctx context.Context, req WriteRequest, maxRetries int) (*Registration, error) {
	reg, _, err := w.WriteCreated(ctx, req, maxRetries)
	return reg, err
}

// WriteCreated is Write that also reports whether this call created the
// record. It is false when the payment reference was already registered.
func (w *Writer) WriteCreated(ctx context.Context, req WriteRequest, maxRetries int) (*Registration, bool, error) {
	if req.PaymentRef == "" {
		return nil, false, errors.New("registration: payment reference is required")
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	logger := w.logger.With(log.PaymentRef(req.PaymentRef))

	attempt := 0
	created := false
	op := func() (*Registration, error) {
		attempt++
		created = false
		if existing, err := w.store.GetByPaymentRef(ctx, req.PaymentRef); err == nil {
			return existing, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("check payment ref: %w", err)
		}
		seq, err := w.seq.NextID(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocate sequence: %w", err)
		}
		rec := &Registration{
			SequenceID: seq,
			PaymentRef: req.PaymentRef,
			OrderRef:   req.OrderRef,
			Amount:     req.Amount,
			Payload:    req.Payload,
			CreatedAt:  w.now().UTC(),
		}
		stored, err := w.store.Insert(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("insert registration %d: %w", seq, err)
		}
		// Insert hands back the winner when another writer got there first
		created = stored.SequenceID == seq
		return stored, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initial
	b.MaxInterval = w.maxWait

	reg, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("registration write failed, retrying",
				log.Int("attempt", attempt),
				log.Dur("wait", wait),
				log.Err(err))
		}),
	)
	if err != nil {
		return nil, false, fmt.Errorf("write registration after %d attempts: %w", attempt, err)
	}
	logger.Debug("registration written",
		log.Uint64("sequence_id", reg.SequenceID),
		log.Int("attempts", attempt),
		log.Bool("created", created))
	return reg, created, nil
}
