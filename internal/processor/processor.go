package processor

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rzbill/regflow/internal/async"
	"github.com/rzbill/regflow/internal/intake"
	"github.com/rzbill/regflow/internal/notify"
	"github.com/rzbill/regflow/internal/registration"
	"github.com/rzbill/regflow/pkg/log"
)

// Queue is the part of intake.Queue the processor drives.
type Queue interface {
	LeaseNext(ctx context.Context, batchSize int, leaseDuration time.Duration, workerID string) ([]*intake.Item, error)
	MarkCompleted(ctx context.Context, itemID, holder string) error
	MarkFailed(ctx context.Context, itemID, holder, errMsg string) error
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error)
}

// Writer persists registrations and reports whether the call created one.
type Writer interface {
	WriteCreated(ctx context.Context, req registration.WriteRequest, maxRetries int) (*registration.Registration, bool, error)
}

// Options configures a Processor. Zero values take the defaults.
type Options struct {
	BatchSize     int
	LeaseDuration time.Duration
	WriteRetries  int
	Interval      time.Duration
	Retention     time.Duration
	// WorkerID identifies this processor's leases. Defaults to a random id.
	WorkerID string
	// Health, when set, gates every batch.
	Health   func(ctx context.Context) error
	Notifier notify.Notifier
	Runner   *async.Runner
	Logger   log.Logger
}

const (
	DefaultBatchSize     = 50
	DefaultLeaseDuration = 60 * time.Second
	DefaultWriteRetries  = 10
	DefaultInterval      = 30 * time.Second
)

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	Leased            int `json:"leased"`
	Completed         int `json:"completed"`
	Retrying          int `json:"retrying"`
	PermanentlyFailed int `json:"permanently_failed"`
	// Lost counts items whose lease expired or passed to another worker
	// before they were settled.
	Lost int `json:"lost"`
}

// Processor leases intake items and writes their registrations.
type Processor struct {
	queue  Queue
	writer Writer
	opts   Options
	logger log.Logger

	trigger chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(queue Queue, writer Writer, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = DefaultLeaseDuration
	}
	if opts.WriteRetries <= 0 {
		opts.WriteRetries = DefaultWriteRetries
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = intake.DefaultRetention
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "proc-" + uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Runner == nil {
		opts.Runner = async.NewRunner(opts.Logger, 0)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{Logger: opts.Logger}
	}
	return &Processor{
		queue:   queue,
		writer:  writer,
		opts:    opts,
		logger:  opts.Logger.WithComponent("processor"),
		trigger: make(chan struct{}, 1),
	}
}

// WorkerID returns the lease holder id used by the periodic loop.
func (p *Processor) WorkerID() string { return p.opts.WorkerID }

// ProcessBatch leases up to BatchSize items for workerID and settles each.
func (p *Processor) ProcessBatch(ctx context.Context, workerID string) (BatchResult, error) {
	ctx, span := otel.Tracer("regflow/processor").Start(ctx, "processor.batch")
	defer span.End()

	var res BatchResult
	if p.opts.Health != nil {
		if err := p.opts.Health(ctx); err != nil {
			span.SetStatus(codes.Error, "store unhealthy")
			return res, err
		}
	}
	items, err := p.queue.LeaseNext(ctx, p.opts.BatchSize, p.opts.LeaseDuration, workerID)
	res.Leased = len(items)
	if err != nil && len(items) == 0 {
		span.RecordError(err)
		return res, err
	}
	if err != nil {
		// keep the partial batch: those leases are ours now
		p.logger.Warn("lease scan stopped early", log.Err(err), log.Int("leased", len(items)))
	}

	for _, it := range items {
		p.processItem(ctx, workerID, it, &res)
	}

	span.SetAttributes(
		attribute.Int("regflow.batch.leased", res.Leased),
		attribute.Int("regflow.batch.completed", res.Completed),
		attribute.Int("regflow.batch.permanently_failed", res.PermanentlyFailed),
	)
	if res.Leased > 0 {
		p.logger.Info("batch processed",
			log.Str(log.WorkerKey, workerID),
			log.Int("leased", res.Leased),
			log.Int("completed", res.Completed),
			log.Int("retrying", res.Retrying),
			log.Int("permanently_failed", res.PermanentlyFailed),
			log.Int("lost", res.Lost))
	}
	return res, nil
}

func (p *Processor) processItem(ctx context.Context, workerID string, it *intake.Item, res *BatchResult) {
	logger := p.logger.With(log.Str("id", it.ID), log.PaymentRef(it.PaymentRef), log.Str(log.WorkerKey, workerID))

	// Writes for one item are serialized by its lease; past the expiry
	// another worker may already hold it.
	wctx := ctx
	if it.LeaseExpiresAt != nil {
		if !time.Now().Before(*it.LeaseExpiresAt) {
			res.Lost++
			logger.Warn("lease expired before write, leaving item to its next holder")
			return
		}
		var cancel context.CancelFunc
		wctx, cancel = context.WithDeadline(ctx, *it.LeaseExpiresAt)
		defer cancel()
	}

	reg, created, err := p.writer.WriteCreated(wctx, registration.WriteRequest{
		PaymentRef: it.PaymentRef,
		OrderRef:   it.OrderRef,
		Amount:     it.Amount,
		Payload:    it.Payload,
	}, p.opts.WriteRetries)
	if err != nil {
		if ctx.Err() == nil && wctx.Err() != nil {
			res.Lost++
			logger.Warn("lease expired during write", log.Err(err))
			return
		}
		if markErr := p.queue.MarkFailed(ctx, it.ID, workerID, err.Error()); markErr != nil {
			p.settleError(logger, markErr, res)
			return
		}
		if it.Exhausted() {
			res.PermanentlyFailed++
		} else {
			res.Retrying++
			logger.Warn("registration write failed", log.Int("attempts", it.Attempts), log.Err(err))
		}
		return
	}

	if err := p.queue.MarkCompleted(ctx, it.ID, workerID); err != nil {
		p.settleError(logger, err, res)
		return
	}
	res.Completed++
	if created {
		p.dispatch(reg)
	} else {
		// confirmed by whichever path wrote it
		logger.Debug("registration already existed, no confirmation sent")
	}
}

func (p *Processor) settleError(logger log.Logger, err error, res *BatchResult) {
	if errors.Is(err, intake.ErrLeaseLost) {
		res.Lost++
		logger.Warn("lease lost before settling item")
		return
	}
	// the lease expires and the item is retried
	logger.Error("failed to settle item", log.Err(err))
}

func (p *Processor) dispatch(reg *registration.Registration) {
	c := notify.ConfirmationFor(reg)
	p.opts.Runner.Go("notify", func(ctx context.Context) error {
		return p.opts.Notifier.Notify(ctx, c)
	})
}

// Trigger requests a batch from the running loop without waiting. Requests
// made while one is already pending are coalesced.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Start launches the periodic loop. Calling Start twice is a no-op.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop ends the loop and waits for the current batch to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()
	timer := time.NewTimer(p.jittered())
	defer timer.Stop()

	p.logger.Info("processor started",
		log.Str(log.WorkerKey, p.opts.WorkerID),
		log.Dur("interval", p.opts.Interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("processor stopped")
			return
		case <-p.trigger:
			p.runOnce(ctx)
		case <-timer.C:
			p.runOnce(ctx)
			p.purge(ctx)
			timer.Reset(p.jittered())
		}
	}
}

func (p *Processor) runOnce(ctx context.Context) {
	if _, err := p.ProcessBatch(ctx, p.opts.WorkerID); err != nil && ctx.Err() == nil {
		p.logger.Error("batch failed", log.Err(err))
	}
}

func (p *Processor) purge(ctx context.Context) {
	if _, err := p.queue.PurgeCompleted(ctx, p.opts.Retention); err != nil && ctx.Err() == nil {
		p.logger.Warn("retention purge failed", log.Err(err))
	}
}

// jittered spreads ticks of many processors by ±10% of Interval.
func (p *Processor) jittered() time.Duration {
	spread := int64(p.opts.Interval) / 5
	if spread <= 0 {
		return p.opts.Interval
	}
	return p.opts.Interval - time.Duration(spread/2) + time.Duration(rand.Int64N(spread))
}
