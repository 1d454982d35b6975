package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rzbill/regflow/internal/async"
	"github.com/rzbill/regflow/internal/gate"
	"github.com/rzbill/regflow/internal/intake"
	"github.com/rzbill/regflow/internal/notify"
	"github.com/rzbill/regflow/internal/orchestrator"
	"github.com/rzbill/regflow/internal/processor"
	"github.com/rzbill/regflow/internal/registration"
	"github.com/rzbill/regflow/internal/runtime"
	"github.com/rzbill/regflow/pkg/log"
)

// RateLimitedError rejects a request whose client exceeded its window.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Options configures New.
type Options struct {
	// Gate defaults to one over a fresh MemoryStore with the runtime's gate
	// settings.
	Gate     *gate.Gate
	Notifier notify.Notifier
	Logger   log.Logger
}

// Service coordinates the registration pipeline over one runtime.
type Service struct {
	rt     *runtime.Runtime
	gate   *gate.Gate
	orch   *orchestrator.Orchestrator
	proc   *processor.Processor
	runner *async.Runner
	logger log.Logger
}

func New(rt *runtime.Runtime, opts Options) *Service {
	cfg := rt.Config()
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	g := opts.Gate
	if g == nil {
		g = gate.New(gate.NewMemoryStore(nil), gate.Options{
			RateLimit:   cfg.Gate.RateLimit,
			RateWindow:  cfg.Gate.RateWindow,
			DedupWindow: cfg.Gate.DedupWindow,
		})
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}

	runner := async.NewRunner(logger, cfg.Notify.Timeout)
	proc := processor.New(rt.Queue(), rt.Writer(), processor.Options{
		BatchSize:     cfg.Queue.BatchSize,
		LeaseDuration: cfg.Queue.LeaseDuration,
		WriteRetries:  cfg.Writer.ProcessorRetries,
		Interval:      cfg.Queue.ProcessInterval,
		Retention:     cfg.Queue.Retention,
		Health:        rt.CheckHealth,
		Notifier:      notifier,
		Runner:        runner,
		Logger:        logger,
	})
	orch := orchestrator.New(rt.Queue(), &notifyingWriter{writer: rt.Writer(), notifier: notifier, runner: runner}, rt.Registrations(), proc, orchestrator.Options{
		EnqueueRetries:   cfg.Queue.EnqueueRetries,
		ImmediateRetries: cfg.Writer.ImmediateRetries,
		EmergencyRetries: cfg.Writer.EmergencyRetries,
		MaxAttempts:      cfg.Queue.MaxAttempts,
		OpTimeout:        cfg.Store.OpTimeout,
		Health:           rt.CheckHealth,
		Logger:           logger,
	})

	return &Service{
		rt:     rt,
		gate:   g,
		orch:   orch,
		proc:   proc,
		runner: runner,
		logger: logger.WithComponent("pipeline"),
	}
}

// Start launches the periodic processor loop.
func (s *Service) Start() { s.proc.Start() }

// Stop ends the processor loop and waits for pending notifications until ctx
// is done.
func (s *Service) Stop(ctx context.Context) error {
	s.proc.Stop()
	if err := s.runner.Wait(ctx); err != nil {
		s.logger.Warn("notifications still pending at shutdown", log.Err(err))
		return err
	}
	return nil
}

// Health reports whether the store can take writes.
func (s *Service) Health(ctx context.Context) error { return s.rt.CheckHealth(ctx) }

// QueueStats returns per-state item counts.
func (s *Service) QueueStats(ctx context.Context) (intake.Stats, error) {
	return s.rt.Queue().Stats(ctx)
}

// ListItems returns one page of intake items, newest first.
func (s *Service) ListItems(ctx context.Context, opts intake.ListOptions) (intake.ListResult, error) {
	return s.rt.Queue().List(ctx, opts)
}

// GetItem loads one intake item.
func (s *Service) GetItem(ctx context.Context, itemID string) (*intake.Item, error) {
	return s.rt.Queue().Get(ctx, itemID)
}

// GetItemByPaymentRef loads the intake item created for a payment.
func (s *Service) GetItemByPaymentRef(ctx context.Context, paymentRef string) (*intake.Item, error) {
	return s.rt.Queue().GetByPaymentRef(ctx, paymentRef)
}

// CurrentSequence returns the last issued registration number.
func (s *Service) CurrentSequence(ctx context.Context) (uint64, error) {
	return s.rt.Allocator().Current(ctx)
}

// RetryItem resets a failed or stuck item and asks the processor to run.
func (s *Service) RetryItem(ctx context.Context, itemID string) (*intake.Item, error) {
	it, err := s.rt.Queue().Retry(ctx, itemID)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("processor triggered for retried item", log.Str("id", it.ID))
	s.proc.Trigger()
	return it, nil
}

// TriggerProcessing runs one processor batch and waits for it.
func (s *Service) TriggerProcessing(ctx context.Context) (processor.BatchResult, error) {
	return s.proc.ProcessBatch(ctx, s.proc.WorkerID())
}

// GetRegistration loads a registration by sequence id.
func (s *Service) GetRegistration(ctx context.Context, sequenceID uint64) (*registration.Registration, error) {
	return s.rt.Registrations().Get(ctx, sequenceID)
}

// GetRegistrationByRef loads the registration written for a payment.
func (s *Service) GetRegistrationByRef(ctx context.Context, paymentRef string) (*registration.Registration, error) {
	return s.rt.Registrations().GetByPaymentRef(ctx, paymentRef)
}

// ListRegistrations pages through registrations in sequence order.
func (s *Service) ListRegistrations(ctx context.Context, after uint64, limit int) ([]*registration.Registration, error) {
	return s.rt.Registrations().List(ctx, after, limit)
}

// notifyingWriter sends the confirmation for registrations written on the
// request path; the processor dispatches its own.
type notifyingWriter struct {
	writer   *registration.Writer
	notifier notify.Notifier
	runner   *async.Runner
}

// Write notifies only when this call created the registration; a repeat
// write returns the existing record, which was confirmed when it was made.
func (w *notifyingWriter) Write(ctx context.Context, req registration.WriteRequest, maxRetries int) (*registration.Registration, error) {
	reg, created, err := w.writer.WriteCreated(ctx, req, maxRetries)
	if err != nil {
		return nil, err
	}
	if !created {
		return reg, nil
	}
	c := notify.ConfirmationFor(reg)
	w.runner.Go("notify", func(ctx context.Context) error {
		return w.notifier.Notify(ctx, c)
	})
	return reg, nil
}
