package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rzbill/regflow/internal/intake"
	"github.com/rzbill/regflow/internal/registration"
	"github.com/rzbill/regflow/pkg/log"
)

// Status is how far a request got before it returned.
type Status string

const (
	// StatusProcessed means the registration exists.
	StatusProcessed Status = "processed"
	// StatusQueued means the intake item is durable and the processor will
	// write the registration.
	StatusQueued Status = "queued"
	// StatusEmergency means the queue was unavailable and the registration
	// was written directly.
	StatusEmergency Status = "emergency"
)

// Response is returned to the caller of Register.
type Response struct {
	Status     Status `json:"status"`
	ItemID     string `json:"item_id,omitempty"`
	PaymentRef string `json:"payment_ref"`
	SequenceID uint64 `json:"sequence_id,omitempty"`
}

// Queue is the intake queue surface the orchestrator needs.
type Queue interface {
	Enqueue(ctx context.Context, req intake.EnqueueRequest) (*intake.Item, error)
	MarkCompleted(ctx context.Context, itemID, holder string) error
}

// Writer persists registrations.
type Writer interface {
	Write(ctx context.Context, req registration.WriteRequest, maxRetries int) (*registration.Registration, error)
}

// Registrations looks up already written registrations.
type Registrations interface {
	GetByPaymentRef(ctx context.Context, paymentRef string) (*registration.Registration, error)
}

// Trigger asks the processor for a batch without waiting for it.
type Trigger interface {
	Trigger()
}

// Options configures an Orchestrator. Zero values take the defaults.
type Options struct {
	EnqueueRetries   int
	ImmediateRetries int
	EmergencyRetries int
	MaxAttempts      int
	// OpTimeout bounds each queue call.
	OpTimeout time.Duration
	// EnqueueBackoff is the first delay between enqueue attempts.
	EnqueueBackoff time.Duration
	// Health, when set, runs before each request. A failing check sends the
	// request straight to the emergency path.
	Health func(ctx context.Context) error
	Logger log.Logger
}

const (
	DefaultEnqueueRetries   = 3
	DefaultImmediateRetries = 3
	DefaultEmergencyRetries = 20
	DefaultOpTimeout        = 5 * time.Second
	DefaultEnqueueBackoff   = 100 * time.Millisecond
)

// Orchestrator runs the registration request flow.
type Orchestrator struct {
	queue   Queue
	writer  Writer
	regs    Registrations
	trigger Trigger
	opts    Options
	logger  log.Logger
}

func New(queue Queue, writer Writer, regs Registrations, trigger Trigger, opts Options) *Orchestrator {
	if opts.EnqueueRetries <= 0 {
		opts.EnqueueRetries = DefaultEnqueueRetries
	}
	if opts.ImmediateRetries <= 0 {
		opts.ImmediateRetries = DefaultImmediateRetries
	}
	if opts.EmergencyRetries <= 0 {
		opts.EmergencyRetries = DefaultEmergencyRetries
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = intake.DefaultMaxAttempts
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.EnqueueBackoff <= 0 {
		opts.EnqueueBackoff = DefaultEnqueueBackoff
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	return &Orchestrator{
		queue:   queue,
		writer:  writer,
		regs:    regs,
		trigger: trigger,
		opts:    opts,
		logger:  opts.Logger.WithComponent("orchestrator"),
	}
}

// Register validates req, makes it durable and tries to write the
// registration. Only validation and manual-intervention failures are
// returned as errors; everything else resolves to a Response.
func (o *Orchestrator) Register(ctx context.Context, req Request) (*Response, error) {
	ctx, span := otel.Tracer("regflow/orchestrator").Start(ctx, "orchestrator.register")
	defer span.End()
	span.SetAttributes(attribute.String("regflow.payment_ref", req.PaymentRef))

	resp, err := o.register(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("regflow.status", string(resp.Status)))
	return resp, nil
}

func (o *Orchestrator) register(ctx context.Context, req Request) (*Response, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	logger := o.logger.With(log.PaymentRef(req.PaymentRef))

	if o.opts.Health != nil {
		if err := o.opts.Health(ctx); err != nil {
			logger.Error("store unhealthy, skipping intake queue", log.Err(err))
			return o.emergency(ctx, req, err)
		}
	}

	item, err := o.enqueue(ctx, req)
	switch {
	case errors.Is(err, intake.ErrDuplicate):
		return o.duplicate(ctx, req, item)
	case err != nil:
		logger.Error("intake enqueue failed", log.Err(err))
		return o.emergency(ctx, req, err)
	}

	reg, err := o.writer.Write(ctx, writeRequest(req), o.opts.ImmediateRetries)
	if err != nil {
		logger.Warn("immediate registration write failed, queued for processor",
			log.Str("id", item.ID), log.Err(err))
		o.trigger.Trigger()
		return &Response{Status: StatusQueued, ItemID: item.ID, PaymentRef: req.PaymentRef}, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, o.opts.OpTimeout)
	defer cancel()
	if err := o.queue.MarkCompleted(opCtx, item.ID, ""); err != nil {
		// the processor will lease it, find the registration and complete it
		logger.Warn("could not mark item completed", log.Str("id", item.ID), log.Err(err))
	}
	logger.Info("registration processed",
		log.Str("id", item.ID),
		log.Uint64("sequence_id", reg.SequenceID))
	return &Response{
		Status:     StatusProcessed,
		ItemID:     item.ID,
		PaymentRef: req.PaymentRef,
		SequenceID: reg.SequenceID,
	}, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, req Request) (*intake.Item, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.EnqueueBackoff

	var item *intake.Item
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, o.opts.OpTimeout)
		defer cancel()
		it, err := o.queue.Enqueue(opCtx, intake.EnqueueRequest{
			PaymentRef:       req.PaymentRef,
			OrderRef:         req.OrderRef,
			PaymentSignature: req.Signature,
			Amount:           req.Amount,
			Payload:          req.Payload,
			MaxAttempts:      o.opts.MaxAttempts,
		})
		item = it
		if errors.Is(err, intake.ErrDuplicate) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.opts.EnqueueRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			o.logger.Warn("enqueue failed, retrying",
				log.PaymentRef(req.PaymentRef), log.Dur("wait", wait), log.Err(err))
		}),
	)
	return item, err
}

// duplicate answers a request whose payment reference is already in the
// queue. existing is nil when the item was purged after completion.
func (o *Orchestrator) duplicate(ctx context.Context, req Request, existing *intake.Item) (*Response, error) {
	logger := o.logger.With(log.PaymentRef(req.PaymentRef))
	resp := &Response{Status: StatusQueued, PaymentRef: req.PaymentRef}
	if existing != nil {
		resp.ItemID = existing.ID
	}

	if existing == nil || existing.State == intake.StateCompleted {
		opCtx, cancel := context.WithTimeout(ctx, o.opts.OpTimeout)
		defer cancel()
		reg, err := o.regs.GetByPaymentRef(opCtx, req.PaymentRef)
		if err == nil {
			logger.Debug("duplicate request for processed payment")
			resp.Status = StatusProcessed
			resp.SequenceID = reg.SequenceID
			return resp, nil
		}
		logger.Warn("duplicate payment has no registration yet", log.Err(err))
	}
	if existing != nil && existing.State == intake.StateFailed && existing.Exhausted() {
		logger.Warn("duplicate request for permanently failed item", log.Str("id", existing.ID))
	}
	o.trigger.Trigger()
	return resp, nil
}

// emergency writes the registration without a durable intake item. It
// ignores caller cancellation: the payment is already taken.
func (o *Orchestrator) emergency(ctx context.Context, req Request, cause error) (*Response, error) {
	logger := o.logger.With(log.PaymentRef(req.PaymentRef))
	reg, err := o.writer.Write(context.WithoutCancel(ctx), writeRequest(req), o.opts.EmergencyRetries)
	if err != nil {
		logger.Error("emergency registration write failed; manual intervention required",
			log.Str("cause", cause.Error()), log.Err(err))
		return nil, &ManualInterventionError{
			PaymentRef: req.PaymentRef,
			Err:        fmt.Errorf("enqueue: %v; direct write: %w", cause, err),
		}
	}
	logger.Error("registration written on emergency path without intake item",
		log.Uint64("sequence_id", reg.SequenceID), log.Str("cause", cause.Error()))
	return &Response{Status: StatusEmergency, PaymentRef: req.PaymentRef, SequenceID: reg.SequenceID}, nil
}

func writeRequest(req Request) registration.WriteRequest {
	return registration.WriteRequest{
		PaymentRef: req.PaymentRef,
		OrderRef:   req.OrderRef,
		Amount:     req.Amount,
		Payload:    req.Payload,
	}
}
