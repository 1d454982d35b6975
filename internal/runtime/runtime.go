package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	cfgpkg "github.com/rzbill/regflow/internal/config"
	"github.com/rzbill/regflow/internal/intake"
	"github.com/rzbill/regflow/internal/registration"
	"github.com/rzbill/regflow/internal/sequence"
	pebblestore "github.com/rzbill/regflow/internal/storage/pebble"
	"github.com/rzbill/regflow/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
	// Now overrides the clock of every component. Tests only.
	Now func() time.Time
}

// Runtime is one open store session and the components built on it.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config
	logger log.Logger

	queue     *intake.Queue
	regs      *registration.PebbleStore
	allocator *sequence.Allocator
	writer    *registration.Writer

	now       func() time.Time
	healthMu  sync.Mutex
	healthyAt time.Time
}

var healthKey = []byte("meta/health")

// healthTTL is how long a passing store check is reused. Health endpoints
// are polled often and each check is a synced write.
const healthTTL = time.Second

// Open opens the store, retrying up to Store.OpenRetries times, and wires the
// components. The sequence counter is initialized eagerly; a failure there is
// logged and retried lazily by the allocator.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = logger.WithComponent("runtime")
	if cfg.Store.DataDir == "" {
		return nil, errors.New("runtime: store data dir is required")
	}

	tries := max(cfg.Store.OpenRetries, 1)
	delay := cfg.Store.OpenRetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay

	db, err := backoff.Retry(ctx, func() (*pebblestore.DB, error) {
		return pebblestore.Open(pebblestore.Options{
			DataDir: cfg.Store.DataDir,
			Fsync:   pebblestore.ParseFsyncMode(cfg.Store.Fsync),
			Metrics: pebblestore.SlowOpLogger{
				Logger:    logger.WithComponent("pebble"),
				Threshold: slowThreshold(cfg.Store.SlowOpThreshold),
			},
		})
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("store open failed, retrying",
				log.Str("data_dir", cfg.Store.DataDir), log.Dur("wait", wait), log.Err(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("open store %s after %d attempts: %w", cfg.Store.DataDir, tries, err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rt := &Runtime{db: db, config: cfg, logger: logger, now: now}
	rt.queue = intake.Open(db, intake.Options{Logger: opts.Logger, Now: opts.Now})
	rt.regs = registration.NewPebbleStore(db)
	rt.allocator = sequence.New(db, sequence.Options{
		Floor:  cfg.Writer.SequenceFloor,
		Buffer: cfg.Writer.SequenceBuffer,
		Seed:   rt.regs,
		Logger: opts.Logger,
		Now:    opts.Now,
	})
	rt.writer = registration.NewWriter(rt.regs, rt.allocator, registration.WriterOptions{
		Logger: opts.Logger,
		Now:    opts.Now,
	})

	if err := rt.allocator.Initialize(ctx); err != nil {
		logger.Warn("sequence counter not initialized at startup", log.Err(err))
	}
	logger.Info("store opened",
		log.Str("data_dir", cfg.Store.DataDir),
		log.Str("fsync", cfg.Store.Fsync))
	return rt, nil
}

func slowThreshold(d time.Duration) time.Duration {
	if d <= 0 {
		return 250 * time.Millisecond
	}
	return d
}

// Close closes the store. It is safe to call more than once.
func (r *Runtime) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	if r.db.Closed() {
		return nil
	}
	r.logger.Info("closing store")
	return r.db.Close()
}

// CheckHealth writes and reads back a marker key, bounded by Store.OpTimeout.
// A pass is reused for healthTTL; a closed store always fails.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("runtime: store not open")
	}
	if r.db.Closed() {
		return fmt.Errorf("store health: %w", pebblestore.ErrClosed)
	}
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	if !r.healthyAt.IsZero() && r.now().Sub(r.healthyAt) < healthTTL {
		return nil
	}
	timeout := r.config.Store.OpTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		stamp := []byte(strconv.FormatInt(r.now().UnixNano(), 10))
		if err := r.db.Set(healthKey, stamp); err != nil {
			done <- err
			return
		}
		_, err := r.db.Get(healthKey)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			r.healthyAt = time.Time{}
			return fmt.Errorf("store health: %w", err)
		}
		r.healthyAt = r.now()
		return nil
	case <-ctx.Done():
		r.healthyAt = time.Time{}
		return fmt.Errorf("store health: %w", ctx.Err())
	}
}

func (r *Runtime) Queue() *intake.Queue                     { return r.queue }
func (r *Runtime) Registrations() *registration.PebbleStore { return r.regs }
func (r *Runtime) Allocator() *sequence.Allocator           { return r.allocator }
func (r *Runtime) Writer() *registration.Writer             { return r.writer }

// DB exposes the underlying store for maintenance commands.
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
